package archive

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ppiankov/serialtap/internal/rotate"
	"github.com/ppiankov/serialtap/internal/sertypes"
)

// Filter provides two-tier filtering: file-level skip and entry-level match.
type Filter struct {
	From  time.Time
	To    time.Time
	Ports []string
	Kinds []sertypes.Kind
	Grep  *regexp.Regexp
}

// SkipFile returns true if the entire file can be skipped based on index metadata.
func (f *Filter) SkipFile(idx *rotate.IndexEntry) bool {
	if f == nil || idx == nil {
		return false
	}

	// time: skip if no overlap
	if !f.From.IsZero() && idx.To.Before(f.From) {
		return true
	}
	if !f.To.IsZero() && idx.From.After(f.To) {
		return true
	}

	// ports: skip when the index recorded tallies and none of the wanted
	// ports appear in this file
	if len(f.Ports) > 0 && len(idx.Ports) > 0 {
		any := false
		for _, p := range f.Ports {
			if idx.Ports[p] > 0 {
				any = true
				break
			}
		}
		if !any {
			return true
		}
	}

	// kinds: same rule against the kind tallies
	if len(f.Kinds) > 0 && len(idx.Kinds) > 0 {
		any := false
		for _, k := range f.Kinds {
			if idx.Kinds[string(k)] > 0 {
				any = true
				break
			}
		}
		if !any {
			return true
		}
	}

	// grep: cannot skip at file level
	return false
}

// MatchEntry returns true if the entry passes all filter criteria.
func (f *Filter) MatchEntry(e sertypes.Entry) bool {
	if f == nil {
		return true
	}

	// time range
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}

	// ports (OR logic within the list)
	if len(f.Ports) > 0 {
		found := false
		for _, p := range f.Ports {
			if e.Port == p {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	// kinds
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if e.Kind == k {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	// grep
	if f.Grep != nil && !f.Grep.MatchString(e.Data) {
		return false
	}

	return true
}

// ParseTimeFlag parses a time string in one of three formats:
// - RFC3339: "2026-01-15T10:32:00Z"
// - HH:MM: "10:32" — resolved against refDate
// - Relative: "-30m" — resolved against refTime
func ParseTimeFlag(s string, refDate, refTime time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}

	// try RFC3339
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}

	// try HH:MM
	if len(s) == 5 && s[2] == ':' {
		t, err := time.Parse("15:04", s)
		if err == nil {
			return time.Date(
				refDate.Year(), refDate.Month(), refDate.Day(),
				t.Hour(), t.Minute(), 0, 0, refDate.Location(),
			), nil
		}
	}

	// try relative duration (e.g. "-30m", "-2h")
	if strings.HasPrefix(s, "-") {
		d, err := time.ParseDuration(s[1:])
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		return refTime.Add(-d), nil
	}

	return time.Time{}, fmt.Errorf("unrecognized time format: %q", s)
}

// ParseKindFlag parses a comma-separated list of entry kinds.
func ParseKindFlag(s string) ([]sertypes.Kind, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var kinds []sertypes.Kind
	for _, part := range strings.Split(s, ",") {
		k := sertypes.Kind(strings.TrimSpace(part))
		if !k.Valid() {
			return nil, fmt.Errorf("unknown entry kind %q", part)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}
