package archive

import (
	"regexp"
	"testing"
	"time"

	"github.com/ppiankov/serialtap/internal/rotate"
	"github.com/ppiankov/serialtap/internal/sertypes"
)

func TestParseTimeFlag(t *testing.T) {
	refDate := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	refTime := time.Date(2026, 1, 15, 10, 45, 0, 0, time.UTC)

	tests := []struct {
		name    string
		input   string
		want    time.Time
		wantErr bool
	}{
		{"empty", "", time.Time{}, false},
		{"rfc3339", "2026-01-15T10:32:00Z", time.Date(2026, 1, 15, 10, 32, 0, 0, time.UTC), false},
		{"hh:mm", "10:32", time.Date(2026, 1, 15, 10, 32, 0, 0, time.UTC), false},
		{"relative", "-30m", refTime.Add(-30 * time.Minute), false},
		{"garbage", "yesterday", time.Time{}, true},
	}
	for _, tc := range tests {
		got, err := ParseTimeFlag(tc.input, refDate, refTime)
		if tc.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", tc.name)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: %v", tc.name, err)
			continue
		}
		if !got.Equal(tc.want) {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestParseKindFlag(t *testing.T) {
	kinds, err := ParseKindFlag("received, sent")
	if err != nil {
		t.Fatal(err)
	}
	if len(kinds) != 2 || kinds[0] != sertypes.KindReceived || kinds[1] != sertypes.KindSent {
		t.Fatalf("unexpected kinds: %v", kinds)
	}

	if _, err := ParseKindFlag("bogus"); err == nil {
		t.Fatal("expected error for unknown kind")
	}

	kinds, err = ParseKindFlag("")
	if err != nil || kinds != nil {
		t.Fatalf("empty flag: got %v, %v", kinds, err)
	}
}

func TestFilter_MatchEntry(t *testing.T) {
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	entry := sertypes.Entry{
		Seq:       7,
		Timestamp: base,
		Port:      "/dev/ttyACM0",
		Kind:      sertypes.KindReceived,
		Data:      "temp=21.5 ok",
	}

	tests := []struct {
		name   string
		filter *Filter
		want   bool
	}{
		{"nil filter", nil, true},
		{"empty filter", &Filter{}, true},
		{"time inside", &Filter{From: base.Add(-time.Minute), To: base.Add(time.Minute)}, true},
		{"before from", &Filter{From: base.Add(time.Minute)}, false},
		{"after to", &Filter{To: base.Add(-time.Minute)}, false},
		{"port match", &Filter{Ports: []string{"/dev/ttyACM0"}}, true},
		{"port mismatch", &Filter{Ports: []string{"/dev/ttyUSB0"}}, false},
		{"port list any", &Filter{Ports: []string{"/dev/ttyUSB0", "/dev/ttyACM0"}}, true},
		{"kind match", &Filter{Kinds: []sertypes.Kind{sertypes.KindReceived}}, true},
		{"kind mismatch", &Filter{Kinds: []sertypes.Kind{sertypes.KindError}}, false},
		{"grep match", &Filter{Grep: regexp.MustCompile(`temp=\d+`)}, true},
		{"grep mismatch", &Filter{Grep: regexp.MustCompile(`humidity`)}, false},
		{"combined", &Filter{Ports: []string{"/dev/ttyACM0"}, Grep: regexp.MustCompile("ok")}, true},
	}
	for _, tc := range tests {
		if got := tc.filter.MatchEntry(entry); got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestFilter_SkipFile(t *testing.T) {
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	idx := &rotate.IndexEntry{
		File:  "x.jsonl",
		From:  base,
		To:    base.Add(time.Hour),
		Ports: map[string]int64{"/dev/ttyACM0": 10},
		Kinds: map[string]int64{"received": 9, "sent": 1},
	}

	tests := []struct {
		name   string
		filter *Filter
		want   bool
	}{
		{"no filter", &Filter{}, false},
		{"time overlap", &Filter{From: base.Add(30 * time.Minute)}, false},
		{"ends before from", &Filter{From: base.Add(2 * time.Hour)}, true},
		{"starts after to", &Filter{To: base.Add(-time.Hour)}, true},
		{"port present", &Filter{Ports: []string{"/dev/ttyACM0"}}, false},
		{"port absent", &Filter{Ports: []string{"/dev/ttyUSB0"}}, true},
		{"kind present", &Filter{Kinds: []sertypes.Kind{sertypes.KindSent}}, false},
		{"kind absent", &Filter{Kinds: []sertypes.Kind{sertypes.KindError}}, true},
		{"grep never skips", &Filter{Grep: regexp.MustCompile("x")}, false},
	}
	for _, tc := range tests {
		if got := tc.filter.SkipFile(idx); got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}

	// no tallies recorded: cannot skip on ports/kinds
	bare := &rotate.IndexEntry{File: "y.jsonl", From: base, To: base.Add(time.Hour)}
	f := &Filter{Ports: []string{"/dev/ttyUSB0"}}
	if f.SkipFile(bare) {
		t.Error("file without port tallies must not be skipped")
	}
}
