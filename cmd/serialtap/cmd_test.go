package main

import (
	"testing"
	"time"

	"github.com/ppiankov/serialtap/internal/monitor"
	"github.com/ppiankov/serialtap/internal/sertypes"
)

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		input   string
		want    int64
		wantErr bool
	}{
		{"1024", 1024, false},
		{"1KB", 1024, false},
		{"64MB", 64 << 20, false},
		{"2GB", 2 << 30, false},
		{"1.5GB", int64(1.5 * (1 << 30)), false},
		{"1TB", 1 << 40, false},
		{"100B", 100, false},
		{" 10 MB ", 10 << 20, false},
		{"", 0, true},
		{"abc", 0, true},
		{"-5MB", 0, true},
	}
	for _, tc := range tests {
		got, err := parseByteSize(tc.input)
		if tc.wantErr {
			if err == nil {
				t.Errorf("%q: expected error", tc.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: %v", tc.input, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%q: got %d, want %d", tc.input, got, tc.want)
		}
	}
}

func TestParseParity(t *testing.T) {
	tests := []struct {
		input   string
		want    sertypes.Parity
		wantErr bool
	}{
		{"none", sertypes.ParityNone, false},
		{"N", sertypes.ParityNone, false},
		{"even", sertypes.ParityEven, false},
		{"E", sertypes.ParityEven, false},
		{"odd", sertypes.ParityOdd, false},
		{"mark", sertypes.ParityMark, false},
		{"space", sertypes.ParitySpace, false},
		{"bogus", "", true},
	}
	for _, tc := range tests {
		got, err := parseParity(tc.input)
		if tc.wantErr {
			if err == nil {
				t.Errorf("%q: expected error", tc.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: %v", tc.input, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%q: got %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestSerialConfig(t *testing.T) {
	scfg, err := serialConfig(0, "")
	if err != nil {
		t.Fatal(err)
	}
	if scfg.BaudRate != 115200 || scfg.Parity != sertypes.ParityNone {
		t.Errorf("defaults: %+v", scfg)
	}

	scfg, err = serialConfig(9600, "even")
	if err != nil {
		t.Fatal(err)
	}
	if scfg.BaudRate != 9600 || scfg.Parity != sertypes.ParityEven {
		t.Errorf("overrides: %+v", scfg)
	}

	if _, err := serialConfig(9600, "weird"); err == nil {
		t.Error("expected error for bad parity")
	}
}

func TestParseExportFormat(t *testing.T) {
	for _, s := range []string{"parquet", "csv", "jsonl"} {
		if _, err := parseExportFormat(s); err != nil {
			t.Errorf("%q: %v", s, err)
		}
	}
	if _, err := parseExportFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
}

func TestBuildFilter(t *testing.T) {
	started := time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)
	stopped := time.Date(2026, 1, 15, 11, 0, 0, 0, time.UTC)
	meta := &monitor.Metadata{Started: started, Stopped: stopped}

	// no flags -> nil filter
	f, err := buildFilter("", "", nil, "", "", meta)
	if err != nil {
		t.Fatal(err)
	}
	if f != nil {
		t.Fatal("expected nil filter when no flags set")
	}

	// HH:MM resolves against the capture start date
	f, err = buildFilter("10:30", "", nil, "", "", meta)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	if !f.From.Equal(want) {
		t.Errorf("From = %v, want %v", f.From, want)
	}

	// relative offsets resolve against stop time
	f, err = buildFilter("-30m", "", nil, "", "", meta)
	if err != nil {
		t.Fatal(err)
	}
	if !f.From.Equal(stopped.Add(-30 * time.Minute)) {
		t.Errorf("From = %v", f.From)
	}

	// kinds and ports
	f, err = buildFilter("", "", []string{"/dev/ttyACM0"}, "received,error", "", meta)
	if err != nil {
		t.Fatal(err)
	}
	if len(f.Ports) != 1 || len(f.Kinds) != 2 {
		t.Errorf("filter = %+v", f)
	}

	// bad inputs
	if _, err := buildFilter("yesterday", "", nil, "", "", meta); err == nil {
		t.Error("expected error for bad --from")
	}
	if _, err := buildFilter("", "", nil, "bogus", "", meta); err == nil {
		t.Error("expected error for bad --kind")
	}
	if _, err := buildFilter("", "", nil, "", "([", meta); err == nil {
		t.Error("expected error for bad --grep")
	}
}

func TestStripPrefix(t *testing.T) {
	tests := []struct {
		key, prefix, want string
	}{
		{"bench-a/metadata.json", "bench-a", "metadata.json"},
		{"bench-a/metadata.json", "", "bench-a/metadata.json"},
		{"deep/nested/file", "deep", "nested/file"},
	}
	for _, tc := range tests {
		if got := stripPrefix(tc.key, tc.prefix); got != tc.want {
			t.Errorf("stripPrefix(%q, %q) = %q, want %q", tc.key, tc.prefix, got, tc.want)
		}
	}
}
