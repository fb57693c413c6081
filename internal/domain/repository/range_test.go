package repository

import "testing"

func TestParseRange(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		total   int64
		start   int64
		end     int64
		full    bool
		wantErr bool
	}{
		{name: "absent", header: "", total: 100, full: true},
		{name: "closed", header: "bytes=10-19", total: 100, start: 10, end: 19},
		{name: "open ended", header: "bytes=90-", total: 100, start: 90, end: 99},
		{name: "suffix", header: "bytes=-10", total: 100, start: 90, end: 99},
		{name: "suffix larger than body", header: "bytes=-500", total: 100, start: 0, end: 99},
		{name: "end clamped", header: "bytes=50-500", total: 100, start: 50, end: 99},
		{name: "first byte", header: "bytes=0-0", total: 100, start: 0, end: 0},
		{name: "start past end of body", header: "bytes=100-", total: 100, wantErr: true},
		{name: "inverted", header: "bytes=30-20", total: 100, wantErr: true},
		{name: "malformed ignored", header: "bytes=abc", total: 100, full: true},
		{name: "non-bytes unit ignored", header: "items=0-5", total: 100, full: true},
		{name: "multi-range ignored", header: "bytes=0-1,5-6", total: 100, full: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rng, err := ParseRange(tt.header, tt.total)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRange failed: %v", err)
			}
			if tt.full {
				if rng != nil {
					t.Errorf("rng = %+v, want nil", rng)
				}
				return
			}
			if rng == nil {
				t.Fatal("rng = nil, want range")
			}
			if rng.Start != tt.start || rng.End != tt.end {
				t.Errorf("range = %d-%d, want %d-%d", rng.Start, rng.End, tt.start, tt.end)
			}
		})
	}
}
