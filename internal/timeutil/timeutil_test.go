package timeutil

import (
	"testing"
	"time"
)

func ptr(s string) *string {
	return &s
}

func TestPtr(t *testing.T) {
	tests := []struct {
		name string
		in   time.Time
		want *string
	}{
		{
			name: "zero time returns nil",
			in:   time.Time{},
			want: nil,
		},
		{
			name: "non-zero returns RFC3339Nano UTC",
			in:   time.Date(2024, 6, 15, 12, 30, 45, 123000000, time.UTC),
			want: ptr("2024-06-15T12:30:45.123Z"),
		},
		{
			name: "converts to UTC",
			in:   time.Date(2024, 6, 15, 7, 30, 0, 0, time.FixedZone("EST", -5*60*60)),
			want: ptr("2024-06-15T12:30:00Z"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Ptr(tt.in)
			if tt.want == nil {
				if got != nil {
					t.Errorf("Ptr() = %v, want nil", *got)
				}
				return
			}
			if got == nil {
				t.Fatalf("Ptr() returned nil, want %q", *tt.want)
			}
			if *got != *tt.want {
				t.Errorf("Ptr() = %q, want %q", *got, *tt.want)
			}
		})
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name string
		in   time.Time
		want string
	}{
		{"zero time returns empty", time.Time{}, ""},
		{"non-zero returns RFC3339Nano UTC", time.Date(2024, 6, 15, 12, 30, 45, 0, time.UTC), "2024-06-15T12:30:45Z"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Format(tt.in); got != tt.want {
				t.Errorf("Format() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMillisRoundTrip(t *testing.T) {
	in := time.Date(2025, 3, 9, 8, 7, 6, 5_000_000, time.UTC)
	ms := Millis(in)
	if ms != in.UnixMilli() {
		t.Fatalf("Millis() = %d, want %d", ms, in.UnixMilli())
	}
	if got := FromMillis(ms); !got.Equal(in) {
		t.Errorf("FromMillis() = %v, want %v", got, in)
	}
}

func TestMillisZero(t *testing.T) {
	if got := Millis(time.Time{}); got != 0 {
		t.Errorf("Millis(zero) = %d, want 0", got)
	}
	if got := MillisPtr(time.Time{}); got != nil {
		t.Errorf("MillisPtr(zero) = %d, want nil", *got)
	}
	if got := FromMillis(0); !got.IsZero() {
		t.Errorf("FromMillis(0) = %v, want zero", got)
	}
	if got := FromMillisPtr(nil); got != nil {
		t.Errorf("FromMillisPtr(nil) = %v, want nil", *got)
	}
}

func TestFromMillisPtr(t *testing.T) {
	ms := int64(1_700_000_000_123)
	got := FromMillisPtr(&ms)
	if got == nil {
		t.Fatal("FromMillisPtr returned nil")
	}
	if got.UnixMilli() != ms {
		t.Errorf("UnixMilli = %d, want %d", got.UnixMilli(), ms)
	}
	if got.Location() != time.UTC {
		t.Errorf("location = %v, want UTC", got.Location())
	}
}
