package maintenance

import (
	"testing"
	"time"
)

func TestParseName(t *testing.T) {
	cases := []struct {
		in     string
		want   Name
		wantOK bool
	}{
		{"p_202507", Name{2025, time.July, 0}, true},
		{"p_202507_a", Name{2025, time.July, 'a'}, true},
		{"p_202412_z", Name{2024, time.December, 'z'}, true},
		{"p_202513", Name{}, false},   // month 13
		{"p_202500", Name{}, false},   // month 0
		{"p_202507", Name{}, false},   // seven digits
		{"p_20250", Name{}, false},    // five digits
		{"p_202507_A", Name{}, false}, // uppercase suffix
		{"p_202507_ab", Name{}, false},
		{"location_history", Name{}, false},
		{"p_202507; DROP TABLE x", Name{}, false},
		{"", Name{}, false},
	}
	for _, c := range cases {
		got, err := ParseName(c.in)
		if c.wantOK {
			if err != nil {
				t.Errorf("ParseName(%q) error: %v", c.in, err)
				continue
			}
			if got != c.want {
				t.Errorf("ParseName(%q) = %+v, want %+v", c.in, got, c.want)
			}
			continue
		}
		if err == nil {
			t.Errorf("ParseName(%q) accepted", c.in)
			continue
		}
		if !IsKind(err, KindInvalidName) {
			t.Errorf("ParseName(%q) kind = %v, want invalid_name", c.in, err)
		}
	}
}

func TestNameString(t *testing.T) {
	if got := (Name{2025, time.July, 0}).String(); got != "p_202507" {
		t.Errorf("primary = %q", got)
	}
	if got := (Name{2025, time.July, 'b'}).String(); got != "p_202507_b" {
		t.Errorf("suffixed = %q", got)
	}
	if got := (Name{2024, time.March, 0}).String(); got != "p_202403" {
		t.Errorf("zero-padded month = %q", got)
	}
}

func TestNameRange(t *testing.T) {
	from, to := (Name{2025, time.July, 0}).Range()
	if want := time.Date(2025, time.July, 1, 0, 0, 0, 0, time.UTC); !from.Equal(want) {
		t.Errorf("from = %v, want %v", from, want)
	}
	if want := time.Date(2025, time.August, 1, 0, 0, 0, 0, time.UTC); !to.Equal(want) {
		t.Errorf("to = %v, want %v", to, want)
	}

	// December rolls into the next year.
	from, to = (Name{2024, time.December, 0}).Range()
	if from.Month() != time.December || to.Year() != 2025 || to.Month() != time.January {
		t.Errorf("december range = [%v, %v)", from, to)
	}
}

func TestCleanupCutoff(t *testing.T) {
	// Retention 12 with the clock in 2025-07 keeps p_202407 and newer.
	now := time.Date(2025, time.July, 15, 10, 0, 0, 0, time.UTC)
	if got := cleanupCutoff(now, 12); got != 202407 {
		t.Fatalf("cutoff = %d, want 202407", got)
	}

	kept := Name{2024, time.July, 0}
	dropped := Name{2024, time.June, 0}
	if kept.YM() < 202407 {
		t.Errorf("p_202407 would be dropped")
	}
	if dropped.YM() >= 202407 {
		t.Errorf("p_202406 would be kept")
	}

	// Cutoffs cross year boundaries by calendar months, not days.
	now = time.Date(2025, time.January, 31, 0, 0, 0, 0, time.UTC)
	if got := cleanupCutoff(now, 3); got != 202410 {
		t.Errorf("cutoff = %d, want 202410", got)
	}
}

func TestNextFreeSuffix(t *testing.T) {
	s, ok := nextFreeSuffix(map[byte]bool{})
	if !ok || s != 'a' {
		t.Errorf("first suffix = %c, %v", s, ok)
	}

	s, ok = nextFreeSuffix(map[byte]bool{'a': true, 'b': true})
	if !ok || s != 'c' {
		t.Errorf("next suffix = %c, %v", s, ok)
	}

	// Gaps fill before the tail grows.
	s, ok = nextFreeSuffix(map[byte]bool{'a': true, 'c': true})
	if !ok || s != 'b' {
		t.Errorf("gap suffix = %c, %v", s, ok)
	}

	all := map[byte]bool{}
	for c := byte('a'); c <= 'z'; c++ {
		all[c] = true
	}
	if _, ok := nextFreeSuffix(all); ok {
		t.Errorf("exhausted alphabet still yielded a suffix")
	}
}
