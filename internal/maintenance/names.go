package maintenance

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// partNameRE matches primary month partitions (p_202507) and split
// sub-partitions (p_202507_b). Every identifier is matched before it comes
// near a statement.
var partNameRE = regexp.MustCompile(`^p_\d{6}(?:_[a-z])?$`)

// Name identifies one partition of location_history. Suffix is 0 for the
// primary month partition and 'a'..'z' for split sub-partitions.
type Name struct {
	Year   int
	Month  time.Month
	Suffix byte
}

// MonthName returns the primary partition name covering ts.
func MonthName(ts time.Time) Name {
	return Name{Year: ts.Year(), Month: ts.Month()}
}

// ParseName validates and decomposes a partition name.
func ParseName(s string) (Name, error) {
	if !partNameRE.MatchString(s) {
		return Name{}, &PartitionError{Kind: KindInvalidName, Name: s}
	}
	year, _ := strconv.Atoi(s[2:6])
	month, _ := strconv.Atoi(s[6:8])
	if month < 1 || month > 12 {
		return Name{}, &PartitionError{Kind: KindInvalidName, Name: s}
	}
	n := Name{Year: year, Month: time.Month(month)}
	if len(s) == 10 {
		n.Suffix = s[9]
	}
	return n, nil
}

func (n Name) String() string {
	if n.Suffix == 0 {
		return fmt.Sprintf("p_%04d%02d", n.Year, int(n.Month))
	}
	return fmt.Sprintf("p_%04d%02d_%c", n.Year, int(n.Month), n.Suffix)
}

// YM returns the sortable YYYYMM form used for retention comparisons.
func (n Name) YM() int { return n.Year*100 + int(n.Month) }

// Range returns the calendar month bounds [from, to). Split sub-partitions
// carry narrower bounds in the catalog; these are the outer month bounds.
func (n Name) Range() (from, to time.Time) {
	from = time.Date(n.Year, n.Month, 1, 0, 0, 0, 0, time.UTC)
	return from, from.AddDate(0, 1, 0)
}

// nextFreeSuffix returns the first letter in a..z not already in use.
func nextFreeSuffix(used map[byte]bool) (byte, bool) {
	for c := byte('a'); c <= 'z'; c++ {
		if !used[c] {
			return c, true
		}
	}
	return 0, false
}

// addMonths steps whole calendar months from the month containing t.
func addMonths(t time.Time, n int) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, n, 0)
}

// cleanupCutoff returns the oldest YYYYMM still inside the retention window
// ending at now. Partitions strictly older get dropped.
func cleanupCutoff(now time.Time, retentionMonths int) int {
	t := addMonths(now, -retentionMonths)
	return t.Year()*100 + int(t.Month())
}
