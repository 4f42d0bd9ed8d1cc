package history

import (
	"math"
	"testing"
)

func TestHaversineKm(t *testing.T) {
	cases := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
		want                   float64
	}{
		{"same point", 44.7866, 20.4489, 44.7866, 20.4489, 0},
		{"one degree along equator", 0, 0, 0, 1, 111.1949},
		{"one degree along meridian", 0, 0, 1, 0, 111.1949},
		{"antipodal on equator", 0, 0, 0, 180, 20015.0868},
		{"pole to pole", 90, 0, -90, 0, 20015.0868},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := HaversineKm(tc.lat1, tc.lon1, tc.lat2, tc.lon2)
			if math.Abs(got-tc.want) > 0.01 {
				t.Errorf("HaversineKm = %f, want %f", got, tc.want)
			}
		})
	}
}

func TestHaversineKm_Symmetric(t *testing.T) {
	ab := HaversineKm(44.7866, 20.4489, 45.2671, 19.8335)
	ba := HaversineKm(45.2671, 19.8335, 44.7866, 20.4489)
	if math.Abs(ab-ba) > 1e-9 {
		t.Errorf("distance not symmetric: %f vs %f", ab, ba)
	}
	if ab < 60 || ab > 90 {
		t.Errorf("implausible intercity distance: %f km", ab)
	}
}
