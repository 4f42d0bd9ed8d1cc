package broadcast

import "testing"

func TestValidTopic(t *testing.T) {
	cases := []struct {
		topic string
		want  bool
	}{
		{TopicLocationUpdates, true},
		{TopicAlerts, true},
		{TopicStats, true},
		{"/topic/device/DEV123", true},
		{"/topic/location-updates/dealer/7", true},
		{"/topic/location-updates/admin/1", true},
		{"/topic/location-updates/client/42", true},
		{"/topic/location-updates/user/9000", true},
		{"/topic/location-updates/superadmin/1", true},

		{"", false},
		{"/topic/unknown", false},
		{"/topic/device/", false},
		{"/topic/device/a/b", false},
		{"/topic/location-updates/", false},
		{"/topic/location-updates/boss/7", false},
		{"/topic/location-updates/dealer", false},
		{"/topic/location-updates/dealer/", false},
		{"/topic/location-updates/dealer/abc", false},
		{"/topic/location-updates/dealer/7/8", false},
		{"location-updates", false},
	}
	for _, tc := range cases {
		if got := ValidTopic(tc.topic); got != tc.want {
			t.Errorf("ValidTopic(%q) = %v, want %v", tc.topic, got, tc.want)
		}
	}
}

func TestDeviceTopic(t *testing.T) {
	got := DeviceTopic("DEV1")
	if got != "/topic/device/DEV1" {
		t.Errorf("DeviceTopic = %q", got)
	}
	if !ValidTopic(got) {
		t.Errorf("DeviceTopic output should validate")
	}
}

func TestRoleTopic(t *testing.T) {
	got := RoleTopic(RoleDealer, 7)
	if got != "/topic/location-updates/dealer/7" {
		t.Errorf("RoleTopic = %q", got)
	}
	if !ValidTopic(got) {
		t.Errorf("RoleTopic output should validate")
	}
}
