// Package broadcast fans accepted samples, alerts and stats snapshots out to
// push-channel subscribers, with per-topic subscriber sets and best-effort
// delivery. Failures on one topic never block the others.
package broadcast

import (
	"fmt"
	"strconv"
	"strings"
)

// Fixed topics.
const (
	TopicLocationUpdates = "/topic/location-updates"
	TopicAlerts          = "/topic/alerts"
	TopicStats           = "/topic/stats"
)

// Role segments for owner-scoped location topics.
const (
	RoleDealer     = "dealer"
	RoleAdmin      = "admin"
	RoleClient     = "client"
	RoleUser       = "user"
	RoleSuperadmin = "superadmin"
)

const (
	devicePrefix = "/topic/device/"
	rolePrefix   = TopicLocationUpdates + "/"
)

// DeviceTopic returns the single-device topic.
func DeviceTopic(deviceID string) string {
	return devicePrefix + deviceID
}

// RoleTopic returns the owner-scoped location topic.
func RoleTopic(role string, id int64) string {
	return fmt.Sprintf("%s%s/%d", rolePrefix, role, id)
}

// ValidTopic reports whether clients may subscribe to the topic.
func ValidTopic(topic string) bool {
	switch topic {
	case TopicLocationUpdates, TopicAlerts, TopicStats:
		return true
	}
	if rest, ok := strings.CutPrefix(topic, devicePrefix); ok {
		return rest != "" && !strings.Contains(rest, "/")
	}
	if rest, ok := strings.CutPrefix(topic, rolePrefix); ok {
		role, id, found := strings.Cut(rest, "/")
		if !found || id == "" {
			return false
		}
		switch role {
		case RoleDealer, RoleAdmin, RoleClient, RoleUser, RoleSuperadmin:
			_, err := strconv.ParseInt(id, 10, 64)
			return err == nil
		}
		return false
	}
	return false
}
