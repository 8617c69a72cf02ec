package relay

import "strings"

// Topic layout for the device-facing channel. Devices publish heartbeats,
// acks and events under their own id; the relay publishes commands back.
const (
	topicPrefix = "devices"

	// HeartbeatTopicPattern matches every device's heartbeat topic.
	HeartbeatTopicPattern = topicPrefix + "/+/heartbeat"

	// AckTopicPattern matches every device's command-ack topic.
	AckTopicPattern = topicPrefix + "/+/ack"

	// EventTopicPattern matches every device's event topic.
	EventTopicPattern = topicPrefix + "/+/event"
)

// CommandTopic returns the command topic for one device.
func CommandTopic(deviceID string) string {
	return topicPrefix + "/" + deviceID + "/cmd"
}

// DeviceIDFromTopic extracts the device id segment from a
// devices/<id>/<kind> topic. Returns "" when the topic does not follow that
// layout.
func DeviceIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 || parts[0] != topicPrefix {
		return ""
	}
	return parts[1]
}

// MatchTopic reports whether topic matches pattern using MQTT-style
// wildcards: "+" matches exactly one segment, "#" (only meaningful as the
// last pattern segment) matches the entire remaining path, including an
// empty one.
func MatchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}

	pp := strings.Split(pattern, "/")
	tp := strings.Split(topic, "/")

	for i, seg := range pp {
		if seg == "#" {
			return i == len(pp)-1
		}
		if i >= len(tp) {
			return false
		}
		if seg != "+" && seg != tp[i] {
			return false
		}
	}
	return len(pp) == len(tp)
}
