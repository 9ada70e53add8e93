package telemetry

import (
	"encoding/json"
	"strings"
)

// WildcardTopic captures every kind published by every device.
const WildcardTopic = "mavlink/+/json/#"

// Topic is the decoded form of mavlink/{deviceId}/json/{kind}.
type Topic struct {
	DeviceID string
	Kind     string
}

// DecodeTopic extracts the device identifier (segment 1) and the kind
// (segment 3). It reports false for topics with fewer than four segments or
// an empty device or kind.
func DecodeTopic(topic string) (Topic, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 || parts[1] == "" || parts[3] == "" {
		return Topic{}, false
	}
	return Topic{DeviceID: parts[1], Kind: parts[3]}, true
}

// TelemetryTopic builds the topic a device publishes kind on.
func TelemetryTopic(deviceID, kind string) string {
	return "mavlink/" + deviceID + "/json/" + kind
}

// DecodePayload never fails: JSON objects are returned as is, other JSON
// values are wrapped under "value" and undecodable text under "raw".
func DecodePayload(payload []byte) map[string]any {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return map[string]any{"raw": string(payload)}
	}
	if obj, ok := v.(map[string]any); ok {
		return obj
	}
	return map[string]any{"value": v}
}
