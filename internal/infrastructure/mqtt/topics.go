package mqtt

import (
	"fmt"
	"strings"
)

// Topic prefixes for the Purifier Core MQTT namespace.
//
// Device topics use the flat scheme: purifier/{device_id}/{category}
// Commands flow Core → device; acks and telemetry flow device → Core.
const (
	// TopicPrefix is the base for all Purifier Core topics.
	TopicPrefix = "purifier"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "purifier/system"
)

// Topics provides builders for Purifier Core MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	cmdTopic := topics.DeviceCommand("purifier-living")
//	// Returns: "purifier/purifier-living/command"
type Topics struct{}

// DeviceCommand returns the topic for commands to a device.
//
// Example: purifier/purifier-living/command
func (Topics) DeviceCommand(deviceID string) string {
	return fmt.Sprintf("%s/%s/command", TopicPrefix, deviceID)
}

// DeviceAck returns the topic for command acknowledgments from a device.
//
// Example: purifier/purifier-living/ack
func (Topics) DeviceAck(deviceID string) string {
	return fmt.Sprintf("%s/%s/ack", TopicPrefix, deviceID)
}

// DeviceTelemetry returns the topic for periodic state reports from a device.
//
// Example: purifier/purifier-living/telemetry
func (Topics) DeviceTelemetry(deviceID string) string {
	return fmt.Sprintf("%s/%s/telemetry", TopicPrefix, deviceID)
}

// AllAcks returns the wildcard subscription for acknowledgments from all devices.
//
// Example: purifier/+/ack
func (Topics) AllAcks() string {
	return TopicPrefix + "/+/ack"
}

// AllTelemetry returns the wildcard subscription for telemetry from all devices.
//
// Example: purifier/+/telemetry
func (Topics) AllTelemetry() string {
	return TopicPrefix + "/+/telemetry"
}

// SystemStatus returns the topic for Core online/offline status (LWT).
//
// Example: purifier/system/status
func (Topics) SystemStatus() string {
	return TopicPrefixSystem + "/status"
}

// DeviceFromTopic extracts the device ID from a device-scoped topic.
//
// Returns the empty string if the topic does not match the
// purifier/{device_id}/{category} scheme.
func DeviceFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != TopicPrefix {
		return ""
	}
	if parts[1] == "system" || parts[1] == "" {
		return ""
	}
	return parts[1]
}
