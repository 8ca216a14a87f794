package mqtt

import "fmt"

// Topic prefixes for graycomms.
//
// Device topics use the flat scheme: graylogic/{category}/device/{device_id}
// so they sit beside the topics of other Gray Logic services on one broker.
const (
	// TopicPrefix is the base for all topics.
	TopicPrefix = "graylogic"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "graylogic/system"

	// TopicCategoryDevice is the path segment naming device-scoped topics.
	TopicCategoryDevice = "device"
)

// Topics provides builders for graycomms MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	statusTopic := topics.DeviceStatus("projector-1")
//	// Returns: "graylogic/status/device/projector-1"
type Topics struct{}

// =============================================================================
// Device Topics
// =============================================================================

// DeviceStatus returns the retained connectivity topic for a device.
//
// Example: graylogic/status/device/projector-1
func (Topics) DeviceStatus(deviceID string) string {
	return fmt.Sprintf("%s/status/%s/%s", TopicPrefix, TopicCategoryDevice, deviceID)
}

// DeviceCommand returns the topic on which commands for a device arrive.
//
// Example: graylogic/command/device/projector-1
func (Topics) DeviceCommand(deviceID string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefix, TopicCategoryDevice, deviceID)
}

// DeviceResponse returns the topic on which command results are published.
//
// Example: graylogic/response/device/projector-1
func (Topics) DeviceResponse(deviceID string) string {
	return fmt.Sprintf("%s/response/%s/%s", TopicPrefix, TopicCategoryDevice, deviceID)
}

// DeviceEvent returns the topic for unsolicited frames from a device.
//
// Example: graylogic/event/device/projector-1
func (Topics) DeviceEvent(deviceID string) string {
	return fmt.Sprintf("%s/event/%s/%s", TopicPrefix, TopicCategoryDevice, deviceID)
}

// DeviceIDFromTopic extracts the device ID from any device topic.
// Returns false if topic is not a device topic.
func (Topics) DeviceIDFromTopic(topic string) (string, bool) {
	var category, id string
	prefix := TopicPrefix + "/"
	if len(topic) <= len(prefix) || topic[:len(prefix)] != prefix {
		return "", false
	}
	rest := topic[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] != '/' {
			continue
		}
		category = rest[:i]
		rest = rest[i+1:]
		break
	}
	if category == "" {
		return "", false
	}
	segment := TopicCategoryDevice + "/"
	if len(rest) <= len(segment) || rest[:len(segment)] != segment {
		return "", false
	}
	id = rest[len(segment):]
	for i := 0; i < len(id); i++ {
		if id[i] == '/' {
			return "", false
		}
	}
	return id, true
}

// =============================================================================
// System Topics
// =============================================================================

// SystemStatus returns the service status topic.
//
// Example: graylogic/system/graycomms/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/graycomms/status", TopicPrefixSystem)
}

// =============================================================================
// Wildcard Patterns for Subscriptions
// =============================================================================

// AllDeviceCommands returns a pattern matching commands for every device.
//
// Pattern: graylogic/command/device/+
func (Topics) AllDeviceCommands() string {
	return fmt.Sprintf("%s/command/%s/+", TopicPrefix, TopicCategoryDevice)
}

// AllDeviceStatuses returns a pattern matching every device status.
//
// Pattern: graylogic/status/device/+
func (Topics) AllDeviceStatuses() string {
	return fmt.Sprintf("%s/status/%s/+", TopicPrefix, TopicCategoryDevice)
}
