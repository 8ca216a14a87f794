package device

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/nerrad567/gray-logic-comms/internal/driver"
)

// Validation constants.
const (
	maxNameLength = 100
	maxIDLength   = 50
	idPattern     = `^[a-z0-9]+(?:-[a-z0-9]+)*$`

	maxPort     = 65535
	maxCommands = 200
)

var idRegex = regexp.MustCompile(idPattern)

var validTransportKinds map[TransportKind]struct{}

func init() {
	validTransportKinds = make(map[TransportKind]struct{}, len(AllTransportKinds()))
	for _, k := range AllTransportKinds() {
		validTransportKinds[k] = struct{}{}
	}
}

// ValidateDevice performs comprehensive validation on a device.
// Returns an error describing the first validation failure found.
func ValidateDevice(d *Device) error {
	if d == nil {
		return ErrInvalidDevice
	}
	if err := ValidateID(d.ID); err != nil {
		return err
	}
	if err := ValidateName(d.Name); err != nil {
		return err
	}
	if err := ValidateTransport(d.Transport); err != nil {
		return err
	}
	if len(d.Commands) > maxCommands {
		return fmt.Errorf("%w: %d commands exceeds maximum of %d", ErrInvalidDriver, len(d.Commands), maxCommands)
	}
	if _, err := driver.New(d.Driver); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDriver, err)
	}
	if _, err := driver.NewCommandSet(d.Commands); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDriver, err)
	}
	if t := d.Comms.Defaults.Timeout; t != nil && *t < 0 {
		return fmt.Errorf("%w: negative command timeout", ErrInvalidDevice)
	}
	return nil
}

// ValidateID checks that an ID is a lowercase slug.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidID)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%w: id exceeds %d characters", ErrInvalidID, maxIDLength)
	}
	if !idRegex.MatchString(id) {
		return fmt.Errorf("%w: id %q must be lowercase alphanumeric with hyphens", ErrInvalidID, id)
	}
	return nil
}

// ValidateName checks that a name is non-empty and within length limits.
func ValidateName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidName)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidName, maxNameLength)
	}
	return nil
}

// ValidateTransport checks that the settings required by the transport kind are present.
func ValidateTransport(t Transport) error {
	if _, ok := validTransportKinds[t.Kind]; !ok {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidTransport, t.Kind)
	}

	switch t.Mode {
	case "", ModePersistent:
	case ModeMakeBreak:
		if t.Kind != TransportTCP {
			return fmt.Errorf("%w: makebreak mode requires tcp, got %s", ErrInvalidTransport, t.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidTransport, t.Mode)
	}

	switch t.Kind {
	case TransportTCP, TransportUDP, TransportSSH:
		if t.Host == "" {
			return fmt.Errorf("%w: %s requires host", ErrInvalidTransport, t.Kind)
		}
		if t.Port <= 0 || t.Port > maxPort {
			return fmt.Errorf("%w: port %d out of range", ErrInvalidTransport, t.Port)
		}
		if t.Kind == TransportSSH && t.User == "" {
			return fmt.Errorf("%w: ssh requires user", ErrInvalidTransport)
		}
	case TransportMulticast:
		if t.Group == "" {
			return fmt.Errorf("%w: multicast requires group", ErrInvalidTransport)
		}
	case TransportSerial:
		if t.SerialPort == "" {
			return fmt.Errorf("%w: serial requires serial_port", ErrInvalidTransport)
		}
	}

	if t.OfflineAfter < 0 || t.WriteQueueSize < 0 {
		return fmt.Errorf("%w: negative limit", ErrInvalidTransport)
	}
	return nil
}

// GenerateID generates a device ID from a human-readable name.
// Converts to lowercase, replaces spaces with hyphens, removes special characters.
func GenerateID(name string) string {
	id := strings.ToLower(name)

	id = strings.ReplaceAll(id, " ", "-")
	id = strings.ReplaceAll(id, "_", "-")

	var result strings.Builder
	for _, r := range id {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			result.WriteRune(r)
		}
	}
	id = result.String()

	id = strings.Trim(id, "-")
	for strings.Contains(id, "--") {
		id = strings.ReplaceAll(id, "--", "-")
	}

	if len(id) > maxIDLength {
		id = id[:maxIDLength]
		id = strings.TrimRight(id, "-")
	}

	return id
}
