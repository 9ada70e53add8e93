package model

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultPort is the MAVLink endpoint port used when connecting a buoy.
const DefaultPort = 14550

// ErrInvalidDeviceID is returned when an identifier does not encode ip and port.
var ErrInvalidDeviceID = errors.New("invalid device id")

// DeviceID encodes a connection endpoint as a device identifier,
// e.g. 10.8.0.53:14550 becomes 10_8_0_53_14550.
func DeviceID(ip string, port int) string {
	return strings.ReplaceAll(ip, ".", "_") + "_" + strconv.Itoa(port)
}

// IsIPv4 reports whether ip is a dotted IPv4 address in canonical form,
// the only form DeviceID can encode reversibly.
func IsIPv4(ip string) bool {
	v4 := net.ParseIP(ip).To4()
	return v4 != nil && v4.String() == ip
}

// ParseDeviceID reverses DeviceID.
func ParseDeviceID(id string) (string, int, error) {
	parts := strings.Split(id, "_")
	if len(parts) != 5 {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidDeviceID, id)
	}
	port, err := strconv.Atoi(parts[4])
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("%w: bad port in %q", ErrInvalidDeviceID, id)
	}
	for _, p := range parts[:4] {
		if p == "" {
			return "", 0, fmt.Errorf("%w: %q", ErrInvalidDeviceID, id)
		}
	}
	return strings.Join(parts[:4], "."), port, nil
}

// DeviceIP strips the port suffix and returns the dotted ip. Identifiers that
// do not follow the ip_port shape are returned with underscores replaced.
func DeviceIP(id string) string {
	parts := strings.Split(id, "_")
	if len(parts) > 4 {
		parts = parts[:4]
	}
	return strings.Join(parts, ".")
}
