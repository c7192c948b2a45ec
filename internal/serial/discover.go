package serial

import (
	"fmt"
	"strings"

	"go.bug.st/serial/enumerator"
)

// USB identifiers of the handheld's CDC serial interface.
const (
	VendorID  = "1331"
	ProductID = "5740"
	// Auto asks Resolve to discover the device.
	Auto = "auto"
)

// listPorts is a hook for tests.
var listPorts = enumerator.GetDetailedPortsList

// Device describes one serial port seen during discovery.
type Device struct {
	Name    string
	USB     bool
	VID     string
	PID     string
	Serial  string
	Product string
	Match   bool // VID/PID identify a mirror device
}

// List enumerates serial ports and flags mirror devices.
func List() ([]Device, error) {
	ports, err := listPorts()
	if err != nil {
		return nil, fmt.Errorf("enumerate ports: %w", err)
	}
	out := make([]Device, 0, len(ports))
	for _, p := range ports {
		if p == nil {
			continue
		}
		out = append(out, Device{
			Name:    p.Name,
			USB:     p.IsUSB,
			VID:     p.VID,
			PID:     p.PID,
			Serial:  p.SerialNumber,
			Product: p.Product,
			Match:   p.IsUSB && strings.EqualFold(p.VID, VendorID) && strings.EqualFold(p.PID, ProductID),
		})
	}
	return out, nil
}

// Discover returns the first port whose VID/PID match the device.
func Discover() (string, error) {
	devs, err := List()
	if err != nil {
		return "", err
	}
	for _, d := range devs {
		if d.Match {
			return d.Name, nil
		}
	}
	return "", ErrNoDevice
}

// Resolve maps "" or "auto" to a discovered device and returns anything else unchanged.
func Resolve(name string) (string, error) {
	if name == "" || strings.EqualFold(name, Auto) {
		return Discover()
	}
	return name, nil
}
