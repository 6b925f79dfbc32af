package audio

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoInputDevice is returned when device enumeration finds no device
	// with input channels. It is a configuration error, not a runtime fault.
	ErrNoInputDevice = errors.New("audio: no input device available")

	// ErrDeviceNotFound is returned when a configured device index or name
	// does not match any input device.
	ErrDeviceNotFound = errors.New("audio: input device not found")
)

// DeviceInfo describes one capture device as reported by the host audio API.
type DeviceInfo struct {
	Index             int
	Name              string
	MaxInputChannels  int
	DefaultSampleRate float64
	IsDefault         bool
}

// SelectDevice picks the capture device to open. A non-negative index wins
// over a name; a name matches case-insensitively as a substring. With neither,
// the default input device is used, or else the first input-capable device.
func SelectDevice(devices []DeviceInfo, index int, name string) (DeviceInfo, error) {
	inputs := make([]DeviceInfo, 0, len(devices))
	for _, d := range devices {
		if d.MaxInputChannels > 0 {
			inputs = append(inputs, d)
		}
	}
	if len(inputs) == 0 {
		return DeviceInfo{}, ErrNoInputDevice
	}

	if index >= 0 {
		for _, d := range inputs {
			if d.Index == index {
				return d, nil
			}
		}
		return DeviceInfo{}, fmt.Errorf("%w: index %d", ErrDeviceNotFound, index)
	}

	if name != "" {
		needle := strings.ToLower(name)
		for _, d := range inputs {
			if strings.Contains(strings.ToLower(d.Name), needle) {
				return d, nil
			}
		}
		return DeviceInfo{}, fmt.Errorf("%w: name %q", ErrDeviceNotFound, name)
	}

	for _, d := range inputs {
		if d.IsDefault {
			return d, nil
		}
	}
	return inputs[0], nil
}
