package config

import (
	"fmt"
	"net"
	"os"
	"strconv"

	v1 "github.com/aevon-lab/trafficwatch/internal/api/v1"
	"gopkg.in/yaml.v3"
)

// Device is one remote detector pushing records over a websocket feed.
type Device struct {
	ID       string    `yaml:"id"`
	Name     string    `yaml:"name"`
	Host     string    `yaml:"host"`
	Port     int       `yaml:"port"`
	Channels []Channel `yaml:"channels"`
}

// Channel is one camera or sensor channel of a device.
type Channel struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	// Kinds restricts the record kinds accepted from the channel. Empty
	// accepts every kind.
	Kinds []string `yaml:"kinds"`
}

// Endpoint is the dial address of the device.
func (d Device) Endpoint() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// deviceFile is the on-disk YAML shape.
type deviceFile struct {
	Devices []Device `yaml:"devices"`
}

// LoadDevices reads the device list from path. It is called at startup and on
// every reload signal, so the whole file is validated before anything is
// returned.
func LoadDevices(path string) ([]Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading device file %s: %w", path, err)
	}

	var raw deviceFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing device file %s: %w", path, err)
	}
	if err := ValidateDevices(raw.Devices); err != nil {
		return nil, fmt.Errorf("device file %s: %w", path, err)
	}
	return raw.Devices, nil
}

// ValidateDevices checks ids, endpoints and channel kinds. Device ids,
// endpoints and channel ids must be unique across the whole list.
func ValidateDevices(devices []Device) error {
	ids := make(map[string]bool, len(devices))
	endpoints := make(map[string]string, len(devices))
	channels := make(map[string]string)

	for _, d := range devices {
		if d.ID == "" {
			return fmt.Errorf("device %q: id must not be empty", d.Name)
		}
		if ids[d.ID] {
			return fmt.Errorf("device %q: duplicate id", d.ID)
		}
		ids[d.ID] = true

		if d.Host == "" {
			return fmt.Errorf("device %q: host must not be empty", d.ID)
		}
		if d.Port <= 0 || d.Port > 65535 {
			return fmt.Errorf("device %q: invalid port %d", d.ID, d.Port)
		}
		if other, ok := endpoints[d.Endpoint()]; ok {
			return fmt.Errorf("device %q: endpoint %s already used by %q", d.ID, d.Endpoint(), other)
		}
		endpoints[d.Endpoint()] = d.ID

		for _, ch := range d.Channels {
			if ch.ID == "" {
				return fmt.Errorf("device %q: channel id must not be empty", d.ID)
			}
			if owner, ok := channels[ch.ID]; ok {
				return fmt.Errorf("device %q: channel %q already belongs to %q", d.ID, ch.ID, owner)
			}
			channels[ch.ID] = d.ID
			for _, k := range ch.Kinds {
				switch k {
				case v1.KindFlow, v1.KindDensity, v1.KindViolation:
				default:
					return fmt.Errorf("device %q: channel %q: unknown kind %q", d.ID, ch.ID, k)
				}
			}
		}
	}
	return nil
}
