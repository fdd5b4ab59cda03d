package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/com6056/nanit-sound-light/internal/device"
)

// Home Assistant MQTT discovery payloads.
//
// Entities are announced under {discovery_prefix}/{component}/{node}/
// {object}/config with retained configs, so Home Assistant picks them
// up after either side restarts.

// discoveryDevice groups all entities of one speaker under a single
// Home Assistant device entry.
type discoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
}

// availabilityRef points an entity at an availability topic.
type availabilityRef struct {
	Topic string `json:"topic"`
}

// entityConfig is a superset of the discovery fields used by the bridge.
// Component-specific fields are omitted from JSON when unset.
type entityConfig struct {
	Name             string            `json:"name"`
	UniqueID         string            `json:"unique_id"`
	StateTopic       string            `json:"state_topic,omitempty"`
	CommandTopic     string            `json:"command_topic,omitempty"`
	ValueTemplate    string            `json:"value_template,omitempty"`
	Availability     []availabilityRef `json:"availability,omitempty"`
	AvailabilityMode string            `json:"availability_mode,omitempty"`
	Device           discoveryDevice   `json:"device"`

	// Light (JSON schema).
	Schema              string   `json:"schema,omitempty"`
	Brightness          bool     `json:"brightness,omitempty"`
	SupportedColorModes []string `json:"supported_color_modes,omitempty"`

	// Number.
	Min  *float64 `json:"min,omitempty"`
	Max  *float64 `json:"max,omitempty"`
	Step *float64 `json:"step,omitempty"`

	// Select.
	Options []string `json:"options,omitempty"`

	// Sensor.
	DeviceClass       string `json:"device_class,omitempty"`
	UnitOfMeasurement string `json:"unit_of_measurement,omitempty"`

	// Button.
	PayloadPress string `json:"payload_press,omitempty"`
}

// nodeID derives a discovery-safe node identifier from a device id.
// Home Assistant only allows [a-zA-Z0-9_-] in topic node segments.
func nodeID(deviceID string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, deviceID)
	return "nanit_" + mapped
}

// discoveryTopic builds the config topic for one entity.
func (b *Bridge) discoveryTopic(component, deviceID, object string) string {
	return fmt.Sprintf("%s/%s/%s/%s/config", b.cfg.DiscoveryPrefix, component, nodeID(deviceID), object)
}

// baseConfig returns the fields shared by every entity of a device.
func (b *Bridge) baseConfig(ds device.DeviceSnapshot) entityConfig {
	return entityConfig{
		Device: discoveryDevice{
			Identifiers:  []string{nodeID(ds.Device.ID)},
			Name:         ds.Device.DisplayName,
			Manufacturer: "Nanit",
			Model:        "Sound + Light",
		},
		Availability: []availabilityRef{
			{Topic: bridgeStatusTopic(b.cfg.TopicPrefix)},
			{Topic: b.availabilityTopic(ds.Device.ID)},
		},
		AvailabilityMode: "all",
	}
}

// publishDiscovery announces all entities for one device.
func (b *Bridge) publishDiscovery(ds device.DeviceSnapshot) error {
	id := ds.Device.ID
	node := nodeID(id)

	light := b.baseConfig(ds)
	light.Name = "Light"
	light.UniqueID = node + "_light"
	light.Schema = "json"
	light.Brightness = true
	light.SupportedColorModes = []string{"hs"}
	light.StateTopic = b.lightStateTopic(id)
	light.CommandTopic = b.lightSetTopic(id)

	volMin, volMax, volStep := 0.0, 100.0, 1.0
	volume := b.baseConfig(ds)
	volume.Name = "Volume"
	volume.UniqueID = node + "_volume"
	volume.StateTopic = b.stateTopic(id)
	volume.CommandTopic = b.volumeSetTopic(id)
	volume.ValueTemplate = "{{ (value_json.volume * 100) | round(0) }}"
	volume.Min, volume.Max, volume.Step = &volMin, &volMax, &volStep
	volume.UnitOfMeasurement = "%"

	sound := b.baseConfig(ds)
	sound.Name = "Sound"
	sound.UniqueID = node + "_sound"
	sound.StateTopic = b.stateTopic(id)
	sound.CommandTopic = b.soundSetTopic(id)
	sound.ValueTemplate = "{{ value_json.sound }}"
	sound.Options = ds.State.Sounds

	temperature := b.baseConfig(ds)
	temperature.Name = "Temperature"
	temperature.UniqueID = node + "_temperature"
	temperature.StateTopic = b.stateTopic(id)
	temperature.ValueTemplate = "{{ value_json.temperature | round(1) }}"
	temperature.DeviceClass = "temperature"
	temperature.UnitOfMeasurement = "°C"

	humidity := b.baseConfig(ds)
	humidity.Name = "Humidity"
	humidity.UniqueID = node + "_humidity"
	humidity.StateTopic = b.stateTopic(id)
	humidity.ValueTemplate = "{{ value_json.humidity | round(0) }}"
	humidity.DeviceClass = "humidity"
	humidity.UnitOfMeasurement = "%"

	restore := b.baseConfig(ds)
	restore.Name = "Restore colour"
	restore.UniqueID = node + "_restore"
	restore.CommandTopic = b.restoreTopic(id)
	restore.PayloadPress = "RESTORE"

	configs := []struct {
		component string
		object    string
		cfg       entityConfig
	}{
		{"light", "light", light},
		{"number", "volume", volume},
		{"select", "sound", sound},
		{"sensor", "temperature", temperature},
		{"sensor", "humidity", humidity},
		{"button", "restore", restore},
	}

	for _, c := range configs {
		body, err := json.Marshal(c.cfg)
		if err != nil {
			return fmt.Errorf("marshaling %s config: %w", c.object, err)
		}
		if err := b.broker.Publish(b.discoveryTopic(c.component, id, c.object), body, b.qos(), true); err != nil {
			return fmt.Errorf("announcing %s: %w", c.object, err)
		}
	}

	return nil
}
