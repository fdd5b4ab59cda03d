package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/com6056/nanit-sound-light/internal/device"
	"github.com/com6056/nanit-sound-light/internal/infrastructure/config"
	"github.com/com6056/nanit-sound-light/internal/infrastructure/logging"
	"github.com/com6056/nanit-sound-light/internal/wire"
)

// commandTimeout bounds how long an inbound MQTT command may spend
// authenticating, connecting and writing to the device relay.
const commandTimeout = 15 * time.Second

// Broker is the publish/subscribe surface the bridge needs.
// *Client satisfies it.
type Broker interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler MessageHandler) error
}

// Controller is the command surface the bridge drives.
// The coordinator satisfies it.
type Controller interface {
	SendCommand(ctx context.Context, deviceID string, cmd wire.Command) error
	RestoreColor(ctx context.Context, deviceID string) error
}

// Bridge maps device snapshots onto MQTT topics for Home Assistant and
// translates inbound set-topic payloads into device commands.
//
// Per device it maintains:
//
//	{prefix}/{id}/availability    online/offline, retained
//	{prefix}/{id}/state           full state JSON, retained
//	{prefix}/{id}/light/state     HA JSON-schema light state, retained
//	{prefix}/{id}/light/set       HA JSON-schema light commands
//	{prefix}/{id}/volume/set      volume percentage, plain number
//	{prefix}/{id}/sound/set       sound track name, plain string
//	{prefix}/{id}/restore         any payload restores the last colour
//
// Thread Safety:
//   - HandleSnapshot and the subscription handlers may run concurrently;
//     shared bookkeeping is guarded by mu.
type Bridge struct {
	cfg    config.MQTTConfig
	log    *logging.Logger
	broker Broker
	ctrl   Controller

	mu sync.Mutex
	// announcedSounds remembers how many catalogue entries each device
	// was announced with, so the select entity's options can be
	// refreshed when the catalogue grows.
	announcedSounds map[string]int
	mfaAnnounced    bool
}

// NewBridge creates a bridge over an already-connected broker.
func NewBridge(cfg config.MQTTConfig, log *logging.Logger, broker Broker, ctrl Controller) (*Bridge, error) {
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if broker == nil {
		return nil, fmt.Errorf("broker is required")
	}
	if ctrl == nil {
		return nil, fmt.Errorf("controller is required")
	}
	return &Bridge{
		cfg:             cfg,
		log:             log.With("component", "mqtt-bridge"),
		broker:          broker,
		ctrl:            ctrl,
		announcedSounds: make(map[string]int),
	}, nil
}

// Start subscribes to the command topics. Call once, before the first
// snapshot is handled.
func (b *Bridge) Start() error {
	subs := map[string]MessageHandler{
		b.cfg.TopicPrefix + "/+/light/set":  b.handleLightSet,
		b.cfg.TopicPrefix + "/+/volume/set": b.handleVolumeSet,
		b.cfg.TopicPrefix + "/+/sound/set":  b.handleSoundSet,
		b.cfg.TopicPrefix + "/+/restore":    b.handleRestore,
	}
	for topic, handler := range subs {
		if err := b.broker.Subscribe(topic, b.qos(), handler); err != nil {
			return fmt.Errorf("subscribing to %s: %w", topic, err)
		}
	}
	return nil
}

func (b *Bridge) qos() byte { return byte(b.cfg.QoS) }

func (b *Bridge) availabilityTopic(id string) string {
	return fmt.Sprintf("%s/%s/availability", b.cfg.TopicPrefix, id)
}

func (b *Bridge) stateTopic(id string) string {
	return fmt.Sprintf("%s/%s/state", b.cfg.TopicPrefix, id)
}

func (b *Bridge) lightStateTopic(id string) string {
	return fmt.Sprintf("%s/%s/light/state", b.cfg.TopicPrefix, id)
}

func (b *Bridge) lightSetTopic(id string) string {
	return fmt.Sprintf("%s/%s/light/set", b.cfg.TopicPrefix, id)
}

func (b *Bridge) volumeSetTopic(id string) string {
	return fmt.Sprintf("%s/%s/volume/set", b.cfg.TopicPrefix, id)
}

func (b *Bridge) soundSetTopic(id string) string {
	return fmt.Sprintf("%s/%s/sound/set", b.cfg.TopicPrefix, id)
}

func (b *Bridge) restoreTopic(id string) string {
	return fmt.Sprintf("%s/%s/restore", b.cfg.TopicPrefix, id)
}

func (b *Bridge) mfaTopic() string {
	return b.cfg.TopicPrefix + "/bridge/mfa_required"
}

// HandleSnapshot publishes the snapshot to MQTT. Register it as a
// coordinator snapshot listener.
func (b *Bridge) HandleSnapshot(snap device.Snapshot) {
	b.publishMFA(snap.MFARequired)

	for id, ds := range snap.Devices {
		if err := b.publishDevice(id, ds); err != nil {
			b.log.Warn("publishing device state", "device_id", id, "error", err)
		}
	}
}

// publishMFA mirrors the verification-challenge flag as a binary sensor.
func (b *Bridge) publishMFA(required bool) {
	b.mu.Lock()
	announce := !b.mfaAnnounced
	b.mfaAnnounced = true
	b.mu.Unlock()

	if announce {
		cfg := entityConfig{
			Name:       "Verification code required",
			UniqueID:   "nanit_bridge_mfa_required",
			StateTopic: b.mfaTopic(),
			Device: discoveryDevice{
				Identifiers:  []string{"nanit_bridge"},
				Name:         "Nanit bridge",
				Manufacturer: "Nanit",
				Model:        "Sound + Light bridge",
			},
			Availability: []availabilityRef{
				{Topic: bridgeStatusTopic(b.cfg.TopicPrefix)},
			},
		}
		body, err := json.Marshal(cfg)
		if err == nil {
			topic := fmt.Sprintf("%s/binary_sensor/nanit_bridge/mfa_required/config", b.cfg.DiscoveryPrefix)
			err = b.broker.Publish(topic, body, b.qos(), true)
		}
		if err != nil {
			b.log.Warn("announcing MFA sensor", "error", err)
		}
	}

	payload := "OFF"
	if required {
		payload = "ON"
	}
	if err := b.broker.Publish(b.mfaTopic(), []byte(payload), b.qos(), true); err != nil {
		b.log.Warn("publishing MFA flag", "error", err)
	}
}

// publishDevice announces the device if needed and publishes its
// availability and state topics.
func (b *Bridge) publishDevice(id string, ds device.DeviceSnapshot) error {
	b.mu.Lock()
	announced, seen := b.announcedSounds[id]
	refresh := !seen || announced != len(ds.State.Sounds)
	if refresh {
		b.announcedSounds[id] = len(ds.State.Sounds)
	}
	b.mu.Unlock()

	if refresh {
		if err := b.publishDiscovery(ds); err != nil {
			return err
		}
	}

	availability := statusOffline
	if ds.Connected {
		availability = statusOnline
	}
	if err := b.broker.Publish(b.availabilityTopic(id), []byte(availability), b.qos(), true); err != nil {
		return fmt.Errorf("publishing availability: %w", err)
	}

	state, err := json.Marshal(ds.State)
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	if err := b.broker.Publish(b.stateTopic(id), state, b.qos(), true); err != nil {
		return fmt.Errorf("publishing state: %w", err)
	}

	light, err := json.Marshal(buildLightState(ds.State))
	if err != nil {
		return fmt.Errorf("marshaling light state: %w", err)
	}
	if err := b.broker.Publish(b.lightStateTopic(id), light, b.qos(), true); err != nil {
		return fmt.Errorf("publishing light state: %w", err)
	}

	return nil
}

// lightState is the Home Assistant JSON-schema light representation.
type lightState struct {
	State      string      `json:"state"`
	Brightness *int        `json:"brightness,omitempty"`
	ColorMode  string      `json:"color_mode,omitempty"`
	Color      *lightColor `json:"color,omitempty"`
}

type lightColor struct {
	H float64 `json:"h"`
	S float64 `json:"s"`
}

// buildLightState converts a device state into the light entity's
// representation. Device units are [0,1]; Home Assistant expects
// brightness 0-255, hue 0-360 and saturation 0-100.
func buildLightState(st device.State) lightState {
	ls := lightState{State: "OFF"}
	if st.IsOn != nil && *st.IsOn {
		ls.State = "ON"
	}
	if st.Brightness != nil {
		v := int(math.Round(*st.Brightness * 255))
		ls.Brightness = &v
	}
	colorOn := st.NoColor != nil && !*st.NoColor
	if colorOn && st.Hue != nil && st.Saturation != nil {
		ls.ColorMode = "hs"
		ls.Color = &lightColor{
			H: *st.Hue * 360,
			S: *st.Saturation * 100,
		}
	} else if st.Brightness != nil {
		ls.ColorMode = "brightness"
	}
	return ls
}

// deviceFromTopic extracts the device id segment from a command topic.
func (b *Bridge) deviceFromTopic(topic string) (string, error) {
	rest, ok := strings.CutPrefix(topic, b.cfg.TopicPrefix+"/")
	if !ok {
		return "", fmt.Errorf("topic %q outside prefix", topic)
	}
	id, _, _ := strings.Cut(rest, "/")
	if id == "" {
		return "", fmt.Errorf("topic %q has no device id", topic)
	}
	return id, nil
}

// handleLightSet translates a Home Assistant JSON-schema light command.
func (b *Bridge) handleLightSet(topic string, payload []byte) error {
	id, err := b.deviceFromTopic(topic)
	if err != nil {
		return err
	}

	var req struct {
		State      *string `json:"state"`
		Brightness *int    `json:"brightness"`
		Color      *struct {
			H float64 `json:"h"`
			S float64 `json:"s"`
		} `json:"color"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("parsing light command: %w", err)
	}

	var cmd wire.Command
	if req.State != nil {
		on := strings.EqualFold(*req.State, "ON")
		cmd.IsOn = &on
	}
	if req.Brightness != nil {
		v := clamp01(float64(*req.Brightness) / 255)
		cmd.Brightness = &v
	}
	if req.Color != nil {
		cmd.Color = &wire.ColorCommand{
			Hue:        clamp01(req.Color.H / 360),
			Saturation: clamp01(req.Color.S / 100),
		}
	}

	return b.send(id, cmd)
}

// handleVolumeSet accepts a plain volume percentage (0-100).
func (b *Bridge) handleVolumeSet(topic string, payload []byte) error {
	id, err := b.deviceFromTopic(topic)
	if err != nil {
		return err
	}

	pct, err := strconv.ParseFloat(strings.TrimSpace(string(payload)), 64)
	if err != nil {
		return fmt.Errorf("parsing volume %q: %w", payload, err)
	}

	v := clamp01(pct / 100)
	return b.send(id, wire.Command{Volume: &v})
}

// handleSoundSet accepts a plain track name. The "No sound" sentinel
// selects silence.
func (b *Bridge) handleSoundSet(topic string, payload []byte) error {
	id, err := b.deviceFromTopic(topic)
	if err != nil {
		return err
	}

	track := strings.TrimSpace(string(payload))
	if track == "" {
		track = wire.NoSoundSentinel
	}
	return b.send(id, wire.Command{Sound: &track})
}

// handleRestore turns the light on at its remembered colour.
func (b *Bridge) handleRestore(topic string, _ []byte) error {
	id, err := b.deviceFromTopic(topic)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	return b.ctrl.RestoreColor(ctx, id)
}

func (b *Bridge) send(id string, cmd wire.Command) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	return b.ctrl.SendCommand(ctx, id, cmd)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
