package mqtt

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/com6056/nanit-sound-light/internal/device"
	"github.com/com6056/nanit-sound-light/internal/infrastructure/config"
	"github.com/com6056/nanit-sound-light/internal/infrastructure/logging"
	"github.com/com6056/nanit-sound-light/internal/wire"
)

// fakeBroker records publishes and lets tests inject inbound messages.
type fakeBroker struct {
	mu        sync.Mutex
	published []publishedMessage
	handlers  map[string]MessageHandler
}

type publishedMessage struct {
	topic    string
	payload  []byte
	retained bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: make(map[string]MessageHandler)}
}

func (f *fakeBroker) Publish(topic string, payload []byte, _ byte, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishedMessage{topic, payload, retained})
	return nil
}

func (f *fakeBroker) Subscribe(topic string, _ byte, handler MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	return nil
}

// deliver routes an inbound message the way the broker would, matching
// single-level + wildcards.
func (f *fakeBroker) deliver(t *testing.T, topic string, payload []byte) error {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for pattern, handler := range f.handlers {
		if topicMatches(pattern, topic) {
			return handler(topic, payload)
		}
	}
	t.Fatalf("no subscription matches %s", topic)
	return nil
}

func topicMatches(pattern, topic string) bool {
	pp := strings.Split(pattern, "/")
	tp := strings.Split(topic, "/")
	if len(pp) != len(tp) {
		return false
	}
	for i := range pp {
		if pp[i] != "+" && pp[i] != tp[i] {
			return false
		}
	}
	return true
}

// lastPayload returns the most recent publish on a topic, or nil.
func (f *fakeBroker) lastPayload(topic string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.published) - 1; i >= 0; i-- {
		if f.published[i].topic == topic {
			return f.published[i].payload
		}
	}
	return nil
}

func (f *fakeBroker) countTopic(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.published {
		if p.topic == topic {
			n++
		}
	}
	return n
}

type fakeController struct {
	mu            sync.Mutex
	commandDevice string
	command       *wire.Command
	restored      string
}

func (c *fakeController) SendCommand(_ context.Context, deviceID string, cmd wire.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commandDevice = deviceID
	c.command = &cmd
	return nil
}

func (c *fakeController) RestoreColor(_ context.Context, deviceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.restored = deviceID
	return nil
}

func testBridge(t *testing.T) (*Bridge, *fakeBroker, *fakeController) {
	t.Helper()
	broker := newFakeBroker()
	ctrl := &fakeController{}
	cfg := config.MQTTConfig{
		QoS:             1,
		TopicPrefix:     "nanit",
		DiscoveryPrefix: "homeassistant",
	}
	log := logging.New(config.LoggingConfig{Level: "error", Format: "text"}, "test")
	b, err := NewBridge(cfg, log, broker, ctrl)
	if err != nil {
		t.Fatalf("NewBridge failed: %v", err)
	}
	if err := b.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return b, broker, ctrl
}

func boolPtr(v bool) *bool        { return &v }
func floatPtr(v float64) *float64 { return &v }
func stringPtr(v string) *string  { return &v }

func testSnapshot() device.Snapshot {
	return device.Snapshot{
		Devices: map[string]device.DeviceSnapshot{
			"baby-1": {
				Device: device.Device{ID: "baby-1", DisplayName: "Nursery", SpeakerID: "spk-1"},
				State: device.State{
					IsOn:        boolPtr(true),
					Brightness:  floatPtr(0.5),
					Volume:      floatPtr(0.4),
					Sound:       stringPtr("Ocean"),
					NoColor:     boolPtr(false),
					Hue:         floatPtr(0.25),
					Saturation:  floatPtr(0.8),
					Temperature: floatPtr(21.4),
					Sounds:      []string{wire.NoSoundSentinel, "Ocean"},
				},
				Connected: true,
			},
		},
	}
}

func TestHandleSnapshot_PublishesStateAndAvailability(t *testing.T) {
	b, broker, _ := testBridge(t)

	b.HandleSnapshot(testSnapshot())

	if got := broker.lastPayload("nanit/baby-1/availability"); string(got) != "online" {
		t.Errorf("availability = %q, want online", got)
	}

	var state device.State
	if err := json.Unmarshal(broker.lastPayload("nanit/baby-1/state"), &state); err != nil {
		t.Fatalf("decoding state: %v", err)
	}
	if state.Volume == nil || *state.Volume != 0.4 {
		t.Errorf("state volume = %v, want 0.4", state.Volume)
	}

	var light lightState
	if err := json.Unmarshal(broker.lastPayload("nanit/baby-1/light/state"), &light); err != nil {
		t.Fatalf("decoding light state: %v", err)
	}
	if light.State != "ON" {
		t.Errorf("light state = %q, want ON", light.State)
	}
	if light.Brightness == nil || *light.Brightness != 128 {
		t.Errorf("light brightness = %v, want 128", light.Brightness)
	}
	if light.Color == nil || light.Color.H != 90 || light.Color.S != 80 {
		t.Errorf("light colour = %+v, want h 90 s 80", light.Color)
	}
}

func TestHandleSnapshot_AnnouncesEntitiesOnce(t *testing.T) {
	b, broker, _ := testBridge(t)

	snap := testSnapshot()
	b.HandleSnapshot(snap)
	b.HandleSnapshot(snap)

	lightConfig := "homeassistant/light/nanit_baby-1/light/config"
	if n := broker.countTopic(lightConfig); n != 1 {
		t.Errorf("light config published %d times, want 1", n)
	}

	var cfg entityConfig
	if err := json.Unmarshal(broker.lastPayload(lightConfig), &cfg); err != nil {
		t.Fatalf("decoding light config: %v", err)
	}
	if cfg.CommandTopic != "nanit/baby-1/light/set" {
		t.Errorf("command topic = %q", cfg.CommandTopic)
	}
	if cfg.Schema != "json" || !cfg.Brightness {
		t.Errorf("unexpected light config: %+v", cfg)
	}

	for _, topic := range []string{
		"homeassistant/number/nanit_baby-1/volume/config",
		"homeassistant/select/nanit_baby-1/sound/config",
		"homeassistant/sensor/nanit_baby-1/temperature/config",
		"homeassistant/sensor/nanit_baby-1/humidity/config",
		"homeassistant/button/nanit_baby-1/restore/config",
	} {
		if broker.lastPayload(topic) == nil {
			t.Errorf("no config published on %s", topic)
		}
	}
}

func TestHandleSnapshot_RefreshesSelectWhenCatalogueGrows(t *testing.T) {
	b, broker, _ := testBridge(t)

	snap := testSnapshot()
	b.HandleSnapshot(snap)

	grown := testSnapshot()
	ds := grown.Devices["baby-1"]
	ds.State.Sounds = []string{wire.NoSoundSentinel, "Ocean", "Rain"}
	grown.Devices["baby-1"] = ds
	b.HandleSnapshot(grown)

	soundConfig := "homeassistant/select/nanit_baby-1/sound/config"
	if n := broker.countTopic(soundConfig); n != 2 {
		t.Fatalf("sound config published %d times, want 2", n)
	}

	var cfg entityConfig
	if err := json.Unmarshal(broker.lastPayload(soundConfig), &cfg); err != nil {
		t.Fatalf("decoding sound config: %v", err)
	}
	if len(cfg.Options) != 3 || cfg.Options[2] != "Rain" {
		t.Errorf("options = %v, want catalogue with Rain", cfg.Options)
	}
}

func TestHandleSnapshot_MFAFlag(t *testing.T) {
	b, broker, _ := testBridge(t)

	b.HandleSnapshot(device.Snapshot{MFARequired: true})
	if got := broker.lastPayload("nanit/bridge/mfa_required"); string(got) != "ON" {
		t.Errorf("mfa flag = %q, want ON", got)
	}

	b.HandleSnapshot(device.Snapshot{})
	if got := broker.lastPayload("nanit/bridge/mfa_required"); string(got) != "OFF" {
		t.Errorf("mfa flag = %q, want OFF", got)
	}

	if n := broker.countTopic("homeassistant/binary_sensor/nanit_bridge/mfa_required/config"); n != 1 {
		t.Errorf("mfa sensor announced %d times, want 1", n)
	}
}

func TestHandleLightSet(t *testing.T) {
	_, broker, ctrl := testBridge(t)

	payload := `{"state": "ON", "brightness": 128, "color": {"h": 90, "s": 80}}`
	if err := broker.deliver(t, "nanit/baby-1/light/set", []byte(payload)); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}

	if ctrl.commandDevice != "baby-1" {
		t.Fatalf("command routed to %q, want baby-1", ctrl.commandDevice)
	}
	cmd := ctrl.command
	if cmd.IsOn == nil || !*cmd.IsOn {
		t.Errorf("is_on = %v, want true", cmd.IsOn)
	}
	if cmd.Brightness == nil || math.Abs(*cmd.Brightness-128.0/255) > 1e-9 {
		t.Errorf("brightness = %v, want 128/255", cmd.Brightness)
	}
	if cmd.Color == nil || math.Abs(cmd.Color.Hue-0.25) > 1e-9 || math.Abs(cmd.Color.Saturation-0.8) > 1e-9 {
		t.Errorf("colour = %+v, want hue 0.25 sat 0.8", cmd.Color)
	}
}

func TestHandleLightSet_OffOnly(t *testing.T) {
	_, broker, ctrl := testBridge(t)

	if err := broker.deliver(t, "nanit/baby-1/light/set", []byte(`{"state": "OFF"}`)); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}

	cmd := ctrl.command
	if cmd.IsOn == nil || *cmd.IsOn {
		t.Errorf("is_on = %v, want false", cmd.IsOn)
	}
	if cmd.Brightness != nil || cmd.Color != nil {
		t.Errorf("unexpected extra fields: %+v", cmd)
	}
}

func TestHandleVolumeSet(t *testing.T) {
	_, broker, ctrl := testBridge(t)

	if err := broker.deliver(t, "nanit/baby-1/volume/set", []byte("40")); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}

	if ctrl.command == nil || ctrl.command.Volume == nil || *ctrl.command.Volume != 0.4 {
		t.Errorf("volume command = %+v, want 0.4", ctrl.command)
	}

	if err := broker.deliver(t, "nanit/baby-1/volume/set", []byte("not a number")); err == nil {
		t.Error("expected error for unparseable volume")
	}
}

func TestHandleSoundSet(t *testing.T) {
	_, broker, ctrl := testBridge(t)

	if err := broker.deliver(t, "nanit/baby-1/sound/set", []byte("Ocean")); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	if ctrl.command == nil || ctrl.command.Sound == nil || *ctrl.command.Sound != "Ocean" {
		t.Errorf("sound command = %+v, want Ocean", ctrl.command)
	}

	// Empty payload selects silence.
	if err := broker.deliver(t, "nanit/baby-1/sound/set", []byte("")); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	if *ctrl.command.Sound != wire.NoSoundSentinel {
		t.Errorf("sound = %q, want %q", *ctrl.command.Sound, wire.NoSoundSentinel)
	}
}

func TestHandleRestore(t *testing.T) {
	_, broker, ctrl := testBridge(t)

	if err := broker.deliver(t, "nanit/baby-1/restore", []byte("RESTORE")); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	if ctrl.restored != "baby-1" {
		t.Errorf("restore routed to %q, want baby-1", ctrl.restored)
	}
}

func TestBuildLightState_NoColor(t *testing.T) {
	st := device.State{
		IsOn:       boolPtr(true),
		Brightness: floatPtr(1.0),
		NoColor:    boolPtr(true),
		Hue:        floatPtr(0.5),
		Saturation: floatPtr(0.5),
	}

	ls := buildLightState(st)
	if ls.Color != nil {
		t.Errorf("colour published despite no_color: %+v", ls.Color)
	}
	if ls.ColorMode != "brightness" {
		t.Errorf("color_mode = %q, want brightness", ls.ColorMode)
	}
	if ls.Brightness == nil || *ls.Brightness != 255 {
		t.Errorf("brightness = %v, want 255", ls.Brightness)
	}
}
