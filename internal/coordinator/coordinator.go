package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/com6056/nanit-sound-light/internal/conn"
	"github.com/com6056/nanit-sound-light/internal/device"
	"github.com/com6056/nanit-sound-light/internal/infrastructure/config"
	"github.com/com6056/nanit-sound-light/internal/infrastructure/logging"
	"github.com/com6056/nanit-sound-light/internal/session"
	"github.com/com6056/nanit-sound-light/internal/wire"
)

// ErrUnknownDevice means a command named a device the directory has never
// reported.
var ErrUnknownDevice = errors.New("unknown device")

// SnapshotListener is notified with every published snapshot. Listeners
// receive an isolated copy and may retain it.
type SnapshotListener func(device.Snapshot)

// Coordinator drives the system: it keeps the session authenticated, the
// directory discovered, every device connected, and the state fresh, on a
// fixed poll interval. It is also the single writer of published
// snapshots and the entry point for control commands.
//
// Thread Safety:
//   - All exported methods are safe for concurrent use.
type Coordinator struct {
	cfg     *config.Config
	log     *logging.Logger
	session *session.Manager
	conns   *conn.Manager
	colors  *device.ColorRepository

	// pushc wakes the run loop for an out-of-band publish after an
	// externally-originated push. Buffered so the connection read loops
	// never block on it; pending signals coalesce.
	pushc chan struct{}

	mu         sync.Mutex
	devices    []device.Device
	states     map[string]*device.State
	lastColors map[string]device.Color
	lastSeen   map[string]time.Time
	snapshot   device.Snapshot
	listeners  []SnapshotListener
}

// New creates a coordinator and wires itself as the connection manager's
// update handler. Previously remembered colours are loaded from the
// repository so colour restoration works from the first cycle.
func New(cfg *config.Config, log *logging.Logger, sess *session.Manager,
	conns *conn.Manager, colors *device.ColorRepository) (*Coordinator, error) {

	c := &Coordinator{
		cfg:        cfg,
		log:        log.With("component", "coordinator"),
		session:    sess,
		conns:      conns,
		colors:     colors,
		pushc:      make(chan struct{}, 1),
		states:     make(map[string]*device.State),
		lastColors: make(map[string]device.Color),
		lastSeen:   make(map[string]time.Time),
		snapshot:   device.Snapshot{Devices: map[string]device.DeviceSnapshot{}},
	}

	remembered, err := colors.LoadAll(context.Background())
	if err != nil {
		return nil, fmt.Errorf("loading remembered colours: %w", err)
	}
	c.lastColors = remembered

	conns.OnUpdate(c.handleUpdate)
	return c, nil
}

// OnSnapshot registers a snapshot listener. Must be called before Run.
func (c *Coordinator) OnSnapshot(fn SnapshotListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Run executes poll cycles until the context is cancelled. The first
// cycle starts immediately; a failed cycle never stops the loop. Between
// cycles the loop also publishes whenever a device reports an external
// change, so other apps' edits surface without waiting out the interval.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.GetPollInterval())
	defer ticker.Stop()

	c.pollCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pollCycle(ctx)
		case <-c.pushc:
			c.publish()
		}
	}
}

// GetSnapshot returns the most recently published snapshot. The returned
// value is isolated from future cycles.
func (c *Coordinator) GetSnapshot() device.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	devices := make(map[string]device.DeviceSnapshot, len(c.snapshot.Devices))
	for id, ds := range c.snapshot.Devices {
		devices[id] = ds
	}
	return device.Snapshot{
		Devices:     devices,
		MFARequired: c.snapshot.MFARequired,
		Taken:       c.snapshot.Taken,
	}
}

// SubmitMFACode forwards a verification code to the session and, on
// success, immediately runs a poll cycle so the account recovers without
// waiting out the interval.
func (c *Coordinator) SubmitMFACode(ctx context.Context, code string) error {
	if err := c.session.SubmitMFACode(ctx, code); err != nil {
		return err
	}
	c.pollCycle(ctx)
	return nil
}

// SendCommand sends a control command to a device and optimistically
// merges the commanded values into local state, so the next snapshot
// reflects the intent before the device confirms. A state request follows
// the command to reconcile against what the device actually applied.
func (c *Coordinator) SendCommand(ctx context.Context, deviceID string, cmd wire.Command) error {
	dev, ok := c.lookupDevice(deviceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}

	if err := c.session.EnsureAuthenticated(ctx); err != nil {
		return fmt.Errorf("authenticating for command: %w", err)
	}
	if err := c.conns.EnsureConnected(ctx, dev); err != nil {
		return fmt.Errorf("connecting for command: %w", err)
	}

	if err := c.conns.SendCommand(deviceID, cmd); err != nil {
		return err
	}

	c.mu.Lock()
	c.stateFor(deviceID).Apply(commandFields(cmd))
	c.lastSeen[deviceID] = time.Now()
	c.mu.Unlock()

	// Reconcile: the device reports what it actually applied, which can
	// differ from the request (clamped brightness, unknown track).
	if err := c.conns.RequestState(deviceID); err != nil {
		c.log.Warn("post-command state request failed",
			"device_id", deviceID, "error", err)
	}

	c.publish()
	return nil
}

// RestoreColor turns a device's light on at its remembered colour.
// Falls back to plain "on" when no colour has ever been remembered.
func (c *Coordinator) RestoreColor(ctx context.Context, deviceID string) error {
	c.mu.Lock()
	color, ok := c.lastColors[deviceID]
	c.mu.Unlock()

	on := true
	cmd := wire.Command{IsOn: &on}
	if ok {
		brightness := color.Brightness
		cmd.Color = &wire.ColorCommand{
			Hue:        color.Hue,
			Saturation: color.Saturation,
			Brightness: &brightness,
		}
	}

	return c.SendCommand(ctx, deviceID, cmd)
}

// Close tears down the device connections.
func (c *Coordinator) Close() error {
	return c.conns.Close()
}

// handleUpdate merges a decoded message into device state. Runs on the
// connection read loops.
func (c *Coordinator) handleUpdate(deviceID string, update wire.Update) {
	if update.Fields.Empty() && !update.ExternalChange {
		return
	}

	c.mu.Lock()
	changed := c.stateFor(deviceID).Apply(update.Fields)
	if changed || update.ExternalChange {
		c.lastSeen[deviceID] = time.Now()
	}
	c.mu.Unlock()

	if update.ExternalChange {
		// Another app or the physical device changed something; wake the
		// run loop so the merged result publishes immediately.
		c.log.Debug("external change reported", "device_id", deviceID)
		select {
		case c.pushc <- struct{}{}:
		default:
		}
	}
}

// lookupDevice finds a discovered device by id.
func (c *Coordinator) lookupDevice(deviceID string) (device.Device, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.devices {
		if d.ID == deviceID {
			return d, true
		}
	}
	return device.Device{}, false
}

// stateFor returns the mutable state for a device, creating it on first
// touch. Caller holds the lock.
func (c *Coordinator) stateFor(deviceID string) *device.State {
	s, ok := c.states[deviceID]
	if !ok {
		s = &device.State{}
		c.states[deviceID] = s
	}
	return s
}

// commandFields converts a command into mergeable fields, mirroring the
// encoder's interpretation (silence sentinel, colour brightness hoist).
func commandFields(cmd wire.Command) wire.Fields {
	f := wire.Fields{
		IsOn:       cmd.IsOn,
		Brightness: cmd.Brightness,
		Volume:     cmd.Volume,
		Sound:      cmd.Sound,
	}
	if cmd.Color != nil {
		noColor := cmd.Color.NoColor
		f.NoColor = &noColor
		if !cmd.Color.NoColor {
			hue := cmd.Color.Hue
			sat := cmd.Color.Saturation
			f.Hue = &hue
			f.Saturation = &sat
		}
		if cmd.Color.Brightness != nil {
			f.Brightness = cmd.Color.Brightness
		}
	}
	return f
}
