package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/com6056/nanit-sound-light/internal/device"
	"github.com/com6056/nanit-sound-light/internal/session"
)

// pollCycle runs one backstop cycle: authenticate, discover, connect,
// request state, wait briefly for answers, remember colours, publish.
//
// Every step is fault-isolated per device: one unreachable speaker never
// blocks the others, and any failure leaves the previous state visible
// (stale data beats no data for a status surface).
func (c *Coordinator) pollCycle(ctx context.Context) {
	if err := c.session.EnsureAuthenticated(ctx); err != nil {
		switch {
		case errors.Is(err, session.ErrMFARequired):
			c.log.Info("poll paused, verification code required")
		case errors.Is(err, session.ErrBackoffActive):
			c.log.Debug("poll paused, authentication backoff active")
		default:
			c.log.Warn("poll cycle authentication failed", "error", err)
		}
		// Publish anyway: the MFA flag must surface, and retained device
		// data stays visible while the account is unusable. Before the
		// first successful cycle this means an empty snapshot, which the
		// local surfaces read as "nothing known yet" rather than a failed
		// cycle.
		c.publish()
		return
	}

	c.ensureDirectory(ctx)

	c.mu.Lock()
	devices := make([]device.Device, len(c.devices))
	copy(devices, c.devices)
	c.mu.Unlock()

	for _, dev := range devices {
		if ctx.Err() != nil {
			return
		}
		c.pollDevice(ctx, dev)
	}

	c.rememberColors(ctx, devices)
	c.publish()
}

// ensureDirectory fetches the device directory when none is known yet.
// Speakers move between accounts rarely; rediscovery on every cycle would
// be wasted traffic, so a populated directory is kept until restart.
func (c *Coordinator) ensureDirectory(ctx context.Context) {
	c.mu.Lock()
	known := len(c.devices)
	c.mu.Unlock()
	if known > 0 {
		return
	}

	devices, err := c.session.ListDevices(ctx)
	if err != nil {
		c.log.Warn("device discovery failed", "error", err)
		return
	}
	if len(devices) == 0 {
		c.log.Info("no devices with an attached speaker on this account")
	}

	c.mu.Lock()
	c.devices = devices
	c.mu.Unlock()
}

// pollDevice refreshes one device: reconnect if needed, request state,
// and wait (bounded) for an answer so the published snapshot reflects
// this cycle rather than the last one.
func (c *Coordinator) pollDevice(ctx context.Context, dev device.Device) {
	if err := c.conns.EnsureConnected(ctx, dev); err != nil {
		c.log.Warn("device connection failed",
			"device_id", dev.ID, "error", err)
		return
	}

	c.mu.Lock()
	haveSounds := len(c.stateFor(dev.ID).Sounds) > 0
	c.mu.Unlock()
	if !haveSounds {
		if err := c.conns.RequestSoundList(dev.ID); err != nil {
			c.log.Debug("sound catalogue request failed",
				"device_id", dev.ID, "error", err)
		}
	}

	since := c.conns.UpdateSeq(dev.ID)
	if err := c.conns.RequestState(dev.ID); err != nil {
		c.log.Warn("state request failed",
			"device_id", dev.ID, "error", err)
		return
	}

	if !c.conns.WaitForUpdate(ctx, dev.ID, since) {
		c.log.Debug("no state answer within the wait window",
			"device_id", dev.ID)
	}
}

// rememberColors captures and persists each device's active colour so a
// later "light on" can restore it.
func (c *Coordinator) rememberColors(ctx context.Context, devices []device.Device) {
	for _, dev := range devices {
		c.mu.Lock()
		color, ok := c.stateFor(dev.ID).RememberColor()
		prev, had := c.lastColors[dev.ID]
		if ok {
			c.lastColors[dev.ID] = color
		}
		c.mu.Unlock()

		if !ok || (had && prev == color) {
			continue
		}
		if err := c.colors.Save(ctx, dev.ID, color); err != nil {
			c.log.Warn("persisting remembered colour failed",
				"device_id", dev.ID, "error", err)
		}
	}
}

// publish assembles an isolated snapshot from current state and hands it
// to the listeners.
func (c *Coordinator) publish() {
	c.mu.Lock()

	snap := device.Snapshot{
		Devices:     make(map[string]device.DeviceSnapshot, len(c.devices)),
		MFARequired: c.session.MFAPending(),
		Taken:       time.Now(),
	}

	for _, dev := range c.devices {
		ds := device.DeviceSnapshot{
			Device:    dev,
			State:     c.stateFor(dev.ID).Clone(),
			Connected: c.conns.Connected(dev.ID),
		}
		if color, ok := c.lastColors[dev.ID]; ok {
			cc := color
			ds.LastColor = &cc
		}
		if seen, ok := c.lastSeen[dev.ID]; ok {
			t := seen
			ds.UpdatedAt = &t
		}
		snap.Devices[dev.ID] = ds
	}

	c.snapshot = snap
	listeners := make([]SnapshotListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(snap)
	}
}
