package conn

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/com6056/nanit-sound-light/internal/device"
	"github.com/com6056/nanit-sound-light/internal/infrastructure/config"
	"github.com/com6056/nanit-sound-light/internal/infrastructure/logging"
	"github.com/com6056/nanit-sound-light/internal/wire"
)

const (
	// closeGrace bounds how long Close waits for read loops to finish.
	closeGrace = 5 * time.Second

	// writeTimeout bounds a single frame write to the relay.
	writeTimeout = 10 * time.Second
)

// TokenSource supplies the current access token for relay authentication.
// Satisfied by session.Manager.
type TokenSource interface {
	AccessToken() string
}

// UpdateHandler receives every decoded, processable message from a device
// connection. Called from the connection's read loop; handlers must not
// block on network I/O.
type UpdateHandler func(deviceID string, update wire.Update)

// Manager owns one WebSocket relay connection per device.
//
// Connections are not self-healing: when a read or write fails the
// connection is dropped, and the next EnsureConnected call (the poll loop's
// or a command path's) re-establishes it. Commands sent without a live
// connection fail immediately rather than queueing; stale writes to a baby
// device are worse than dropped ones.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Manager struct {
	cfg    *config.Config
	log    *logging.Logger
	tokens TokenSource
	dialer *websocket.Dialer

	signals *signalBoard

	mu       sync.Mutex
	conns    map[string]*deviceConn
	onUpdate UpdateHandler
	closed   bool

	wg sync.WaitGroup
}

// deviceConn is one live relay connection.
type deviceConn struct {
	dev       device.Device
	ws        *websocket.Conn
	sessionID string
	requestID atomic.Uint64

	writeMu sync.Mutex
}

// nextRequestID returns a fresh id for an outbound request. Ids only need
// to be unique within the connection; the device echoes them back on
// responses.
func (dc *deviceConn) nextRequestID() uint64 {
	return dc.requestID.Add(1)
}

// NewManager creates a connection manager. Updates are delivered to the
// handler registered with OnUpdate.
func NewManager(cfg *config.Config, log *logging.Logger, tokens TokenSource) *Manager {
	return &Manager{
		cfg:    cfg,
		log:    log.With("component", "conn"),
		tokens: tokens,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.GetRequestTimeout(),
		},
		signals: newSignalBoard(),
		conns:   make(map[string]*deviceConn),
	}
}

// OnUpdate registers the update handler. Must be called before the first
// EnsureConnected.
func (m *Manager) OnUpdate(fn UpdateHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUpdate = fn
}

// Connected reports whether a live connection exists for the device.
func (m *Manager) Connected(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.conns[deviceID]
	return ok
}

// EnsureConnected establishes the device's relay connection if one is not
// already live. On a fresh connection it immediately requests the full
// device state, so the first poll cycle after a reconnect repopulates
// everything the device reports.
func (m *Manager) EnsureConnected(ctx context.Context, dev device.Device) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if _, ok := m.conns[dev.ID]; ok {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	url := fmt.Sprintf("%s/%s/user_connect/", m.cfg.Nanit.WSBase, dev.SpeakerID)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+m.tokens.AccessToken())

	ws, resp, err := m.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dialing relay for %s (status %d): %w", dev.ID, resp.StatusCode, err)
		}
		return fmt.Errorf("dialing relay for %s: %w", dev.ID, err)
	}

	dc := &deviceConn{
		dev:       dev,
		ws:        ws,
		sessionID: uuid.NewString(),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = ws.Close()
		return ErrClosed
	}
	if _, ok := m.conns[dev.ID]; ok {
		// Lost a connect race; keep the established one.
		m.mu.Unlock()
		_ = ws.Close()
		return nil
	}
	m.conns[dev.ID] = dc
	m.wg.Add(1)
	m.mu.Unlock()

	go m.readLoop(dc)

	m.log.Info("connected to device relay",
		"device_id", dev.ID, "speaker_id", dev.SpeakerID)

	if err := m.RequestState(dev.ID); err != nil {
		m.log.Warn("initial state request failed",
			"device_id", dev.ID, "error", err)
	}

	return nil
}

// SendCommand encodes and writes a control command to the device.
// A write failure drops the connection; the command is not retried here.
func (m *Manager) SendCommand(deviceID string, cmd wire.Command) error {
	dc, err := m.conn(deviceID)
	if err != nil {
		return err
	}

	frame, err := wire.EncodeCommand(dc.nextRequestID(), dc.sessionID, cmd)
	if err != nil {
		return err
	}

	return m.write(dc, frame)
}

// RequestState asks the device for its full settings and sensor state.
func (m *Manager) RequestState(deviceID string) error {
	dc, err := m.conn(deviceID)
	if err != nil {
		return err
	}
	return m.write(dc, wire.EncodeStateRequest(dc.nextRequestID(), dc.sessionID))
}

// RequestSoundList asks the device for its saved-sound catalogue.
func (m *Manager) RequestSoundList(deviceID string) error {
	dc, err := m.conn(deviceID)
	if err != nil {
		return err
	}
	return m.write(dc, wire.EncodeSoundListRequest(dc.nextRequestID(), dc.sessionID))
}

// UpdateSeq returns the device's current update sequence. Pair with
// WaitForUpdate to bound a wait for fresh state.
func (m *Manager) UpdateSeq(deviceID string) uint64 {
	return m.signals.seq(deviceID)
}

// WaitForUpdate blocks until a message is processed for the device after
// the since sequence point, up to the configured state-wait timeout.
// Returns true only when an update arrived.
//
// Arrival of any processable message is the liveness signal; it does not
// guarantee a particular field was populated. A device that answers a
// state request with an empty response still counts as alive.
func (m *Manager) WaitForUpdate(ctx context.Context, deviceID string, since uint64) bool {
	return m.signals.wait(ctx, deviceID, since, m.cfg.GetStateWaitTimeout())
}

// Close tears down every connection and waits up to a grace period for
// the read loops to finish. Safe to call once.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	conns := make([]*deviceConn, 0, len(m.conns))
	for _, dc := range m.conns {
		conns = append(conns, dc)
	}
	m.mu.Unlock()

	for _, dc := range conns {
		dc.writeMu.Lock()
		_ = dc.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = dc.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down"))
		dc.writeMu.Unlock()
		_ = dc.ws.Close()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(closeGrace):
		return fmt.Errorf("closing connections: read loops still running after %s", closeGrace)
	}
}

// conn looks up the live connection for a device.
func (m *Manager) conn(deviceID string) (*deviceConn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	dc, ok := m.conns[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, deviceID)
	}
	return dc, nil
}

// write sends one binary frame. On failure the connection is dropped so
// the next EnsureConnected re-establishes it.
func (m *Manager) write(dc *deviceConn, frame []byte) error {
	dc.writeMu.Lock()
	defer dc.writeMu.Unlock()

	_ = dc.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := dc.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		m.drop(dc)
		return fmt.Errorf("writing to %s: %w", dc.dev.ID, err)
	}
	return nil
}

// drop removes the connection from the table and closes the socket. The
// read loop unblocks on the close and exits.
func (m *Manager) drop(dc *deviceConn) {
	m.mu.Lock()
	if current, ok := m.conns[dc.dev.ID]; ok && current == dc {
		delete(m.conns, dc.dev.ID)
	}
	m.mu.Unlock()
	_ = dc.ws.Close()
}

// readLoop consumes frames from one connection until it dies.
//
// Decode failures on individual frames are tolerated: one corrupt message
// must not sever an otherwise healthy connection.
func (m *Manager) readLoop(dc *deviceConn) {
	defer m.wg.Done()
	defer m.drop(dc)

	log := m.log.With("device_id", dc.dev.ID)

	for {
		msgType, data, err := dc.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("relay connection closed", "error", err)
			} else {
				log.Warn("relay connection lost", "error", err)
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			update, err := wire.DecodeMessage(data)
			if err != nil {
				log.Warn("undecodable frame", "error", err, "bytes", len(data))
				continue
			}
			if update.Kind == wire.KindBackend {
				continue
			}
			m.deliver(dc.dev.ID, update)

		case websocket.TextMessage:
			// The relay occasionally emits text diagnostics. Informational only.
			log.Debug("relay text frame", "payload", string(data))
		}
	}
}

// deliver hands an update to the handler, then wakes waiters. The handler
// runs first so merged state is visible before a bounded wait returns.
func (m *Manager) deliver(deviceID string, update wire.Update) {
	m.mu.Lock()
	handler := m.onUpdate
	m.mu.Unlock()

	if handler != nil {
		handler(deviceID, update)
	}
	m.signals.advance(deviceID)
}
