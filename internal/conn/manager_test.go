package conn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/com6056/nanit-sound-light/internal/device"
	"github.com/com6056/nanit-sound-light/internal/infrastructure/config"
	"github.com/com6056/nanit-sound-light/internal/infrastructure/logging"
	"github.com/com6056/nanit-sound-light/internal/wire"
)

type staticTokens string

func (t staticTokens) AccessToken() string { return string(t) }

var testDevice = device.Device{
	ID:          "baby-1",
	DisplayName: "Nursery",
	SpeakerID:   "spk-1",
}

// relayServer is a fake device relay: it records dials and inbound frames
// and lets tests push frames back to the client.
type relayServer struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu     sync.Mutex
	dials  int
	auths  []string
	paths  []string
	frames [][]byte
	conns  []*websocket.Conn
}

func newRelayServer(t *testing.T) *relayServer {
	t.Helper()
	rs := &relayServer{t: t}
	rs.server = httptest.NewServer(http.HandlerFunc(rs.handle))
	t.Cleanup(rs.server.Close)
	return rs
}

func (rs *relayServer) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := rs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rs.t.Errorf("upgrade failed: %v", err)
		return
	}

	rs.mu.Lock()
	rs.dials++
	rs.auths = append(rs.auths, r.Header.Get("Authorization"))
	rs.paths = append(rs.paths, r.URL.Path)
	rs.conns = append(rs.conns, ws)
	rs.mu.Unlock()

	go func() {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			rs.mu.Lock()
			rs.frames = append(rs.frames, data)
			rs.mu.Unlock()
		}
	}()
}

// wsBase returns the server URL in ws scheme, to use as the relay base.
func (rs *relayServer) wsBase() string {
	return "ws" + strings.TrimPrefix(rs.server.URL, "http")
}

func (rs *relayServer) dialCount() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.dials
}

func (rs *relayServer) frameCount() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.frames)
}

// push sends a binary frame on the most recent connection.
func (rs *relayServer) push(frame []byte) {
	rs.mu.Lock()
	ws := rs.conns[len(rs.conns)-1]
	rs.mu.Unlock()
	if err := ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		rs.t.Errorf("pushing frame: %v", err)
	}
}

// dropClients closes every server-side connection, simulating a relay
// failure.
func (rs *relayServer) dropClients() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, ws := range rs.conns {
		_ = ws.Close()
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func testManager(t *testing.T, rs *relayServer) *Manager {
	t.Helper()
	cfg := &config.Config{
		Nanit: config.NanitConfig{
			WSBase:         rs.wsBase(),
			RequestTimeout: 5,
		},
		Poll: config.PollConfig{
			Interval:         30,
			StateWaitTimeout: 2,
		},
		Logging: config.LoggingConfig{Level: "error", Format: "text"},
	}
	m := NewManager(cfg, logging.New(cfg.Logging, "test"), staticTokens("token-1"))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// settingsFrame builds a response frame carrying an is_on value.
func settingsFrame(t *testing.T) []byte {
	t.Helper()
	on := true
	frame, err := wire.EncodeCommand(1, "device-session", wire.Command{IsOn: &on})
	if err != nil {
		t.Fatalf("building test frame: %v", err)
	}
	return frame
}

func TestEnsureConnected_DialsAndRequestsState(t *testing.T) {
	rs := newRelayServer(t)
	m := testManager(t, rs)

	if err := m.EnsureConnected(context.Background(), testDevice); err != nil {
		t.Fatalf("EnsureConnected failed: %v", err)
	}

	if !m.Connected(testDevice.ID) {
		t.Error("Connected = false after EnsureConnected")
	}

	rs.mu.Lock()
	if rs.paths[0] != "/spk-1/user_connect/" {
		t.Errorf("dial path = %q, want /spk-1/user_connect/", rs.paths[0])
	}
	if rs.auths[0] != "Bearer token-1" {
		t.Errorf("Authorization = %q, want Bearer token-1", rs.auths[0])
	}
	rs.mu.Unlock()

	// The post-connect state request must arrive without any poll cycle.
	waitFor(t, 2*time.Second, func() bool { return rs.frameCount() >= 1 })

	rs.mu.Lock()
	frame := rs.frames[0]
	rs.mu.Unlock()

	update, err := wire.DecodeMessage(frame)
	if err != nil {
		t.Fatalf("decoding state request: %v", err)
	}
	if update.Kind != wire.KindRequest || update.ExternalChange {
		t.Errorf("initial frame decoded as %+v, want a get_settings request", update)
	}
}

func TestEnsureConnected_Idempotent(t *testing.T) {
	rs := newRelayServer(t)
	m := testManager(t, rs)

	for i := 0; i < 3; i++ {
		if err := m.EnsureConnected(context.Background(), testDevice); err != nil {
			t.Fatalf("EnsureConnected #%d failed: %v", i+1, err)
		}
	}

	if rs.dialCount() != 1 {
		t.Errorf("dials = %d, want 1", rs.dialCount())
	}
}

func TestSendCommand_NotConnected(t *testing.T) {
	rs := newRelayServer(t)
	m := testManager(t, rs)

	on := true
	err := m.SendCommand("unknown-device", wire.Command{IsOn: &on})
	if err == nil {
		t.Fatal("SendCommand succeeded without a connection")
	}
}

func TestSendCommand_RoundTrip(t *testing.T) {
	rs := newRelayServer(t)
	m := testManager(t, rs)

	if err := m.EnsureConnected(context.Background(), testDevice); err != nil {
		t.Fatalf("EnsureConnected failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return rs.frameCount() >= 1 })

	volume := 0.4
	if err := m.SendCommand(testDevice.ID, wire.Command{Volume: &volume}); err != nil {
		t.Fatalf("SendCommand failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return rs.frameCount() >= 2 })

	rs.mu.Lock()
	frame := rs.frames[1]
	rs.mu.Unlock()

	update, err := wire.DecodeMessage(frame)
	if err != nil {
		t.Fatalf("decoding command frame: %v", err)
	}
	if update.Fields.Volume == nil || *update.Fields.Volume != 0.4 {
		t.Errorf("command volume = %v, want 0.4", update.Fields.Volume)
	}
}

func TestReadLoop_DeliversUpdatesAndSignals(t *testing.T) {
	rs := newRelayServer(t)
	m := testManager(t, rs)

	type delivered struct {
		deviceID string
		update   wire.Update
	}
	updates := make(chan delivered, 1)
	m.OnUpdate(func(deviceID string, update wire.Update) {
		updates <- delivered{deviceID, update}
	})

	if err := m.EnsureConnected(context.Background(), testDevice); err != nil {
		t.Fatalf("EnsureConnected failed: %v", err)
	}

	since := m.UpdateSeq(testDevice.ID)
	rs.push(settingsFrame(t))

	if !m.WaitForUpdate(context.Background(), testDevice.ID, since) {
		t.Fatal("WaitForUpdate timed out on a delivered frame")
	}

	select {
	case d := <-updates:
		if d.deviceID != testDevice.ID {
			t.Errorf("update for %q, want %q", d.deviceID, testDevice.ID)
		}
		if d.update.Fields.IsOn == nil || !*d.update.Fields.IsOn {
			t.Errorf("update fields = %+v, want is_on true", d.update.Fields)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("update handler was not called")
	}
}

func TestWaitForUpdate_TimesOutWithoutTraffic(t *testing.T) {
	rs := newRelayServer(t)
	m := testManager(t, rs)

	if err := m.EnsureConnected(context.Background(), testDevice); err != nil {
		t.Fatalf("EnsureConnected failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	start := time.Now()
	if m.WaitForUpdate(ctx, testDevice.ID, m.UpdateSeq(testDevice.ID)) {
		t.Fatal("WaitForUpdate reported an update on a silent connection")
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("WaitForUpdate returned after %s, want the full timeout", elapsed)
	}
}

func TestReconnect_AfterRelayDrop(t *testing.T) {
	rs := newRelayServer(t)
	m := testManager(t, rs)

	if err := m.EnsureConnected(context.Background(), testDevice); err != nil {
		t.Fatalf("EnsureConnected failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return rs.frameCount() >= 1 })

	rs.dropClients()
	waitFor(t, 2*time.Second, func() bool { return !m.Connected(testDevice.ID) })

	// The next ensure (normally the next poll cycle) re-dials and the
	// fresh connection re-requests state.
	if err := m.EnsureConnected(context.Background(), testDevice); err != nil {
		t.Fatalf("EnsureConnected after drop failed: %v", err)
	}
	if rs.dialCount() != 2 {
		t.Errorf("dials = %d, want 2", rs.dialCount())
	}
	waitFor(t, 2*time.Second, func() bool { return rs.frameCount() >= 2 })
}

func TestClose_RejectsFurtherUse(t *testing.T) {
	rs := newRelayServer(t)
	m := testManager(t, rs)

	if err := m.EnsureConnected(context.Background(), testDevice); err != nil {
		t.Fatalf("EnsureConnected failed: %v", err)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := m.EnsureConnected(context.Background(), testDevice); err == nil {
		t.Error("EnsureConnected succeeded after Close")
	}
	if err := m.RequestState(testDevice.ID); err == nil {
		t.Error("RequestState succeeded after Close")
	}
}

func TestSignalBoard_AdvanceWakesWaiters(t *testing.T) {
	b := newSignalBoard()

	done := make(chan bool, 1)
	go func() {
		done <- b.wait(context.Background(), "dev", b.seq("dev"), 2*time.Second)
	}()

	time.Sleep(50 * time.Millisecond)
	b.advance("dev")

	select {
	case ok := <-done:
		if !ok {
			t.Error("wait returned false after an advance")
		}
	case <-time.After(time.Second):
		t.Fatal("waiter did not wake")
	}

	if b.seq("dev") != 1 {
		t.Errorf("seq = %d, want 1", b.seq("dev"))
	}
}

func TestSignalBoard_TimeoutDeregistersWaiter(t *testing.T) {
	b := newSignalBoard()

	if b.wait(context.Background(), "dev", 0, 20*time.Millisecond) {
		t.Fatal("wait returned true without an advance")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.waiters["dev"]) != 0 {
		t.Errorf("waiters left registered after timeout: %d", len(b.waiters["dev"]))
	}
}

func TestSignalBoard_PastSequenceReturnsImmediately(t *testing.T) {
	b := newSignalBoard()
	b.advance("dev")

	start := time.Now()
	if !b.wait(context.Background(), "dev", 0, time.Second) {
		t.Fatal("wait returned false for an already-passed sequence")
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("wait blocked despite the sequence having passed")
	}
}
