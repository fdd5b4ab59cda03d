package coordinator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/com6056/nanit-sound-light/internal/conn"
	"github.com/com6056/nanit-sound-light/internal/device"
	"github.com/com6056/nanit-sound-light/internal/infrastructure/config"
	"github.com/com6056/nanit-sound-light/internal/infrastructure/database"
	"github.com/com6056/nanit-sound-light/internal/infrastructure/logging"
	"github.com/com6056/nanit-sound-light/internal/session"
	"github.com/com6056/nanit-sound-light/internal/wire"
)

// cloudStub fakes the REST API and the device relay together: a login that
// always succeeds, a directory with one speaker, and a relay that answers
// every inbound frame with a canned state push.
type cloudStub struct {
	t        *testing.T
	rest     *httptest.Server
	relay    *httptest.Server
	upgrader websocket.Upgrader

	mu          sync.Mutex
	mfaMode     bool
	statePush   []byte
	relayFrames [][]byte
}

func newCloudStub(t *testing.T) *cloudStub {
	t.Helper()
	cs := &cloudStub{t: t}

	onVal := true
	brightness := 0.8
	push, err := wire.EncodeCommand(1, "device-session",
		wire.Command{IsOn: &onVal, Brightness: &brightness})
	if err != nil {
		t.Fatalf("building state push: %v", err)
	}
	cs.statePush = push

	cs.rest = httptest.NewServer(http.HandlerFunc(cs.handleREST))
	cs.relay = httptest.NewServer(http.HandlerFunc(cs.handleRelay))
	t.Cleanup(cs.rest.Close)
	t.Cleanup(cs.relay.Close)
	return cs
}

// accessToken mints an unsigned JWT expiring in an hour.
func (cs *cloudStub) accessToken() string {
	header, _ := json.Marshal(map[string]string{"alg": "none"})
	payload, _ := json.Marshal(map[string]any{"exp": time.Now().Add(time.Hour).Unix()})
	enc := base64.RawURLEncoding
	return enc.EncodeToString(header) + "." + enc.EncodeToString(payload) + ".c2ln"
}

func (cs *cloudStub) handleREST(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/login":
		cs.mu.Lock()
		mfa := cs.mfaMode
		cs.mu.Unlock()
		if mfa {
			w.WriteHeader(482)
			_ = json.NewEncoder(w).Encode(map[string]string{"mfa_token": "challenge"})
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"access_token":  cs.accessToken(),
			"refresh_token": "refresh-1",
		})
	case "/babies":
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{
			"babies": [{
				"uid": "baby-1",
				"name": "Nursery",
				"speaker": {
					"attached_to_speaker": true,
					"speaker": {"uid": "spk-1", "name": "Sound + Light"}
				}
			}]
		}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (cs *cloudStub) handleRelay(w http.ResponseWriter, r *http.Request) {
	ws, err := cs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cs.t.Errorf("relay upgrade failed: %v", err)
		return
	}

	go func() {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			cs.mu.Lock()
			cs.relayFrames = append(cs.relayFrames, data)
			push := cs.statePush
			cs.mu.Unlock()
			if err := ws.WriteMessage(websocket.BinaryMessage, push); err != nil {
				return
			}
		}
	}()
}

func (cs *cloudStub) setMFAMode(on bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.mfaMode = on
}

func (cs *cloudStub) frames() [][]byte {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([][]byte, len(cs.relayFrames))
	copy(out, cs.relayFrames)
	return out
}

func testCoordinator(t *testing.T, cs *cloudStub) *Coordinator {
	t.Helper()

	cfg := &config.Config{
		Account: config.AccountConfig{
			Email:    "parent@example.com",
			Password: "hunter2",
		},
		Nanit: config.NanitConfig{
			APIBase:            cs.rest.URL,
			WSBase:             "ws" + strings.TrimPrefix(cs.relay.URL, "http"),
			TokenRefreshBuffer: 300,
			RequestTimeout:     5,
		},
		Poll: config.PollConfig{
			Interval:         30,
			StateWaitTimeout: 2,
		},
		Logging: config.LoggingConfig{Level: "error", Format: "text"},
	}

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	log := logging.New(cfg.Logging, "test")
	sess := session.NewManager(cfg, log, session.NewTokenStore(db))
	conns := conn.NewManager(cfg, log, sess)

	c, err := New(cfg, log, sess, conns, device.NewColorRepository(db))
	if err != nil {
		t.Fatalf("creating coordinator: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestPollCycle_DiscoversConnectsAndPublishes(t *testing.T) {
	cs := newCloudStub(t)
	c := testCoordinator(t, cs)

	c.pollCycle(context.Background())

	snap := c.GetSnapshot()
	if snap.MFARequired {
		t.Error("MFARequired = true on a healthy account")
	}

	ds, ok := snap.Devices["baby-1"]
	if !ok {
		t.Fatalf("snapshot missing baby-1: %+v", snap.Devices)
	}
	if !ds.Connected {
		t.Error("device not marked connected")
	}
	if ds.Device.DisplayName != "Nursery" || ds.Device.SpeakerID != "spk-1" {
		t.Errorf("unexpected device identity: %+v", ds.Device)
	}
	if ds.State.IsOn == nil || !*ds.State.IsOn {
		t.Errorf("state is_on = %v, want true from the relay push", ds.State.IsOn)
	}
	if ds.State.Brightness == nil || *ds.State.Brightness != 0.8 {
		t.Errorf("state brightness = %v, want 0.8", ds.State.Brightness)
	}
	if ds.UpdatedAt == nil {
		t.Error("UpdatedAt not set after a processed update")
	}
}

func TestPollCycle_MFAPublishesFlagWithoutWiping(t *testing.T) {
	cs := newCloudStub(t)
	c := testCoordinator(t, cs)

	// Healthy first cycle populates the snapshot.
	c.pollCycle(context.Background())
	if len(c.GetSnapshot().Devices) != 1 {
		t.Fatal("setup cycle did not populate the snapshot")
	}

	// Force re-authentication: the stub has no /tokens/refresh route, so
	// the refresh 404s (dead token) and the password fallback reaches the
	// challenge.
	cs.setMFAMode(true)
	c.session.Invalidate()
	c.pollCycle(context.Background())

	snap := c.GetSnapshot()
	if !snap.MFARequired {
		t.Error("MFARequired = false while a challenge is pending")
	}
	if len(snap.Devices) != 1 {
		t.Errorf("device data wiped during MFA pause: %+v", snap.Devices)
	}
}

func TestSendCommand_UnknownDevice(t *testing.T) {
	cs := newCloudStub(t)
	c := testCoordinator(t, cs)

	on := true
	err := c.SendCommand(context.Background(), "nope", wire.Command{IsOn: &on})
	if !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("SendCommand error = %v, want ErrUnknownDevice", err)
	}
}

func TestSendCommand_OptimisticMergeAndReconcile(t *testing.T) {
	cs := newCloudStub(t)
	c := testCoordinator(t, cs)
	c.pollCycle(context.Background())

	before := len(cs.frames())

	volume := 0.25
	if err := c.SendCommand(context.Background(), "baby-1", wire.Command{Volume: &volume}); err != nil {
		t.Fatalf("SendCommand failed: %v", err)
	}

	// The snapshot reflects the commanded value immediately.
	ds := c.GetSnapshot().Devices["baby-1"]
	if ds.State.Volume == nil || *ds.State.Volume != 0.25 {
		t.Errorf("snapshot volume = %v, want optimistic 0.25", ds.State.Volume)
	}

	// The relay saw the command plus a reconciling state request.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(cs.frames()) < before+2 {
		time.Sleep(10 * time.Millisecond)
	}
	frames := cs.frames()
	if len(frames) < before+2 {
		t.Fatalf("relay saw %d new frames, want 2 (command + reconcile)", len(frames)-before)
	}

	cmdUpdate, err := wire.DecodeMessage(frames[before])
	if err != nil {
		t.Fatalf("decoding command frame: %v", err)
	}
	if cmdUpdate.Fields.Volume == nil || *cmdUpdate.Fields.Volume != 0.25 {
		t.Errorf("command frame volume = %v, want 0.25", cmdUpdate.Fields.Volume)
	}

	reconcile, err := wire.DecodeMessage(frames[before+1])
	if err != nil {
		t.Fatalf("decoding reconcile frame: %v", err)
	}
	if reconcile.ExternalChange || !reconcile.Fields.Empty() {
		t.Errorf("reconcile frame = %+v, want a bare state request", reconcile)
	}
}

func TestRememberColors_PersistsActiveColor(t *testing.T) {
	cs := newCloudStub(t)

	// Relay reports an active colour.
	hueOn := true
	bright := 0.5
	cs.mu.Lock()
	push, err := wire.EncodeCommand(1, "device-session", wire.Command{
		IsOn:       &hueOn,
		Brightness: &bright,
		Color:      &wire.ColorCommand{Hue: 210, Saturation: 80},
	})
	if err != nil {
		t.Fatalf("building colour push: %v", err)
	}
	cs.statePush = push
	cs.mu.Unlock()

	c := testCoordinator(t, cs)
	c.pollCycle(context.Background())

	ds := c.GetSnapshot().Devices["baby-1"]
	if ds.LastColor == nil {
		t.Fatal("no colour remembered from an active-colour report")
	}
	want := device.Color{Hue: 210, Saturation: 80, Brightness: 0.5}
	if *ds.LastColor != want {
		t.Errorf("LastColor = %+v, want %+v", *ds.LastColor, want)
	}

	// Durable across a repository reload.
	stored, err := c.colors.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if stored["baby-1"] != want {
		t.Errorf("stored colour = %+v, want %+v", stored["baby-1"], want)
	}
}

func TestRestoreColor_UsesRememberedColor(t *testing.T) {
	cs := newCloudStub(t)
	c := testCoordinator(t, cs)
	c.pollCycle(context.Background())

	c.mu.Lock()
	c.lastColors["baby-1"] = device.Color{Hue: 120, Saturation: 60, Brightness: 0.7}
	c.mu.Unlock()

	before := len(cs.frames())
	if err := c.RestoreColor(context.Background(), "baby-1"); err != nil {
		t.Fatalf("RestoreColor failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(cs.frames()) <= before {
		time.Sleep(10 * time.Millisecond)
	}
	frames := cs.frames()
	if len(frames) <= before {
		t.Fatal("relay saw no restore command")
	}

	update, err := wire.DecodeMessage(frames[before])
	if err != nil {
		t.Fatalf("decoding restore frame: %v", err)
	}
	f := update.Fields
	if f.IsOn == nil || !*f.IsOn {
		t.Error("restore command did not turn the light on")
	}
	if f.Hue == nil || *f.Hue != 120 || f.Saturation == nil || *f.Saturation != 60 {
		t.Errorf("restore colour = hue %v sat %v, want 120/60", f.Hue, f.Saturation)
	}
	if f.Brightness == nil || *f.Brightness != 0.7 {
		t.Errorf("restore brightness = %v, want 0.7", f.Brightness)
	}
}

func TestRun_ExternalPushPublishesBetweenCycles(t *testing.T) {
	cs := newCloudStub(t)
	c := testCoordinator(t, cs)

	snaps := make(chan device.Snapshot, 16)
	c.OnSnapshot(func(s device.Snapshot) { snaps <- s })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Wait out the initial cycle's publish.
	select {
	case <-snaps:
	case <-time.After(5 * time.Second):
		t.Fatal("no snapshot from the initial cycle")
	}

	// A push lands between cycles; the test interval is 30s, so only an
	// out-of-band publish can surface the change in time.
	volume := 0.35
	c.handleUpdate("baby-1", wire.Update{
		Kind:           wire.KindRequest,
		Fields:         wire.Fields{Volume: &volume},
		ExternalChange: true,
	})

	deadline := time.After(3 * time.Second)
	for {
		select {
		case snap := <-snaps:
			ds, ok := snap.Devices["baby-1"]
			if ok && ds.State.Volume != nil && *ds.State.Volume == 0.35 {
				return
			}
		case <-deadline:
			t.Fatal("no snapshot carried the pushed change before the next cycle")
		}
	}
}

func TestOnSnapshot_ListenerReceivesPublishes(t *testing.T) {
	cs := newCloudStub(t)
	c := testCoordinator(t, cs)

	snaps := make(chan device.Snapshot, 4)
	c.OnSnapshot(func(s device.Snapshot) { snaps <- s })

	c.pollCycle(context.Background())

	select {
	case snap := <-snaps:
		if _, ok := snap.Devices["baby-1"]; !ok {
			t.Errorf("listener snapshot missing device: %+v", snap.Devices)
		}
	case <-time.After(time.Second):
		t.Fatal("listener was not called")
	}
}
