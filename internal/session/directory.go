package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/com6056/nanit-sound-light/internal/device"
)

// ListDevices fetches the account's baby profiles and returns the ones
// with a Sound + Light speaker attached. Profiles without a speaker (or
// with one registered but physically detached) are skipped.
//
// A 401 on a token that looked valid triggers one refresh-and-retry before
// giving up; the cloud occasionally revokes tokens ahead of their stated
// expiry.
func (m *Manager) ListDevices(ctx context.Context) ([]device.Device, error) {
	if err := m.EnsureAuthenticated(ctx); err != nil {
		return nil, err
	}

	status, payload, err := m.get(ctx, "/babies")
	if err != nil {
		return nil, fmt.Errorf("fetching device directory: %w", err)
	}

	if status == http.StatusUnauthorized {
		m.Invalidate()
		if err := m.EnsureAuthenticated(ctx); err != nil {
			return nil, fmt.Errorf("re-authenticating after rejected token: %w", err)
		}
		status, payload, err = m.get(ctx, "/babies")
		if err != nil {
			return nil, fmt.Errorf("fetching device directory: %w", err)
		}
	}

	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: device directory (status %d)", ErrUnexpectedStatus, status)
	}

	return parseDirectory(payload, m)
}

// directoryResponse mirrors the /babies payload, reduced to the fields the
// speaker filter needs.
type directoryResponse struct {
	Babies []struct {
		UID     string `json:"uid"`
		Name    string `json:"name"`
		Speaker struct {
			AttachedToSpeaker bool `json:"attached_to_speaker"`
			Speaker           *struct {
				UID  string `json:"uid"`
				Name string `json:"name"`
			} `json:"speaker"`
		} `json:"speaker"`
	} `json:"babies"`
}

func parseDirectory(payload []byte, m *Manager) ([]device.Device, error) {
	var dir directoryResponse
	if err := json.Unmarshal(payload, &dir); err != nil {
		return nil, fmt.Errorf("decoding device directory: %w", err)
	}

	devices := make([]device.Device, 0, len(dir.Babies))
	for _, baby := range dir.Babies {
		if !baby.Speaker.AttachedToSpeaker || baby.Speaker.Speaker == nil {
			continue
		}

		name := baby.Name
		if name == "" {
			name = "Nanit"
		}

		d := device.Device{
			ID:          baby.UID,
			DisplayName: name,
			SpeakerID:   baby.Speaker.Speaker.UID,
			SpeakerName: baby.Speaker.Speaker.Name,
		}
		devices = append(devices, d)
		m.log.Info("discovered device",
			"device_id", d.ID, "name", d.DisplayName, "speaker_id", d.SpeakerID)
	}

	return devices, nil
}

// get sends an authenticated GET to the REST API.
func (m *Manager) get(ctx context.Context, path string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		m.cfg.Nanit.APIBase+path, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.AccessToken())
	req.Header.Set(apiVersionHeader, apiVersion)

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close() //nolint:errcheck // Read side only

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("reading response body: %w", err)
	}

	return resp.StatusCode, payload, nil
}
