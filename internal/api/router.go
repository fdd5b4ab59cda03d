package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/com6056/nanit-sound-light/internal/coordinator"
	"github.com/com6056/nanit-sound-light/internal/session"
	"github.com/com6056/nanit-sound-light/internal/wire"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/snapshot", s.handleSnapshot)

		r.Route("/devices/{id}", func(r chi.Router) {
			r.Post("/command", s.handleCommand)
			r.Post("/restore-color", s.handleRestoreColor)
		})

		r.Post("/auth/mfa", s.handleMFA)
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}

// handleSnapshot returns the most recently published device snapshot.
func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.GetSnapshot())
}

// commandRequest is the JSON body for device commands. All fields are
// optional; at least one must be present.
type commandRequest struct {
	IsOn       *bool    `json:"is_on,omitempty"`
	Brightness *float64 `json:"brightness,omitempty"`
	Volume     *float64 `json:"volume,omitempty"`
	Sound      *string  `json:"sound,omitempty"`
	Color      *struct {
		NoColor    bool     `json:"no_color"`
		Hue        float64  `json:"hue"`
		Saturation float64  `json:"saturation"`
		Brightness *float64 `json:"brightness,omitempty"`
	} `json:"color,omitempty"`
}

func (cr commandRequest) toCommand() wire.Command {
	cmd := wire.Command{
		IsOn:       cr.IsOn,
		Brightness: cr.Brightness,
		Volume:     cr.Volume,
		Sound:      cr.Sound,
	}
	if cr.Color != nil {
		cmd.Color = &wire.ColorCommand{
			NoColor:    cr.Color.NoColor,
			Hue:        cr.Color.Hue,
			Saturation: cr.Color.Saturation,
			Brightness: cr.Color.Brightness,
		}
	}
	return cmd
}

// handleCommand submits a control command to a device.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	err := s.ctrl.SendCommand(r.Context(), deviceID, req.toCommand())
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
	case errors.Is(err, coordinator.ErrUnknownDevice):
		writeNotFound(w, "unknown device")
	case errors.Is(err, wire.ErrEmptyCommand):
		writeBadRequest(w, "command has no fields")
	case errors.Is(err, session.ErrMFARequired):
		writeError(w, http.StatusConflict, ErrCodeMFARequired, "verification code required")
	default:
		s.logger.Warn("command failed", "device_id", deviceID, "error", err)
		writeError(w, http.StatusBadGateway, ErrCodeUpstream, "command could not be delivered")
	}
}

// handleRestoreColor turns a device's light on at its remembered colour.
func (s *Server) handleRestoreColor(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")

	err := s.ctrl.RestoreColor(r.Context(), deviceID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
	case errors.Is(err, coordinator.ErrUnknownDevice):
		writeNotFound(w, "unknown device")
	default:
		s.logger.Warn("colour restore failed", "device_id", deviceID, "error", err)
		writeError(w, http.StatusBadGateway, ErrCodeUpstream, "command could not be delivered")
	}
}

// handleMFA submits a verification code for a pending sign-in challenge.
func (s *Server) handleMFA(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		writeBadRequest(w, "body must be {\"code\": \"...\"}")
		return
	}

	err := s.ctrl.SubmitMFACode(r.Context(), req.Code)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "authenticated"})
	case errors.Is(err, session.ErrNoMFAPending):
		writeError(w, http.StatusConflict, ErrCodeNoChallenge, "no verification challenge pending")
	case errors.Is(err, session.ErrAuthFailed):
		writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "verification code rejected")
	default:
		s.logger.Warn("MFA submission failed", "error", err)
		writeError(w, http.StatusBadGateway, ErrCodeUpstream, "verification could not be completed")
	}
}
