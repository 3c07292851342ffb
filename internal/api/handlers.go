package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/harrylevesque/devlink/internal/auth"
	"github.com/harrylevesque/devlink/internal/events"
	"github.com/harrylevesque/devlink/internal/fingerprint"
	"github.com/harrylevesque/devlink/internal/models"
	"github.com/harrylevesque/devlink/internal/update"
	"github.com/harrylevesque/devlink/internal/version"
)

const maxRequestBytes = 64 << 10

// Response is the envelope of every control server answer.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

type Status struct {
	Status          string    `json:"status"`
	Version         string    `json:"version"`
	HardwareID      string    `json:"hardwareId"`
	IsAuthenticated bool      `json:"isAuthenticated"`
	APIBaseURL      string    `json:"apiBaseUrl"`
	Timestamp       time.Time `json:"timestamp"`
}

type UIDInfo struct {
	UID        string            `json:"uid"`
	DeviceInfo models.DeviceInfo `json:"deviceInfo"`
}

type ConfigData struct {
	APIBaseURL string `json:"apiBaseUrl"`
}

type UpdateCheck struct {
	Available bool            `json:"available"`
	Release   *update.Release `json:"release,omitempty"`
}

func ok(data any) Response { return Response{Success: true, Data: data} }

func fail(msg string) Response { return Response{Success: false, Message: msg} }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeOptional decodes a JSON body into v. An empty body leaves v as is.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ok(Status{
		Status:          "running",
		Version:         version.Version,
		HardwareID:      s.Identity.UID(r.Context(), false),
		IsAuthenticated: s.Auth.IsAuthenticated(),
		APIBaseURL:      s.Auth.BaseURL(),
		Timestamp:       s.now().UTC(),
	}))
}

func (s *Server) handleUID(w http.ResponseWriter, r *http.Request) {
	describe := s.Describe
	if describe == nil {
		describe = fingerprint.Describe
	}
	writeJSON(w, http.StatusOK, ok(UIDInfo{
		UID:        s.Identity.UID(r.Context(), false),
		DeviceInfo: describe(),
	}))
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, ok(ConfigData{APIBaseURL: s.Auth.BaseURL()}))
}

// handleSetConfig applies apiBaseUrl when the body carries a non-empty one
// and answers with the URL in effect.
func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	var req ConfigData
	if err := decodeOptional(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, fail("invalid config payload"))
		return
	}
	if !s.applyBaseURL(w, req.APIBaseURL) {
		return
	}
	writeJSON(w, http.StatusOK, ok(ConfigData{APIBaseURL: s.Auth.BaseURL()}))
}

func (s *Server) applyBaseURL(w http.ResponseWriter, raw string) bool {
	if raw == "" {
		return true
	}
	if _, err := s.Auth.SetBaseURL(raw); err != nil {
		s.Logger.Error("failed to update api base url", "err", err)
		writeJSON(w, auth.StatusOf(err), fail(err.Error()))
		return false
	}
	return true
}

func (s *Server) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	var req ConfigData
	if err := decodeOptional(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, fail("invalid authenticate payload"))
		return
	}
	if !s.applyBaseURL(w, req.APIBaseURL) {
		return
	}

	session, err := s.Auth.Authenticate(r.Context())
	if err != nil {
		s.Logger.Warn("authentication failed", "kind", auth.KindOf(err), "err", err)
		writeJSON(w, auth.StatusOf(err), fail(err.Error()))
		return
	}
	if s.Verifier != nil {
		s.Verifier.Start(s.lifetime())
	}
	writeJSON(w, http.StatusOK, ok(session))
}

// handleVerify always succeeds; data is null when the session could not be
// verified and message then says why.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	v, err := s.Auth.Verify(r.Context())
	resp := Response{Success: true, Data: json.RawMessage("null")}
	if v != nil {
		resp.Data = v
	}
	if err != nil {
		resp.Message = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ok(s.Auth.CheckNetwork(r.Context())))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, fail("invalid since parameter"))
			return
		}
		since = n
	}
	var evs []events.Event
	if s.Events != nil {
		evs = s.Events.Since(since)
	}
	if evs == nil {
		evs = []events.Event{}
	}
	writeJSON(w, http.StatusOK, ok(evs))
}

func (s *Server) handleUpdateCheck(w http.ResponseWriter, r *http.Request) {
	if s.Updater == nil {
		writeJSON(w, http.StatusOK, ok(UpdateCheck{}))
		return
	}
	rel, err := s.Updater.Check(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, fail(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, ok(UpdateCheck{Available: rel != nil, Release: rel}))
}
