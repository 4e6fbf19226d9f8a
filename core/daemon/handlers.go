package daemon

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sealog-dev/sealog/core/chain"
	"github.com/sealog-dev/sealog/core/errors"
	"github.com/sealog-dev/sealog/core/ledger"
	"github.com/sealog-dev/sealog/core/status"
	"github.com/sealog-dev/sealog/core/supervisor"
)

// sessionView is the wire representation of a live session.
type sessionView struct {
	SessionID       string         `json:"session_id"`
	State           string         `json:"state"`
	Client          string         `json:"client,omitempty"`
	TaskType        string         `json:"task_type,omitempty"`
	RecordCount     int            `json:"record_count"`
	Heartbeats      int            `json:"heartbeats"`
	Tip             string         `json:"tip"`
	DurationSeconds float64        `json:"duration_seconds"`
	Signing         status.Outcome `json:"signing"`
}

func viewOf(led *ledger.Ledger) sessionView {
	return sessionView{
		SessionID:       led.SessionID(),
		State:           string(led.State()),
		Client:          led.Client(),
		TaskType:        led.TaskType(),
		RecordCount:     led.RecordCount(),
		Heartbeats:      led.Heartbeats(),
		Tip:             led.Tip(),
		DurationSeconds: led.SessionDuration().Seconds(),
		Signing:         led.SigningOutcome(),
	}
}

type errorBody struct {
	Error     string `json:"error"`
	Category  string `json:"category"`
	Code      string `json:"code,omitempty"`
	Hint      string `json:"hint,omitempty"`
	Retryable bool   `json:"retryable"`
}

func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	statusCode := httpStatusFor(err)
	if errors.CodeOf(err) == "session_not_found" {
		statusCode = http.StatusNotFound
	}
	writeJSON(w, statusCode, errorBody{
		Error:     err.Error(),
		Category:  string(errors.CategoryOf(err)),
		Code:      errors.CodeOf(err),
		Hint:      errors.HintOf(err),
		Retryable: errors.RetryableOf(err),
	})
}

func httpStatusFor(err error) int {
	switch errors.CategoryOf(err) {
	case errors.CategoryInvalidInput:
		return http.StatusBadRequest
	case errors.CategoryInvalidState:
		return http.StatusConflict
	case errors.CategoryStaleState:
		return http.StatusGone
	case errors.CategoryUnreachable, errors.CategoryNetworkTransient:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func sessionNotFound(id string) error {
	return errors.New(errors.CategoryInvalidInput, "session_not_found", "start a session first", "no live session for id %q", id)
}

func decodeBody(w http.ResponseWriter, r *http.Request, into any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := decoder.Decode(into); err != nil {
		return errors.Wrap(err, errors.CategoryInvalidInput, "body_decode", "send a JSON body", false)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, supervisor.Health{
		Status:         "ok",
		Version:        s.version,
		ActiveSessions: s.activeSessionCount(),
		Pid:            s.pid(),
		StartedAt:      s.startedAt.Format(time.RFC3339Nano),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	ledgers := make([]*ledger.Ledger, 0, len(s.sessions))
	for _, led := range s.sessions {
		ledgers = append(ledgers, led)
	}
	s.mu.Unlock()

	views := make([]sessionView, 0, len(ledgers))
	for _, led := range ledgers {
		views = append(views, viewOf(led))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExternalID string `json:"external_id"`
		Client     string `json:"client"`
		TaskType   string `json:"task_type"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	led, resumed, err := s.openSession(strings.TrimSpace(req.ExternalID), strings.TrimSpace(req.Client), strings.TrimSpace(req.TaskType))
	if err != nil {
		writeError(w, err)
		return
	}
	if resumed {
		writeJSON(w, http.StatusOK, viewOf(led))
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(led))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	led, ok := s.resolveSession(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, sessionNotFound(chi.URLParam(r, "id")))
		return
	}
	writeJSON(w, http.StatusOK, viewOf(led))
}

func (s *Server) handleGetChain(w http.ResponseWriter, r *http.Request) {
	led, ok := s.resolveSession(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, sessionNotFound(chi.URLParam(r, "id")))
		return
	}
	records := led.Records()
	result := chain.Verify(records, chain.VerifyOptions{PublicKey: s.keystore.PublicKey()})
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": led.SessionID(),
		"records":    records,
		"verify":     result,
	})
}

func (s *Server) handleAppendEvent(w http.ResponseWriter, r *http.Request) {
	led, ok := s.resolveSession(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, sessionNotFound(chi.URLParam(r, "id")))
		return
	}
	var req struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	rec, err := led.AppendToChain(req.Type, req.Data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	led, ok := s.resolveSession(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, sessionNotFound(chi.URLParam(r, "id")))
		return
	}
	if err := led.IncrementHeartbeat(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(led))
}

func (s *Server) handleSetClient(w http.ResponseWriter, r *http.Request) {
	s.handleSetMetadata(w, r, func(led *ledger.Ledger, value string) error {
		return led.SetClient(value)
	})
}

func (s *Server) handleSetTaskType(w http.ResponseWriter, r *http.Request) {
	s.handleSetMetadata(w, r, func(led *ledger.Ledger, value string) error {
		return led.SetTaskType(value)
	})
}

func (s *Server) handleSetMetadata(w http.ResponseWriter, r *http.Request, assign func(*ledger.Ledger, string) error) {
	led, ok := s.resolveSession(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, sessionNotFound(chi.URLParam(r, "id")))
		return
	}
	var req struct {
		Value string `json:"value"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := assign(led, req.Value); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(led))
}

func (s *Server) handleSeal(w http.ResponseWriter, r *http.Request) {
	led, ok := s.resolveSession(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, sessionNotFound(chi.URLParam(r, "id")))
		return
	}
	seal, err := s.sealSession(led)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, seal)
}
