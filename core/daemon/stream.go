package daemon

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/sealog-dev/sealog/core/chain"
	"github.com/sealog-dev/sealog/core/errors"
	"github.com/sealog-dev/sealog/core/ledger"
)

const maxStreamMessageSize = 1 << 20

// streamRequest is one client operation on the session stream. A
// connection may interleave operations for multiple sessions; each
// message names its target.
type streamRequest struct {
	Op        string         `json:"op"`
	SessionID string         `json:"session_id,omitempty"`
	Type      string         `json:"type,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Value     string         `json:"value,omitempty"`
	Client    string         `json:"client,omitempty"`
	TaskType  string         `json:"task_type,omitempty"`
}

type streamResponse struct {
	Op      string        `json:"op"`
	OK      bool          `json:"ok"`
	Error   *errorBody    `json:"error,omitempty"`
	Session *sessionView  `json:"session,omitempty"`
	Record  *chain.Record `json:"record,omitempty"`
	Seal    *ledger.Seal  `json:"seal,omitempty"`
}

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		// The daemon binds loopback only; the origin carries no signal.
		return true
	},
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("stream upgrade failed")
		return
	}
	defer func() {
		_ = conn.Close()
	}()
	conn.SetReadLimit(maxStreamMessageSize)

	for {
		var req streamRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Msg("stream closed unexpectedly")
			}
			return
		}
		resp := s.handleStreamOp(req)
		if err := conn.WriteJSON(resp); err != nil {
			s.logger.Debug().Err(err).Msg("stream write failed")
			return
		}
	}
}

func (s *Server) handleStreamOp(req streamRequest) streamResponse {
	switch strings.TrimSpace(req.Op) {
	case "start":
		// Same resume semantics as the REST start: a known external id
		// reattaches to the live session instead of minting a duplicate.
		led, _, err := s.openSession(strings.TrimSpace(req.SessionID), strings.TrimSpace(req.Client), strings.TrimSpace(req.TaskType))
		if err != nil {
			return streamFailure(req.Op, err)
		}
		return streamSession(req.Op, led)
	case "append":
		led, ok := s.resolveSession(req.SessionID)
		if !ok {
			return streamFailure(req.Op, sessionNotFound(req.SessionID))
		}
		rec, err := led.AppendToChain(req.Type, req.Data)
		if err != nil {
			return streamFailure(req.Op, err)
		}
		return streamResponse{Op: req.Op, OK: true, Record: &rec}
	case "heartbeat":
		led, ok := s.resolveSession(req.SessionID)
		if !ok {
			return streamFailure(req.Op, sessionNotFound(req.SessionID))
		}
		if err := led.IncrementHeartbeat(); err != nil {
			return streamFailure(req.Op, err)
		}
		return streamSession(req.Op, led)
	case "set_client":
		return s.streamSetMetadata(req, (*ledger.Ledger).SetClient)
	case "set_task_type":
		return s.streamSetMetadata(req, (*ledger.Ledger).SetTaskType)
	case "seal":
		led, ok := s.resolveSession(req.SessionID)
		if !ok {
			return streamFailure(req.Op, sessionNotFound(req.SessionID))
		}
		seal, err := s.sealSession(led)
		if err != nil {
			return streamFailure(req.Op, err)
		}
		return streamResponse{Op: req.Op, OK: true, Seal: &seal}
	case "status":
		led, ok := s.resolveSession(req.SessionID)
		if !ok {
			return streamFailure(req.Op, sessionNotFound(req.SessionID))
		}
		return streamSession(req.Op, led)
	default:
		return streamFailure(req.Op, errors.New(errors.CategoryInvalidInput, "unknown_op", "", "unknown stream op %q", req.Op))
	}
}

func (s *Server) streamSetMetadata(req streamRequest, assign func(*ledger.Ledger, string) error) streamResponse {
	led, ok := s.resolveSession(req.SessionID)
	if !ok {
		return streamFailure(req.Op, sessionNotFound(req.SessionID))
	}
	if err := assign(led, req.Value); err != nil {
		return streamFailure(req.Op, err)
	}
	return streamSession(req.Op, led)
}

func streamSession(op string, led *ledger.Ledger) streamResponse {
	view := viewOf(led)
	return streamResponse{Op: op, OK: true, Session: &view}
}

func streamFailure(op string, err error) streamResponse {
	return streamResponse{Op: op, OK: false, Error: &errorBody{
		Error:     err.Error(),
		Category:  string(errors.CategoryOf(err)),
		Code:      errors.CodeOf(err),
		Hint:      errors.HintOf(err),
		Retryable: errors.RetryableOf(err),
	}}
}
