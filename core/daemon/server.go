// Package daemon hosts session ledgers behind a loopback HTTP surface.
// One daemon instance owns all live sessions on a machine; the port
// bind is what enforces that exclusivity.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/sealog-dev/sealog/core/config"
	"github.com/sealog-dev/sealog/core/keystore"
	"github.com/sealog-dev/sealog/core/ledger"
	"github.com/sealog-dev/sealog/core/registry"
)

const shutdownGrace = 5 * time.Second

type Server struct {
	cfg       config.Config
	version   string
	logger    zerolog.Logger
	keystore  *keystore.Keystore
	registry  *registry.Registry
	startedAt time.Time

	mu       sync.Mutex
	sessions map[string]*ledger.Ledger
}

func New(cfg config.Config, version string, logger zerolog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		version:   version,
		logger:    logger,
		keystore:  keystore.Open(cfg.KeysDir()),
		registry:  registry.New(cfg.RegistryPath()),
		startedAt: time.Now().UTC(),
		sessions:  make(map[string]*ledger.Ledger),
	}
}

// Router builds the HTTP surface. Split out from Run so tests can mount
// it on httptest servers.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/sessions", s.handleListSessions)
		r.Post("/sessions", s.handleStartSession)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Get("/chain", s.handleGetChain)
			r.Post("/events", s.handleAppendEvent)
			r.Post("/heartbeat", s.handleHeartbeat)
			r.Post("/client", s.handleSetClient)
			r.Post("/task-type", s.handleSetTaskType)
			r.Post("/seal", s.handleSeal)
		})
		r.Get("/stream", s.handleStream)
	})
	return r
}

// Run serves until the context is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", srv.Addr).Str("version", s.version).Msg("daemon listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("daemon serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("daemon shutdown: %w", err)
	}
	s.logger.Info().Msg("daemon stopped")
	return nil
}

// startSession creates and registers a new ledger. The external id, when
// provided, is mapped so reconnecting tools resume the same session.
func (s *Server) startSession(externalID, client, taskType string) (*ledger.Ledger, error) {
	led := ledger.New(ledger.Options{
		JournalDir: s.cfg.SessionsDir(),
		Keystore:   s.keystore,
	})
	outcome := led.InitializeKeystore()
	if !outcome.Usable() {
		s.logger.Warn().Str("reason", outcome.Reason).Msg("signing unavailable; session records will be unsigned")
	}
	if client != "" {
		if err := led.SetClient(client); err != nil {
			return nil, err
		}
	}
	if taskType != "" {
		if err := led.SetTaskType(taskType); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	s.sessions[led.SessionID()] = led
	s.mu.Unlock()

	if err := s.registry.Write(externalID, led.SessionID()); err != nil {
		s.logger.Warn().Err(err).Msg("session id mapping not persisted")
	}
	s.logger.Info().Str("session_id", led.SessionID()).Str("external_id", externalID).Msg("session started")
	return led, nil
}

// openSession resumes the live, unsealed session mapped to the external
// id, or starts a new one. Metadata in the request is applied to a
// resumed session too, so reconnecting tools can refresh it. The second
// return reports whether an existing session was resumed.
func (s *Server) openSession(externalID, client, taskType string) (*ledger.Ledger, bool, error) {
	if externalID != "" {
		if led, ok := s.resolveSession(externalID); ok && led.State() != ledger.StateSealed {
			if client != "" {
				if err := led.SetClient(client); err != nil {
					return nil, false, err
				}
			}
			if taskType != "" {
				if err := led.SetTaskType(taskType); err != nil {
					return nil, false, err
				}
			}
			return led, true, nil
		}
	}
	led, err := s.startSession(externalID, client, taskType)
	return led, false, err
}

// resolveSession accepts either an internal or an external session id.
func (s *Server) resolveSession(id string) (*ledger.Ledger, bool) {
	s.mu.Lock()
	if led, ok := s.sessions[id]; ok {
		s.mu.Unlock()
		return led, true
	}
	s.mu.Unlock()

	internalID, ok := s.registry.ReadAll()[id]
	if !ok {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	led, ok := s.sessions[internalID]
	return led, ok
}

// sealSession seals the ledger and retires its external id mappings.
func (s *Server) sealSession(led *ledger.Ledger) (ledger.Seal, error) {
	seal, err := led.Seal()
	if err != nil {
		return ledger.Seal{}, err
	}
	if err := s.registry.RemoveByInternalID(seal.SessionID); err != nil {
		s.logger.Warn().Err(err).Str("session_id", seal.SessionID).Msg("session id mapping not removed")
	}
	s.logger.Info().Str("session_id", seal.SessionID).Int("records", seal.RecordCount).Msg("session sealed")
	return seal, nil
}

func (s *Server) activeSessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, led := range s.sessions {
		if led.State() != ledger.StateSealed {
			count++
		}
	}
	return count
}

func (s *Server) pid() int {
	return os.Getpid()
}
