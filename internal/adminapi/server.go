// Package adminapi exposes read-only introspection into a running
// authenticator's credential cache and pipe version latch over a Unix
// domain socket, the local-IPC analogue of the teacher's controlplane
// REST API (pkg/controlplane, consumed by pkg/apiclient) — scoped down
// to exactly the read-only surface gssauthctl needs, with one additional
// write operation (flushing a cached credential) mirroring dfsctl's
// client-eviction command.
package adminapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/marmos91/gssauth/internal/logger"
	"github.com/marmos91/gssauth/internal/rpcgss"
)

// ContextInfo is the wire shape of one cached credential, returned by
// GET /contexts.
type ContextInfo struct {
	UID        uint32     `json:"uid"`
	Target     string     `json:"target,omitempty"`
	Service    string     `json:"service"`
	Flags      string     `json:"flags"`
	HasCtx     bool       `json:"has_context"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	SeqWindow  uint32     `json:"seq_window,omitempty"`
	CurrentSeq uint32     `json:"current_seq,omitempty"`
}

// PipeStatus is the wire shape returned by GET /pipe.
type PipeStatus struct {
	Version  string `json:"version"`
	Attached bool   `json:"attached"`
}

// Server serves the admin API over a Unix domain socket at socketPath.
// The socket file is removed and recreated on Serve.
type Server struct {
	store    *rpcgss.Store
	listener rpcgss.PipeListener
	http     *http.Server
}

// NewServer wires store and listener into an admin API handler.
func NewServer(store *rpcgss.Store, listener rpcgss.PipeListener) *Server {
	s := &Server{store: store, listener: listener}
	s.http = &http.Server{Handler: s.router()}
	return s
}

// router builds the chi router. Middleware order matters: the request ID
// must exist before the logger reads it, and Recoverer must wrap the
// handlers so a panic in one request doesn't take the socket down.
func (s *Server) router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Route("/contexts", func(r chi.Router) {
		r.Get("/", s.handleContexts)
		r.Post("/flush", s.handleFlush)
	})
	r.Get("/pipe", s.handlePipe)

	return r
}

// Serve listens on socketPath and blocks until ctx is canceled or the
// listener fails. The socket is removed on return.
func (s *Server) Serve(ctx context.Context, socketPath string) error {
	_ = os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("adminapi: listen on %s: %w", socketPath, err)
	}
	defer os.Remove(socketPath)

	errCh := make(chan error, 1)
	go func() { errCh <- s.http.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleContexts(w http.ResponseWriter, r *http.Request) {
	creds := s.store.List()
	out := make([]ContextInfo, 0, len(creds))
	for _, cred := range creds {
		info := ContextInfo{
			UID:     cred.UID,
			Target:  cred.Target,
			Service: cred.Service.String(),
			Flags:   cred.Flags().String(),
		}
		if ctx := cred.GetCtx(); ctx != nil {
			info.HasCtx = true
			expiry := ctx.ExpiresAt()
			info.ExpiresAt = &expiry
			info.SeqWindow = ctx.SeqWindow()
			info.CurrentSeq = ctx.CurrentSeq()
			ctx.Release()
		}
		out = append(out, info)
	}
	writeJSON(w, out)
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	uidParam := r.URL.Query().Get("uid")
	if uidParam == "" {
		s.store.Flush(nil)
		writeJSON(w, map[string]string{"status": "flushed all"})
		return
	}
	uid64, err := strconv.ParseUint(uidParam, 10, 32)
	if err != nil {
		http.Error(w, "invalid uid", http.StatusBadRequest)
		return
	}
	uid := uint32(uid64)
	s.store.Flush(&uid)
	writeJSON(w, map[string]string{"status": fmt.Sprintf("flushed uid %d", uid)})
}

func (s *Server) handlePipe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, PipeStatus{
		Version:  s.listener.Version().String(),
		Attached: s.listener.Attached(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// requestLogger logs each admin request through the internal logger,
// carrying chi's request ID so a gssauthctl invocation can be correlated
// with the daemon's log lines.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logger.Debug("admin request completed",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).String(),
		)
	})
}
