// Package adminhttp serves a localhost-only, read-only operational view of
// a running node (spec §9 Open Question 3, SUPPLEMENTED FEATURES #2):
// /healthz, /peers, /stats. Adapted from cmd/relay/main.go's middleware
// chain and net/http.Server timeout configuration; never exposes key
// material, session state, or plaintext.
package adminhttp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"ciphera/internal/domain"
	"ciphera/internal/protocol/errs"
)

const (
	readHeaderTO = 5 * time.Second
	readTO       = 10 * time.Second
	writeTO      = 10 * time.Second
	idleTO       = 60 * time.Second
)

// NodeView is the read-only slice of internal/node.Node this package needs,
// kept narrow so adminhttp cannot reach into session or key state.
type NodeView interface {
	Self() domain.NodeID
	ListenAddr() string
	Peers() []domain.PeerRecord
	SessionCount() int
}

type ctxKey string

const ctxKeyReqID ctxKey = "reqid"

// Server is the admin HTTP listener.
type Server struct {
	ln      net.Listener
	httpSrv *http.Server
}

// Mux builds the admin route table for view, exported so tests can drive
// handlers directly without binding a real socket.
func Mux(view NodeView) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", chain(handleHealthz, withRecover, withReqID, withLogging))
	mux.HandleFunc("GET /peers", chain(handlePeers(view), withRecover, withReqID, withLogging))
	mux.HandleFunc("GET /stats", chain(handleStats(view), withRecover, withReqID, withLogging))
	return mux
}

// New binds addr and builds an admin server reporting on view. addr may
// use port 0; call Addr() afterward for the bound port.
func New(addr string, view NodeView) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errs.Wrap(errs.Protocol, "admin listen", err)
	}
	return &Server{
		ln: ln,
		httpSrv: &http.Server{
			Handler:           Mux(view),
			ReadHeaderTimeout: readHeaderTO,
			ReadTimeout:       readTO,
			WriteTimeout:      writeTO,
			IdleTimeout:       idleTO,
		},
	}, nil
}

// Addr returns the bound local address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Serve blocks until ctx is done, then gracefully shuts the server down.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(s.ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

// --- middleware, ported from cmd/relay/main.go ---

func withRecover(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				writeErr(w, http.StatusInternalServerError, "internal error")
				slog.Error("panic", "err", rec)
			}
		}()
		h(w, r)
	}
}

func withReqID(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = genReqID()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), ctxKeyReqID, id)
		h(w, r.WithContext(ctx))
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.status = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(p []byte) (int, error) {
	if lrw.status == 0 {
		lrw.status = http.StatusOK
	}
	n, err := lrw.ResponseWriter.Write(p)
	lrw.bytes += n
	return n, err
}

func withLogging(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{ResponseWriter: w}
		h(lrw, r)
		slog.Info("admin_access",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lrw.status,
			"bytes", lrw.bytes,
			"dur", time.Since(start),
			"reqid", requestIDFromCtx(r.Context()),
		)
	}
}

func chain(h http.HandlerFunc, mws ...func(http.HandlerFunc) http.HandlerFunc) http.HandlerFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

func requestIDFromCtx(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyReqID).(string); ok {
		return v
	}
	return ""
}

func genReqID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		http.Error(w, fmt.Sprintf("encode error: %v", err), http.StatusInternalServerError)
	}
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// --- handlers ---

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// peerSummary strips a PeerRecord down to what is safe to expose: no key
// material ever lived on PeerRecord, but the field set is kept explicit so
// a future field addition to domain.PeerRecord does not leak silently.
type peerSummary struct {
	NodeID      string  `json:"node_id"`
	Host        string  `json:"host"`
	Port        uint16  `json:"port"`
	Active      bool    `json:"active"`
	Reputation  float64 `json:"reputation"`
	PingRTT     float64 `json:"ping_rtt_ms"`
	PingCount   int     `json:"ping_count"`
	PingSuccess int     `json:"ping_success"`
}

func handlePeers(view NodeView) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		peers := view.Peers()
		out := make([]peerSummary, 0, len(peers))
		for _, p := range peers {
			out = append(out, peerSummary{
				NodeID: p.NodeID.String(), Host: p.Host, Port: p.Port, Active: p.Active,
				Reputation: p.Reputation, PingRTT: p.PingRTT,
				PingCount: p.PingCount, PingSuccess: p.PingSuccess,
			})
		}
		writeJSON(w, out)
	}
}

type statsResponse struct {
	NodeID       string `json:"node_id"`
	ListenAddr   string `json:"listen_addr"`
	PeerCount    int    `json:"peer_count"`
	SessionCount int    `json:"session_count"`
}

func handleStats(view NodeView) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, statsResponse{
			NodeID:       view.Self().String(),
			ListenAddr:   view.ListenAddr(),
			PeerCount:    len(view.Peers()),
			SessionCount: view.SessionCount(),
		})
	}
}
