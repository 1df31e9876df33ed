// Package httpx provides the HTTP-backed exchange: a server that hosts
// mailboxes for remote entities and a client that implements the exchange
// contract over that server's API.
//
// Wire API (JSON bodies):
//
//	POST   /mailbox   {"mailbox": id, "behavior": name}  create
//	DELETE /mailbox   {"mailbox": id}                    terminate
//	GET    /mailbox   {"mailbox": id}                    status
//	PUT    /message   {"message": envelope}              send
//	GET    /message   {"mailbox": id, "timeout": secs}   receive (long poll)
//	GET    /discover  {"behavior": name}                 discover
//
// Unknown ids map to 404, closed mailboxes to 403, receive timeouts to 408.
package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/academy-dev/academy/exchange"
	"github.com/academy-dev/academy/exchange/local"
	"github.com/academy-dev/academy/identifier"
	"github.com/academy-dev/academy/message"
	"github.com/academy-dev/academy/pkg/observability"
)

// ServerConfig holds the exchange server's serving options.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8700".
	Addr string

	// CertFile and KeyFile enable TLS when both are set.
	CertFile string
	KeyFile  string

	// RateRPS and RateBurst bound each client's request rate. Zero RateRPS
	// disables limiting.
	RateRPS   float64
	RateBurst int

	// DefaultRecvTimeout bounds a receive long poll when the request does
	// not carry its own timeout (default 30s).
	DefaultRecvTimeout time.Duration
}

// Server hosts mailboxes over HTTP on top of a core exchange.
type Server struct {
	ex  exchange.Exchange
	cfg ServerConfig

	mu    sync.Mutex
	boxes map[identifier.EntityID]exchange.Mailbox

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	health     *observability.HealthChecker
	httpServer *http.Server
}

// NewServer creates an exchange server. A nil exchange defaults to a fresh
// in-process one, which is the usual deployment: the server is the
// authority and all entities connect through clients.
func NewServer(ex exchange.Exchange, cfg ServerConfig) *Server {
	if ex == nil {
		ex = local.New()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8700"
	}
	if cfg.DefaultRecvTimeout <= 0 {
		cfg.DefaultRecvTimeout = 30 * time.Second
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 20
	}

	s := &Server{
		ex:       ex,
		cfg:      cfg,
		boxes:    make(map[identifier.EntityID]exchange.Mailbox),
		limiters: make(map[string]*rate.Limiter),
		health:   observability.NewHealthChecker(),
	}
	s.health.RegisterCheck(observability.PingCheck())
	return s
}

// HealthChecker exposes the server's checker so callers can register
// backend probes before Start.
func (s *Server) HealthChecker() *observability.HealthChecker { return s.health }

// Handler builds the server's HTTP handler. Exposed for tests via
// httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/mailbox", s.handleMailbox)
	mux.HandleFunc("/message", s.handleMessage)
	mux.HandleFunc("/discover", s.handleDiscover)
	mux.HandleFunc("/healthz", s.health.HealthHandler())
	mux.Handle("/metrics", observability.MetricsHandler())
	return s.instrument(s.limit(mux))
}

// Start serves until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	observability.InitMetrics()

	s.httpServer = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2 * s.cfg.DefaultRecvTimeout,
		IdleTimeout:  120 * time.Second,
	}

	log.Printf("exchange listening on %s", s.cfg.Addr)
	if s.cfg.CertFile != "" && s.cfg.KeyFile != "" {
		return s.httpServer.ListenAndServeTLS(s.cfg.CertFile, s.cfg.KeyFile)
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown stops serving and closes the underlying exchange.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	if cerr := s.ex.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// limit applies a per-client token bucket keyed by remote host.
func (s *Server) limit(next http.Handler) http.Handler {
	if s.cfg.RateRPS <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}

		s.limMu.Lock()
		lim, ok := s.limiters[host]
		if !ok {
			lim = rate.NewLimiter(rate.Limit(s.cfg.RateRPS), s.cfg.RateBurst)
			s.limiters[host] = lim
		}
		s.limMu.Unlock()

		if !lim.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response code for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		observability.RecordHTTPRequest(r.Method, r.URL.Path, strconv.Itoa(rec.status), time.Since(start))
	})
}

type mailboxRequest struct {
	Mailbox  string  `json:"mailbox"`
	Behavior string  `json:"behavior,omitempty"`
	Timeout  float64 `json:"timeout,omitempty"`
}

func decodeMailboxRequest(r *http.Request) (mailboxRequest, identifier.EntityID, error) {
	var req mailboxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, identifier.EntityID{}, fmt.Errorf("invalid request body: %w", err)
	}
	id, err := identifier.Parse(req.Mailbox)
	if err != nil {
		return req, identifier.EntityID{}, err
	}
	return req, id, nil
}

func (s *Server) handleMailbox(w http.ResponseWriter, r *http.Request) {
	req, id, err := decodeMailboxRequest(r)
	if err != nil {
		http.Error(w, "missing or invalid mailbox id", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodPost:
		box, err := s.ex.Register(r.Context(), id, req.Behavior)
		if errors.Is(err, exchange.ErrDuplicateAgent) {
			http.Error(w, "mailbox already registered", http.StatusConflict)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.mu.Lock()
		s.boxes[id] = box
		s.mu.Unlock()
		w.WriteHeader(http.StatusOK)

	case http.MethodDelete:
		if err := s.ex.Unregister(r.Context(), id); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)

	case http.MethodGet:
		status, err := s.ex.Status(r.Context(), id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": string(status)})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPut:
		s.handleSend(w, r)
	case http.MethodGet:
		s.handleRecv(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message *message.Message `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == nil {
		http.Error(w, "missing or invalid message", http.StatusBadRequest)
		return
	}

	err := s.ex.Send(r.Context(), req.Message)
	switch {
	case errors.Is(err, exchange.ErrUnknownAgent):
		http.Error(w, "unknown mailbox id", http.StatusNotFound)
	case errors.Is(err, exchange.ErrMailboxClosed):
		http.Error(w, "mailbox was closed", http.StatusForbidden)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusOK)
	}
}

func (s *Server) handleRecv(w http.ResponseWriter, r *http.Request) {
	req, id, err := decodeMailboxRequest(r)
	if err != nil {
		http.Error(w, "missing or invalid mailbox id", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	box, ok := s.boxes[id]
	s.mu.Unlock()
	if !ok {
		status, serr := s.ex.Status(r.Context(), id)
		if serr == nil && status == exchange.StatusClosed {
			http.Error(w, "mailbox was closed", http.StatusForbidden)
			return
		}
		http.Error(w, "unknown mailbox id", http.StatusNotFound)
		return
	}

	timeout := s.cfg.DefaultRecvTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout * float64(time.Second))
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	msg, err := box.Get(ctx)
	switch {
	case errors.Is(err, exchange.ErrMailboxClosed):
		http.Error(w, "mailbox was closed", http.StatusForbidden)
	case errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "receive timeout", http.StatusRequestTimeout)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		writeJSON(w, map[string]*message.Message{"message": msg})
	}
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Behavior string `json:"behavior"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "missing or invalid arguments", http.StatusBadRequest)
		return
	}

	ids, err := s.ex.Discover(r.Context(), req.Behavior)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	raw := make([]string, 0, len(ids))
	for _, id := range ids {
		raw = append(raw, id.String())
	}
	writeJSON(w, map[string][]string{"agent_ids": raw})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
