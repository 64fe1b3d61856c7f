package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ErrMissingParameter is returned when /play is called without a url.
var ErrMissingParameter = errors.New("missing url parameter")

// Config configures a Server.
type Config struct {
	UserAgent      string
	FetchTimeout   time.Duration
	MaxSourceBytes int64

	// Client overrides the HTTP client used to fetch sources.
	Client *http.Client
}

// Server is the HTTP surface of the audio bridge.
type Server struct {
	fetcher *Fetcher
	log     *slog.Logger
	mux     *http.ServeMux
}

// NewServer returns a Server with /play and /healthz registered.
func NewServer(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.FetchTimeout
		if timeout <= 0 {
			timeout = DefaultFetchTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	s := &Server{
		fetcher: NewFetcher(client, cfg.UserAgent, cfg.MaxSourceBytes),
		log:     logger.With("component", "bridge"),
		mux:     http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /play", s.handlePlay)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok"))
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.NewString()
	w.Header().Set("X-Request-Id", reqID)
	log := s.log.With("request_id", reqID)

	target := r.URL.Query().Get("url")
	log.Info("processing", "url", target)

	wavData, err := s.process(r.Context(), target)
	if err != nil {
		status := statusFor(err)
		log.Warn("request failed", "status", status, "error", err)
		writeError(w, status, err)
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(wavData)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(wavData); err != nil {
		log.Debug("write response", "error", err)
	}
}

// process runs the fetch, decode and encode pipeline. The result is only
// returned once fully encoded.
func (s *Server) process(ctx context.Context, target string) ([]byte, error) {
	if target == "" {
		return nil, ErrMissingParameter
	}
	data, err := s.fetcher.Fetch(ctx, target)
	if err != nil {
		return nil, err
	}
	return Transcode(ctx, data)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrMissingParameter):
		return http.StatusBadRequest
	case errors.Is(err, ErrSourceForbidden):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	var msg string
	switch status {
	case http.StatusForbidden:
		msg = "Link Expired: " + err.Error()
	default:
		msg = "Error: " + err.Error()
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	w.Write([]byte(msg))
}
