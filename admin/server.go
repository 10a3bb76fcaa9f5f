package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/pgbus/pgbus/channel"
	"github.com/pgbus/pgbus/db"
	"github.com/pgbus/pgbus/telemetry"
)

// QueueStatsFunc reads backlog stats for a set of channel wire names
type QueueStatsFunc func(ctx context.Context, channels []string) (db.QueueStats, error)

// Config configures the status server
type Config struct {
	BindAddress string
	Port        int
	Registry    *channel.Registry
	QueueStats  QueueStatsFunc
}

// Server exposes the operator surface: health, channel listing with
// backlog stats, and Prometheus metrics
type Server struct {
	config     Config
	httpServer *http.Server
}

// NewServer creates the status server
func NewServer(config Config) (*Server, error) {
	if config.Registry == nil {
		return nil, fmt.Errorf("channel registry is required")
	}
	if config.Port < 1 || config.Port > 65535 {
		return nil, fmt.Errorf("invalid admin port: %d", config.Port)
	}

	s := &Server{config: config}

	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/channels", s.handleChannels)
	if h := telemetry.GetMetricsHandler(); h != nil {
		r.Handle("/metrics", h)
	}

	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(config.BindAddress, fmt.Sprintf("%d", config.Port)),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Start begins serving in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("admin listen: %w", err)
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()

	log.Info().Str("addr", s.httpServer.Addr).Msg("Admin server listening")
	return nil
}

// Stop shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]any{"status": "ok"})
}

type channelInfo struct {
	Name        string `json:"name"`
	WireName    string `json:"wire_name"`
	Durable     bool   `json:"durable"`
	Kind        string `json:"kind"`
	QueueLength *int64 `json:"queue_length,omitempty"`
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	var out []channelInfo
	for _, name := range s.config.Registry.Channels() {
		desc, err := s.config.Registry.Resolve(name)
		if err != nil {
			continue
		}
		info := channelInfo{
			Name:     desc.Name,
			WireName: channel.ListenSafeName(desc.Name),
			Durable:  desc.Durable,
			Kind:     desc.Kind.String(),
		}
		if desc.Durable && s.config.QueueStats != nil {
			stats, err := s.config.QueueStats(r.Context(), []string{info.WireName})
			if err == nil {
				info.QueueLength = &stats.Length
			} else {
				log.Warn().Err(err).Str("channel", desc.Name).Msg("Failed to read queue stats")
			}
		}
		out = append(out, info)
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"channels": out})
}

func writeJSONResponse(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn().Err(err).Msg("Failed to encode admin response")
	}
}
