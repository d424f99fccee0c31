// Package admin serves the read-only management API over the relay's
// registry: client inventory, host monitoring, connection statistics, and a
// websocket event stream, plus the administrative disconnect.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelrelay/modelrelay/tunnel/protocol"
	"github.com/modelrelay/modelrelay/tunnel/registry"
	"github.com/modelrelay/modelrelay/tunnel/server"
)

// Ports echoes the relay's listener layout to management consumers.
type Ports struct {
	ControlPort int `json:"control_port"`
	ProxyPort   int `json:"proxy_port"`
	PublicPort  int `json:"public_port"`
	APIPort     int `json:"api_port"`
}

type Config struct {
	Relay *server.Server
	Ports Ports

	// MetricsHandler, when set, is mounted at /metrics.
	MetricsHandler http.Handler

	AllowedOrigins []string // websocket Origin allow-list; empty allows all
	EventInterval  time.Duration

	Logger *slog.Logger
}

type Server struct {
	cfg Config
	log *slog.Logger

	startedAt time.Time
}

func New(cfg Config) (*Server, error) {
	if cfg.Relay == nil {
		return nil, errNoRelay
	}
	if cfg.EventInterval <= 0 {
		cfg.EventInterval = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{cfg: cfg, log: cfg.Logger, startedAt: time.Now()}, nil
}

// Register mounts the API on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/clients", s.withCORS(s.getClients))
	mux.HandleFunc("GET /api/clients/{id}", s.withCORS(s.getClient))
	mux.HandleFunc("GET /api/clients/{id}/status", s.withCORS(s.getClientStatus))
	mux.HandleFunc("GET /api/clients/{id}/heartbeat", s.withCORS(s.getClientHeartbeat))
	mux.HandleFunc("GET /api/clients/{id}/models", s.withCORS(s.getClientModels))
	mux.HandleFunc("DELETE /api/clients/{id}", s.withCORS(s.disconnectClient))
	mux.HandleFunc("GET /api/models", s.withCORS(s.getModels))
	mux.HandleFunc("GET /api/monitoring", s.withCORS(s.getMonitoring))
	mux.HandleFunc("GET /api/monitoring/{id}", s.withCORS(s.getClientMonitoring))
	mux.HandleFunc("GET /api/health", s.withCORS(s.getHealth))
	mux.HandleFunc("GET /api/stats", s.withCORS(s.getStats))
	mux.HandleFunc("GET /api/connections", s.withCORS(s.getConnections))
	mux.HandleFunc("GET /api/connections/pending", s.withCORS(s.getPendingConnections))
	mux.HandleFunc("GET /api/config", s.withCORS(s.getConfig))
	mux.HandleFunc("GET /api/ports", s.withCORS(s.getPorts))
	mux.HandleFunc("GET /api/users", s.withCORS(s.getUsers))
	mux.HandleFunc("GET /api/tokens/active", s.withCORS(s.getActiveTokens))
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("OPTIONS /api/", s.withCORS(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	if s.cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", s.cfg.MetricsHandler)
	}
}

// withCORS adds permissive CORS headers; the API is read-only and meant for
// dashboards served from other origins.
func (s *Server) withCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		next(w, r)
	}
}

func (s *Server) writeData(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(protocol.NewEnvelope(true, data, "ok"))
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(protocol.ErrorEnvelopeJSON(message))
}

// systemInfoResponse is the host-metrics slice of a client view.
type systemInfoResponse struct {
	CPUUsage            float64   `json:"cpu_usage"`
	MemoryUsage         float64   `json:"memory_usage"`
	DiskUsage           float64   `json:"disk_usage"`
	LastHeartbeat       time.Time `json:"last_heartbeat"`
	HeartbeatSecondsAgo int64     `json:"heartbeat_seconds_ago"`
}

type clientInfoResponse struct {
	ClientID    string              `json:"client_id"`
	Authed      bool                `json:"authed"`
	SystemInfo  *systemInfoResponse `json:"system_info"`
	ConnectedAt time.Time           `json:"connected_at"`
}

func sysResponse(v registry.View) *systemInfoResponse {
	if v.Sys == nil {
		return nil
	}
	return &systemInfoResponse{
		CPUUsage:            v.Sys.CPUUsage,
		MemoryUsage:         v.Sys.MemoryUsage,
		DiskUsage:           v.Sys.DiskUsage,
		LastHeartbeat:       v.LastHeartbeat,
		HeartbeatSecondsAgo: int64(time.Since(v.LastHeartbeat).Seconds()),
	}
}

func clientResponse(v registry.View) clientInfoResponse {
	return clientInfoResponse{
		ClientID:    v.ClientID,
		Authed:      v.Authed,
		SystemInfo:  sysResponse(v),
		ConnectedAt: v.ConnectedAt,
	}
}

func (s *Server) getClients(w http.ResponseWriter, r *http.Request) {
	views := s.cfg.Relay.Registry().Snapshot()
	out := make([]clientInfoResponse, 0, len(views))
	for _, v := range views {
		out = append(out, clientResponse(v))
	}
	s.writeData(w, out)
}

func (s *Server) getClient(w http.ResponseWriter, r *http.Request) {
	v, ok := s.cfg.Relay.Registry().View(r.PathValue("id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "Client not found")
		return
	}
	s.writeData(w, clientResponse(v))
}

func (s *Server) getClientStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	status := map[string]any{"client_id": id}
	v, ok := s.cfg.Relay.Registry().View(id)
	if !ok {
		status["connected"] = false
		s.writeData(w, status)
		return
	}
	status["connected"] = true
	status["authenticated"] = v.Authed
	status["connected_at"] = v.ConnectedAt.Format(time.RFC3339)
	if v.Sys != nil {
		status["last_heartbeat_seconds_ago"] = int64(time.Since(v.LastHeartbeat).Seconds())
	}
	s.writeData(w, status)
}

func (s *Server) getClientHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	v, ok := s.cfg.Relay.Registry().View(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "Client not found")
		return
	}
	info := map[string]any{"client_id": id}
	if v.LastHeartbeat.IsZero() {
		info["status"] = "no_data"
	} else {
		ago := int64(time.Since(v.LastHeartbeat).Seconds())
		info["last_heartbeat_seconds_ago"] = ago
		if ago < 60 {
			info["status"] = "healthy"
		} else {
			info["status"] = "stale"
		}
	}
	s.writeData(w, info)
}

func (s *Server) getClientModels(w http.ResponseWriter, r *http.Request) {
	v, ok := s.cfg.Relay.Registry().View(r.PathValue("id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "Client not found")
		return
	}
	models := v.Models
	if models == nil {
		models = []protocol.Model{}
	}
	s.writeData(w, models)
}

func (s *Server) getModels(w http.ResponseWriter, r *http.Request) {
	all := make(map[string][]protocol.Model)
	for _, v := range s.cfg.Relay.Registry().Snapshot() {
		if v.Models != nil {
			all[v.ClientID] = v.Models
		}
	}
	s.writeData(w, all)
}

func (s *Server) getMonitoring(w http.ResponseWriter, r *http.Request) {
	out := make([]*systemInfoResponse, 0)
	for _, v := range s.cfg.Relay.Registry().Snapshot() {
		if sys := sysResponse(v); sys != nil {
			out = append(out, sys)
		}
	}
	s.writeData(w, out)
}

func (s *Server) getClientMonitoring(w http.ResponseWriter, r *http.Request) {
	v, ok := s.cfg.Relay.Registry().View(r.PathValue("id"))
	if !ok || v.Sys == nil {
		s.writeError(w, http.StatusNotFound, "No monitoring data for client")
		return
	}
	s.writeData(w, sysResponse(v))
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	s.writeData(w, map[string]any{
		"status":         "healthy",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) disconnectClient(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.cfg.Relay.Disconnect(id) {
		s.writeError(w, http.StatusNotFound, "Client not found")
		return
	}
	s.log.Info("admin disconnected client", "client_id", id)
	s.writeData(w, map[string]string{"client_id": id, "action": "disconnected"})
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	s.writeData(w, s.cfg.Relay.Stats())
}

func (s *Server) getConnections(w http.ResponseWriter, r *http.Request) {
	relay := s.cfg.Relay
	ids := relay.Registry().SnapshotIDs()
	s.writeData(w, map[string]any{
		"active_clients":      len(ids),
		"pending_connections": relay.Pairs().Len(),
		"client_ids":          ids,
	})
}

func (s *Server) getPendingConnections(w http.ResponseWriter, r *http.Request) {
	ids := s.cfg.Relay.Pairs().SnapshotIDs()
	s.writeData(w, map[string]any{
		"count":          len(ids),
		"connection_ids": ids,
	})
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	s.writeData(w, s.cfg.Ports)
}

func (s *Server) getPorts(w http.ResponseWriter, r *http.Request) {
	s.writeData(w, map[string]int{
		"control_port": s.cfg.Ports.ControlPort,
		"proxy_port":   s.cfg.Ports.ProxyPort,
		"public_port":  s.cfg.Ports.PublicPort,
		"api_port":     s.cfg.Ports.APIPort,
	})
}

func (s *Server) getUsers(w http.ResponseWriter, r *http.Request) {
	s.writeData(w, s.cfg.Relay.Users().Emails())
}

func (s *Server) getActiveTokens(w http.ResponseWriter, r *http.Request) {
	tokens := s.cfg.Relay.Sessions().Snapshot()
	info := make([]map[string]string, 0, len(tokens))
	for token, email := range tokens {
		prefix := token
		if len(prefix) > 8 {
			prefix = prefix[:8] + "..."
		}
		info = append(info, map[string]string{
			"token_prefix": prefix,
			"email":        email,
		})
	}
	s.writeData(w, map[string]any{
		"active_token_count": len(tokens),
		"tokens":             info,
	})
}
