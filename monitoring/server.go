// Package monitoring exposes the controller state and basic connection
// control over HTTP for local dashboards and diagnostics.
package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/otherworld-dev/Bifr-st/command"
	"github.com/otherworld-dev/Bifr-st/config"
	"github.com/otherworld-dev/Bifr-st/conn"
	"github.com/otherworld-dev/Bifr-st/history"
	"github.com/otherworld-dev/Bifr-st/protocol"
	"github.com/otherworld-dev/Bifr-st/serial"
)

// Server is the HTTP monitoring and control server
type Server struct {
	config  *config.MonitoringConfig
	manager *conn.Manager
	queue   *command.Queue
	router  *protocol.Router
	history *history.History
	homing  *conn.Flag
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a monitoring server. The router reference is used to mark
// manual commands so their echoes are shown in the console view; the homing
// flag is raised when a homing cycle is submitted through the API.
func NewServer(cfg *config.MonitoringConfig, manager *conn.Manager, queue *command.Queue, router *protocol.Router, hist *history.History, homing *conn.Flag, logger *slog.Logger) *Server {
	return &Server{
		config:  cfg,
		manager: manager,
		queue:   queue,
		router:  router,
		history: hist,
		homing:  homing,
		logger:  logger,
	}
}

// Start launches the HTTP server in the background
func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/ports", s.handlePorts)
	mux.HandleFunc("/api/connect", s.handleConnect)
	mux.HandleFunc("/api/disconnect", s.handleDisconnect)
	mux.HandleFunc("/api/command", s.handleCommand)
	mux.HandleFunc("/api/refresh", s.handleRefresh)
	mux.HandleFunc("/api/history.csv", s.handleHistoryCSV)

	addr := fmt.Sprintf(":%d", s.config.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	s.logger.Info("Starting monitoring server", "addr", addr)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Monitoring server error", "error", err)
		}
	}()

	return nil
}

// Stop shuts down the HTTP server gracefully
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	s.logger.Info("Stopping monitoring server")
	return s.server.Shutdown(shutdownCtx)
}

// handleHealth returns health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// handleStatus returns connection state, queue depths and session counters
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	priority, normal := s.queue.Len()
	bytesRead, bytesWritten, linesRead, readErrors := s.manager.PortStats()

	status := map[string]interface{}{
		"state":          s.manager.State().String(),
		"connected":      s.manager.IsConnected(),
		"port":           s.manager.CurrentPort(),
		"baud":           s.manager.CurrentBaud(),
		"polling":        s.manager.PollingState().String(),
		"queue_priority": priority,
		"queue_normal":   normal,
		"bytes_read":     bytesRead,
		"bytes_written":  bytesWritten,
		"lines_read":     linesRead,
		"read_errors":    readErrors,
		"history_size":   s.history.Len(),
	}

	if latest, ok := s.history.Latest(); ok {
		status["position"] = map[string]interface{}{
			"ts": latest.Timestamp.UTC().Format(time.RFC3339),
			"x":  latest.Position.X,
			"y":  latest.Position.Y,
			"z":  latest.Position.Z,
			"u":  latest.Position.U,
			"v":  latest.Position.V,
			"w":  latest.Position.W,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// handlePorts lists serial devices, flagging known USB serial adapters
func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	ports, err := serial.ListDetailedPorts()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"ports": ports,
	})
}

// handleConnect initiates a connection attempt
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Port string `json:"port"`
		Baud string `json:"baud"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.manager.Connect(req.Port, req.Baud); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "connecting",
		"port":   req.Port,
		"baud":   req.Baud,
	})
}

// handleDisconnect tears down the current connection
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.manager.Disconnect()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "disconnected",
	})
}

// handleCommand enqueues a manual command. Marked on the router so the
// device's echo is surfaced even with verbose display off.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Command  string `json:"command"`
		Priority bool   `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Command == "" {
		http.Error(w, "empty command", http.StatusBadRequest)
		return
	}

	cmd := command.New(req.Command)
	if req.Priority {
		cmd = command.NewPriority(req.Command)
	}

	if err := s.manager.Push(cmd); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	s.router.MarkManualCommandSent()
	if cmd.IsHomingCycle() {
		s.homing.Set()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "queued",
		"command": req.Command,
	})
}

// handleRefresh requests an immediate position and endstop update
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.manager.RequestPositionUpdate(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "requested",
	})
}

// handleHistoryCSV exports the position history as a CSV download
func (s *Server) handleHistoryCSV(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", history.DefaultFilename(time.Now())))

	if err := s.history.ExportCSV(w); err != nil {
		s.logger.Error("Failed to export position history", "error", err)
	}
}
