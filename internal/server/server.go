package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/audiolibrelab/micstream/internal/capture"
	"github.com/audiolibrelab/micstream/internal/config"
	"github.com/audiolibrelab/micstream/internal/observe"
	"github.com/audiolibrelab/micstream/internal/service"
	"github.com/audiolibrelab/micstream/internal/sink"
	"github.com/coder/websocket"
)

// streamWriteTimeout bounds a single WebSocket frame write so a stalled
// client cannot hold its subscription forever.
const streamWriteTimeout = 5 * time.Second

// Server represents the web server for controlling micstream
type Server struct {
	service    service.Service
	configFile string
	port       string
	metrics    *observe.Metrics

	mux        *http.ServeMux
	httpServer *http.Server
}

// StreamHeader is the first (text) message on /stream. Every following
// message is binary little-endian int16 PCM.
type StreamHeader struct {
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Encoding   string `json:"encoding"`
}

// ProfilesResponse lists the profiles defined in the configuration file.
type ProfilesResponse struct {
	Profiles []string `json:"profiles"`
	Active   string   `json:"active"`
	Current  string   `json:"current"`
}

// New creates a new web server instance
func New(svc service.Service, configFile, port string) *Server {
	s := &Server{
		service:    svc,
		configFile: configFile,
		port:       port,
		metrics:    observe.DefaultMetrics(),
		mux:        http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/", s.handleIndex)
	s.mux.HandleFunc("/init", s.handleInit)
	s.mux.HandleFunc("/start", s.handleStart)
	s.mux.HandleFunc("/pause", s.handlePause)
	s.mux.HandleFunc("/stop", s.handleStop)
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.HandleFunc("/stream", s.handleStream)
	s.mux.HandleFunc("/record", s.handleStartRecording)
	s.mux.HandleFunc("/record/stop", s.handleStopRecording)
	s.mux.HandleFunc("/config/profiles", s.handleProfiles)
	s.mux.HandleFunc("/config/select", s.handleSelectProfile)
	s.mux.HandleFunc("/api/recordings", s.handleRecordings)
	s.mux.HandleFunc("/api/recordings/download/", s.handleRecordingDownload)
	s.mux.Handle("/metrics", observe.Handler())
}

// Handler returns the request router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start starts the web server and blocks until it is shut down
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	localIP := getLocalIP()

	slog.Info("Starting micstream web server",
		"port", s.port,
		"local_url", fmt.Sprintf("http://%s:%s", localIP, s.port),
		"localhost_url", fmt.Sprintf("http://localhost:%s", s.port))

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for active requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// handleIndex serves a short description of the API
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write([]byte(getDefaultHTML()))
}

// getDefaultHTML provides a minimal landing page
func getDefaultHTML() string {
	return `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>micstream</title>
</head>
<body>
    <h1>micstream</h1>
    <h2>API Endpoints:</h2>
    <ul>
        <li>POST /init - Initialize the capture session</li>
        <li>POST /start - Start or resume capture</li>
        <li>POST /pause - Pause capture</li>
        <li>POST /stop - Stop capture and release the microphone</li>
        <li>GET /status - Session state, format and counters</li>
        <li>GET /stream - WebSocket with raw s16le PCM</li>
        <li>POST /record - Record to WAV (name=...)</li>
        <li>POST /record/stop - Finish the WAV recording</li>
        <li>GET /api/recordings - List recordings</li>
        <li>GET /metrics - Prometheus metrics</li>
    </ul>
</body>
</html>`
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	s.handleControl(w, r, "initialize", s.service.Initialize, "Capture initialized")
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.handleControl(w, r, "start", s.service.Start, "Capture started")
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.handleControl(w, r, "pause", s.service.Pause, "Capture paused")
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.handleControl(w, r, "stop", s.service.Stop, "Capture stopped")
}

// handleControl runs one lifecycle operation and reports the resulting state
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request, operation string, op func() error, message string) {
	if r.Method != http.MethodPost {
		s.sendMethodNotAllowed(w)
		return
	}

	slog.Debug("Control request received", "operation", operation)
	if err := op(); err != nil {
		s.sendErrorResponse(w, statusForError(err),
			fmt.Sprintf("Failed to %s: %v", operation, err),
			"operation", operation)
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": message,
		"state":   s.service.GetStatus().State,
	})
}

// handleStatus returns the capture state, format and counters
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendMethodNotAllowed(w)
		return
	}
	s.sendJSON(w, http.StatusOK, s.service.GetStatus())
}

// handleStream upgrades to a WebSocket and forwards every captured frame.
// Frames are queued per client; a client that falls behind loses frames
// rather than slowing the capture thread.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Debug("WebSocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())

	queue := sink.NewQueue("websocket", sink.DefaultQueueDepth, s.metrics)
	sub := s.service.Subscribe(queue.Handle)
	defer func() {
		sub.Remove()
		queue.Close()
	}()

	format := s.service.GetStatus().Format
	header, err := json.Marshal(StreamHeader{
		SampleRate: format.SampleRate,
		Channels:   format.Channels,
		Encoding:   "s16le",
	})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "header encoding failed")
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, header); err != nil {
		return
	}

	slog.Info("Stream client connected", "remote", r.RemoteAddr, "subscription", sub.ID)
	defer func() {
		slog.Info("Stream client disconnected", "remote", r.RemoteAddr, "dropped_frames", queue.Dropped())
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-queue.Frames():
			wctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := conn.Write(wctx, websocket.MessageBinary, capture.EncodeSamples(frame.Samples))
			cancel()
			if err != nil {
				slog.Debug("Stream write failed", "remote", r.RemoteAddr, "error", err)
				return
			}
		}
	}
}

// handleStartRecording starts writing frames to a WAV file
func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendMethodNotAllowed(w)
		return
	}

	if err := r.ParseForm(); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Failed to parse form")
		return
	}

	name := r.FormValue("name")
	if name == "" {
		s.sendErrorResponse(w, http.StatusBadRequest, "Recording name is required", "operation", "start_recording")
		return
	}

	session, err := s.service.StartRecording(name)
	if err != nil {
		s.sendErrorResponse(w, statusForError(err),
			fmt.Sprintf("Failed to start recording: %v", err),
			"name", name, "operation", "start_recording")
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"message":   "Recording started",
		"recording": session,
	})
}

// handleStopRecording finalizes the current WAV file
func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendMethodNotAllowed(w)
		return
	}

	session, err := s.service.StopRecording()
	if err != nil {
		s.sendErrorResponse(w, http.StatusConflict,
			fmt.Sprintf("Failed to stop recording: %v", err),
			"operation", "stop_recording")
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"message":   "Recording stopped",
		"recording": session,
	})
}

// handleProfiles returns available configuration profiles
func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendMethodNotAllowed(w)
		return
	}

	response := ProfilesResponse{
		Profiles: []string{},
		Current:  s.service.GetConfig().Profile,
	}
	if s.configFile != "" {
		profiles, active, err := config.ListProfiles(s.configFile)
		if err != nil {
			s.sendErrorResponse(w, http.StatusInternalServerError,
				fmt.Sprintf("Failed to read profiles: %v", err), "operation", "list_profiles")
			return
		}
		response.Profiles = profiles
		response.Active = active
	}

	s.sendJSON(w, http.StatusOK, response)
}

// handleSelectProfile switches the service to another profile. With
// persist=true the choice is written back as active_config.
func (s *Server) handleSelectProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendMethodNotAllowed(w)
		return
	}

	if err := r.ParseForm(); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Failed to parse form")
		return
	}

	profile := r.FormValue("profile")
	if profile == "" {
		s.sendErrorResponse(w, http.StatusBadRequest, "Profile name is required", "operation", "select_profile")
		return
	}

	if err := s.service.LoadProfile(profile); err != nil {
		s.sendErrorResponse(w, statusForError(err),
			fmt.Sprintf("Failed to load profile '%s': %v", profile, err),
			"profile", profile, "operation", "select_profile")
		return
	}

	if r.FormValue("persist") == "true" {
		if err := config.UpdateActiveConfig(s.configFile, profile); err != nil {
			s.sendErrorResponse(w, http.StatusInternalServerError,
				fmt.Sprintf("Failed to persist profile '%s': %v", profile, err),
				"profile", profile, "operation", "persist_profile")
			return
		}
	}

	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": fmt.Sprintf("Profile '%s' loaded", profile),
		"profile": profile,
	})
}

// handleRecordings lists the WAV files in the output directory
func (s *Server) handleRecordings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendMethodNotAllowed(w)
		return
	}

	recordings, err := s.service.ListRecordings()
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to list recordings: %v", err), "operation", "list_recordings")
		return
	}
	if recordings == nil {
		recordings = []service.RecordingInfo{}
	}

	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"recordings": recordings,
		"count":      len(recordings),
	})
}

// handleRecordingDownload serves a recording for download
func (s *Server) handleRecordingDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filename := strings.TrimPrefix(r.URL.Path, "/api/recordings/download/")
	if filename == "" {
		http.Error(w, "Filename required", http.StatusBadRequest)
		return
	}

	// Validate filename (prevent path traversal)
	if strings.Contains(filename, "..") || strings.Contains(filename, "/") || strings.Contains(filename, "\\") {
		http.Error(w, "Invalid filename", http.StatusBadRequest)
		return
	}
	if strings.ToLower(filepath.Ext(filename)) != ".wav" {
		http.Error(w, "File type not supported", http.StatusForbidden)
		return
	}

	filePath := filepath.Join(s.service.GetConfig().Output.Directory, filename)
	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "File not found", http.StatusNotFound)
		} else {
			http.Error(w, "Error accessing file", http.StatusInternalServerError)
		}
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		http.Error(w, "Error accessing file", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", filename))
	http.ServeContent(w, r, filename, info.ModTime(), file)
}

// statusForError maps the capture error taxonomy to HTTP status codes
func statusForError(err error) int {
	switch {
	case errors.Is(err, capture.ErrState):
		return http.StatusConflict
	case errors.Is(err, capture.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, capture.ErrResource):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) sendJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func (s *Server) sendMethodNotAllowed(w http.ResponseWriter) {
	s.sendJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{
		"success": false,
		"error":   "Method not allowed",
	})
}

// sendErrorResponse sends a JSON error response and logs it with context
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...interface{}) {
	// Log the error with structured context
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	slog.Error("Sending error response to client", logFields...)

	s.sendJSON(w, statusCode, map[string]interface{}{
		"success": false,
		"error":   errorMsg,
	})
}

func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
