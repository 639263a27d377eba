package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/audiolibrelab/micstream/internal/audio"
	"github.com/audiolibrelab/micstream/internal/capture"
	"github.com/audiolibrelab/micstream/internal/config"
	"github.com/audiolibrelab/micstream/internal/observe"
	"github.com/audiolibrelab/micstream/internal/sink"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
)

// Service represents the core micstream service interface
type Service interface {
	// Capture operations
	Initialize() error
	Start() error
	Pause() error
	Stop() error
	Subscribe(h capture.Handler) *capture.Subscription
	GetStatus() Status

	// Recording operations
	StartRecording(name string) (*RecordingSession, error)
	StopRecording() (*RecordingSession, error)
	ListRecordings() ([]RecordingInfo, error)
	RecordingPath(name string) (string, error)

	// Configuration operations
	LoadProfile(profile string) error
	GetConfig() *config.Config

	GetLastError() string
	Close() error
}

// Status is a snapshot of the service for the CLI and the HTTP API.
type Status struct {
	State            string            `json:"state"`
	Profile          string            `json:"profile,omitempty"`
	Backend          string            `json:"backend"`
	Format           audio.Format      `json:"format"`
	BytesPerFrame    int               `json:"bytes_per_frame"`
	SamplesPerBuffer int               `json:"samples_per_buffer"`
	BufferDuration   string            `json:"buffer_duration"`
	Stats            capture.Stats     `json:"stats"`
	Recording        *RecordingSession `json:"recording,omitempty"`
	LastError        string            `json:"last_error,omitempty"`
}

// RecordingSession describes a WAV recording fed by the capture session.
type RecordingSession struct {
	Name          string    `json:"name"`
	StartTime     time.Time `json:"start_time"`
	OutputFile    string    `json:"output_file"`
	Samples       int64     `json:"samples"`
	DroppedFrames uint64    `json:"dropped_frames"`
}

// RecordingInfo contains information about a recorded WAV file
type RecordingInfo struct {
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	SizeHuman    string    `json:"size_human"`
	Duration     string    `json:"duration,omitempty"`
	ModTime      time.Time `json:"mod_time"`
	ModTimeHuman string    `json:"mod_time_human"`
	DownloadURL  string    `json:"download_url"`
}

type recording struct {
	info   RecordingSession
	writer *sink.WAVWriter
	sub    *capture.Subscription
}

// MicService is the main service implementation
type MicService struct {
	mu         sync.Mutex
	cfg        *config.Config
	configFile string
	newInput   func(backend string) (audio.Input, error)
	input      audio.Input
	routing    audio.Routing
	metrics    *observe.Metrics
	session    *capture.Session
	recording  *recording

	// dispatchSub forwards the current session's frames into fanout.
	dispatchSub *capture.Subscription

	// fanout outlives sessions rebuilt by LoadProfile.
	fanout capture.Fanout

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

// New creates a service whose input is chosen by cfg.Capture.Backend.
func New(cfg *config.Config, configFile string) (*MicService, error) {
	input, err := audio.NewInput(cfg.Capture.Backend)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio input: %w", err)
	}
	s := NewWithInput(cfg, configFile, input, audio.NewProcessRouting(audio.DefaultRoute))
	s.newInput = audio.NewInput
	return s, nil
}

// NewWithInput creates a service around an existing input and routing.
func NewWithInput(cfg *config.Config, configFile string, input audio.Input, routing audio.Routing) *MicService {
	s := &MicService{
		cfg:        cfg,
		configFile: configFile,
		input:      input,
		routing:    routing,
		metrics:    observe.DefaultMetrics(),
	}
	s.fanout.OnChange = func(delta int) {
		s.metrics.Subscribers.Add(context.Background(), int64(delta))
	}
	s.session = s.newSession()
	return s
}

// newSession builds a session for the current config and moves the dispatch
// hook onto it.
func (s *MicService) newSession() *capture.Session {
	if s.dispatchSub != nil {
		s.dispatchSub.Remove()
	}
	session := capture.New(s.input, s.routing,
		capture.WithLogger(slog.Default().With("component", "capture")),
		capture.WithMetrics(s.metrics),
		capture.WithoutSubscriberGauge(),
		capture.WithResubmitRetries(s.cfg.Retries()),
		capture.WithErrorHandler(func(err error) {
			s.setLastError(fmt.Sprintf("Capture stream error: %v", err))
		}),
	)
	s.dispatchSub = session.Subscribe(s.dispatch)
	return session
}

func (s *MicService) dispatch(frame capture.Frame) {
	s.fanout.Emit(frame, func(id uuid.UUID, p any) {
		s.setLastError(fmt.Sprintf("Subscriber %s panicked: %v", id, p))
	})
}

// Initialize prepares the capture session with the configured format
func (s *MicService) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	slog.Debug("Service.Initialize called", "format", s.cfg.Format().String())
	s.clearLastError()
	if err := s.session.Initialize(s.cfg.Format()); err != nil {
		s.setLastError(fmt.Sprintf("Failed to initialize capture: %v", err))
		return err
	}
	return nil
}

// Start starts or resumes capture
func (s *MicService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.session.Start(); err != nil {
		s.setLastError(fmt.Sprintf("Failed to start capture: %v", err))
		return err
	}
	s.clearLastError()
	return nil
}

// Pause halts capture, keeping the session resumable
func (s *MicService) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.session.Pause(); err != nil {
		s.setLastError(fmt.Sprintf("Failed to pause capture: %v", err))
		return err
	}
	return nil
}

// Stop ends any recording and releases the capture session
func (s *MicService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if s.recording != nil {
		if _, err := s.finishRecording(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.session.Stop(); err != nil {
		errs = append(errs, err)
	}

	err := errors.Join(errs...)
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to stop capture: %v", err))
	}
	return err
}

// Subscribe registers h for frames of the current and any later session
func (s *MicService) Subscribe(h capture.Handler) *capture.Subscription {
	return s.fanout.Subscribe(h)
}

// GetStatus returns the capture state, format and counters
func (s *MicService) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	format := s.session.Format()
	if format == (audio.Format{}) {
		format = s.cfg.Format().WithDefaults()
	}

	status := Status{
		State:            s.session.State().String(),
		Profile:          s.cfg.Profile,
		Backend:          s.cfg.Capture.Backend,
		Format:           format,
		BytesPerFrame:    format.BytesPerFrame(),
		SamplesPerBuffer: format.SamplesPerBuffer(),
		BufferDuration:   format.BufferDuration().String(),
		Stats:            s.session.Stats(),
		LastError:        s.GetLastError(),
	}
	status.Stats.Subscribers = s.fanout.Len()
	if s.recording != nil {
		info := s.recording.snapshot()
		status.Recording = &info
	}
	return status
}

// StartRecording writes every following frame to <output>/<name>.wav
func (s *MicService) StartRecording(name string) (*RecordingSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.recording != nil {
		return nil, fmt.Errorf("already recording '%s'", s.recording.info.Name)
	}
	switch st := s.session.State(); st {
	case capture.StateInitialized, capture.StateRunning, capture.StatePaused:
	default:
		return nil, fmt.Errorf("%w: can only record from initialized, running or paused state, current: %s", capture.ErrState, st)
	}

	path, err := s.recordingPath(name)
	if err != nil {
		return nil, err
	}

	writer, err := sink.NewWAVWriter(path, s.session.Format(), s.metrics)
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to start recording: %v", err))
		return nil, fmt.Errorf("failed to start recording: %w", err)
	}

	s.recording = &recording{
		info: RecordingSession{
			Name:       cleanFileName(name),
			StartTime:  time.Now(),
			OutputFile: path,
		},
		writer: writer,
		sub:    s.fanout.Subscribe(writer.Handle),
	}
	slog.Info("Recording started", "file", path)

	info := s.recording.info
	return &info, nil
}

// StopRecording finalizes the current WAV file
func (s *MicService) StopRecording() (*RecordingSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.recording == nil {
		return nil, fmt.Errorf("no recording in progress")
	}
	return s.finishRecording()
}

func (s *MicService) finishRecording() (*RecordingSession, error) {
	rec := s.recording
	s.recording = nil

	rec.sub.Remove()
	err := rec.writer.Close()
	info := rec.snapshot()

	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to stop recording: %v", err))
		return &info, fmt.Errorf("failed to stop recording: %w", err)
	}
	slog.Info("Recording stopped",
		"file", info.OutputFile,
		"samples", info.Samples,
		"dropped_frames", info.DroppedFrames)
	return &info, nil
}

func (r *recording) snapshot() RecordingSession {
	info := r.info
	info.Samples = r.writer.Samples()
	info.DroppedFrames = r.writer.Dropped()
	return info
}

// ListRecordings returns the WAV files in the output directory, newest first
func (s *MicService) ListRecordings() ([]RecordingInfo, error) {
	s.mu.Lock()
	dir := s.cfg.Output.Directory
	s.mu.Unlock()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create recordings directory: %w", err)
	}

	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read recordings directory: %w", err)
	}

	var recordings []RecordingInfo
	for _, file := range files {
		if file.IsDir() || strings.ToLower(filepath.Ext(file.Name())) != ".wav" {
			continue
		}

		info, err := file.Info()
		if err != nil {
			slog.Warn("Failed to get file info", "file", file.Name(), "error", err)
			continue
		}

		path := filepath.Join(dir, file.Name())
		recordings = append(recordings, RecordingInfo{
			Name:         file.Name(),
			Path:         path,
			Size:         info.Size(),
			SizeHuman:    formatBytes(info.Size()),
			Duration:     wavDuration(path),
			ModTime:      info.ModTime(),
			ModTimeHuman: info.ModTime().Format("2006-01-02 15:04:05"),
			DownloadURL:  fmt.Sprintf("/api/recordings/download/%s", file.Name()),
		})
	}

	sort.Slice(recordings, func(i, j int) bool {
		return recordings[i].ModTime.After(recordings[j].ModTime)
	})
	return recordings, nil
}

// RecordingPath returns where a recording named name is written
func (s *MicService) RecordingPath(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordingPath(name)
}

func (s *MicService) recordingPath(name string) (string, error) {
	clean := cleanFileName(strings.TrimSuffix(name, filepath.Ext(name)))
	if clean == "" {
		return "", fmt.Errorf("invalid recording name: %q", name)
	}
	return filepath.Join(s.cfg.Output.Directory, clean+".wav"), nil
}

// LoadProfile loads a new configuration profile. The capture session is
// rebuilt, so it must not hold the input.
func (s *MicService) LoadProfile(profile string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch st := s.session.State(); st {
	case capture.StateUninitialized, capture.StateStopped:
	default:
		return fmt.Errorf("%w: cannot change profile while capture is %s", capture.ErrState, st)
	}

	newCfg, err := config.LoadWithProfile(s.configFile, profile)
	if err != nil {
		return fmt.Errorf("failed to load profile '%s': %w", profile, err)
	}

	if s.newInput != nil && newCfg.Capture.Backend != s.cfg.Capture.Backend {
		input, err := s.newInput(newCfg.Capture.Backend)
		if err != nil {
			return fmt.Errorf("failed to create audio input: %w", err)
		}
		s.input = input
	}

	s.cfg = newCfg
	s.session = s.newSession()
	slog.Info("Profile loaded", "profile", profile, "format", newCfg.Format().String())
	return nil
}

// GetConfig returns the current configuration
func (s *MicService) GetConfig() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Close stops capture if it is still active
func (s *MicService) Close() error {
	s.mu.Lock()
	st := s.session.State()
	s.mu.Unlock()

	switch st {
	case capture.StateInitialized, capture.StateRunning, capture.StatePaused:
		return s.Stop()
	}
	return nil
}

// GetLastError returns the last error message (thread-safe)
func (s *MicService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

// setLastError sets the last error message (thread-safe)
func (s *MicService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err

	// Log all errors for debugging and monitoring
	slog.Error("Service error occurred", "error_message", err)
}

// clearLastError clears the last error message (thread-safe)
func (s *MicService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}

// Helper functions

func cleanFileName(name string) string {
	// Remove special characters and replace spaces with underscores
	var result strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == ' ' || r == '-' || r == '_' {
			result.WriteRune(r)
		}
	}
	return strings.ReplaceAll(strings.TrimSpace(result.String()), " ", "_")
}

// wavDuration reads the header of a WAV file; unreadable files yield "".
func wavDuration(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return ""
	}
	d, err := dec.Duration()
	if err != nil {
		return ""
	}
	return d.Round(time.Millisecond).String()
}

// formatBytes formats bytes in human readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
