package audio

import (
	"fmt"
	"strings"
)

// BackendType selects the capture implementation.
type BackendType string

const (
	BackendTypeMalgo BackendType = "malgo"
	BackendTypeTone  BackendType = "tone"
	BackendTypeAuto  BackendType = "auto"
)

// NewInput creates the input for the configured backend.
func NewInput(backend string) (Input, error) {
	backendType, err := DetermineBackend(backend)
	if err != nil {
		return nil, err
	}

	switch backendType {
	case BackendTypeTone:
		return NewToneInput(0, 0), nil
	default:
		return NewMalgoInput(), nil
	}
}

// DetermineBackend maps a configured backend name to a concrete backend.
// "auto" and an empty name resolve to the microphone.
func DetermineBackend(backend string) (BackendType, error) {
	switch BackendType(strings.ToLower(strings.TrimSpace(backend))) {
	case "", BackendTypeAuto, BackendTypeMalgo:
		return BackendTypeMalgo, nil
	case BackendTypeTone:
		return BackendTypeTone, nil
	default:
		return "", fmt.Errorf("unknown audio backend: %s (valid: auto, malgo, tone)", backend)
	}
}

// GetAvailableBackends returns the backends compiled into this build.
func GetAvailableBackends() []BackendType {
	return []BackendType{BackendTypeMalgo, BackendTypeTone}
}
