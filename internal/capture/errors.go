package capture

import "errors"

// Every error returned or reported by a Session wraps exactly one of these.
var (
	// ErrConfiguration: the requested format or input access was refused.
	ErrConfiguration = errors.New("configuration error")

	// ErrResource: a buffer could not be allocated or submitted at setup.
	ErrResource = errors.New("resource error")

	// ErrState: the operation is not valid in the current session state.
	ErrState = errors.New("state error")

	// ErrStream: runtime failure in the fill and resubmit cycle.
	ErrStream = errors.New("stream error")
)
