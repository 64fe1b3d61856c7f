package robot

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDeviceNotFound is returned when a scan window closes without an
	// advertisement matching the configured name.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrTransport matches every *TransportError.
	ErrTransport = errors.New("transport error")

	// ErrInvalidMood matches every *InvalidMoodError.
	ErrInvalidMood = errors.New("invalid mood")
)

// TransportError wraps a failure reported by the transport adapter.
type TransportError struct {
	Op  string // "scan", "connect", "write" or "disconnect"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// InvalidMoodError reports a mood outside the supported set.
type InvalidMoodError struct {
	Mood string
}

func (e *InvalidMoodError) Error() string {
	names := make([]string, 0, len(moods))
	for _, m := range moods {
		names = append(names, string(m))
	}
	return fmt.Sprintf("invalid mood %q, valid options: %s", e.Mood, strings.Join(names, ", "))
}

func (e *InvalidMoodError) Is(target error) bool { return target == ErrInvalidMood }

// Kind names the error class of err, or "" for nil. Unknown errors are
// reported as "internal".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidMood):
		return "invalid_mood"
	case errors.Is(err, ErrDeviceNotFound):
		return "device_not_found"
	case errors.Is(err, ErrTransport):
		return "transport"
	default:
		return "internal"
	}
}
