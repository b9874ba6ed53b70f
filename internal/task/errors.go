package task

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// ErrFormat matches every malformed wire entry.
var ErrFormat = errors.New("malformed queue entry")

// FormatError describes why a single queue entry could not be decoded (or a
// value could not be encoded). It unwraps to ErrFormat.
type FormatError struct {
	Entry  string
	Reason string
}

func (e *FormatError) Error() string {
	if e.Entry == "" {
		return fmt.Sprintf("%s: %s", ErrFormat, e.Reason)
	}
	return fmt.Sprintf("%s %q: %s", ErrFormat, e.Entry, e.Reason)
}

func (e *FormatError) Unwrap() error { return ErrFormat }

func formatErr(entry, format string, args ...any) error {
	return &FormatError{Entry: entry, Reason: fmt.Sprintf(format, args...)}
}
