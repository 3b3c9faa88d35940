package stage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ChuLiYu/docflow/pkg/types"
)

// Error is the typed failure returned by stage collaborators.
// Kind drives the retry decision, Op names the failing operation.
type Error struct {
	Kind types.ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Temporary wraps err as a retryable failure
func Temporary(op string, err error) error {
	return &Error{Kind: types.KindTemporary, Op: op, Err: orUnknown(err)}
}

// Permanent wraps err as a failure that must not be retried
func Permanent(op string, err error) error {
	return &Error{Kind: types.KindPermanent, Op: op, Err: orUnknown(err)}
}

// Critical wraps err as a systemic failure that pauses intake
func Critical(op string, err error) error {
	return &Error{Kind: types.KindCritical, Op: op, Err: orUnknown(err)}
}

func orUnknown(err error) error {
	if err == nil {
		return errors.New("unknown error")
	}
	return err
}

// Classifier maps an arbitrary error to an ErrorKind
type Classifier func(err error) types.ErrorKind

// permanentHints and criticalHints mirror the error vocabulary of common parsers and clients
var (
	permanentHints = []string{
		"unsupported format", "unsupported file", "malformed", "invalid format",
		"corrupt", "permission denied", "no such file", "not found", "invalid input",
	}
	criticalHints = []string{
		"out of memory", "cannot allocate memory", "disk full", "no space left",
		"api key", "quota exceeded", "service unavailable for all",
	}
)

// KindOf classifies err. Typed *Error values win; context deadline errors are
// temporary; otherwise message hints are consulted and unknown errors default
// to temporary.
func KindOf(err error) types.ErrorKind {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.KindTemporary
	}
	msg := strings.ToLower(err.Error())
	for _, h := range criticalHints {
		if strings.Contains(msg, h) {
			return types.KindCritical
		}
	}
	for _, h := range permanentHints {
		if strings.Contains(msg, h) {
			return types.KindPermanent
		}
	}
	return types.KindTemporary
}
