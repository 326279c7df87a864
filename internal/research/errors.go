// Package research implements the research code registry and the session
// archiver: it turns a user's first completed coaching session with a
// persona into an archived record addressed only by an opaque code.
package research

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCode reports a research code that does not match the format.
	ErrInvalidCode = errors.New("invalid research code")

	// ErrInvalidInput reports a malformed user, persona, metadata or transcript.
	ErrInvalidInput = errors.New("invalid input")

	// ErrRegistryExhausted reports that no free code was found within the
	// attempt budget. The research record is lost unless the caller retries.
	ErrRegistryExhausted = errors.New("research code generation exhausted")

	// ErrPersistenceUnavailable reports that the store failed or was unreachable.
	ErrPersistenceUnavailable = errors.New("research store unavailable")

	// ErrPartialArchival reports a session that was stored without its
	// transcript. Retry with Archiver.RetryMessages.
	ErrPartialArchival = errors.New("session archived without transcript")

	// ErrTranscriptMismatch reports a transcript that differs from the one
	// the archived session was recorded with.
	ErrTranscriptMismatch = errors.New("transcript does not match archived session")

	// ErrNoSession reports that no session is archived under a code.
	ErrNoSession = errors.New("no archived session for code")

	// ErrTerminalSession reports an attempt to move a completed or abandoned session.
	ErrTerminalSession = errors.New("session is already in a terminal state")
)

// Stages at which an operation can fail.
const (
	StageValidate     = "validate"
	StageLookup       = "lookup"
	StageGenerate     = "generate"
	StageExists       = "exists"
	StageInsert       = "insert"
	StageReread       = "reread"
	StageSaveSession  = "save_session"
	StageSaveMessages = "save_messages"
	StageTransition   = "transition"
)

// StageError identifies the operation and stage a failure came from. Both
// the Kind sentinel and the underlying cause match errors.Is.
type StageError struct {
	Op    string
	Stage string
	Kind  error
	Err   error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v: %v", e.Op, e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// StageOf returns the failing stage recorded in err, or "".
func StageOf(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

func stageErr(op, stage string, kind, err error) error {
	return &StageError{Op: op, Stage: stage, Kind: kind, Err: err}
}
