package domain

import (
	"time"
)

// SessionStatus is the lifecycle state of an archived session.
type SessionStatus string

const (
	// StatusInProgress marks a session that has not finished yet.
	StatusInProgress SessionStatus = "in-progress"
	// StatusCompleted marks a session that ran to completion.
	StatusCompleted SessionStatus = "completed"
	// StatusAbandoned marks a session the user left before completion.
	StatusAbandoned SessionStatus = "abandoned"
)

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusInProgress, StatusCompleted, StatusAbandoned:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed out of s.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusAbandoned
}

// CanTransition reports whether a session may move from s to next.
// Only in-progress sessions move, and only into a terminal state.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	return s == StatusInProgress && next.Terminal()
}

// ArchivedSession is the research record of one coaching session.
// It is addressed by ResearchCode only and carries no user reference.
type ArchivedSession struct {
	ID               string        `json:"id"`
	ResearchCode     string        `json:"research_code"`
	PersonaName      string        `json:"persona_name"`
	StartedAt        time.Time     `json:"started_at"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty"`
	DurationSeconds  *int64        `json:"duration_seconds,omitempty"`
	TurnsUsed        int           `json:"turns_used"`
	MaxTurns         int           `json:"max_turns"`
	Status           SessionStatus `json:"status"`
	TranscriptDigest string        `json:"transcript_digest,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
}

// SessionMetadata is the timing and turn-count payload supplied by the
// session layer when a coaching session ends.
type SessionMetadata struct {
	PersonaName string        `json:"persona_name"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	TurnsUsed   int           `json:"turns_used"`
	MaxTurns    int           `json:"max_turns"`
	Status      SessionStatus `json:"status,omitempty"`
}

// Duration returns the whole seconds between start and completion, or nil
// while the session has no completion time. Clock skew never yields a
// negative duration.
func (m SessionMetadata) Duration() *int64 {
	if m.CompletedAt == nil {
		return nil
	}
	secs := int64(m.CompletedAt.Sub(m.StartedAt) / time.Second)
	if secs < 0 {
		secs = 0
	}
	return &secs
}

// ResolvedStatus returns the explicit status, or derives one from whether a
// completion time is present.
func (m SessionMetadata) ResolvedStatus() SessionStatus {
	if m.Status != "" {
		return m.Status
	}
	if m.CompletedAt != nil {
		return StatusCompleted
	}
	return StatusAbandoned
}
