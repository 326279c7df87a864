package domain

import (
	"math"
	"time"
)

// Role identifies the author of a transcript line.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// QualityScores holds named per-turn assessment components in [0,1].
type QualityScores map[string]float64

// Sanitized drops components that cannot be serialized (NaN, ±Inf).
// It returns nil when nothing is left.
func (q QualityScores) Sanitized() QualityScores {
	if len(q) == 0 {
		return nil
	}
	out := make(QualityScores, len(q))
	for name, v := range q {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out[name] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Minimum returns the smallest finite component within [0,1].
// The second result is false when no component qualifies.
func (q QualityScores) Minimum() (float64, bool) {
	lowest, found := 0.0, false
	for _, v := range q {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v > 1 {
			continue
		}
		if !found || v < lowest {
			lowest, found = v, true
		}
	}
	return lowest, found
}

// HistoryEntry is one line of the raw chat transcript handed over by the
// session layer.
type HistoryEntry struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Turn is a transcript line ready for archival.
type Turn struct {
	Role          Role          `json:"role"`
	Content       string        `json:"content"`
	Timestamp     time.Time     `json:"timestamp"`
	QualityScores QualityScores `json:"quality_scores,omitempty"`
}

// ArchivedMessage is one persisted transcript line. Messages are written
// once per session and never updated.
type ArchivedMessage struct {
	ID                  string        `json:"id"`
	SessionID           string        `json:"session_id"`
	Position            int           `json:"position"`
	Role                Role          `json:"role"`
	Content             string        `json:"content"`
	Timestamp           time.Time     `json:"timestamp"`
	TurnNumber          int           `json:"turn_number"`
	QualityScores       QualityScores `json:"quality_scores,omitempty"`
	QualityScoreMinimum *float64      `json:"quality_score_minimum,omitempty"`
}
