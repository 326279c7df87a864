// Package domain contains core domain types for the research archive.
package domain

import (
	"time"
)

// CodeMapping binds one (user, persona) pair to one research code.
// UserID is internal-only and must never be returned to ordinary callers.
type CodeMapping struct {
	UserID       string    `json:"-"`
	PersonaName  string    `json:"persona_name"`
	ResearchCode string    `json:"research_code"`
	CreatedAt    time.Time `json:"created_at"`
}
