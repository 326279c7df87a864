package research

import (
	"fmt"
	"time"

	"github.com/ashureev/coachlab-research/internal/domain"
)

// SyntheticStep spaces messages whose source carried no wall-clock time.
const SyntheticStep = time.Second

// ConvertHistory turns a flat chat history into archive turns.
//
// scores[k] belongs to the k-th user-authored entry, counted among user
// entries only. A scores list shorter than the number of user entries
// leaves the remaining user turns unscored. Entries without a timestamp get
// one synthesized from start, and timestamps are forced to increase
// strictly at millisecond resolution.
func ConvertHistory(history []domain.HistoryEntry, scores []domain.QualityScores, start time.Time) ([]domain.Turn, error) {
	turns := make([]domain.Turn, 0, len(history))
	userIndex := 0
	var prev time.Time

	for i, entry := range history {
		if !entry.Role.Valid() {
			return nil, fmt.Errorf("%w: entry %d has unknown role %q", ErrInvalidInput, i, entry.Role)
		}

		ts := entry.Timestamp
		if ts.IsZero() {
			ts = start.Add(time.Duration(i) * SyntheticStep)
		}
		ts = ts.UTC().Truncate(time.Millisecond)
		if i > 0 && !ts.After(prev) {
			ts = prev.Add(time.Millisecond)
		}
		prev = ts

		turn := domain.Turn{
			Role:      entry.Role,
			Content:   entry.Content,
			Timestamp: ts,
		}
		if entry.Role == domain.RoleUser {
			if userIndex < len(scores) && len(scores[userIndex]) > 0 {
				turn.QualityScores = scores[userIndex]
			}
			userIndex++
		}
		turns = append(turns, turn)
	}
	return turns, nil
}
