package research

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/coachlab-research/internal/domain"
	"github.com/ashureev/coachlab-research/internal/metrics"
	"github.com/ashureev/coachlab-research/internal/store"
)

// DefaultMaxAttempts bounds code generation when the caller passes no limit.
const DefaultMaxAttempts = 10

// Registry maps (user, persona) pairs to stable research codes.
//
// Concurrent callers are never serialized in process: two CreateCode calls
// for the same pair both race to insert, the store's uniqueness constraint
// picks the winner, and the loser re-reads and returns the winner's code.
type Registry struct {
	repo        store.Repository
	format      CodeFormat
	maxAttempts int
	personas    map[string]struct{}
	generate    func() (string, error)
	now         func() time.Time
	metrics     *metrics.Research
	logger      *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithPersonas restricts CreateCode to the named personas.
func WithPersonas(names ...string) RegistryOption {
	return func(r *Registry) {
		r.personas = make(map[string]struct{}, len(names))
		for _, name := range names {
			r.personas[name] = struct{}{}
		}
	}
}

// WithMaxAttempts sets the default attempt budget.
func WithMaxAttempts(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithCodeSource replaces the random candidate source.
func WithCodeSource(fn func() (string, error)) RegistryOption {
	return func(r *Registry) { r.generate = fn }
}

// WithRegistryMetrics records registry outcomes.
func WithRegistryMetrics(m *metrics.Research) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// WithRegistryLogger sets the logger. It defaults to slog.Default().
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates a registry over repo issuing codes in format.
func NewRegistry(repo store.Repository, format CodeFormat, opts ...RegistryOption) *Registry {
	r := &Registry{
		repo:        repo,
		format:      format,
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
		logger:      slog.Default(),
	}
	r.generate = cryptoSource(format)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Format returns the code format the registry issues.
func (r *Registry) Format() CodeFormat {
	return r.format
}

// KnownPersona reports whether persona may be used with this registry.
func (r *Registry) KnownPersona(persona string) bool {
	if len(r.personas) == 0 {
		return persona != ""
	}
	_, ok := r.personas[persona]
	return ok
}

// HasCode looks up the code for a user and persona. A missing mapping is
// reported as ok == false, not as an error.
func (r *Registry) HasCode(ctx context.Context, userID, persona string) (code string, ok bool, err error) {
	m, err := r.repo.GetCodeMapping(ctx, userID, persona)
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return m.ResearchCode, true, nil
}

// Generate returns a new candidate code. It does not reserve it.
func (r *Registry) Generate() (string, error) {
	return r.generate()
}

// Exists reports whether code is already assigned. Malformed codes fail
// with ErrInvalidCode before the store is consulted.
func (r *Registry) Exists(ctx context.Context, code string) (bool, error) {
	canonical, err := r.format.Normalize(code)
	if err != nil {
		return false, err
	}
	exists, err := r.repo.CodeExists(ctx, canonical)
	if err != nil {
		return false, stageErr("exists", StageExists, ErrPersistenceUnavailable, err)
	}
	return exists, nil
}

// CreateCode returns the research code for a user and persona, creating it
// on first use. Repeated calls return the same code. maxAttempts <= 0 uses
// the registry default.
func (r *Registry) CreateCode(ctx context.Context, userID, persona string, maxAttempts int) (string, error) {
	const op = "create code"

	if strings.TrimSpace(userID) == "" {
		return "", stageErr(op, StageValidate, ErrInvalidInput, errors.New("user id is required"))
	}
	if !r.KnownPersona(persona) {
		return "", stageErr(op, StageValidate, ErrInvalidInput, fmt.Errorf("unknown persona %q", persona))
	}
	if maxAttempts <= 0 {
		maxAttempts = r.maxAttempts
	}

	code, ok, err := r.HasCode(ctx, userID, persona)
	if err != nil {
		return "", stageErr(op, StageLookup, ErrPersistenceUnavailable, err)
	}
	if ok {
		r.metrics.CodeIssued(metrics.OutcomeExisting)
		return code, nil
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		candidate, err := r.generate()
		if err != nil {
			return "", stageErr(op, StageGenerate, ErrRegistryExhausted, err)
		}

		taken, err := r.repo.CodeExists(ctx, candidate)
		if err != nil {
			return "", stageErr(op, StageExists, ErrPersistenceUnavailable, err)
		}
		if taken {
			r.metrics.CodeCollision()
			r.logger.Debug("Research code candidate taken", "attempt", attempt)
			continue
		}

		err = r.repo.InsertCodeMapping(ctx, &domain.CodeMapping{
			UserID:       userID,
			PersonaName:  persona,
			ResearchCode: candidate,
			CreatedAt:    r.now().UTC(),
		})
		if err == nil {
			r.metrics.CodeIssued(metrics.OutcomeCreated)
			r.logger.Info("Research code created", "user_id", userID, "persona", persona, "attempt", attempt)
			return candidate, nil
		}
		if !errors.Is(err, store.ErrUniqueViolation) {
			return "", stageErr(op, StageInsert, ErrPersistenceUnavailable, err)
		}

		// Either a concurrent caller registered this user and persona first,
		// or the candidate was claimed after the exists check.
		winner, ok, err := r.HasCode(ctx, userID, persona)
		if err != nil {
			return "", stageErr(op, StageReread, ErrPersistenceUnavailable, err)
		}
		if ok {
			r.metrics.CodeIssued(metrics.OutcomeRaceResolved)
			r.logger.Debug("Research code race resolved by re-read", "user_id", userID, "persona", persona)
			return winner, nil
		}
		r.metrics.CodeCollision()
	}

	r.metrics.RegistryExhausted()
	r.logger.Error("Research code generation exhausted",
		"user_id", userID,
		"persona", persona,
		"max_attempts", maxAttempts,
	)
	return "", stageErr(op, StageGenerate, ErrRegistryExhausted,
		fmt.Errorf("no free code after %d attempts", maxAttempts))
}
