package engine

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"freeflow/internal/config"
	"freeflow/internal/events"
	"freeflow/internal/payout"
	"freeflow/internal/repo"
)

// TransferQueue accepts committed automatic transfers for asynchronous submission.
type TransferQueue interface {
	Enqueue(t payout.Transfer) error
}

// Engine runs the engagement workflow commands. Each command is one
// transaction: it either commits all of its effects and events or none.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Now     func() time.Time
	Expiry  ExpiryPolicy
	Payouts TransferQueue
	Logger  *slog.Logger

	results *singleflight.Group
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{},
		Config:  cfg,
		Now:     time.Now,
		Expiry:  DefaultExpiry{After: cfg.Contracts.ExpireAfter},
		Logger:  slog.Default(),
		results: &singleflight.Group{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) stamp() string {
	return e.now().Format(time.RFC3339)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// emit appends an event stamped with the engine clock.
func (e Engine) emit(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload events.EventPayload) error {
	w := e.Events
	w.Now = e.now
	return w.Append(ctx, tx, evtType, projectID, entityKind, entityID, actorID, payload)
}

func (e Engine) begin(ctx context.Context) (*sql.Tx, error) {
	return e.DB.BeginTx(ctx, nil)
}

func newID() string {
	return uuid.NewString()
}

func requireActor(actorID string) error {
	if strings.TrimSpace(actorID) == "" {
		return validationf("actor is required")
	}
	return nil
}

// parseDate accepts a calendar date or an RFC 3339 timestamp.
func parseDate(field, v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, validationf("%s %q must be a date (YYYY-MM-DD) or RFC 3339 timestamp", field, v)
	}
	return t.UTC(), nil
}

func optionalString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func cleanList(field string, in []string, required bool) ([]string, error) {
	var out []string
	for i, item := range in {
		item = strings.TrimSpace(item)
		if item == "" {
			return nil, validationf("%s[%d] is blank", field, i)
		}
		out = append(out, item)
	}
	if required && len(out) == 0 {
		return nil, validationf("%s must not be empty", field)
	}
	return out, nil
}
