package engine

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"freeflow/internal/domain"
	"freeflow/internal/events"
	"freeflow/internal/money"
	"freeflow/internal/repo"
)

type ProjectInput struct {
	ID       string
	Name     string
	Currency string
	Status   domain.ProjectStatus
}

// UpsertProject mirrors project reference data. The currency recorded here is
// the one copied into settlements created afterwards.
func (e Engine) UpsertProject(ctx context.Context, in ProjectInput, actorID string) (domain.Project, error) {
	if err := requireActor(actorID); err != nil {
		return domain.Project{}, err
	}
	in.ID = strings.TrimSpace(in.ID)
	if in.ID == "" {
		return domain.Project{}, validationf("project id is required")
	}
	if strings.TrimSpace(in.Name) == "" {
		return domain.Project{}, validationf("project name is required")
	}
	currency := money.Normalize(in.Currency)
	if currency == "" {
		currency = e.Config.DefaultCurrency()
	}
	if _, ok := e.Config.Units().Places(currency); !ok {
		return domain.Project{}, validationf("unknown currency %q", in.Currency)
	}
	if in.Status == "" {
		in.Status = domain.ProjectActive
	}
	if !in.Status.Valid() {
		return domain.Project{}, validationf("invalid project status %q", in.Status)
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	now := e.stamp()
	p := domain.Project{ID: in.ID, Name: strings.TrimSpace(in.Name), Currency: currency, Status: in.Status, CreatedAt: now, UpdatedAt: now}
	if existing, err := e.Repo.GetProject(ctx, tx, in.ID); err == nil {
		p.CreatedAt = existing.CreatedAt
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Project{}, err
	}
	if err := e.Repo.UpsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, err
	}
	if err := e.emit(ctx, tx, events.ProjectUpserted, p.ID, "project", p.ID, actorID, events.EventPayload{"currency": p.Currency, "status": p.Status}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

type AssociateInput struct {
	ID               string
	Name             string
	Email            string
	Phone            string
	Skills           []string
	Status           domain.AssociateStatus
	Rating           float64
	PayoutCutPercent decimal.Decimal
}

// UpsertAssociate mirrors associate reference data, including the payout cut used for settlements.
func (e Engine) UpsertAssociate(ctx context.Context, in AssociateInput, actorID string) (domain.Associate, error) {
	if err := requireActor(actorID); err != nil {
		return domain.Associate{}, err
	}
	in.ID = strings.TrimSpace(in.ID)
	if in.ID == "" {
		return domain.Associate{}, validationf("associate id is required")
	}
	if strings.TrimSpace(in.Name) == "" {
		return domain.Associate{}, validationf("associate name is required")
	}
	if err := validateCut(in.PayoutCutPercent); err != nil {
		return domain.Associate{}, err
	}
	if in.Rating < 0 || in.Rating > 5 {
		return domain.Associate{}, validationf("rating must be between 0 and 5")
	}
	if in.Status == "" {
		in.Status = domain.AssociateActive
	}
	if !in.Status.Valid() {
		return domain.Associate{}, validationf("invalid associate status %q", in.Status)
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Associate{}, err
	}
	defer tx.Rollback()

	now := e.stamp()
	a := domain.Associate{
		ID:               in.ID,
		Name:             strings.TrimSpace(in.Name),
		Email:            strings.TrimSpace(in.Email),
		Phone:            strings.TrimSpace(in.Phone),
		Skills:           normalizeSkills(in.Skills),
		Status:           in.Status,
		Rating:           in.Rating,
		PayoutCutPercent: in.PayoutCutPercent,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if existing, err := e.Repo.GetAssociate(ctx, tx, in.ID); err == nil {
		a.CreatedAt = existing.CreatedAt
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Associate{}, err
	}
	if err := e.Repo.UpsertAssociate(ctx, tx, a); err != nil {
		return domain.Associate{}, err
	}
	if err := e.emit(ctx, tx, events.AssociateUpserted, "", "associate", a.ID, actorID, events.EventPayload{
		"status":             a.Status,
		"payout_cut_percent": a.PayoutCutPercent.String(),
	}); err != nil {
		return domain.Associate{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Associate{}, err
	}
	return a, nil
}

var hundred = decimal.NewFromInt(100)

func validateCut(pct decimal.Decimal) error {
	if pct.IsNegative() || pct.GreaterThan(hundred) {
		return validationf("payout cut %s%% must be between 0 and 100", pct.String())
	}
	return nil
}

// normalizeSkills lowercases, de-duplicates and sorts skill tags.
func normalizeSkills(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}
