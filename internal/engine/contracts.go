package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"freeflow/internal/domain"
	"freeflow/internal/events"
	"freeflow/internal/money"
	"freeflow/internal/repo"
)

// ExpiryPolicy decides whether a pending contract has gone stale.
type ExpiryPolicy interface {
	Stale(c domain.Contract, asOf time.Time) bool
}

// DefaultExpiry marks a pending contract stale once it has waited After since
// creation, or once its end date has passed.
type DefaultExpiry struct {
	After time.Duration
}

func (p DefaultExpiry) Stale(c domain.Contract, asOf time.Time) bool {
	if c.Status != domain.ContractPending {
		return false
	}
	if p.After > 0 {
		if created, err := time.Parse(time.RFC3339, c.CreatedAt); err == nil && !asOf.Before(created.Add(p.After)) {
			return true
		}
	}
	if c.EndDate != nil {
		if end, err := endOf(*c.EndDate); err == nil && !asOf.Before(end) {
			return true
		}
	}
	return false
}

// endOf returns the first instant after the given date, or the timestamp itself.
func endOf(v string) (time.Time, error) {
	if d, err := time.Parse("2006-01-02", v); err == nil {
		return d.Add(24 * time.Hour), nil
	}
	return time.Parse(time.RFC3339, v)
}

func (e Engine) expiry() ExpiryPolicy {
	if e.Expiry != nil {
		return e.Expiry
	}
	return DefaultExpiry{After: e.Config.Contracts.ExpireAfter}
}

type ContractInput struct {
	ProjectID        string
	AssociateID      string
	Role             string
	Responsibilities []string
	Deliverables     []string
	PaymentTerms     domain.PaymentTerms
	StartDate        string
	EndDate          string
}

// ContractPatch edits a pending contract. Nil fields are left unchanged.
type ContractPatch struct {
	Role             *string
	Responsibilities []string
	Deliverables     []string
	PaymentTerms     *domain.PaymentTerms
	StartDate        *string
	EndDate          *string
}

func (e Engine) validateContract(c *domain.Contract) error {
	c.Role = strings.TrimSpace(c.Role)
	if c.Role == "" {
		return validationf("role is required")
	}
	var err error
	if c.Responsibilities, err = cleanList("responsibilities", c.Responsibilities, true); err != nil {
		return err
	}
	if c.Deliverables, err = cleanList("deliverables", c.Deliverables, false); err != nil {
		return err
	}
	if err := e.validatePaymentTerms(&c.PaymentTerms); err != nil {
		return err
	}
	if strings.TrimSpace(c.StartDate) == "" {
		return validationf("start date is required")
	}
	start, err := parseDate("start date", c.StartDate)
	if err != nil {
		return err
	}
	if c.EndDate != nil {
		end, err := parseDate("end date", *c.EndDate)
		if err != nil {
			return err
		}
		if end.Before(start) {
			return validationf("end date %s is before start date %s", *c.EndDate, c.StartDate)
		}
	}
	return nil
}

func (e Engine) validatePaymentTerms(pt *domain.PaymentTerms) error {
	if !pt.Type.Valid() {
		return validationf("payment terms type %q must be hourly, fixed or milestone", pt.Type)
	}
	// Only hourly terms must name a currency; a fixed or milestone amount is
	// paid in the project's currency when none is given.
	pt.Currency = money.Normalize(pt.Currency)
	if pt.Currency == "" && pt.Type == domain.PaymentHourly {
		return validationf("hourly payment terms require a currency")
	}
	if pt.Currency != "" {
		if _, ok := e.Config.Units().Places(pt.Currency); !ok {
			return validationf("unknown currency %q", pt.Currency)
		}
	}
	if pt.Rate.Valid && !pt.Rate.Decimal.IsPositive() {
		return validationf("payment rate must be positive")
	}
	if pt.Amount.Valid && !pt.Amount.Decimal.IsPositive() {
		return validationf("payment amount must be positive")
	}
	switch pt.Type {
	case domain.PaymentHourly:
		if !pt.Rate.Valid {
			return validationf("hourly payment terms require a rate")
		}
	case domain.PaymentFixed:
		if !pt.Amount.Valid {
			return validationf("fixed payment terms require an amount")
		}
	}
	pt.Schedule = strings.TrimSpace(pt.Schedule)
	return nil
}

// CreateContract offers a pending contract to an associate on a project.
func (e Engine) CreateContract(ctx context.Context, in ContractInput, actorID string) (domain.Contract, error) {
	if err := requireActor(actorID); err != nil {
		return domain.Contract{}, err
	}
	now := e.stamp()
	c := domain.Contract{
		ID:               newID(),
		ProjectID:        strings.TrimSpace(in.ProjectID),
		AssociateID:      strings.TrimSpace(in.AssociateID),
		Role:             in.Role,
		Responsibilities: in.Responsibilities,
		Deliverables:     in.Deliverables,
		PaymentTerms:     in.PaymentTerms,
		StartDate:        strings.TrimSpace(in.StartDate),
		EndDate:          optionalString(in.EndDate),
		Status:           domain.ContractPending,
		CreatedBy:        actorID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if c.ProjectID == "" {
		return domain.Contract{}, validationf("project is required")
	}
	if c.AssociateID == "" {
		return domain.Contract{}, validationf("associate is required")
	}
	if err := e.validateContract(&c); err != nil {
		return domain.Contract{}, err
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Contract{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetProject(ctx, tx, c.ProjectID); err != nil {
		return domain.Contract{}, lookup(err, "project", c.ProjectID)
	}
	if _, err := e.Repo.GetAssociate(ctx, tx, c.AssociateID); err != nil {
		return domain.Contract{}, lookup(err, "associate", c.AssociateID)
	}
	if err := e.Repo.InsertContract(ctx, tx, c); err != nil {
		return domain.Contract{}, err
	}
	if err := e.emit(ctx, tx, events.ContractCreated, c.ProjectID, "contract", c.ID, actorID, events.EventPayload{
		"associate_id": c.AssociateID,
		"role":         c.Role,
		"status":       c.Status,
	}); err != nil {
		return domain.Contract{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Contract{}, err
	}
	return c, nil
}

// UpdateContract edits the terms of a contract that has not been answered yet.
func (e Engine) UpdateContract(ctx context.Context, id string, p ContractPatch, actorID string) (domain.Contract, error) {
	if err := requireActor(actorID); err != nil {
		return domain.Contract{}, err
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Contract{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetContract(ctx, tx, id)
	if err != nil {
		return domain.Contract{}, lookup(err, "contract", id)
	}
	if c.Status != domain.ContractPending {
		return domain.Contract{}, invalidStatef("contract %s is %s; only pending contracts can be edited", id, c.Status)
	}
	var changed []string
	if p.Role != nil {
		c.Role = *p.Role
		changed = append(changed, "role")
	}
	if p.Responsibilities != nil {
		c.Responsibilities = p.Responsibilities
		changed = append(changed, "responsibilities")
	}
	if p.Deliverables != nil {
		c.Deliverables = p.Deliverables
		changed = append(changed, "deliverables")
	}
	if p.PaymentTerms != nil {
		c.PaymentTerms = *p.PaymentTerms
		changed = append(changed, "payment_terms")
	}
	if p.StartDate != nil {
		c.StartDate = strings.TrimSpace(*p.StartDate)
		changed = append(changed, "start_date")
	}
	if p.EndDate != nil {
		c.EndDate = optionalString(*p.EndDate)
		changed = append(changed, "end_date")
	}
	if len(changed) == 0 {
		return c, nil
	}
	if err := e.validateContract(&c); err != nil {
		return domain.Contract{}, err
	}
	c.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateContractTerms(ctx, tx, c); err != nil {
		return domain.Contract{}, stale(err, "contract", id)
	}
	if err := e.emit(ctx, tx, events.ContractUpdated, c.ProjectID, "contract", c.ID, actorID, events.EventPayload{"fields": changed}); err != nil {
		return domain.Contract{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Contract{}, err
	}
	return c, nil
}

// RespondToContract records the associate's answer to a pending contract.
// Accepting unlocks task invitations under it.
func (e Engine) RespondToContract(ctx context.Context, id string, decision domain.Decision, actorID string) (domain.Contract, error) {
	if err := requireActor(actorID); err != nil {
		return domain.Contract{}, err
	}
	if !decision.Valid() {
		return domain.Contract{}, validationf("decision %q must be accept or decline", decision)
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Contract{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetContract(ctx, tx, id)
	if err != nil {
		return domain.Contract{}, lookup(err, "contract", id)
	}
	to := domain.ContractDeclined
	evt := events.ContractDeclined
	if decision == domain.DecisionAccept {
		to = domain.ContractAccepted
		evt = events.ContractAccepted
	}
	if !c.Status.CanTransition(to) {
		return domain.Contract{}, invalidStatef("contract %s is %s and can no longer be answered", id, c.Status)
	}
	now := e.stamp()
	if err := e.Repo.SetContractStatus(ctx, tx, id, c.Status, to, now); err != nil {
		return domain.Contract{}, stale(err, "contract", id)
	}
	c.Status = to
	c.UpdatedAt = now
	if to == domain.ContractAccepted {
		c.AcceptedAt = &now
	} else {
		c.DeclinedAt = &now
	}
	if err := e.emit(ctx, tx, evt, c.ProjectID, "contract", c.ID, actorID, events.EventPayload{
		"associate_id": c.AssociateID,
		"created_by":   c.CreatedBy,
	}); err != nil {
		return domain.Contract{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Contract{}, err
	}
	return c, nil
}

// ExpireContract moves a stale pending contract to expired. Expiring an
// already expired contract is a no-op.
func (e Engine) ExpireContract(ctx context.Context, id string, asOf time.Time, actorID string) (domain.Contract, error) {
	if err := requireActor(actorID); err != nil {
		return domain.Contract{}, err
	}
	if asOf.IsZero() {
		asOf = e.now()
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Contract{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetContract(ctx, tx, id)
	if err != nil {
		return domain.Contract{}, lookup(err, "contract", id)
	}
	switch c.Status {
	case domain.ContractExpired:
		return c, nil
	case domain.ContractPending:
	default:
		return domain.Contract{}, invalidStatef("contract %s is %s and cannot expire", id, c.Status)
	}
	if !e.expiry().Stale(c, asOf) {
		return domain.Contract{}, preconditionf("contract %s is not stale as of %s", id, asOf.UTC().Format(time.RFC3339))
	}
	ts := asOf.UTC().Format(time.RFC3339)
	if err := e.Repo.SetContractStatus(ctx, tx, id, domain.ContractPending, domain.ContractExpired, ts); err != nil {
		return domain.Contract{}, stale(err, "contract", id)
	}
	c.Status = domain.ContractExpired
	c.ExpiredAt = &ts
	c.UpdatedAt = ts
	if err := e.emit(ctx, tx, events.ContractExpired, c.ProjectID, "contract", c.ID, actorID, events.EventPayload{"as_of": ts}); err != nil {
		return domain.Contract{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Contract{}, err
	}
	return c, nil
}

// ExpireStaleContracts sweeps every pending contract the expiry policy deems
// stale and returns the IDs it expired. Contracts answered while the sweep ran are skipped.
func (e Engine) ExpireStaleContracts(ctx context.Context, asOf time.Time, actorID string) ([]string, error) {
	if err := requireActor(actorID); err != nil {
		return nil, err
	}
	if asOf.IsZero() {
		asOf = e.now()
	}
	pending, err := e.Repo.ListContracts(ctx, nil, repo.ContractFilters{Status: domain.ContractPending})
	if err != nil {
		return nil, err
	}
	var expired []string
	for _, c := range pending {
		if !e.expiry().Stale(c, asOf) {
			continue
		}
		if _, err := e.ExpireContract(ctx, c.ID, asOf, actorID); err != nil {
			if errors.Is(err, ErrInvalidState) || errors.Is(err, ErrPrecondition) {
				continue
			}
			return expired, err
		}
		expired = append(expired, c.ID)
	}
	return expired, nil
}
