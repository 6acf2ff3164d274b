package engine

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"freeflow/internal/domain"
	"freeflow/internal/events"
	"freeflow/internal/money"
	"freeflow/internal/payout"
	"freeflow/internal/repo"
)

// RailActor is recorded as the actor of events caused by payout rail results.
const RailActor = "payout-rail"

// OnTaskCompleted creates the settlement owed for a completed task. It returns
// the existing settlement when one was already created and nil when the task
// has no assignee. created reports whether this call inserted the record.
func (e Engine) OnTaskCompleted(ctx context.Context, taskID, actorID string) (*domain.Settlement, bool, error) {
	if err := requireActor(actorID); err != nil {
		return nil, false, err
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	task, err := e.Repo.GetTask(ctx, tx, taskID)
	if err != nil {
		return nil, false, lookup(err, "task", taskID)
	}
	s, created, err := e.settleTx(ctx, tx, task, actorID)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return s, created, nil
}

func (e Engine) settleTx(ctx context.Context, tx *sql.Tx, task domain.Task, actorID string) (*domain.Settlement, bool, error) {
	if task.Status != domain.TaskCompleted {
		return nil, false, invalidStatef("task %s is %s, not completed", task.ID, task.Status)
	}
	if task.AssignedTo == nil {
		return nil, false, nil
	}
	associateID := *task.AssignedTo
	if existing, err := e.Repo.FindOriginalSettlement(ctx, tx, task.ID, associateID); err == nil {
		return &existing, false, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, false, err
	}
	project, err := e.Repo.GetProject(ctx, tx, task.ProjectID)
	if err != nil {
		return nil, false, lookup(err, "project", task.ProjectID)
	}
	associate, err := e.Repo.GetAssociate(ctx, tx, associateID)
	if err != nil {
		return nil, false, lookup(err, "associate", associateID)
	}
	s, err := e.computeSettlement(task, project, associate, actorID)
	if err != nil {
		return nil, false, err
	}
	if err := e.Repo.InsertSettlement(ctx, tx, s); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			if existing, ferr := e.Repo.FindOriginalSettlement(ctx, tx, task.ID, associateID); ferr == nil {
				return &existing, false, nil
			}
		}
		return nil, false, err
	}
	if err := e.emit(ctx, tx, events.SettlementCreated, s.ProjectID, "settlement", s.ID, actorID, events.EventPayload{
		"task_id":         s.TaskID,
		"associate_id":    s.AssociateID,
		"expected_amount": s.ExpectedAmount.String(),
		"currency":        s.Currency,
	}); err != nil {
		return nil, false, err
	}
	return &s, true, nil
}

func (e Engine) computeSettlement(task domain.Task, project domain.Project, associate domain.Associate, actorID string) (domain.Settlement, error) {
	if !task.TaskValue.Valid {
		return domain.Settlement{}, validationf("task %s has no value", task.ID)
	}
	value := task.TaskValue.Decimal
	if value.IsNegative() {
		return domain.Settlement{}, validationf("task %s has a negative value", task.ID)
	}
	if err := validateCut(associate.PayoutCutPercent); err != nil {
		return domain.Settlement{}, err
	}
	places, ok := e.Config.Units().Places(project.Currency)
	if !ok {
		return domain.Settlement{}, validationf("project %s uses unknown currency %q", project.ID, project.Currency)
	}
	now := e.stamp()
	return domain.Settlement{
		ID:             newID(),
		AssociateID:    associate.ID,
		ProjectID:      project.ID,
		TaskID:         task.ID,
		ExpectedAmount: money.Cut(value, associate.PayoutCutPercent, places),
		Currency:       money.Normalize(project.Currency),
		PercentageCut:  associate.PayoutCutPercent,
		TaskValue:      value,
		Status:         domain.SettlementPending,
		CreatedBy:      actorID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

type ManualSettlement struct {
	Method         domain.SettlementMethod
	TransactionRef string
	// SettledAt defaults to now and may not lie in the future.
	SettledAt time.Time
	Notes     string
}

// RecordManualSettlement marks a pending or processing settlement as paid outside the payout rail.
func (e Engine) RecordManualSettlement(ctx context.Context, id string, in ManualSettlement, actorID string) (domain.Settlement, error) {
	if err := requireActor(actorID); err != nil {
		return domain.Settlement{}, err
	}
	if in.Method == "" {
		in.Method = domain.MethodManual
	}
	if !in.Method.Valid() {
		return domain.Settlement{}, validationf("unknown settlement method %q", in.Method)
	}
	now := e.now()
	settledAt := in.SettledAt
	if settledAt.IsZero() {
		settledAt = now
	}
	if settledAt.After(now) {
		return domain.Settlement{}, validationf("settled at %s is in the future", settledAt.UTC().Format(time.RFC3339))
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Settlement{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetSettlement(ctx, tx, id)
	if err != nil {
		return domain.Settlement{}, lookup(err, "settlement", id)
	}
	if !s.Status.CanTransition(domain.SettlementCompleted) {
		return domain.Settlement{}, invalidStatef("settlement %s is %s", id, s.Status)
	}
	payment := repo.SettlementPayment{
		Method:         in.Method,
		TransactionRef: strings.TrimSpace(in.TransactionRef),
		Notes:          strings.TrimSpace(in.Notes),
		SettledAt:      settledAt.UTC().Format(time.RFC3339),
	}
	if err := e.Repo.MarkCompleted(ctx, tx, id, s.Status, payment, now.Format(time.RFC3339)); err != nil {
		return domain.Settlement{}, stale(err, "settlement", id)
	}
	if err := e.emit(ctx, tx, events.SettlementCompleted, s.ProjectID, "settlement", s.ID, actorID, events.EventPayload{
		"from":            s.Status,
		"method":          in.Method,
		"transaction_ref": payment.TransactionRef,
		"amount":          s.ExpectedAmount.String(),
		"currency":        s.Currency,
	}); err != nil {
		return domain.Settlement{}, err
	}
	if s, err = e.Repo.GetSettlement(ctx, tx, id); err != nil {
		return domain.Settlement{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Settlement{}, err
	}
	return s, nil
}

type TransferRequest struct {
	Destination string
	// Method defaults to mobile-money and must be one a rail can execute.
	Method domain.SettlementMethod
}

// InitiateAutomaticTransfer moves a pending settlement to processing and
// hands the transfer to the payout queue once that state is committed. The
// rail's answer arrives later through ApplyTransferResult.
func (e Engine) InitiateAutomaticTransfer(ctx context.Context, id string, in TransferRequest, actorID string) (domain.Settlement, error) {
	if err := requireActor(actorID); err != nil {
		return domain.Settlement{}, err
	}
	if e.Payouts == nil {
		return domain.Settlement{}, preconditionf("no payout rail is configured")
	}
	if in.Method == "" {
		in.Method = domain.MethodMobileMoney
	}
	if !in.Method.Automatic() {
		return domain.Settlement{}, validationf("method %q cannot be sent through the payout rail", in.Method)
	}
	destination := strings.TrimSpace(in.Destination)
	if destination == "" {
		return domain.Settlement{}, validationf("payout destination is required")
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Settlement{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetSettlement(ctx, tx, id)
	if err != nil {
		return domain.Settlement{}, lookup(err, "settlement", id)
	}
	if s.Status != domain.SettlementPending {
		return domain.Settlement{}, invalidStatef("settlement %s is %s; only pending settlements can be transferred", id, s.Status)
	}
	if err := e.Repo.MarkProcessing(ctx, tx, id, in.Method, destination, e.stamp()); err != nil {
		return domain.Settlement{}, stale(err, "settlement", id)
	}
	if err := e.emit(ctx, tx, events.SettlementProcessing, s.ProjectID, "settlement", s.ID, actorID, events.EventPayload{
		"method":      in.Method,
		"destination": destination,
		"amount":      s.ExpectedAmount.String(),
		"currency":    s.Currency,
	}); err != nil {
		return domain.Settlement{}, err
	}
	if s, err = e.Repo.GetSettlement(ctx, tx, id); err != nil {
		return domain.Settlement{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Settlement{}, err
	}
	t := payout.Transfer{
		SettlementID: s.ID,
		Amount:       s.ExpectedAmount,
		Currency:     s.Currency,
		Destination:  destination,
		Method:       in.Method,
	}
	if err := e.Payouts.Enqueue(t); err != nil {
		// The settlement stays processing; the callback timeout sweep fails it.
		e.logger().Warn("payout enqueue failed", "settlement", s.ID, "err", err)
	}
	return s, nil
}

// ApplyTransferResult records the payout rail's outcome for a processing
// settlement. Duplicate deliveries of the same outcome are no-ops and a
// completed settlement is never overwritten.
func (e Engine) ApplyTransferResult(ctx context.Context, res payout.Result) (domain.Settlement, error) {
	if strings.TrimSpace(res.SettlementID) == "" {
		return domain.Settlement{}, validationf("settlement id is required")
	}
	if !res.Status.Valid() {
		return domain.Settlement{}, validationf("transfer status %q must be completed or failed", res.Status)
	}
	if e.results == nil {
		return e.applyTransferResult(ctx, res)
	}
	v, err, _ := e.results.Do(res.SettlementID+"|"+string(res.Status), func() (any, error) {
		return e.applyTransferResult(ctx, res)
	})
	if err != nil {
		return domain.Settlement{}, err
	}
	return v.(domain.Settlement), nil
}

func (e Engine) applyTransferResult(ctx context.Context, res payout.Result) (domain.Settlement, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Settlement{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetSettlement(ctx, tx, res.SettlementID)
	if err != nil {
		return domain.Settlement{}, lookup(err, "settlement", res.SettlementID)
	}
	switch s.Status {
	case domain.SettlementProcessing:
	case domain.SettlementCompleted:
		if res.Status == payout.StatusCompleted {
			return s, nil
		}
		return domain.Settlement{}, invalidStatef("settlement %s is already completed", s.ID)
	case domain.SettlementFailed:
		if res.Status == payout.StatusFailed {
			return s, nil
		}
		return domain.Settlement{}, invalidStatef("settlement %s already failed; reconcile the late success manually", s.ID)
	default:
		return domain.Settlement{}, invalidStatef("settlement %s is %s; no transfer is in flight", s.ID, s.Status)
	}
	now := e.stamp()
	payload := events.EventPayload{"rail_ref": res.RailRef}
	evt := events.SettlementCompleted
	if res.Status == payout.StatusCompleted {
		err = e.Repo.MarkCompleted(ctx, tx, s.ID, s.Status, repo.SettlementPayment{RailRef: res.RailRef, SettledAt: now}, now)
		payload["amount"] = s.ExpectedAmount.String()
		payload["currency"] = s.Currency
	} else {
		reason := strings.TrimSpace(res.Reason)
		if reason == "" {
			reason = "transfer failed"
		}
		err = e.Repo.MarkFailed(ctx, tx, s.ID, reason, res.RailRef, now)
		payload["reason"] = reason
		evt = events.SettlementFailed
	}
	if err != nil {
		return domain.Settlement{}, stale(err, "settlement", s.ID)
	}
	if err := e.emit(ctx, tx, evt, s.ProjectID, "settlement", s.ID, RailActor, payload); err != nil {
		return domain.Settlement{}, err
	}
	if s, err = e.Repo.GetSettlement(ctx, tx, s.ID); err != nil {
		return domain.Settlement{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Settlement{}, err
	}
	return s, nil
}

// ExpireStaleTransfers fails processing settlements whose rail result has not
// arrived within the configured callback timeout. It returns the ids it failed.
func (e Engine) ExpireStaleTransfers(ctx context.Context, asOf time.Time) ([]string, error) {
	timeout := e.Config.Payout.CallbackTimeout
	if timeout <= 0 {
		return nil, nil
	}
	cutoff := asOf.UTC().Add(-timeout).Format(time.RFC3339)
	stuck, err := e.Repo.ListSettlements(ctx, nil, repo.SettlementFilters{ProcessingBefore: cutoff})
	if err != nil {
		return nil, err
	}
	var failed []string
	for _, s := range stuck {
		_, err := e.ApplyTransferResult(ctx, payout.Result{
			SettlementID: s.ID,
			Status:       payout.StatusFailed,
			Reason:       "timeout: no result from payout rail",
		})
		if errors.Is(err, ErrInvalidState) {
			continue
		}
		if err != nil {
			return failed, err
		}
		failed = append(failed, s.ID)
	}
	return failed, nil
}

// RetrySettlement opens a new pending settlement that supersedes a failed one.
// A failed settlement can be retried once; the retry is returned in the ConflictError otherwise.
func (e Engine) RetrySettlement(ctx context.Context, failedID, actorID string) (domain.Settlement, error) {
	if err := requireActor(actorID); err != nil {
		return domain.Settlement{}, err
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Settlement{}, err
	}
	defer tx.Rollback()

	src, err := e.Repo.GetSettlement(ctx, tx, failedID)
	if err != nil {
		return domain.Settlement{}, lookup(err, "settlement", failedID)
	}
	if src.Status != domain.SettlementFailed {
		return domain.Settlement{}, invalidStatef("settlement %s is %s; only failed settlements can be retried", src.ID, src.Status)
	}
	if existing, err := e.Repo.FindSuperseding(ctx, tx, src.ID); err == nil {
		return domain.Settlement{}, conflictf(existing, "settlement %s was already retried as %s", src.ID, existing.ID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Settlement{}, err
	}
	now := e.stamp()
	supersedes := src.ID
	s := domain.Settlement{
		ID:             newID(),
		AssociateID:    src.AssociateID,
		ProjectID:      src.ProjectID,
		TaskID:         src.TaskID,
		ExpectedAmount: src.ExpectedAmount,
		Currency:       src.Currency,
		PercentageCut:  src.PercentageCut,
		TaskValue:      src.TaskValue,
		Status:         domain.SettlementPending,
		SupersedesID:   &supersedes,
		CreatedBy:      actorID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.Repo.InsertSettlement(ctx, tx, s); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			if existing, ferr := e.Repo.FindSuperseding(ctx, tx, src.ID); ferr == nil {
				return domain.Settlement{}, conflictf(existing, "settlement %s was already retried as %s", src.ID, existing.ID)
			}
		}
		return domain.Settlement{}, err
	}
	if err := e.emit(ctx, tx, events.SettlementRetried, s.ProjectID, "settlement", s.ID, actorID, events.EventPayload{
		"supersedes_id":   src.ID,
		"expected_amount": s.ExpectedAmount.String(),
		"currency":        s.Currency,
	}); err != nil {
		return domain.Settlement{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Settlement{}, err
	}
	return s, nil
}

type GroupBy string

const (
	GroupByAssociate GroupBy = "associate"
	GroupByProject   GroupBy = "project"
)

// Balance is the outstanding amount for one key in one currency.
type Balance struct {
	Key         string          `json:"key"`
	Currency    string          `json:"currency"`
	Amount      decimal.Decimal `json:"amount"`
	Settlements int             `json:"settlements"`
}

// AggregateOutstanding sums pending and processing settlements per key and
// currency. Requested keys without outstanding settlements report zero in the
// default currency.
func (e Engine) AggregateOutstanding(ctx context.Context, groupBy GroupBy, keys []string) ([]Balance, error) {
	if groupBy != GroupByAssociate && groupBy != GroupByProject {
		return nil, validationf("group by %q must be associate or project", groupBy)
	}
	keys, err := cleanList("keys", keys, false)
	if err != nil {
		return nil, err
	}
	f := repo.SettlementFilters{Statuses: []domain.SettlementStatus{domain.SettlementPending, domain.SettlementProcessing}}
	if len(keys) == 1 {
		if groupBy == GroupByAssociate {
			f.AssociateID = keys[0]
		} else {
			f.ProjectID = keys[0]
		}
	}
	rows, err := e.Repo.ListSettlements(ctx, nil, f)
	if err != nil {
		return nil, err
	}
	wanted := map[string]bool{}
	for _, k := range keys {
		wanted[k] = true
	}
	totals := map[string]money.Totals{}
	counts := map[string]map[string]int{}
	for _, s := range rows {
		key := s.AssociateID
		if groupBy == GroupByProject {
			key = s.ProjectID
		}
		if len(wanted) > 0 && !wanted[key] {
			continue
		}
		if totals[key] == nil {
			totals[key] = money.Totals{}
			counts[key] = map[string]int{}
		}
		totals[key].Add(s.Currency, s.ExpectedAmount)
		counts[key][money.Normalize(s.Currency)]++
	}
	for _, k := range keys {
		if totals[k] == nil {
			totals[k] = money.Totals{e.Config.DefaultCurrency(): decimal.Zero}
			counts[k] = map[string]int{}
		}
	}
	out := make([]Balance, 0, len(totals))
	for key, t := range totals {
		for _, cur := range t.Currencies() {
			out = append(out, Balance{Key: key, Currency: cur, Amount: t[cur], Settlements: counts[key][cur]})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].Currency < out[j].Currency
	})
	return out, nil
}
