package repo

import (
	"context"
	"database/sql"
	"strings"

	"freeflow/internal/domain"
)

const settlementColumns = `id,associate_id,project_id,task_id,expected_amount,currency,percentage_cut,task_value,status,
COALESCE(method,''),COALESCE(transaction_ref,''),COALESCE(payout_destination,''),COALESCE(rail_ref,''),COALESCE(failure_reason,''),COALESCE(notes,''),
supersedes_id,created_by,created_at,updated_at,processing_at,settled_at,failed_at`

func scanSettlement(row rowScanner) (domain.Settlement, error) {
	var (
		s                           domain.Settlement
		supersedes                  sql.NullString
		processing, settled, failed sql.NullString
	)
	err := row.Scan(&s.ID, &s.AssociateID, &s.ProjectID, &s.TaskID, &s.ExpectedAmount, &s.Currency, &s.PercentageCut, &s.TaskValue, &s.Status,
		&s.Method, &s.TransactionRef, &s.PayoutDestination, &s.RailRef, &s.FailureReason, &s.Notes,
		&supersedes, &s.CreatedBy, &s.CreatedAt, &s.UpdatedAt, &processing, &settled, &failed)
	if err != nil {
		return s, translate(err)
	}
	s.SupersedesID = stringPtr(supersedes)
	s.ProcessingAt = stringPtr(processing)
	s.SettledAt = stringPtr(settled)
	s.FailedAt = stringPtr(failed)
	return s, nil
}

// InsertSettlement returns ErrDuplicate when an original settlement already
// exists for the task and associate, or when the superseded record was already retried.
func (r Repo) InsertSettlement(ctx context.Context, tx *sql.Tx, s domain.Settlement) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO settlements(id,associate_id,project_id,task_id,expected_amount,currency,percentage_cut,task_value,status,
method,transaction_ref,payout_destination,rail_ref,failure_reason,notes,supersedes_id,created_by,created_at,updated_at,processing_at,settled_at,failed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.AssociateID, s.ProjectID, s.TaskID, s.ExpectedAmount.String(), s.Currency, s.PercentageCut.String(), s.TaskValue.String(), s.Status,
		nullable(string(s.Method)), nullable(s.TransactionRef), nullable(s.PayoutDestination), nullable(s.RailRef), nullable(s.FailureReason), nullable(s.Notes),
		nullableStringPtr(s.SupersedesID), s.CreatedBy, s.CreatedAt, s.UpdatedAt,
		nullableStringPtr(s.ProcessingAt), nullableStringPtr(s.SettledAt), nullableStringPtr(s.FailedAt))
	return translate(err)
}

func (r Repo) GetSettlement(ctx context.Context, tx *sql.Tx, id string) (domain.Settlement, error) {
	return scanSettlement(r.conn(tx).QueryRowContext(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE id=?`, id))
}

// FindOriginalSettlement returns the first settlement created for a task and associate.
func (r Repo) FindOriginalSettlement(ctx context.Context, tx *sql.Tx, taskID, associateID string) (domain.Settlement, error) {
	return scanSettlement(r.conn(tx).QueryRowContext(ctx, `SELECT `+settlementColumns+` FROM settlements
WHERE task_id=? AND associate_id=? AND supersedes_id IS NULL`, taskID, associateID))
}

// FindSuperseding returns the retry record created for a failed settlement.
func (r Repo) FindSuperseding(ctx context.Context, tx *sql.Tx, id string) (domain.Settlement, error) {
	return scanSettlement(r.conn(tx).QueryRowContext(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE supersedes_id=?`, id))
}

// MarkProcessing moves a pending settlement to processing for an automatic transfer.
func (r Repo) MarkProcessing(ctx context.Context, tx *sql.Tx, id string, method domain.SettlementMethod, destination, ts string) error {
	return guarded(r.conn(tx).ExecContext(ctx, `UPDATE settlements SET status=?, method=?, payout_destination=?, processing_at=?, updated_at=?
WHERE id=? AND status=?`, domain.SettlementProcessing, method, destination, ts, ts, id, domain.SettlementPending))
}

// SettlementPayment carries the fields written when a settlement completes.
type SettlementPayment struct {
	Method         domain.SettlementMethod
	TransactionRef string
	RailRef        string
	Notes          string
	SettledAt      string
}

func (r Repo) MarkCompleted(ctx context.Context, tx *sql.Tx, id string, from domain.SettlementStatus, p SettlementPayment, ts string) error {
	return guarded(r.conn(tx).ExecContext(ctx, `UPDATE settlements SET status=?, method=COALESCE(?, method), transaction_ref=COALESCE(?, transaction_ref),
rail_ref=COALESCE(?, rail_ref), notes=COALESCE(?, notes), settled_at=?, updated_at=? WHERE id=? AND status=?`,
		domain.SettlementCompleted, nullable(string(p.Method)), nullable(p.TransactionRef), nullable(p.RailRef), nullable(p.Notes), p.SettledAt, ts, id, from))
}

func (r Repo) MarkFailed(ctx context.Context, tx *sql.Tx, id, reason, railRef, ts string) error {
	return guarded(r.conn(tx).ExecContext(ctx, `UPDATE settlements SET status=?, failure_reason=?, rail_ref=COALESCE(?, rail_ref), failed_at=?, updated_at=?
WHERE id=? AND status=?`, domain.SettlementFailed, reason, nullable(railRef), ts, ts, id, domain.SettlementProcessing))
}

type SettlementFilters struct {
	ProjectID   string
	AssociateID string
	TaskID      string
	Statuses    []domain.SettlementStatus
	// ProcessingBefore selects processing settlements that entered processing before this timestamp.
	ProcessingBefore string
}

func (r Repo) ListSettlements(ctx context.Context, tx *sql.Tx, f SettlementFilters) ([]domain.Settlement, error) {
	var (
		clauses []string
		args    []any
	)
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.AssociateID != "" {
		clauses = append(clauses, "associate_id=?")
		args = append(args, f.AssociateID)
	}
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if len(f.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	}
	if f.ProcessingBefore != "" {
		clauses = append(clauses, "status=? AND processing_at < ?")
		args = append(args, domain.SettlementProcessing, f.ProcessingBefore)
	}
	query := `SELECT ` + settlementColumns + ` FROM settlements`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY associate_id, project_id, created_at, id"
	rows, err := r.conn(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
