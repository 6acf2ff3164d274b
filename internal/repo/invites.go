package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"freeflow/internal/domain"
)

const inviteColumns = `id,contract_id,task_id,project_id,associate_id,role,priority,estimated_hours,deadline,status,
created_by,created_at,updated_at,accepted_at,declined_at`

func scanInvite(row rowScanner) (domain.TaskInvite, error) {
	var (
		inv                domain.TaskInvite
		hours              sql.NullFloat64
		deadline           sql.NullString
		accepted, declined sql.NullString
	)
	err := row.Scan(&inv.ID, &inv.ContractID, &inv.TaskID, &inv.ProjectID, &inv.AssociateID, &inv.Role, &inv.Priority, &hours, &deadline,
		&inv.Status, &inv.CreatedBy, &inv.CreatedAt, &inv.UpdatedAt, &accepted, &declined)
	if err != nil {
		return inv, translate(err)
	}
	if hours.Valid {
		h := hours.Float64
		inv.EstimatedHours = &h
	}
	inv.Deadline = stringPtr(deadline)
	inv.AcceptedAt = stringPtr(accepted)
	inv.DeclinedAt = stringPtr(declined)
	return inv, nil
}

func (r Repo) InsertInvite(ctx context.Context, tx *sql.Tx, inv domain.TaskInvite) error {
	var hours any
	if inv.EstimatedHours != nil {
		hours = *inv.EstimatedHours
	}
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO task_invites(`+inviteColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		inv.ID, inv.ContractID, inv.TaskID, inv.ProjectID, inv.AssociateID, inv.Role, inv.Priority, hours, nullableStringPtr(inv.Deadline),
		inv.Status, inv.CreatedBy, inv.CreatedAt, inv.UpdatedAt, nullableStringPtr(inv.AcceptedAt), nullableStringPtr(inv.DeclinedAt))
	return translate(err)
}

func (r Repo) GetInvite(ctx context.Context, tx *sql.Tx, id string) (domain.TaskInvite, error) {
	return scanInvite(r.conn(tx).QueryRowContext(ctx, `SELECT `+inviteColumns+` FROM task_invites WHERE id=?`, id))
}

// FindOpenInvite returns the pending or accepted invite for a contract and task.
func (r Repo) FindOpenInvite(ctx context.Context, tx *sql.Tx, contractID, taskID string) (domain.TaskInvite, error) {
	return scanInvite(r.conn(tx).QueryRowContext(ctx, `SELECT `+inviteColumns+` FROM task_invites
WHERE contract_id=? AND task_id=? AND status<>? ORDER BY created_at DESC LIMIT 1`, contractID, taskID, domain.InviteDeclined))
}

func (r Repo) SetInviteStatus(ctx context.Context, tx *sql.Tx, id string, from, to domain.InviteStatus, ts string) error {
	var column string
	switch to {
	case domain.InviteAccepted:
		column = "accepted_at"
	case domain.InviteDeclined:
		column = "declined_at"
	default:
		return fmt.Errorf("no timestamp column for invite status %s", to)
	}
	return guarded(r.conn(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE task_invites SET status=?, %s=?, updated_at=? WHERE id=? AND status=?`, column),
		to, ts, ts, id, from))
}

type InviteFilters struct {
	ProjectID   string
	ContractID  string
	TaskID      string
	AssociateID string
	Status      domain.InviteStatus
}

func (r Repo) ListInvites(ctx context.Context, tx *sql.Tx, f InviteFilters) ([]domain.TaskInvite, error) {
	var (
		clauses []string
		args    []any
	)
	add := func(col, v string) {
		if v != "" {
			clauses = append(clauses, col+"=?")
			args = append(args, v)
		}
	}
	add("project_id", f.ProjectID)
	add("contract_id", f.ContractID)
	add("task_id", f.TaskID)
	add("associate_id", f.AssociateID)
	add("status", string(f.Status))
	query := `SELECT ` + inviteColumns + ` FROM task_invites`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY project_id, created_at, id"
	rows, err := r.conn(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskInvite
	for rows.Next() {
		inv, err := scanInvite(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, inv)
	}
	return res, rows.Err()
}
