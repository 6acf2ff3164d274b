package repo

import (
	"context"
	"database/sql"
	"strings"

	"freeflow/internal/domain"
)

const taskColumns = `id,project_id,title,COALESCE(description,''),status,priority,estimated_hours,actual_hours,due_date,
assigned_to,assigned_invite_id,task_value,created_at,updated_at,completed_at`

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		t                    domain.Task
		due, assignee, invID sql.NullString
		completed            sql.NullString
	)
	err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Status, &t.Priority, &t.EstimatedHours, &t.ActualHours, &due,
		&assignee, &invID, &t.TaskValue, &t.CreatedAt, &t.UpdatedAt, &completed)
	if err != nil {
		return t, translate(err)
	}
	t.DueDate = stringPtr(due)
	t.AssignedTo = stringPtr(assignee)
	t.AssignedInviteID = stringPtr(invID)
	t.CompletedAt = stringPtr(completed)
	return t, nil
}

func taskValueArg(t domain.Task) any {
	if !t.TaskValue.Valid {
		return nil
	}
	return t.TaskValue.Decimal.String()
}

// InsertTask stores a new task projection.
func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO tasks(id,project_id,title,description,status,priority,estimated_hours,actual_hours,due_date,
assigned_to,assigned_invite_id,task_value,created_at,updated_at,completed_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.Title, nullable(t.Description), t.Status, t.Priority, t.EstimatedHours, t.ActualHours, nullableStringPtr(t.DueDate),
		nullableStringPtr(t.AssignedTo), nullableStringPtr(t.AssignedInviteID), taskValueArg(t), t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.CompletedAt))
	return translate(err)
}

// UpdateTaskDetails refreshes the externally owned fields. Status and assignment are left alone.
func (r Repo) UpdateTaskDetails(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE tasks SET title=?, description=?, priority=?, estimated_hours=?, actual_hours=?, due_date=?,
task_value=?, updated_at=? WHERE id=?`,
		t.Title, nullable(t.Description), t.Priority, t.EstimatedHours, t.ActualHours, nullableStringPtr(t.DueDate), taskValueArg(t), t.UpdatedAt, t.ID)
	if err != nil {
		return translate(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(r.conn(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// SetTaskAssignment binds or clears (nil associate) the task's assignee.
func (r Repo) SetTaskAssignment(ctx context.Context, tx *sql.Tx, id string, associateID, inviteID *string, ts string) error {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE tasks SET assigned_to=?, assigned_invite_id=?, updated_at=? WHERE id=?`,
		nullableStringPtr(associateID), nullableStringPtr(inviteID), ts, id)
	if err != nil {
		return translate(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetTaskStatus(ctx context.Context, tx *sql.Tx, id string, from, to domain.TaskStatus, ts string) error {
	var completedAt any
	if to == domain.TaskCompleted {
		completedAt = ts
	}
	return guarded(r.conn(tx).ExecContext(ctx, `UPDATE tasks SET status=?, completed_at=COALESCE(?, completed_at), updated_at=? WHERE id=? AND status=?`,
		to, completedAt, ts, id, from))
}

type TaskFilters struct {
	ProjectID  string
	AssignedTo string
	Status     domain.TaskStatus
	// Assigned limits results to tasks that have an assignee.
	Assigned bool
}

func (r Repo) ListTasks(ctx context.Context, tx *sql.Tx, f TaskFilters) ([]domain.Task, error) {
	var (
		clauses []string
		args    []any
	)
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.AssignedTo != "" {
		clauses = append(clauses, "assigned_to=?")
		args = append(args, f.AssignedTo)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Assigned {
		clauses = append(clauses, "assigned_to IS NOT NULL")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY project_id, created_at, id"
	rows, err := r.conn(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// CountTasksByStatus returns task counts keyed by status for a project.
func (r Repo) CountTasksByStatus(ctx context.Context, projectID string) (map[domain.TaskStatus]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.TaskStatus]int{}
	for rows.Next() {
		var s domain.TaskStatus
		var c int
		if err := rows.Scan(&s, &c); err != nil {
			return nil, err
		}
		res[s] = c
	}
	return res, rows.Err()
}
