package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"freeflow/internal/domain"
)

const contractColumns = `id,project_id,associate_id,role,responsibilities_json,deliverables_json,payment_terms_json,start_date,end_date,
status,created_by,created_at,updated_at,accepted_at,declined_at,expired_at`

func scanContract(row rowScanner) (domain.Contract, error) {
	var (
		c                        domain.Contract
		resp, deliv              sql.NullString
		terms                    string
		endDate                  sql.NullString
		accepted, declined, expd sql.NullString
	)
	err := row.Scan(&c.ID, &c.ProjectID, &c.AssociateID, &c.Role, &resp, &deliv, &terms, &c.StartDate, &endDate,
		&c.Status, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt, &accepted, &declined, &expd)
	if err != nil {
		return c, translate(err)
	}
	if c.Responsibilities, err = unmarshalList(resp); err != nil {
		return c, fmt.Errorf("decode responsibilities for contract %s: %w", c.ID, err)
	}
	if c.Deliverables, err = unmarshalList(deliv); err != nil {
		return c, fmt.Errorf("decode deliverables for contract %s: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(terms), &c.PaymentTerms); err != nil {
		return c, fmt.Errorf("decode payment terms for contract %s: %w", c.ID, err)
	}
	c.EndDate = stringPtr(endDate)
	c.AcceptedAt = stringPtr(accepted)
	c.DeclinedAt = stringPtr(declined)
	c.ExpiredAt = stringPtr(expd)
	return c, nil
}

func contractArgs(c domain.Contract) (resp, deliv, terms any, err error) {
	if resp, err = marshalList(c.Responsibilities); err != nil {
		return
	}
	if deliv, err = marshalList(c.Deliverables); err != nil {
		return
	}
	b, err := json.Marshal(c.PaymentTerms)
	if err != nil {
		return
	}
	terms = string(b)
	return
}

func (r Repo) InsertContract(ctx context.Context, tx *sql.Tx, c domain.Contract) error {
	resp, deliv, terms, err := contractArgs(c)
	if err != nil {
		return err
	}
	_, err = r.conn(tx).ExecContext(ctx, `INSERT INTO contracts(`+contractColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.ProjectID, c.AssociateID, c.Role, resp, deliv, terms, c.StartDate, nullableStringPtr(c.EndDate),
		c.Status, c.CreatedBy, c.CreatedAt, c.UpdatedAt, nullableStringPtr(c.AcceptedAt), nullableStringPtr(c.DeclinedAt), nullableStringPtr(c.ExpiredAt))
	return translate(err)
}

func (r Repo) GetContract(ctx context.Context, tx *sql.Tx, id string) (domain.Contract, error) {
	return scanContract(r.conn(tx).QueryRowContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id=?`, id))
}

// UpdateContractTerms rewrites the editable fields of a contract that is still pending.
func (r Repo) UpdateContractTerms(ctx context.Context, tx *sql.Tx, c domain.Contract) error {
	resp, deliv, terms, err := contractArgs(c)
	if err != nil {
		return err
	}
	return guarded(r.conn(tx).ExecContext(ctx, `UPDATE contracts SET role=?, responsibilities_json=?, deliverables_json=?, payment_terms_json=?,
start_date=?, end_date=?, updated_at=? WHERE id=? AND status=?`,
		c.Role, resp, deliv, terms, c.StartDate, nullableStringPtr(c.EndDate), c.UpdatedAt, c.ID, domain.ContractPending))
}

// SetContractStatus moves a contract from one status to another and stamps the matching timestamp column.
func (r Repo) SetContractStatus(ctx context.Context, tx *sql.Tx, id string, from, to domain.ContractStatus, ts string) error {
	var column string
	switch to {
	case domain.ContractAccepted:
		column = "accepted_at"
	case domain.ContractDeclined:
		column = "declined_at"
	case domain.ContractExpired:
		column = "expired_at"
	default:
		return fmt.Errorf("no timestamp column for contract status %s", to)
	}
	return guarded(r.conn(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE contracts SET status=?, %s=?, updated_at=? WHERE id=? AND status=?`, column),
		to, ts, ts, id, from))
}

type ContractFilters struct {
	ProjectID   string
	AssociateID string
	Status      domain.ContractStatus
}

func (r Repo) ListContracts(ctx context.Context, tx *sql.Tx, f ContractFilters) ([]domain.Contract, error) {
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
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + contractColumns + ` FROM contracts`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, id"
	rows, err := r.conn(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
