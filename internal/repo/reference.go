package repo

import (
	"context"
	"database/sql"
	"fmt"

	"freeflow/internal/domain"
)

const projectColumns = `id,name,currency,status,created_at,updated_at`

func scanProject(row rowScanner) (domain.Project, error) {
	var p domain.Project
	err := row.Scan(&p.ID, &p.Name, &p.Currency, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	return p, translate(err)
}

// UpsertProject inserts or refreshes mirrored project data. created_at is kept from the first insert.
func (r Repo) UpsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO projects(`+projectColumns+`) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, currency=excluded.currency, status=excluded.status, updated_at=excluded.updated_at`,
		p.ID, p.Name, p.Currency, p.Status, p.CreatedAt, p.UpdatedAt)
	return translate(err)
}

func (r Repo) GetProject(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	return scanProject(r.conn(tx).QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

const associateColumns = `id,name,COALESCE(email,''),COALESCE(phone,''),skills_json,status,rating,payout_cut_percent,created_at,updated_at`

func scanAssociate(row rowScanner) (domain.Associate, error) {
	var a domain.Associate
	var skills sql.NullString
	if err := row.Scan(&a.ID, &a.Name, &a.Email, &a.Phone, &skills, &a.Status, &a.Rating, &a.PayoutCutPercent, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return a, translate(err)
	}
	list, err := unmarshalList(skills)
	if err != nil {
		return a, fmt.Errorf("decode skills for associate %s: %w", a.ID, err)
	}
	a.Skills = list
	return a, nil
}

func (r Repo) UpsertAssociate(ctx context.Context, tx *sql.Tx, a domain.Associate) error {
	skills, err := marshalList(a.Skills)
	if err != nil {
		return err
	}
	_, err = r.conn(tx).ExecContext(ctx, `INSERT INTO associates(id,name,email,phone,skills_json,status,rating,payout_cut_percent,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, email=excluded.email, phone=excluded.phone, skills_json=excluded.skills_json,
  status=excluded.status, rating=excluded.rating, payout_cut_percent=excluded.payout_cut_percent, updated_at=excluded.updated_at`,
		a.ID, a.Name, nullable(a.Email), nullable(a.Phone), skills, a.Status, a.Rating, a.PayoutCutPercent.String(), a.CreatedAt, a.UpdatedAt)
	return translate(err)
}

func (r Repo) GetAssociate(ctx context.Context, tx *sql.Tx, id string) (domain.Associate, error) {
	return scanAssociate(r.conn(tx).QueryRowContext(ctx, `SELECT `+associateColumns+` FROM associates WHERE id=?`, id))
}

func (r Repo) ListAssociates(ctx context.Context) ([]domain.Associate, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+associateColumns+` FROM associates ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Associate
	for rows.Next() {
		a, err := scanAssociate(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
