// Package query serves the read side of the engagement workflow.
//
// Queries read committed state outside any command transaction. A result may
// therefore trail a command that committed while the query ran; callers that
// need a fresh view re-read rather than assume the last write is visible.
package query

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"freeflow/internal/domain"
	"freeflow/internal/money"
	"freeflow/internal/repo"
)

type Service struct {
	Repo            repo.Repo
	DefaultCurrency string
}

// ActiveAssociate is an associate holding at least one open assigned task.
type ActiveAssociate struct {
	Associate domain.Associate `json:"associate"`
	TaskIDs   []string         `json:"task_ids"`
}

// AssociatesWithActiveAssignments lists associates with assigned, not yet
// completed tasks in the project. An empty projectID covers all projects.
func (s Service) AssociatesWithActiveAssignments(ctx context.Context, projectID string) ([]ActiveAssociate, error) {
	tasks, err := s.Repo.ListTasks(ctx, nil, repo.TaskFilters{ProjectID: projectID, Assigned: true})
	if err != nil {
		return nil, err
	}
	byAssociate := map[string][]string{}
	for _, t := range tasks {
		if t.Status == domain.TaskCompleted || t.AssignedTo == nil {
			continue
		}
		byAssociate[*t.AssignedTo] = append(byAssociate[*t.AssignedTo], t.ID)
	}
	ids := make([]string, 0, len(byAssociate))
	for id := range byAssociate {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]ActiveAssociate, 0, len(ids))
	for _, id := range ids {
		a, err := s.Repo.GetAssociate(ctx, nil, id)
		if err != nil {
			return nil, err
		}
		out = append(out, ActiveAssociate{Associate: a, TaskIDs: byAssociate[id]})
	}
	return out, nil
}

type ProjectInvites struct {
	ProjectID string              `json:"project_id"`
	Invites   []domain.TaskInvite `json:"invites"`
}

// PendingInvitesByProject groups pending invites by project.
func (s Service) PendingInvitesByProject(ctx context.Context, projectID string) ([]ProjectInvites, error) {
	invites, err := s.Repo.ListInvites(ctx, nil, repo.InviteFilters{ProjectID: projectID, Status: domain.InvitePending})
	if err != nil {
		return nil, err
	}
	var out []ProjectInvites
	idx := map[string]int{}
	for _, inv := range invites {
		i, ok := idx[inv.ProjectID]
		if !ok {
			i = len(out)
			idx[inv.ProjectID] = i
			out = append(out, ProjectInvites{ProjectID: inv.ProjectID})
		}
		out[i].Invites = append(out[i].Invites, inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out, nil
}

// CurrencyTotal is a sum in a single currency.
type CurrencyTotal struct {
	Currency string          `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
}

func totalsOf(t money.Totals) []CurrencyTotal {
	out := make([]CurrencyTotal, 0, len(t))
	for _, c := range t.Currencies() {
		out = append(out, CurrencyTotal{Currency: c, Amount: t[c]})
	}
	return out
}

type ProjectSettlements struct {
	ProjectID   string              `json:"project_id"`
	Settlements []domain.Settlement `json:"settlements"`
	Totals      []CurrencyTotal     `json:"totals"`
}

type AssociateSettlements struct {
	AssociateID string               `json:"associate_id"`
	Projects    []ProjectSettlements `json:"projects"`
	Totals      []CurrencyTotal      `json:"totals"`
}

// SettlementsGroupedByAssociateThenProject nests settlements under their
// associate and project. Totals leave out failed settlements, which are
// either abandoned or superseded by a retry that is counted instead.
func (s Service) SettlementsGroupedByAssociateThenProject(ctx context.Context, projectID string) ([]AssociateSettlements, error) {
	rows, err := s.Repo.ListSettlements(ctx, nil, repo.SettlementFilters{ProjectID: projectID})
	if err != nil {
		return nil, err
	}
	var out []AssociateSettlements
	assocIdx := map[string]int{}
	projectIdx := map[[2]string]int{}
	for _, st := range rows {
		a, ok := assocIdx[st.AssociateID]
		if !ok {
			a = len(out)
			assocIdx[st.AssociateID] = a
			out = append(out, AssociateSettlements{AssociateID: st.AssociateID})
		}
		key := [2]string{st.AssociateID, st.ProjectID}
		p, ok := projectIdx[key]
		if !ok {
			p = len(out[a].Projects)
			projectIdx[key] = p
			out[a].Projects = append(out[a].Projects, ProjectSettlements{ProjectID: st.ProjectID})
		}
		out[a].Projects[p].Settlements = append(out[a].Projects[p].Settlements, st)
	}
	for i := range out {
		assocTotals := money.Totals{}
		for j := range out[i].Projects {
			projectTotals := money.Totals{}
			for _, st := range out[i].Projects[j].Settlements {
				if st.Status == domain.SettlementFailed {
					continue
				}
				projectTotals.Add(st.Currency, st.ExpectedAmount)
				assocTotals.Add(st.Currency, st.ExpectedAmount)
			}
			out[i].Projects[j].Totals = totalsOf(projectTotals)
		}
		out[i].Totals = totalsOf(assocTotals)
	}
	return out, nil
}

type Progress struct {
	ProjectID string                    `json:"project_id"`
	Total     int                       `json:"total"`
	ByStatus  map[domain.TaskStatus]int `json:"by_status"`
	// CompletionRate is completed/total in percent, 0 for a project without tasks.
	CompletionRate float64 `json:"completion_rate"`
}

func (s Service) ProjectProgress(ctx context.Context, projectID string) (Progress, error) {
	if _, err := s.Repo.GetProject(ctx, nil, projectID); err != nil {
		return Progress{}, err
	}
	counts, err := s.Repo.CountTasksByStatus(ctx, projectID)
	if err != nil {
		return Progress{}, err
	}
	p := Progress{ProjectID: projectID, ByStatus: counts}
	for _, n := range counts {
		p.Total += n
	}
	if p.Total > 0 {
		p.CompletionRate = percent(decimal.NewFromInt(int64(counts[domain.TaskCompleted])), decimal.NewFromInt(int64(p.Total)))
	}
	return p, nil
}

// Stats summarises settlements in one currency.
type Stats struct {
	Currency string `json:"currency"`
	// TotalPayable counts every settlement that has not failed.
	TotalPayable     decimal.Decimal `json:"total_payable"`
	SettledThisMonth decimal.Decimal `json:"settled_this_month"`
	Outstanding      decimal.Decimal `json:"outstanding"`
	PendingCount     int             `json:"pending_count"`
	// SettledShare is SettledThisMonth as a percentage of TotalPayable.
	SettledShare float64 `json:"settled_share"`
}

// SettlementStats reports per-currency settlement figures. The month is the
// calendar month of asOf in UTC.
func (s Service) SettlementStats(ctx context.Context, projectID string, asOf time.Time) ([]Stats, error) {
	rows, err := s.Repo.ListSettlements(ctx, nil, repo.SettlementFilters{ProjectID: projectID})
	if err != nil {
		return nil, err
	}
	asOf = asOf.UTC()
	stats := map[string]*Stats{}
	get := func(cur string) *Stats {
		cur = money.Normalize(cur)
		if st, ok := stats[cur]; ok {
			return st
		}
		st := &Stats{Currency: cur}
		stats[cur] = st
		return st
	}
	for _, row := range rows {
		if row.Status == domain.SettlementFailed {
			continue
		}
		st := get(row.Currency)
		st.TotalPayable = st.TotalPayable.Add(row.ExpectedAmount)
		switch {
		case row.Outstanding():
			st.Outstanding = st.Outstanding.Add(row.ExpectedAmount)
			st.PendingCount++
		case row.Status == domain.SettlementCompleted && sameMonth(row.SettledAt, asOf):
			st.SettledThisMonth = st.SettledThisMonth.Add(row.ExpectedAmount)
		}
	}
	if len(stats) == 0 && s.DefaultCurrency != "" {
		get(s.DefaultCurrency)
	}
	out := make([]Stats, 0, len(stats))
	for _, st := range stats {
		if st.TotalPayable.IsPositive() {
			st.SettledShare = percent(st.SettledThisMonth, st.TotalPayable)
		}
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out, nil
}

func sameMonth(ts *string, asOf time.Time) bool {
	if ts == nil {
		return false
	}
	t, err := time.Parse(time.RFC3339, *ts)
	if err != nil {
		return false
	}
	t = t.UTC()
	return t.Year() == asOf.Year() && t.Month() == asOf.Month()
}

func percent(part, whole decimal.Decimal) float64 {
	return part.Mul(decimal.NewFromInt(100)).Div(whole).Round(1).InexactFloat64()
}

// MonthlySettlements is what was paid out in one calendar month (UTC).
type MonthlySettlements struct {
	// Month is formatted YYYY-MM.
	Month  string          `json:"month"`
	Count  int             `json:"count"`
	Totals []CurrencyTotal `json:"totals"`
}

// DefaultHistoryMonths is the window SettlementHistory uses when months is not positive.
const DefaultHistoryMonths = 6

const maxHistoryMonths = 24

// SettlementHistory buckets completed settlements by the month of settled_at,
// covering the month of asOf and the months before it, oldest first. Months
// without payouts are included with a zero count.
func (s Service) SettlementHistory(ctx context.Context, projectID string, asOf time.Time, months int) ([]MonthlySettlements, error) {
	if months <= 0 {
		months = DefaultHistoryMonths
	}
	if months > maxHistoryMonths {
		months = maxHistoryMonths
	}
	asOf = asOf.UTC()
	end := time.Date(asOf.Year(), asOf.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	start := end.AddDate(0, -months, 0)

	rows, err := s.Repo.ListSettlements(ctx, nil, repo.SettlementFilters{
		ProjectID: projectID,
		Statuses:  []domain.SettlementStatus{domain.SettlementCompleted},
	})
	if err != nil {
		return nil, err
	}
	buckets := make([]MonthlySettlements, months)
	sums := make([]money.Totals, months)
	for i := range buckets {
		buckets[i].Month = start.AddDate(0, i, 0).Format("2006-01")
		sums[i] = money.Totals{}
	}
	for _, row := range rows {
		if row.SettledAt == nil {
			continue
		}
		at, err := time.Parse(time.RFC3339, *row.SettledAt)
		if err != nil {
			continue
		}
		at = at.UTC()
		if at.Before(start) || !at.Before(end) {
			continue
		}
		i := (at.Year()-start.Year())*12 + int(at.Month()) - int(start.Month())
		buckets[i].Count++
		sums[i].Add(row.Currency, row.ExpectedAmount)
	}
	for i := range buckets {
		buckets[i].Totals = totalsOf(sums[i])
	}
	return buckets, nil
}

// Overview is the dashboard view of one project.
type Overview struct {
	Progress Progress          `json:"progress"`
	Active   []ActiveAssociate `json:"active_associates"`
	Invites  []ProjectInvites  `json:"pending_invites"`
	Stats    []Stats           `json:"settlement_stats"`
}

// ProjectOverview runs the project queries concurrently.
func (s Service) ProjectOverview(ctx context.Context, projectID string, asOf time.Time) (Overview, error) {
	var ov Overview
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		ov.Progress, err = s.ProjectProgress(gctx, projectID)
		return err
	})
	g.Go(func() (err error) {
		ov.Active, err = s.AssociatesWithActiveAssignments(gctx, projectID)
		return err
	})
	g.Go(func() (err error) {
		ov.Invites, err = s.PendingInvitesByProject(gctx, projectID)
		return err
	})
	g.Go(func() (err error) {
		ov.Stats, err = s.SettlementStats(gctx, projectID, asOf)
		return err
	})
	if err := g.Wait(); err != nil {
		return Overview{}, err
	}
	return ov, nil
}
