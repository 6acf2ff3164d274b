package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"freeflow/internal/app"
	"freeflow/internal/domain"
	"freeflow/internal/engine"
	"freeflow/internal/money"
	"freeflow/internal/payout"
	"freeflow/internal/query"
	"freeflow/internal/repo"
)

func settlementCmd() *cobra.Command {
	stl := &cobra.Command{
		Use:   "settlement",
		Short: "Create, pay and inspect settlements",
	}
	stl.AddCommand(
		settlementCreateCmd(),
		settlementPayCmd(),
		settlementTransferCmd(),
		settlementResultCmd(),
		settlementRetryCmd(),
		settlementExpireCmd(),
		settlementOutstandingCmd(),
		settlementListCmd(),
		settlementShowCmd(),
	)
	return stl
}

func printSettlement(units money.Units, s domain.Settlement) error {
	if viper.GetBool("json") {
		return printJSON(s)
	}
	tw := newTable()
	tw.AppendRows([]table.Row{
		{"ID", s.ID},
		{"Task", s.TaskID},
		{"Associate", s.AssociateID},
		{"Project", s.ProjectID},
		{"Task value", units.Format(s.TaskValue, s.Currency) + " " + s.Currency},
		{"Cut %", s.PercentageCut.String()},
		{"Expected", units.Format(s.ExpectedAmount, s.Currency) + " " + s.Currency},
		{"Status", s.Status},
		{"Method", s.Method},
	})
	if s.TransactionRef != "" {
		tw.AppendRow(table.Row{"Reference", s.TransactionRef})
	}
	if s.FailureReason != "" {
		tw.AppendRow(table.Row{"Failure", s.FailureReason})
	}
	if s.SupersedesID != nil {
		tw.AppendRow(table.Row{"Supersedes", *s.SupersedesID})
	}
	tw.Render()
	return nil
}

func settlementCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <task-id>",
		Short: "Create the settlement for a completed task",
		Long:  "Creates the settlement for a completed, assigned task. Running it again returns the existing settlement.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				s, created, err := rt.Engine.OnTaskCompleted(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				if s == nil {
					return fmt.Errorf("task %s has nothing to settle", args[0])
				}
				if !created && !viper.GetBool("json") {
					fmt.Println("settlement already exists")
				}
				return printSettlement(rt.Config.Units(), *s)
			})
		},
	}
}

func settlementPayCmd() *cobra.Command {
	var method, ref, at, notes string
	cmd := &cobra.Command{
		Use:   "pay <id>",
		Short: "Record a payment made outside the payout rail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settledAt, err := parseTime("at", at)
			if err != nil {
				return err
			}
			in := engine.ManualSettlement{
				Method:         domain.SettlementMethod(method),
				TransactionRef: ref,
				SettledAt:      settledAt,
				Notes:          notes,
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				s, err := rt.Engine.RecordManualSettlement(ctx, args[0], in, actorID())
				if err != nil {
					return err
				}
				return printSettlement(rt.Config.Units(), s)
			})
		},
	}
	cmd.Flags().StringVar(&method, "method", "", "manual, cash, check, mobile-money or bank-transfer")
	cmd.Flags().StringVar(&ref, "ref", "", "transaction reference")
	cmd.Flags().StringVar(&at, "at", "", "payment time (RFC 3339, defaults to now)")
	cmd.Flags().StringVar(&notes, "notes", "", "free-form notes")
	return cmd
}

func settlementTransferCmd() *cobra.Command {
	var destination, method string
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "transfer <id>",
		Short: "Send a settlement through the configured payout rail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := engine.TransferRequest{Destination: destination, Method: domain.SettlementMethod(method)}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				s, err := rt.Engine.InitiateAutomaticTransfer(ctx, args[0], in, actorID())
				if err != nil {
					return err
				}
				if wait > 0 {
					s = awaitTransfer(ctx, rt.Engine.Repo, s, wait)
				}
				return printSettlement(rt.Config.Units(), s)
			})
		},
	}
	cmd.Flags().StringVar(&destination, "to", "", "payout destination, e.g. an MSISDN or account number")
	cmd.Flags().StringVar(&method, "method", "", "mobile-money or bank-transfer")
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Second, "how long to wait for the rail's answer (0 to return immediately)")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

// awaitTransfer polls until the settlement leaves processing or the wait elapses.
func awaitTransfer(ctx context.Context, r repo.Repo, s domain.Settlement, wait time.Duration) domain.Settlement {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for s.Status == domain.SettlementProcessing {
		select {
		case <-ctx.Done():
			return s
		case <-tick.C:
			cur, err := r.GetSettlement(ctx, nil, s.ID)
			if err != nil {
				return s
			}
			s = cur
		}
	}
	return s
}

func settlementResultCmd() *cobra.Command {
	var status, railRef, reason string
	cmd := &cobra.Command{
		Use:    "result <id>",
		Short:  "Apply a payout rail result by hand",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res := payout.Result{SettlementID: args[0], Status: payout.Status(status), RailRef: railRef, Reason: reason}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				s, err := rt.Engine.ApplyTransferResult(ctx, res)
				if err != nil {
					return err
				}
				return printSettlement(rt.Config.Units(), s)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "completed or failed")
	cmd.Flags().StringVar(&railRef, "rail-ref", "", "rail transaction reference")
	cmd.Flags().StringVar(&reason, "reason", "", "failure reason")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func settlementRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Replace a failed settlement with a new pending one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				s, err := rt.Engine.RetrySettlement(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printSettlement(rt.Config.Units(), s)
			})
		},
	}
}

func settlementExpireCmd() *cobra.Command {
	var asOf string
	cmd := &cobra.Command{
		Use:   "expire-stale",
		Short: "Fail transfers that stayed processing past the configured timeout",
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := parseTime("as-of", asOf)
			if err != nil {
				return err
			}
			if at.IsZero() {
				at = time.Now().UTC()
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				ids, err := rt.Engine.ExpireStaleTransfers(ctx, at)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"failed": ids})
			})
		},
	}
	cmd.Flags().StringVar(&asOf, "as-of", "", "evaluate timeouts at this RFC 3339 time")
	return cmd
}

func settlementOutstandingCmd() *cobra.Command {
	var groupBy string
	var keys []string
	cmd := &cobra.Command{
		Use:   "outstanding",
		Short: "Sum pending and processing settlements",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				rows, err := rt.Engine.AggregateOutstanding(ctx, engine.GroupBy(groupBy), keys)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				units := rt.Config.Units()
				tw := newTable()
				tw.AppendHeader(table.Row{groupBy, "Currency", "Outstanding", "Settlements"})
				for _, b := range rows {
					tw.AppendRow(table.Row{b.Key, b.Currency, units.Format(b.Amount, b.Currency), b.Settlements})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&groupBy, "group-by", string(engine.GroupByAssociate), "associate or project")
	cmd.Flags().StringSliceVar(&keys, "key", nil, "restrict to these ids (repeatable)")
	return cmd
}

func settlementListCmd() *cobra.Command {
	var f repo.SettlementFilters
	var statuses []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List settlements",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, s := range statuses {
				st := domain.SettlementStatus(s)
				if !st.Valid() {
					return fmt.Errorf("unknown settlement status %q", s)
				}
				f.Statuses = append(f.Statuses, st)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.Repo.ListSettlements(ctx, nil, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				units := rt.Config.Units()
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Task", "Associate", "Project", "Expected", "Status", "Created"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.TaskID, s.AssociateID, s.ProjectID, units.Format(s.ExpectedAmount, s.Currency) + " " + s.Currency, s.Status, s.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project filter")
	cmd.Flags().StringVar(&f.AssociateID, "associate", "", "associate filter")
	cmd.Flags().StringVar(&f.TaskID, "task", "", "task filter")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "status filter (repeatable)")
	return cmd
}

func settlementShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a settlement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				s, err := rt.Engine.Repo.GetSettlement(ctx, nil, args[0])
				if err != nil {
					return err
				}
				return printSettlement(rt.Config.Units(), s)
			})
		},
	}
}

func viewCmd() *cobra.Command {
	v := &cobra.Command{Use: "view", Short: "Read-only workflow views"}
	var project, asOf string
	v.PersistentFlags().StringVar(&project, "project", "", "project id (empty for all projects where allowed)")
	v.PersistentFlags().StringVar(&asOf, "as-of", "", "reference time for monthly figures (RFC 3339)")

	active := &cobra.Command{
		Use:   "active",
		Short: "Associates holding open assigned tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				rows, err := rt.Query.AssociatesWithActiveAssignments(ctx, project)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Associate", "Name", "Tasks"})
				for _, a := range rows {
					tw.AppendRow(table.Row{a.Associate.ID, a.Associate.Name, strings.Join(a.TaskIDs, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}

	invites := &cobra.Command{
		Use:   "invites",
		Short: "Pending invites grouped by project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				groups, err := rt.Query.PendingInvitesByProject(ctx, project)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(groups)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Project", "Invite", "Task", "Associate", "Priority"})
				for _, g := range groups {
					for _, i := range g.Invites {
						tw.AppendRow(table.Row{g.ProjectID, i.ID, i.TaskID, i.AssociateID, i.Priority})
					}
				}
				tw.Render()
				return nil
			})
		},
	}

	settlements := &cobra.Command{
		Use:   "settlements",
		Short: "Settlements grouped by associate and project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				groups, err := rt.Query.SettlementsGroupedByAssociateThenProject(ctx, project)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(groups)
				}
				units := rt.Config.Units()
				tw := newTable()
				tw.AppendHeader(table.Row{"Associate", "Project", "Settlements", "Total"})
				for _, a := range groups {
					for _, p := range a.Projects {
						var totals []string
						for _, t := range p.Totals {
							totals = append(totals, units.Format(t.Amount, t.Currency)+" "+t.Currency)
						}
						tw.AppendRow(table.Row{a.AssociateID, p.ProjectID, len(p.Settlements), strings.Join(totals, ", ")})
					}
				}
				tw.Render()
				return nil
			})
		},
	}

	progress := &cobra.Command{
		Use:   "progress",
		Short: "Task counts and completion rate for a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := rt.Query.ProjectProgress(ctx, project)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Status", "Tasks"})
				for _, st := range []domain.TaskStatus{domain.TaskTodo, domain.TaskInProgress, domain.TaskReview, domain.TaskBlocked, domain.TaskCompleted} {
					tw.AppendRow(table.Row{st, p.ByStatus[st]})
				}
				tw.AppendFooter(table.Row{"Completion", fmt.Sprintf("%.1f%% of %d", p.CompletionRate, p.Total)})
				tw.Render()
				return nil
			})
		},
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Payable, settled and outstanding amounts per currency",
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := parseTime("as-of", asOf)
			if err != nil {
				return err
			}
			if at.IsZero() {
				at = time.Now().UTC()
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				rows, err := rt.Query.SettlementStats(ctx, project, at)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				units := rt.Config.Units()
				tw := newTable()
				tw.AppendHeader(table.Row{"Currency", "Payable", "Settled this month", "Outstanding", "Open", "Settled share"})
				for _, s := range rows {
					tw.AppendRow(table.Row{
						s.Currency,
						units.Format(s.TotalPayable, s.Currency),
						units.Format(s.SettledThisMonth, s.Currency),
						units.Format(s.Outstanding, s.Currency),
						s.PendingCount,
						fmt.Sprintf("%.1f%%", s.SettledShare),
					})
				}
				tw.Render()
				return nil
			})
		},
	}

	var months int
	history := &cobra.Command{
		Use:   "history",
		Short: "Completed settlements per month, by settlement date",
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := parseTime("as-of", asOf)
			if err != nil {
				return err
			}
			if at.IsZero() {
				at = time.Now().UTC()
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				rows, err := rt.Query.SettlementHistory(ctx, project, at, months)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				units := rt.Config.Units()
				tw := newTable()
				tw.AppendHeader(table.Row{"Month", "Settled", "Totals"})
				for _, m := range rows {
					var totals []string
					for _, t := range m.Totals {
						totals = append(totals, units.Format(t.Amount, t.Currency)+" "+t.Currency)
					}
					tw.AppendRow(table.Row{m.Month, m.Count, strings.Join(totals, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
	history.Flags().IntVar(&months, "months", query.DefaultHistoryMonths, "number of months ending with the as-of month")

	overview := &cobra.Command{
		Use:   "overview",
		Short: "Progress, active associates, pending invites and settlement stats for a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := parseTime("as-of", asOf)
			if err != nil {
				return err
			}
			if at.IsZero() {
				at = time.Now().UTC()
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				o, err := rt.Query.ProjectOverview(ctx, project, at)
				if err != nil {
					return err
				}
				return printJSON(o)
			})
		},
	}

	v.AddCommand(active, invites, settlements, progress, stats, history, overview)
	return v
}
