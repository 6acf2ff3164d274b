package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"freeflow/internal/app"
	"freeflow/internal/domain"
	"freeflow/internal/engine"
	"freeflow/internal/money"
	"freeflow/internal/repo"
)

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage project reference data"}
	var in engine.ProjectInput
	var status string
	upsert := &cobra.Command{
		Use:   "upsert",
		Short: "Create or update a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Status = domain.ProjectStatus(status)
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := rt.Engine.UpsertProject(ctx, in, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	upsert.Flags().StringVar(&in.ID, "id", "", "project id")
	upsert.Flags().StringVar(&in.Name, "name", "", "project name")
	upsert.Flags().StringVar(&in.Currency, "currency", "", "settlement currency (defaults to currencies.default)")
	upsert.Flags().StringVar(&status, "status", "", "active, completed, on_hold or cancelled")
	_ = upsert.MarkFlagRequired("id")

	list := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Currency", "Status"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Currency, p.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	prj.AddCommand(upsert, list)
	return prj
}

func associateCmd() *cobra.Command {
	asc := &cobra.Command{Use: "associate", Short: "Manage associate reference data"}
	var in engine.AssociateInput
	var status, cut string
	upsert := &cobra.Command{
		Use:   "upsert",
		Short: "Create or update an associate",
		RunE: func(cmd *cobra.Command, args []string) error {
			pct, err := money.Parse(cut)
			if err != nil {
				return fmt.Errorf("--cut: %w", err)
			}
			in.PayoutCutPercent = pct
			in.Status = domain.AssociateStatus(status)
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				a, err := rt.Engine.UpsertAssociate(ctx, in, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	upsert.Flags().StringVar(&in.ID, "id", "", "associate id")
	upsert.Flags().StringVar(&in.Name, "name", "", "display name")
	upsert.Flags().StringVar(&in.Email, "email", "", "email")
	upsert.Flags().StringVar(&in.Phone, "phone", "", "phone")
	upsert.Flags().StringSliceVar(&in.Skills, "skill", nil, "skill tag (repeatable)")
	upsert.Flags().StringVar(&status, "status", "", "active, busy, available or inactive")
	upsert.Flags().Float64Var(&in.Rating, "rating", 0, "rating from 0 to 5")
	upsert.Flags().StringVar(&cut, "cut", "", "payout cut percent, e.g. 70")
	_ = upsert.MarkFlagRequired("id")
	_ = upsert.MarkFlagRequired("cut")

	list := &cobra.Command{
		Use:   "list",
		Short: "List associates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAssociates(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Cut %", "Skills"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Name, a.Status, a.PayoutCutPercent.String(), strings.Join(a.Skills, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	asc.AddCommand(upsert, list)
	return asc
}

type termsFlags struct {
	kind, rate, amount, currency, schedule string
}

func (f *termsFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.kind, "pay-type", "", "hourly, fixed or milestone")
	cmd.Flags().StringVar(&f.rate, "rate", "", "hourly rate")
	cmd.Flags().StringVar(&f.amount, "amount", "", "fixed or milestone amount")
	cmd.Flags().StringVar(&f.currency, "currency", "", "payment currency")
	cmd.Flags().StringVar(&f.schedule, "schedule", "", "payment schedule note")
}

func (f termsFlags) terms() (domain.PaymentTerms, error) {
	pt := domain.PaymentTerms{Type: domain.PaymentType(f.kind), Currency: f.currency, Schedule: f.schedule}
	if f.rate != "" {
		d, err := money.Parse(f.rate)
		if err != nil {
			return pt, fmt.Errorf("--rate: %w", err)
		}
		pt.Rate = decimal.NewNullDecimal(d)
	}
	if f.amount != "" {
		d, err := money.Parse(f.amount)
		if err != nil {
			return pt, fmt.Errorf("--amount: %w", err)
		}
		pt.Amount = decimal.NewNullDecimal(d)
	}
	return pt, nil
}

func contractCmd() *cobra.Command {
	ctr := &cobra.Command{
		Use:   "contract",
		Short: "Manage contracts",
		Long:  "A contract offers an associate a role on a project. It is pending until accepted, declined or expired; those outcomes are final.",
	}
	ctr.AddCommand(contractCreateCmd(), contractUpdateCmd(), contractRespondCmd(), contractExpireCmd(), contractListCmd(), contractShowCmd())
	return ctr
}

func contractCreateCmd() *cobra.Command {
	var in engine.ContractInput
	var terms termsFlags
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Offer a contract",
		RunE: func(cmd *cobra.Command, args []string) error {
			pt, err := terms.terms()
			if err != nil {
				return err
			}
			in.PaymentTerms = pt
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				c, err := rt.Engine.CreateContract(ctx, in, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&in.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&in.AssociateID, "associate", "", "associate id")
	cmd.Flags().StringVar(&in.Role, "role", "", "role on the project")
	cmd.Flags().StringSliceVar(&in.Responsibilities, "responsibility", nil, "responsibility (repeatable)")
	cmd.Flags().StringSliceVar(&in.Deliverables, "deliverable", nil, "deliverable (repeatable)")
	cmd.Flags().StringVar(&in.StartDate, "start", "", "start date YYYY-MM-DD")
	cmd.Flags().StringVar(&in.EndDate, "end", "", "end date YYYY-MM-DD")
	terms.register(cmd)
	return cmd
}

func contractUpdateCmd() *cobra.Command {
	var role, start, end string
	var responsibilities, deliverables []string
	var terms termsFlags
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Edit a pending contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p engine.ContractPatch
			if cmd.Flags().Changed("role") {
				p.Role = &role
			}
			if cmd.Flags().Changed("start") {
				p.StartDate = &start
			}
			if cmd.Flags().Changed("end") {
				p.EndDate = &end
			}
			if cmd.Flags().Changed("responsibility") {
				p.Responsibilities = responsibilities
			}
			if cmd.Flags().Changed("deliverable") {
				p.Deliverables = deliverables
			}
			if cmd.Flags().Changed("pay-type") {
				pt, err := terms.terms()
				if err != nil {
					return err
				}
				p.PaymentTerms = &pt
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				c, err := rt.Engine.UpdateContract(ctx, args[0], p, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role")
	cmd.Flags().StringVar(&start, "start", "", "start date")
	cmd.Flags().StringVar(&end, "end", "", "end date")
	cmd.Flags().StringSliceVar(&responsibilities, "responsibility", nil, "replace responsibilities")
	cmd.Flags().StringSliceVar(&deliverables, "deliverable", nil, "replace deliverables")
	terms.register(cmd)
	return cmd
}

func contractRespondCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "respond <id> <accept|decline>",
		Short: "Record the associate's answer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := parseDecision(args[1])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				c, err := rt.Engine.RespondToContract(ctx, args[0], d, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func contractExpireCmd() *cobra.Command {
	var asOf string
	var stale bool
	cmd := &cobra.Command{
		Use:   "expire [id]",
		Short: "Expire one stale pending contract, or all with --stale",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := parseTime("as-of", asOf)
			if err != nil {
				return err
			}
			if !stale && len(args) == 0 {
				return fmt.Errorf("contract id or --stale required")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if stale {
					ids, err := rt.Engine.ExpireStaleContracts(ctx, at, actorID())
					if err != nil {
						return err
					}
					return printJSONOrTable(map[string]any{"expired": ids})
				}
				c, err := rt.Engine.ExpireContract(ctx, args[0], at, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&asOf, "as-of", "", "evaluate staleness at this RFC 3339 time")
	cmd.Flags().BoolVar(&stale, "stale", false, "sweep every stale pending contract")
	return cmd
}

func contractListCmd() *cobra.Command {
	var f repo.ContractFilters
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List contracts",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.ContractStatus(status)
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListContracts(ctx, nil, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Project", "Associate", "Role", "Status", "Start"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.ProjectID, c.AssociateID, c.Role, c.Status, c.StartDate})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project filter")
	cmd.Flags().StringVar(&f.AssociateID, "associate", "", "associate filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func contractShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				c, err := r.GetContract(ctx, nil, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func inviteCmd() *cobra.Command {
	inv := &cobra.Command{
		Use:   "invite",
		Short: "Manage task invites",
		Long:  "An invite asks a contracted associate to take one task. Accepting it assigns the task when nobody else holds it.",
	}
	var in engine.InviteInput
	var priority string
	var hours float64
	create := &cobra.Command{
		Use:   "create",
		Short: "Invite an associate onto a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Priority = domain.Priority(priority)
			if cmd.Flags().Changed("hours") {
				in.EstimatedHours = &hours
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				i, err := rt.Engine.CreateInvite(ctx, in, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(i)
			})
		},
	}
	create.Flags().StringVar(&in.ContractID, "contract", "", "accepted contract id")
	create.Flags().StringVar(&in.TaskID, "task", "", "task id")
	create.Flags().StringVar(&in.Role, "role", "", "role on the task (defaults to the contract role)")
	create.Flags().StringVar(&priority, "priority", "", "low, medium, high or urgent")
	create.Flags().Float64Var(&hours, "hours", 0, "estimated hours")
	create.Flags().StringVar(&in.Deadline, "deadline", "", "deadline YYYY-MM-DD")

	respond := &cobra.Command{
		Use:   "respond <id> <accept|decline>",
		Short: "Record the associate's answer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := parseDecision(args[1])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				i, err := rt.Engine.RespondToInvite(ctx, args[0], d, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(i)
			})
		},
	}

	var f repo.InviteFilters
	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List invites",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.InviteStatus(status)
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListInvites(ctx, nil, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Task", "Associate", "Contract", "Priority", "Status"})
				for _, i := range items {
					tw.AppendRow(table.Row{i.ID, i.TaskID, i.AssociateID, i.ContractID, i.Priority, i.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.ProjectID, "project", "", "project filter")
	list.Flags().StringVar(&f.ContractID, "contract", "", "contract filter")
	list.Flags().StringVar(&f.TaskID, "task", "", "task filter")
	list.Flags().StringVar(&f.AssociateID, "associate", "", "associate filter")
	list.Flags().StringVar(&status, "status", "", "status filter")

	inv.AddCommand(create, respond, list)
	return inv
}

func taskCmd() *cobra.Command {
	tsk := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks and assignments",
		Long:  "Tasks mirror the project tracker. Completing an assigned task creates its settlement in the same step.",
	}
	tsk.AddCommand(taskUpsertCmd(), taskStatusCmd(), taskAssignCmd(false), taskAssignCmd(true), taskUnassignCmd(), taskListCmd(), taskShowCmd())
	return tsk
}

func taskUpsertCmd() *cobra.Command {
	var in engine.TaskInput
	var status, priority, value string
	cmd := &cobra.Command{
		Use:   "upsert",
		Short: "Create or update a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Status = domain.TaskStatus(status)
			in.Priority = domain.Priority(priority)
			if value != "" {
				d, err := money.Parse(value)
				if err != nil {
					return fmt.Errorf("--value: %w", err)
				}
				in.TaskValue = decimal.NewNullDecimal(d)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				t, err := rt.Engine.UpsertTask(ctx, in, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&in.ID, "id", "", "task id")
	cmd.Flags().StringVar(&in.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&in.Title, "title", "", "title")
	cmd.Flags().StringVar(&in.Description, "description", "", "description")
	cmd.Flags().StringVar(&status, "status", "", "initial status")
	cmd.Flags().StringVar(&priority, "priority", "", "priority")
	cmd.Flags().Float64Var(&in.EstimatedHours, "estimate", 0, "estimated hours")
	cmd.Flags().Float64Var(&in.ActualHours, "actual", 0, "actual hours")
	cmd.Flags().StringVar(&in.DueDate, "due", "", "due date YYYY-MM-DD")
	cmd.Flags().StringVar(&value, "value", "", "task value in the project currency")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func taskStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id> <status>",
		Short: "Move a task to a new status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				change, err := rt.Engine.SetTaskStatus(ctx, args[0], domain.TaskStatus(args[1]), actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(change)
			})
		},
	}
}

func taskAssignCmd(reassign bool) *cobra.Command {
	var associate, invite string
	use, short := "assign <id>", "Assign a task through an accepted invite"
	if reassign {
		use, short = "reassign <id>", "Move a task to another associate"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				var (
					t   domain.Task
					err error
				)
				if reassign {
					t, err = rt.Engine.ReassignTask(ctx, args[0], associate, invite, actorID())
				} else {
					t, err = rt.Engine.AssignTask(ctx, args[0], associate, invite, actorID())
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&associate, "associate", "", "associate id")
	cmd.Flags().StringVar(&invite, "invite", "", "accepted invite id")
	_ = cmd.MarkFlagRequired("associate")
	_ = cmd.MarkFlagRequired("invite")
	return cmd
}

func taskUnassignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unassign <id>",
		Short: "Clear a task's assignee",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				t, err := rt.Engine.UnassignTask(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.TaskStatus(status)
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.Repo.ListTasks(ctx, nil, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				units := rt.Config.Units()
				currencies := map[string]string{}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Project", "Title", "Status", "Assignee", "Value"})
				for _, t := range items {
					value := ""
					if t.TaskValue.Valid {
						cur, ok := currencies[t.ProjectID]
						if !ok {
							if p, err := rt.Engine.Repo.GetProject(ctx, nil, t.ProjectID); err == nil {
								cur = p.Currency
							}
							currencies[t.ProjectID] = cur
						}
						value = units.Format(t.TaskValue.Decimal, cur) + " " + cur
					}
					tw.AppendRow(table.Row{t.ID, t.ProjectID, t.Title, t.Status, deref(t.AssignedTo), value})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project filter")
	cmd.Flags().StringVar(&f.AssignedTo, "assignee", "", "assignee filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.GetTask(ctx, nil, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}
