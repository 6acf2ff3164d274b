package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"freeflow/internal/domain"
	"freeflow/internal/engine"
	"freeflow/internal/payout"
	"freeflow/internal/query"
	"freeflow/internal/repo"
)

type idPath struct {
	ID string `path:"id"`
}

func registerReference(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "upsert-project",
		Method:      http.MethodPut,
		Path:        "/projects/{id}",
		Summary:     "Create or update project reference data",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body ProjectRequest
	}) (*out[domain.Project], error) {
		actor, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		p, err := h.e.UpsertProject(ctx, engine.ProjectInput{
			ID:       input.ID,
			Name:     input.Body.Name,
			Currency: input.Body.Currency,
			Status:   domain.ProjectStatus(input.Body.Status),
		}, actor)
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*out[[]domain.Project], error) {
		items, err := h.e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, h.fail(err)
		}
		if items == nil {
			items = []domain.Project{}
		}
		return reply(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*out[domain.Project], error) {
		p, err := h.e.Repo.GetProject(ctx, nil, input.ID)
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "upsert-associate",
		Method:      http.MethodPut,
		Path:        "/associates/{id}",
		Summary:     "Create or update associate reference data",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body AssociateRequest
	}) (*out[AssociateResponse], error) {
		actor, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		cut, err := parseAmount("payout_cut_percent", input.Body.PayoutCutPercent)
		if err != nil {
			return nil, err
		}
		a, err := h.e.UpsertAssociate(ctx, engine.AssociateInput{
			ID:               input.ID,
			Name:             input.Body.Name,
			Email:            input.Body.Email,
			Phone:            input.Body.Phone,
			Skills:           input.Body.Skills,
			Status:           domain.AssociateStatus(input.Body.Status),
			Rating:           input.Body.Rating,
			PayoutCutPercent: cut,
		}, actor)
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(associateResponse(a)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-associates",
		Method:      http.MethodGet,
		Path:        "/associates",
		Summary:     "List associates",
	}, func(ctx context.Context, _ *struct{}) (*out[[]AssociateResponse], error) {
		items, err := h.e.Repo.ListAssociates(ctx)
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(mapAssociates(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-associate",
		Method:      http.MethodGet,
		Path:        "/associates/{id}",
		Summary:     "Get associate",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*out[AssociateResponse], error) {
		a, err := h.e.Repo.GetAssociate(ctx, nil, input.ID)
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(associateResponse(a)), nil
	})
}

func registerContracts(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-contract",
		Method:        http.MethodPost,
		Path:          "/contracts",
		Summary:       "Offer a contract to an associate",
		DefaultStatus: http.StatusCreated,
		Errors:        commandErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateContractRequest
	}) (*out[ContractResponse], error) {
		actor, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		terms, err := input.Body.PaymentTerms.terms()
		if err != nil {
			return nil, err
		}
		c, err := h.e.CreateContract(ctx, engine.ContractInput{
			ProjectID:        input.Body.ProjectID,
			AssociateID:      input.Body.AssociateID,
			Role:             input.Body.Role,
			Responsibilities: input.Body.Responsibilities,
			Deliverables:     input.Body.Deliverables,
			PaymentTerms:     terms,
			StartDate:        input.Body.StartDate,
			EndDate:          input.Body.EndDate,
		}, actor)
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(contractResponse(c)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-contracts",
		Method:      http.MethodGet,
		Path:        "/contracts",
		Summary:     "List contracts",
	}, func(ctx context.Context, input *struct {
		ProjectID   string `query:"project_id"`
		AssociateID string `query:"associate_id"`
		Status      string `query:"status" enum:"pending,accepted,declined,expired"`
	}) (*out[[]ContractResponse], error) {
		items, err := h.e.Repo.ListContracts(ctx, nil, repo.ContractFilters{
			ProjectID:   input.ProjectID,
			AssociateID: input.AssociateID,
			Status:      domain.ContractStatus(input.Status),
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(mapContracts(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-contract",
		Method:      http.MethodGet,
		Path:        "/contracts/{id}",
		Summary:     "Get contract",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*out[ContractResponse], error) {
		c, err := h.e.Repo.GetContract(ctx, nil, input.ID)
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(contractResponse(c)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-contract",
		Method:      http.MethodPatch,
		Path:        "/contracts/{id}",
		Summary:     "Edit a pending contract",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body UpdateContractRequest
	}) (*out[ContractResponse], error) {
		actor, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		patch := engine.ContractPatch{
			Role:             input.Body.Role,
			Responsibilities: input.Body.Responsibilities,
			Deliverables:     input.Body.Deliverables,
			StartDate:        input.Body.StartDate,
			EndDate:          input.Body.EndDate,
		}
		if input.Body.PaymentTerms != nil {
			terms, err := input.Body.PaymentTerms.terms()
			if err != nil {
				return nil, err
			}
			patch.PaymentTerms = &terms
		}
		c, err := h.e.UpdateContract(ctx, input.ID, patch, actor)
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(contractResponse(c)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "respond-contract",
		Method:      http.MethodPost,
		Path:        "/contracts/{id}/respond",
		Summary:     "Accept or decline a contract",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body DecisionRequest
	}) (*out[ContractResponse], error) {
		actor, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		c, err := h.e.RespondToContract(ctx, input.ID, domain.Decision(input.Body.Decision), actor)
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(contractResponse(c)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "expire-contract",
		Method:      http.MethodPost,
		Path:        "/contracts/{id}/expire",
		Summary:     "Expire a stale pending contract",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body *ExpireRequest `required:"false"`
	}) (*out[ContractResponse], error) {
		actor, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		asOf, err := parseAsOf(expireAsOf(input.Body), h.now)
		if err != nil {
			return nil, err
		}
		c, err := h.e.ExpireContract(ctx, input.ID, asOf, actor)
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(contractResponse(c)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "expire-stale-contracts",
		Method:      http.MethodPost,
		Path:        "/contracts/expire-stale",
		Summary:     "Expire every stale pending contract",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		Body *ExpireRequest `required:"false"`
	}) (*out[map[string][]string], error) {
		actor, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		asOf, err := parseAsOf(expireAsOf(input.Body), h.now)
		if err != nil {
			return nil, err
		}
		ids, err := h.e.ExpireStaleContracts(ctx, asOf, actor)
		if err != nil {
			return nil, h.fail(err)
		}
		if ids == nil {
			ids = []string{}
		}
		return reply(map[string][]string{"expired": ids}), nil
	})
}

func expireAsOf(b *ExpireRequest) string {
	if b == nil {
		return ""
	}
	return b.AsOf
}

func registerInvites(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-invite",
		Method:        http.MethodPost,
		Path:          "/invites",
		Summary:       "Invite a contracted associate onto a task",
		DefaultStatus: http.StatusCreated,
		Errors:        commandErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateInviteRequest
	}) (*out[domain.TaskInvite], error) {
		actor, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		inv, err := h.e.CreateInvite(ctx, engine.InviteInput{
			ContractID:     input.Body.ContractID,
			TaskID:         input.Body.TaskID,
			Role:           input.Body.Role,
			Priority:       domain.Priority(input.Body.Priority),
			EstimatedHours: input.Body.EstimatedHours,
			Deadline:       input.Body.Deadline,
		}, actor)
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(inv), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-invites",
		Method:      http.MethodGet,
		Path:        "/invites",
		Summary:     "List invites",
	}, func(ctx context.Context, input *struct {
		ProjectID   string `query:"project_id"`
		ContractID  string `query:"contract_id"`
		TaskID      string `query:"task_id"`
		AssociateID string `query:"associate_id"`
		Status      string `query:"status" enum:"pending,accepted,declined"`
	}) (*out[[]domain.TaskInvite], error) {
		items, err := h.e.Repo.ListInvites(ctx, nil, repo.InviteFilters{
			ProjectID:   input.ProjectID,
			ContractID:  input.ContractID,
			TaskID:      input.TaskID,
			AssociateID: input.AssociateID,
			Status:      domain.InviteStatus(input.Status),
		})
		if err != nil {
			return nil, h.fail(err)
		}
		if items == nil {
			items = []domain.TaskInvite{}
		}
		return reply(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-invite",
		Method:      http.MethodGet,
		Path:        "/invites/{id}",
		Summary:     "Get invite",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*out[domain.TaskInvite], error) {
		inv, err := h.e.Repo.GetInvite(ctx, nil, input.ID)
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(inv), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "respond-invite",
		Method:      http.MethodPost,
		Path:        "/invites/{id}/respond",
		Summary:     "Accept or decline a task invite",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body DecisionRequest
	}) (*out[domain.TaskInvite], error) {
		actor, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		inv, err := h.e.RespondToInvite(ctx, input.ID, domain.Decision(input.Body.Decision), actor)
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(inv), nil
	})
}

func registerTasks(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "upsert-task",
		Method:      http.MethodPut,
		Path:        "/tasks/{id}",
		Summary:     "Create or update task reference data",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body TaskRequest
	}) (*out[TaskResponse], error) {
		actor, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		value, err := parseNullAmount("task_value", input.Body.TaskValue)
		if err != nil {
			return nil, err
		}
		t, err := h.e.UpsertTask(ctx, engine.TaskInput{
			ID:             input.ID,
			ProjectID:      input.Body.ProjectID,
			Title:          input.Body.Title,
			Description:    input.Body.Description,
			Status:         domain.TaskStatus(input.Body.Status),
			Priority:       domain.Priority(input.Body.Priority),
			EstimatedHours: input.Body.EstimatedHours,
			ActualHours:    input.Body.ActualHours,
			DueDate:        input.Body.DueDate,
			TaskValue:      value,
		}, actor)
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(taskResponse(t)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		ProjectID  string `query:"project_id"`
		AssignedTo string `query:"assigned_to"`
		Status     string `query:"status" enum:"todo,in_progress,review,completed,blocked"`
	}) (*out[[]TaskResponse], error) {
		items, err := h.e.Repo.ListTasks(ctx, nil, repo.TaskFilters{
			ProjectID:  input.ProjectID,
			AssignedTo: input.AssignedTo,
			Status:     domain.TaskStatus(input.Status),
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(mapTasks(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*out[TaskResponse], error) {
		t, err := h.e.Repo.GetTask(ctx, nil, input.ID)
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(taskResponse(t)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-task-status",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}/status",
		Summary:     "Move a task through its lifecycle",
		Description: "Completing an assigned task creates its settlement in the same transaction.",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body TaskStatusRequest
	}) (*out[TaskStatusResponse], error) {
		actor, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		change, err := h.e.SetTaskStatus(ctx, input.ID, domain.TaskStatus(input.Body.Status), actor)
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(h.views.statusChange(change)), nil
	})

	type assignInput struct {
		ID   string `path:"id"`
		Body AssignRequest
	}
	huma.Register(api, huma.Operation{
		OperationID: "assign-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/assign",
		Summary:     "Assign a task through an accepted invite",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *assignInput) (*out[TaskResponse], error) {
		actor, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		t, err := h.e.AssignTask(ctx, input.ID, input.Body.AssociateID, input.Body.InviteID, actor)
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(taskResponse(t)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reassign-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/reassign",
		Summary:     "Move a task to another associate",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *assignInput) (*out[TaskResponse], error) {
		actor, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		t, err := h.e.ReassignTask(ctx, input.ID, input.Body.AssociateID, input.Body.InviteID, actor)
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(taskResponse(t)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unassign-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/unassign",
		Summary:     "Clear a task's assignee",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *idPath) (*out[TaskResponse], error) {
		actor, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		t, err := h.e.UnassignTask(ctx, input.ID, actor)
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(taskResponse(t)), nil
	})
}

func registerSettlements(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "settle-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/settlement",
		Summary:     "Create the settlement for a completed task",
		Description: "Idempotent: returns the existing settlement when one was already created.",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *idPath) (*out[TaskStatusResponse], error) {
		actor, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		s, created, err := h.e.OnTaskCompleted(ctx, input.ID, actor)
		if err != nil {
			return nil, h.fail(err)
		}
		t, err := h.e.Repo.GetTask(ctx, nil, input.ID)
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(h.views.statusChange(engine.StatusChange{Task: t, Settlement: s, SettlementCreated: created})), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-settlements",
		Method:      http.MethodGet,
		Path:        "/settlements",
		Summary:     "List settlements",
	}, func(ctx context.Context, input *struct {
		ProjectID   string `query:"project_id"`
		AssociateID string `query:"associate_id"`
		TaskID      string `query:"task_id"`
		Status      string `query:"status" doc:"Comma separated statuses"`
	}) (*out[[]SettlementResponse], error) {
		var statuses []domain.SettlementStatus
		for _, s := range strings.Split(input.Status, ",") {
			if s = strings.TrimSpace(s); s == "" {
				continue
			}
			st := domain.SettlementStatus(s)
			if !st.Valid() {
				return nil, badRequest("unknown settlement status "+s, map[string]any{"status": s})
			}
			statuses = append(statuses, st)
		}
		items, err := h.e.Repo.ListSettlements(ctx, nil, repo.SettlementFilters{
			ProjectID:   input.ProjectID,
			AssociateID: input.AssociateID,
			TaskID:      input.TaskID,
			Statuses:    statuses,
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(h.views.settlements(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "outstanding-balances",
		Method:      http.MethodGet,
		Path:        "/settlements/outstanding",
		Summary:     "Aggregate pending and processing settlements",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		GroupBy string   `query:"group_by" enum:"associate,project" default:"associate"`
		Keys    []string `query:"key,explode" doc:"Repeat key=... per id; comma separated values are also accepted"`
	}) (*out[[]BalanceResponse], error) {
		var keys []string
		for _, k := range input.Keys {
			for _, part := range strings.Split(k, ",") {
				if part = strings.TrimSpace(part); part != "" {
					keys = append(keys, part)
				}
			}
		}
		items, err := h.e.AggregateOutstanding(ctx, engine.GroupBy(input.GroupBy), keys)
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(h.views.balances(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-settlement",
		Method:      http.MethodGet,
		Path:        "/settlements/{id}",
		Summary:     "Get settlement",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*out[SettlementResponse], error) {
		s, err := h.e.Repo.GetSettlement(ctx, nil, input.ID)
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(h.views.settlement(s)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-manual-settlement",
		Method:      http.MethodPost,
		Path:        "/settlements/{id}/manual",
		Summary:     "Record a payment made outside the payout rail",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body ManualSettlementRequest
	}) (*out[SettlementResponse], error) {
		actor, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		var settledAt time.Time
		if input.Body.SettledAt != "" {
			t, err := time.Parse(time.RFC3339, input.Body.SettledAt)
			if err != nil {
				return nil, badRequest("settled_at must be an RFC 3339 timestamp", map[string]any{"settled_at": input.Body.SettledAt})
			}
			settledAt = t
		}
		s, err := h.e.RecordManualSettlement(ctx, input.ID, engine.ManualSettlement{
			Method:         domain.SettlementMethod(input.Body.Method),
			TransactionRef: input.Body.TransactionRef,
			SettledAt:      settledAt,
			Notes:          input.Body.Notes,
		}, actor)
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(h.views.settlement(s)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "initiate-transfer",
		Method:        http.MethodPost,
		Path:          "/settlements/{id}/transfer",
		Summary:       "Start an automatic payout",
		Description:   "Returns once the settlement is processing. The rail's answer arrives through transfer-result.",
		DefaultStatus: http.StatusAccepted,
		Errors:        commandErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body TransferRequestBody
	}) (*out[SettlementResponse], error) {
		actor, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		s, err := h.e.InitiateAutomaticTransfer(ctx, input.ID, engine.TransferRequest{
			Destination: input.Body.Destination,
			Method:      domain.SettlementMethod(input.Body.Method),
		}, actor)
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(h.views.settlement(s)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transfer-result",
		Method:      http.MethodPost,
		Path:        "/settlements/{id}/transfer-result",
		Summary:     "Payout rail callback",
		Description: "Idempotent: repeating a result already applied returns the settlement unchanged.",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body TransferResultRequest
	}) (*out[SettlementResponse], error) {
		if _, aerr := actorIDFromContext(ctx); aerr != nil {
			return nil, aerr
		}
		s, err := h.e.ApplyTransferResult(ctx, payout.Result{
			SettlementID: input.ID,
			Status:       payout.Status(input.Body.Status),
			RailRef:      input.Body.RailRef,
			Reason:       input.Body.Reason,
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(h.views.settlement(s)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "retry-settlement",
		Method:        http.MethodPost,
		Path:          "/settlements/{id}/retry",
		Summary:       "Supersede a failed settlement with a new pending one",
		DefaultStatus: http.StatusCreated,
		Errors:        commandErrors,
	}, func(ctx context.Context, input *idPath) (*out[SettlementResponse], error) {
		actor, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		s, err := h.e.RetrySettlement(ctx, input.ID, actor)
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(h.views.settlement(s)), nil
	})
}

func registerQueries(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "active-associates",
		Method:      http.MethodGet,
		Path:        "/views/active-associates",
		Summary:     "Associates holding open assigned tasks",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
	}) (*out[[]ActiveAssociateResponse], error) {
		items, err := h.q.AssociatesWithActiveAssignments(ctx, input.ProjectID)
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(mapActive(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pending-invites",
		Method:      http.MethodGet,
		Path:        "/views/pending-invites",
		Summary:     "Pending invites grouped by project",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
	}) (*out[[]query.ProjectInvites], error) {
		items, err := h.q.PendingInvitesByProject(ctx, input.ProjectID)
		if err != nil {
			return nil, h.fail(err)
		}
		if items == nil {
			items = []query.ProjectInvites{}
		}
		return reply(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "settlements-by-associate",
		Method:      http.MethodGet,
		Path:        "/views/settlements",
		Summary:     "Settlements grouped by associate then project",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
	}) (*out[[]AssociateSettlementsResponse], error) {
		items, err := h.q.SettlementsGroupedByAssociateThenProject(ctx, input.ProjectID)
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(h.views.grouped(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "settlement-stats",
		Method:      http.MethodGet,
		Path:        "/views/settlement-stats",
		Summary:     "Per-currency settlement figures",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		AsOf      string `query:"as_of"`
	}) (*out[[]StatsResponse], error) {
		asOf, err := parseAsOf(input.AsOf, h.now)
		if err != nil {
			return nil, err
		}
		items, err := h.q.SettlementStats(ctx, input.ProjectID, asOf)
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(h.views.stats(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "settlement-history",
		Method:      http.MethodGet,
		Path:        "/views/settlement-history",
		Summary:     "Completed settlements per month",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		AsOf      string `query:"as_of"`
		Months    int    `query:"months" minimum:"1" maximum:"24" default:"6"`
	}) (*out[[]MonthlySettlementsResponse], error) {
		asOf, err := parseAsOf(input.AsOf, h.now)
		if err != nil {
			return nil, err
		}
		items, err := h.q.SettlementHistory(ctx, input.ProjectID, asOf, input.Months)
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(h.views.history(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-progress",
		Method:      http.MethodGet,
		Path:        "/projects/{id}/progress",
		Summary:     "Task counts and completion rate",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*out[query.Progress], error) {
		p, err := h.q.ProjectProgress(ctx, input.ID)
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-overview",
		Method:      http.MethodGet,
		Path:        "/projects/{id}/overview",
		Summary:     "Project dashboard",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		AsOf string `query:"as_of"`
	}) (*out[OverviewResponse], error) {
		asOf, err := parseAsOf(input.AsOf, h.now)
		if err != nil {
			return nil, err
		}
		ov, err := h.q.ProjectOverview(ctx, input.ID, asOf)
		if err != nil {
			return nil, h.fail(err)
		}
		if ov.Invites == nil {
			ov.Invites = []query.ProjectInvites{}
		}
		return reply(OverviewResponse{
			Progress: ov.Progress,
			Active:   mapActive(ov.Active),
			Invites:  ov.Invites,
			Stats:    h.views.stats(ov.Stats),
		}), nil
	})
}

func registerEvents(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Read the event log in commit order",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `query:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"project,associate,contract,invite,task,settlement"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor" doc:"Return events after this event id"`
	}) (*out[paginatedEvents], error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, badRequest("invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := h.e.Repo.EventsAfter(ctx, limit+1, cursorID, repo.EventFilters{
			ProjectID:  input.ProjectID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
		})
		if err != nil {
			return nil, h.fail(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return reply(resp), nil
	})
}
