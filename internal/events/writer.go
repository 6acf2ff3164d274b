package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the engagement workflow.
const (
	ProjectUpserted   = "project.upserted"
	AssociateUpserted = "associate.upserted"

	ContractCreated  = "contract.created"
	ContractUpdated  = "contract.updated"
	ContractAccepted = "contract.accepted"
	ContractDeclined = "contract.declined"
	ContractExpired  = "contract.expired"

	InviteCreated  = "invite.created"
	InviteAccepted = "invite.accepted"
	InviteDeclined = "invite.declined"

	TaskUpserted           = "task.upserted"
	TaskStatusChanged      = "task.status.changed"
	TaskAssigned           = "task.assigned"
	TaskUnassigned         = "task.unassigned"
	TaskAssignmentDeferred = "task.assignment.deferred"

	SettlementCreated    = "settlement.created"
	SettlementProcessing = "settlement.processing"
	SettlementCompleted  = "settlement.completed"
	SettlementFailed     = "settlement.failed"
	SettlementRetried    = "settlement.retried"
)

// Writer appends events inside the caller's transaction so an event exists
// exactly when the state change it describes was committed.
type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
