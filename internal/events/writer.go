package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an audit row inside the caller's transaction so the event
// commits or rolls back with the transition it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, taskID, caseID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO task_events(ts,type,task_id,case_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, taskID, nullable(caseID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
