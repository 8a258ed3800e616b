// Package events writes and reads the append-only audit log. Writes go
// through the caller's transaction so an event is only recorded when the
// change it describes commits.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"cropline/internal/domain"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, userID, entityKind, entityID string, payload EventPayload) error {
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
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,user_id,entity_kind,entity_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, nullable(userID), entityKind, nullable(entityID), string(data))
	return err
}

// List returns the most recent events, newest first, optionally filtered
// by entity kind. limit <= 0 means no limit.
func (w Writer) List(ctx context.Context, entityKind string, limit int) ([]domain.Event, error) {
	query := `SELECT id, ts, type, COALESCE(user_id,''), entity_kind, COALESCE(entity_id,''), payload_json FROM events`
	var args []any
	if entityKind != "" {
		query += ` WHERE entity_kind=?`
		args = append(args, entityKind)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := w.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.Type, &e.UserID, &e.EntityKind, &e.EntityID, &e.Payload); err != nil {
			return nil, err
		}
		if e.TS, err = time.Parse(time.RFC3339, ts); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
