package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/rendis/taskflow/pkg/schema"
)

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *schema.Event) error {
	var payload any
	if len(event.Payload) > 0 {
		b, err := json.Marshal(event.Payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		payload = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (type, instance_id, node_id, task_id, user_id, payload, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.Type, nullStr(event.InstanceID), nullStr(event.NodeID), nullStr(event.TaskID),
		nullStr(event.UserID), payload, timeOrNow(event.At),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) ListEvents(ctx context.Context, filter EventFilter) ([]*schema.Event, error) {
	query := `SELECT type, instance_id, node_id, task_id, user_id, payload, at FROM events WHERE 1=1`
	var args []any

	if filter.InstanceID != "" {
		query += ` AND instance_id = ?`
		args = append(args, filter.InstanceID)
	}
	if filter.TaskID != "" {
		query += ` AND task_id = ?`
		args = append(args, filter.TaskID)
	}
	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, filter.Type)
	}
	if filter.Since != nil {
		query += ` AND at >= ?`
		args = append(args, *filter.Since)
	}
	query += ` ORDER BY id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*schema.Event
	for rows.Next() {
		ev := &schema.Event{}
		var instanceID, nodeID, taskID, userID, payload sql.NullString
		if err := rows.Scan(&ev.Type, &instanceID, &nodeID, &taskID, &userID, &payload, &ev.At); err != nil {
			return nil, err
		}
		ev.InstanceID = instanceID.String
		ev.NodeID = nodeID.String
		ev.TaskID = taskID.String
		ev.UserID = userID.String
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &ev.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal event payload: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// EventRecorder appends published events to an EventStore. Its Record method
// is shaped to be registered as an event hub handler.
type EventRecorder struct {
	store  EventStore
	logger *slog.Logger
}

// NewEventRecorder creates a recorder writing to es.
func NewEventRecorder(es EventStore, logger *slog.Logger) *EventRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventRecorder{store: es, logger: logger}
}

// Record appends ev. Failures are logged, never returned to the publisher.
func (r *EventRecorder) Record(ev schema.Event) {
	if err := r.store.AppendEvent(context.Background(), &ev); err != nil {
		r.logger.Error("failed to record event",
			slog.String("event_type", ev.Type),
			slog.String("error", err.Error()),
		)
	}
}
