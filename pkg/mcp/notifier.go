package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/taskflow/internal/notify"
	"github.com/rendis/taskflow/internal/streaming"
	"github.com/rendis/taskflow/pkg/schema"
)

// UserNotifier pushes notifications to connected users.
type UserNotifier interface {
	Notify(ctx context.Context, userID string, payload map[string]any) error
}

// MCPNotifier implements UserNotifier using MCP server push.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes to MCP sessions.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the user's session.
// Best-effort: returns nil if the user is not connected.
func (n *MCPNotifier) Notify(_ context.Context, userID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(userID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// Send delivers note to every connected recipient.
func (n *MCPNotifier) Send(ctx context.Context, note notify.Notification) error {
	payload := map[string]any{
		"event":       note.Event,
		"template":    note.Template,
		"variables":   note.Variables,
		"instance_id": note.InstanceID,
		"task_id":     note.TaskID,
	}
	var errs []error
	for _, r := range note.Recipients {
		if err := n.Notify(ctx, r, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// userEvents are pushed to the user named on the event.
var userEvents = []string{
	schema.EventTaskAssigned,
	schema.EventTaskReassigned,
	schema.EventTaskDelegated,
	schema.EventTaskEscalated,
	schema.EventSLAAtRisk,
	schema.EventSLABreached,
}

// ForwardEvents subscribes to hub and pushes events addressed to users:
// task events go to the event's user, approval requests to the approvers and
// notification requests to the recipients. The returned func unsubscribes.
func ForwardEvents(hub streaming.EventHub, n UserNotifier, logger *slog.Logger) (stop func()) {
	if logger == nil {
		logger = slog.Default()
	}
	push := func(ev schema.Event, users []string) {
		payload := map[string]any{
			"type":        ev.Type,
			"instance_id": ev.InstanceID,
			"node_id":     ev.NodeID,
			"task_id":     ev.TaskID,
			"payload":     ev.Payload,
			"at":          ev.At,
		}
		for _, u := range users {
			if u == "" {
				continue
			}
			if err := n.Notify(context.Background(), u, payload); err != nil {
				logger.Warn("push notification failed",
					slog.String("event_type", ev.Type),
					slog.String("user_id", u),
					slog.String("error", err.Error()))
			}
		}
	}

	var ids []streaming.HandlerID
	for _, typ := range userEvents {
		ids = append(ids, hub.On(typ, func(ev schema.Event) {
			push(ev, []string{ev.UserID})
		}))
	}
	ids = append(ids, hub.On(schema.EventApprovalRequested, func(ev schema.Event) {
		push(ev, stringList(ev.Payload["approvers"]))
	}))
	ids = append(ids, hub.On(schema.EventNotificationRequest, func(ev schema.Event) {
		push(ev, stringList(ev.Payload["recipients"]))
	}))

	return func() {
		for _, id := range ids {
			hub.Off(id)
		}
	}
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{list}
	}
	return nil
}

var _ notify.Notifier = (*MCPNotifier)(nil)
