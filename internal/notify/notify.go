// Package notify delivers NOTIFICATION node and escalation messages.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/rendis/taskflow/internal/logging"
	"github.com/rendis/taskflow/pkg/schema"
)

// Topic is the watermill topic notifications are published on.
const Topic = "taskflow.notifications"

// Metadata keys set on every published message.
const (
	MetadataEvent    = "event"
	MetadataInstance = "instance_id"
	MetadataTask     = "task_id"
)

// Notification is a message addressed to one or more recipients.
type Notification struct {
	Event      string         `json:"event"`
	Recipients []string       `json:"recipients,omitempty"`
	Template   string         `json:"template,omitempty"`
	Variables  map[string]any `json:"variables,omitempty"`
	InstanceID string         `json:"instance_id,omitempty"`
	TaskID     string         `json:"task_id,omitempty"`
}

// Notifier sends notifications. Delivery is fire-and-forget from the caller's side.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// WatermillNotifier publishes notifications as JSON messages on a watermill publisher.
type WatermillNotifier struct {
	pub   message.Publisher
	topic string
}

// NewWatermillNotifier creates a notifier publishing to Topic.
func NewWatermillNotifier(pub message.Publisher) *WatermillNotifier {
	return &WatermillNotifier{pub: pub, topic: Topic}
}

// NewGoChannel creates the in-process pub/sub used when no broker is configured.
func NewGoChannel(logger *slog.Logger) *gochannel.GoChannel {
	return gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            256,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		watermill.NewSlogLogger(logger),
	)
}

func (w *WatermillNotifier) Send(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "notification is not JSON-encodable").WithCause(err)
	}

	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.Metadata.Set(MetadataEvent, n.Event)
	if n.InstanceID != "" {
		msg.Metadata.Set(MetadataInstance, n.InstanceID)
	}
	if n.TaskID != "" {
		msg.Metadata.Set(MetadataTask, n.TaskID)
	}
	msg.SetContext(ctx)

	if err := w.pub.Publish(w.topic, msg); err != nil {
		return schema.NewError(schema.ErrCodeExecution, "publish notification").WithCause(err)
	}
	return nil
}

// LogNotifier writes notifications to a logger and never fails.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier backed by logger.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Send(ctx context.Context, n Notification) error {
	logging.LogWith(ctx, l.logger).InfoContext(ctx, "notification",
		slog.String("event", n.Event),
		slog.Any("recipients", n.Recipients),
		slog.String("template", n.Template),
	)
	return nil
}

// Decode parses a message published by WatermillNotifier.
func Decode(msg *message.Message) (Notification, error) {
	var n Notification
	err := json.Unmarshal(msg.Payload, &n)
	return n, err
}

var (
	_ Notifier = (*WatermillNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
)
