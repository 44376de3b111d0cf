package workflow

import (
	"context"
	"log/slog"

	"aideps/internal/logging"
	"aideps/internal/notifications"
	"aideps/internal/stage"
)

// NotificationListener publishes finished workflows to a notifier.
type NotificationListener struct {
	notifier notifications.Service
	logger   *slog.Logger
	// Name resolves a display name for the document; optional.
	Name func(ctx context.Context, documentID string) string
}

// NewNotificationListener wraps notifier as a registry Listener.
func NewNotificationListener(notifier notifications.Service, logger *slog.Logger) *NotificationListener {
	return &NotificationListener{notifier: notifier, logger: logging.NewComponentLogger(logger, "notify")}
}

func (n *NotificationListener) StageCompleted(context.Context, Instance, stage.ID) {}

func (n *NotificationListener) StagesInvalidated(context.Context, Instance, stage.ID) {}

func (n *NotificationListener) WorkflowFinished(ctx context.Context, inst Instance) {
	if n == nil || n.notifier == nil {
		return
	}
	payload := notifications.Payload{"workflowID": inst.WorkflowID, "documentID": inst.DocumentID}
	if n.Name != nil {
		if name := n.Name(ctx, inst.DocumentID); name != "" {
			payload["name"] = name
		}
	}
	if err := n.notifier.Publish(ctx, notifications.EventWorkflowFinished, payload); err != nil {
		logging.WarnWithContext(logging.WithContext(ctx, n.logger), "workflow finished notification failed", "notification_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic"),
			logging.String(logging.FieldImpact, "user was not notified that reports are ready"),
		)
	}
}
