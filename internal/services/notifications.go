package services

import (
	"github.com/quickwind/workflow/internal/events"
	"github.com/quickwind/workflow/internal/logger"
)

// UserTaskNotifier listens for user task creation on the event bus and
// emits a notification per task. Transport is a structured log line; the
// hook exists so a mail or chat sender can replace it without touching the
// engine.
type UserTaskNotifier struct {
	cancel func()
	done   chan struct{}
}

// StartUserTaskNotifier subscribes to the bus and runs until Stop.
func StartUserTaskNotifier(bus *events.Bus) *UserTaskNotifier {
	ch, cancel := bus.Subscribe()
	n := &UserTaskNotifier{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(n.done)
		for event := range ch {
			if event.Type != events.EventUserTaskCreated {
				continue
			}
			name, _ := event.Payload["task_name"].(string)
			logger.Logger.Info().
				Str("tenant_id", event.TenantID).
				Str("instance_id", event.InstanceID).
				Str("task_id", event.TaskID).
				Str("task_name", name).
				Msg("User task ready for action")
		}
	}()
	return n
}

// Stop detaches the notifier and waits for its loop to exit.
func (n *UserTaskNotifier) Stop() {
	n.cancel()
	<-n.done
}
