package events

import "context"

// Notifier pushes task lifecycle events to interested agents.
// Notification is best effort; a failed push never fails the operation
// that produced the event.
type Notifier interface {
	NotifyTask(ctx context.Context, event *TaskEvent) error
}

// NoOpNotifier is a Notifier that does nothing (for in-process usage
// without notifications).
type NoOpNotifier struct{}

// NotifyTask is a no-op.
func (n *NoOpNotifier) NotifyTask(_ context.Context, _ *TaskEvent) error {
	return nil
}

// CallbackNotifier is a Notifier that calls a callback function (for
// testing).
type CallbackNotifier struct {
	callback func(ctx context.Context, event *TaskEvent) error
}

// NewCallbackNotifier creates a new CallbackNotifier.
func NewCallbackNotifier(cb func(ctx context.Context, event *TaskEvent) error) *CallbackNotifier {
	return &CallbackNotifier{callback: cb}
}

// NotifyTask calls the callback.
func (n *CallbackNotifier) NotifyTask(ctx context.Context, event *TaskEvent) error {
	return n.callback(ctx, event)
}
