// Package events defines task lifecycle event types and notifier
// interfaces for pushing them to interested agents.
package events

// TaskEvent is emitted when a task changes status.
type TaskEvent struct {
	TaskID    string `json:"taskId"`
	Status    string `json:"status"`
	Agent     string `json:"agent"`
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"traceId,omitempty"`
}
