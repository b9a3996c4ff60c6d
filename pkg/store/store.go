// Package store persists tasks and chats behind a backend-neutral
// interface, with memory and postgres implementations.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// TaskStatus is the lifecycle status of a task.
type TaskStatus string

const (
	TaskSubmitted TaskStatus = "SUBMITTED"
	TaskWorking   TaskStatus = "WORKING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskCanceled  TaskStatus = "CANCELED"
	TaskFailed    TaskStatus = "FAILED"
)

// Terminal reports whether s is a final status.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskCanceled || s == TaskFailed
}

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskSubmitted, TaskWorking, TaskCompleted, TaskCanceled, TaskFailed:
		return true
	}
	return false
}

// ChatStatus is the lifecycle status of a chat.
type ChatStatus string

const (
	ChatActive ChatStatus = "ACTIVE"
	ChatEnded  ChatStatus = "ENDED"
)

// Sentinel errors mapped to protocol error codes at the handler layer.
var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrTaskCompleted     = errors.New("task already in a terminal status")
	ErrTaskNotCancelable = errors.New("task not cancelable")
	ErrChatNotFound      = errors.New("chat not found")
	ErrChatEnded         = errors.New("chat already ended")
	ErrInvalidStatus     = errors.New("invalid status")
)

// Message is one exchange entry on a task or chat.
type Message struct {
	Role      string          `json:"role"`
	Text      string          `json:"text,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Task is a unit of work submitted by one agent to another.
type Task struct {
	ID       string     `json:"taskId"`
	Sender   string     `json:"sender"`
	Handler  string     `json:"handler"`
	Status   TaskStatus `json:"status"`
	Messages []Message  `json:"messages"`
	Created  time.Time  `json:"created"`
	Modified time.Time  `json:"modified"`
}

// Chat is an ongoing conversation between agents.
type Chat struct {
	ID           string     `json:"chatId"`
	Participants []string   `json:"participants"`
	Status       ChatStatus `json:"status"`
	Messages     []Message  `json:"messages"`
	Created      time.Time  `json:"created"`
	Modified     time.Time  `json:"modified"`
}

// CreateTaskParams holds parameters for Store.CreateTask.
type CreateTaskParams struct {
	Sender  string
	Handler string
	Message *Message
}

// CreateChatParams holds parameters for Store.CreateChat.
type CreateChatParams struct {
	Participants []string
	Message      *Message
}

// Store is the persistence boundary for tasks and chats. All methods
// return snapshots; mutating a returned value never affects stored
// state.
type Store interface {
	CreateTask(ctx context.Context, params CreateTaskParams) (*Task, error)
	GetTask(ctx context.Context, id string) (*Task, error)
	AppendTaskMessage(ctx context.Context, id string, msg Message) (*Task, error)
	SetTaskStatus(ctx context.Context, id string, status TaskStatus) (*Task, error)
	CancelTask(ctx context.Context, id string) (*Task, error)

	// WatchTask delivers a snapshot after every status change, starting
	// with the current state. The channel closes once the task reaches
	// a terminal status or ctx is done.
	WatchTask(ctx context.Context, id string) (<-chan Task, error)

	CreateChat(ctx context.Context, params CreateChatParams) (*Chat, error)
	GetChat(ctx context.Context, id string) (*Chat, error)
	AppendChatMessage(ctx context.Context, id string, msg Message) (*Chat, error)
	EndChat(ctx context.Context, id string) (*Chat, error)

	Close()
}
