// Package agent implements the method catalogue a task-serving agent
// exposes over the protocol engine: the task lifecycle, chats, and
// push notifications, all backed by the task/chat store.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/morezero/agent-comms/pkg/engine"
	"github.com/morezero/agent-comms/pkg/events"
	"github.com/morezero/agent-comms/pkg/protoerr"
	"github.com/morezero/agent-comms/pkg/store"
	"github.com/morezero/agent-comms/pkg/stream"
)

const logPrefix = "agent:agent"

// Capability names required by the method catalogue.
const (
	CapabilityTaskRead  = "task.read"
	CapabilityTaskWrite = "task.write"
	CapabilityChatWrite = "chat.write"
)

// Service serves the agent method catalogue against a store.
type Service struct {
	identity string
	store    store.Store
	notifier events.Notifier
}

// NewService creates a Service for the given agent identity. Pass a
// NoOpNotifier to disable lifecycle notifications.
func NewService(identity string, st store.Store, notifier events.Notifier) *Service {
	if notifier == nil {
		notifier = &events.NoOpNotifier{}
	}
	return &Service{identity: identity, store: st, notifier: notifier}
}

// RegisterAll binds the full method catalogue on the engine.
func (s *Service) RegisterAll(e *engine.Engine) {
	e.RegisterUnary("task.create", s.TaskCreate, CapabilityTaskWrite)
	e.RegisterUnary("task.send", s.TaskSend, CapabilityTaskWrite)
	e.RegisterUnary("task.info", s.TaskInfo, CapabilityTaskRead)
	e.RegisterUnary("task.cancel", s.TaskCancel, CapabilityTaskWrite)
	e.RegisterStream("task.subscribe", s.TaskSubscribe, CapabilityTaskRead)
	e.RegisterStream("chat.start", s.ChatStart, CapabilityChatWrite)
	e.RegisterUnary("chat.message", s.ChatMessage, CapabilityChatWrite)
	e.RegisterUnary("chat.end", s.ChatEnd, CapabilityChatWrite)
	e.RegisterUnary("event.notify", s.EventNotify)
}

// TaskResult is the unary result shape for task methods.
type TaskResult struct {
	Type string      `json:"type"`
	Task *store.Task `json:"task"`
}

// ChatResult is the unary result shape for chat methods.
type ChatResult struct {
	Type string      `json:"type"`
	Chat *store.Chat `json:"chat"`
}

type messageParam struct {
	Role string          `json:"role"`
	Text string          `json:"text,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (m *messageParam) toMessage() store.Message {
	role := m.Role
	if role == "" {
		role = "user"
	}
	return store.Message{Role: role, Text: m.Text, Data: m.Data}
}

type taskCreateParams struct {
	Message *messageParam `json:"message"`
	// initialMessage is an accepted alias for message.
	InitialMessage *messageParam `json:"initialMessage"`
}

func (p *taskCreateParams) message() *messageParam {
	if p.Message != nil {
		return p.Message
	}
	return p.InitialMessage
}

// TaskCreate creates a new task owned by this agent.
func (s *Service) TaskCreate(ctx context.Context, params json.RawMessage, call *engine.Call) (interface{}, error) {
	var p taskCreateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protoerr.InvalidParams(call.Method, err)
	}

	createParams := store.CreateTaskParams{
		Sender:  call.Sender,
		Handler: s.identity,
	}
	if msg := p.message(); msg != nil {
		m := msg.toMessage()
		createParams.Message = &m
	}

	task, err := s.store.CreateTask(ctx, createParams)
	if err != nil {
		return nil, s.taskError(err, "")
	}

	slog.Info(fmt.Sprintf("%s - Task %s created by %s", logPrefix, task.ID, call.Sender))
	s.notify(task, call.TraceID)
	return &TaskResult{Type: "task", Task: task}, nil
}

type taskRefParams struct {
	TaskID  string        `json:"taskId"`
	Message *messageParam `json:"message,omitempty"`
}

// TaskSend appends a message to an open task. The first message moves a
// SUBMITTED task to WORKING.
func (s *Service) TaskSend(ctx context.Context, params json.RawMessage, call *engine.Call) (interface{}, error) {
	p, perr := decodeTaskRef(params, call.Method)
	if perr != nil {
		return nil, perr
	}
	if p.Message == nil {
		return nil, protoerr.InvalidParams(call.Method, errors.New("missing message"))
	}

	task, err := s.store.AppendTaskMessage(ctx, p.TaskID, p.Message.toMessage())
	if err != nil {
		return nil, s.taskError(err, p.TaskID)
	}

	if task.Status == store.TaskSubmitted {
		task, err = s.store.SetTaskStatus(ctx, p.TaskID, store.TaskWorking)
		if err != nil {
			return nil, s.taskError(err, p.TaskID)
		}
		s.notify(task, call.TraceID)
	}
	return &TaskResult{Type: "task", Task: task}, nil
}

// TaskInfo returns the current task state.
func (s *Service) TaskInfo(ctx context.Context, params json.RawMessage, call *engine.Call) (interface{}, error) {
	p, perr := decodeTaskRef(params, call.Method)
	if perr != nil {
		return nil, perr
	}

	task, err := s.store.GetTask(ctx, p.TaskID)
	if err != nil {
		return nil, s.taskError(err, p.TaskID)
	}
	return &TaskResult{Type: "task", Task: task}, nil
}

// TaskCancel cancels an unfinished task.
func (s *Service) TaskCancel(ctx context.Context, params json.RawMessage, call *engine.Call) (interface{}, error) {
	p, perr := decodeTaskRef(params, call.Method)
	if perr != nil {
		return nil, perr
	}

	task, err := s.store.CancelTask(ctx, p.TaskID)
	if err != nil {
		return nil, s.taskError(err, p.TaskID)
	}

	slog.Info(fmt.Sprintf("%s - Task %s canceled by %s", logPrefix, task.ID, call.Sender))
	s.notify(task, call.TraceID)
	return &TaskResult{Type: "task", Task: task}, nil
}

// TaskStatusUpdate is the partial result shape emitted by
// task.subscribe for each status change.
type TaskStatusUpdate struct {
	Type   string           `json:"type"`
	TaskID string           `json:"taskId"`
	Status store.TaskStatus `json:"status"`
}

// TaskSubscribe streams the task's status changes, starting with the
// current state, until the task reaches a terminal status.
func (s *Service) TaskSubscribe(ctx context.Context, params json.RawMessage, call *engine.Call, w *stream.Writer) error {
	p, perr := decodeTaskRef(params, call.Method)
	if perr != nil {
		return perr
	}

	watch, err := s.store.WatchTask(ctx, p.TaskID)
	if err != nil {
		return s.taskError(err, p.TaskID)
	}

	var last store.TaskStatus
	for snap := range watch {
		last = snap.Status
		update := TaskStatusUpdate{Type: "task-status", TaskID: snap.ID, Status: snap.Status}
		if err := w.Send(ctx, update); err != nil {
			return nil
		}
	}
	if last.Terminal() {
		return w.Complete(ctx, string(last))
	}
	// Watch ended without a terminal status (context canceled).
	return nil
}

type chatStartParams struct {
	Message *messageParam `json:"message"`
}

// chatReply is the canned assistant reply a chat opens with, streamed
// in fragments to exercise incremental consumption on the caller side.
const chatReply = "Hello! How can I help?"

// ChatStart opens a chat with the sender and streams the opening reply
// in fragments. The terminal frame carries the chat status.
func (s *Service) ChatStart(ctx context.Context, params json.RawMessage, call *engine.Call, w *stream.Writer) error {
	var p chatStartParams
	if err := json.Unmarshal(params, &p); err != nil {
		return protoerr.InvalidParams(call.Method, err)
	}

	createParams := store.CreateChatParams{
		Participants: []string{call.Sender, s.identity},
	}
	if p.Message != nil {
		msg := p.Message.toMessage()
		createParams.Message = &msg
	}

	chat, err := s.store.CreateChat(ctx, createParams)
	if err != nil {
		return s.chatError(err, "")
	}
	slog.Info(fmt.Sprintf("%s - Chat %s started by %s", logPrefix, chat.ID, call.Sender))

	if err := w.Send(ctx, &ChatResult{Type: "chat", Chat: chat}); err != nil {
		return nil
	}
	for _, fragment := range fragments(chatReply, 8) {
		if err := w.Send(ctx, map[string]string{"type": "chat-fragment", "chatId": chat.ID, "text": fragment}); err != nil {
			return nil
		}
	}

	if _, err := s.store.AppendChatMessage(ctx, chat.ID, store.Message{
		Role:      "agent",
		Text:      chatReply,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		return s.chatError(err, chat.ID)
	}
	return w.Complete(ctx, string(store.ChatActive))
}

type chatRefParams struct {
	ChatID  string        `json:"chatId"`
	Message *messageParam `json:"message,omitempty"`
}

// ChatMessage appends a message to an active chat.
func (s *Service) ChatMessage(ctx context.Context, params json.RawMessage, call *engine.Call) (interface{}, error) {
	var p chatRefParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protoerr.InvalidParams(call.Method, err)
	}
	if p.ChatID == "" {
		return nil, protoerr.InvalidParams(call.Method, errors.New("missing chatId"))
	}
	if p.Message == nil {
		return nil, protoerr.InvalidParams(call.Method, errors.New("missing message"))
	}

	chat, err := s.store.AppendChatMessage(ctx, p.ChatID, p.Message.toMessage())
	if err != nil {
		return nil, s.chatError(err, p.ChatID)
	}
	return &ChatResult{Type: "chat", Chat: chat}, nil
}

// ChatEnd ends an active chat.
func (s *Service) ChatEnd(ctx context.Context, params json.RawMessage, call *engine.Call) (interface{}, error) {
	var p chatRefParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protoerr.InvalidParams(call.Method, err)
	}
	if p.ChatID == "" {
		return nil, protoerr.InvalidParams(call.Method, errors.New("missing chatId"))
	}

	chat, err := s.store.EndChat(ctx, p.ChatID)
	if err != nil {
		return nil, s.chatError(err, p.ChatID)
	}
	slog.Info(fmt.Sprintf("%s - Chat %s ended by %s", logPrefix, chat.ID, call.Sender))
	return &ChatResult{Type: "chat", Chat: chat}, nil
}

// EventNotify receives a push notification. The reply carries a bare
// acknowledgement; callers ignore its content.
func (s *Service) EventNotify(_ context.Context, params json.RawMessage, call *engine.Call) (interface{}, error) {
	var event events.TaskEvent
	if err := json.Unmarshal(params, &event); err != nil {
		return nil, protoerr.InvalidParams(call.Method, err)
	}
	slog.Info(fmt.Sprintf("%s - Event from %s: task %s is %s", logPrefix, call.Sender, event.TaskID, event.Status))
	return map[string]bool{"acknowledged": true}, nil
}

// notify publishes a lifecycle event, fire and forget.
func (s *Service) notify(task *store.Task, traceID string) {
	event := &events.TaskEvent{
		TaskID:    task.ID,
		Status:    string(task.Status),
		Agent:     s.identity,
		Timestamp: task.Modified.UTC().Format(time.RFC3339),
		TraceID:   traceID,
	}
	if err := s.notifier.NotifyTask(context.Background(), event); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to notify task %s: %v", logPrefix, task.ID, err))
	}
}

func decodeTaskRef(params json.RawMessage, method string) (*taskRefParams, *protoerr.Error) {
	var p taskRefParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protoerr.InvalidParams(method, err)
	}
	if p.TaskID == "" {
		return nil, protoerr.InvalidParams(method, errors.New("missing taskId"))
	}
	return &p, nil
}

// taskError maps store sentinels to task-namespace protocol errors.
func (s *Service) taskError(err error, taskID string) error {
	details := map[string]interface{}{"taskId": taskID}
	switch {
	case errors.Is(err, store.ErrTaskNotFound):
		return protoerr.New(protoerr.NamespaceTask, 1, fmt.Sprintf("task %q not found", taskID), details)
	case errors.Is(err, store.ErrTaskCompleted):
		return protoerr.New(protoerr.NamespaceTask, 2, fmt.Sprintf("task %q already finished", taskID), details)
	case errors.Is(err, store.ErrTaskNotCancelable):
		return protoerr.New(protoerr.NamespaceTask, 3, fmt.Sprintf("task %q cannot be canceled", taskID), details)
	}
	return err
}

// chatError maps store sentinels to chat-namespace protocol errors.
func (s *Service) chatError(err error, chatID string) error {
	details := map[string]interface{}{"chatId": chatID}
	switch {
	case errors.Is(err, store.ErrChatNotFound):
		return protoerr.New(protoerr.NamespaceChat, 1, fmt.Sprintf("chat %q not found", chatID), details)
	case errors.Is(err, store.ErrChatEnded):
		return protoerr.New(protoerr.NamespaceChat, 2, fmt.Sprintf("chat %q already ended", chatID), details)
	}
	return err
}

// fragments splits text into chunks of at most size bytes on rune
// boundaries.
func fragments(text string, size int) []string {
	var out []string
	var b strings.Builder
	for _, r := range text {
		b.WriteRune(r)
		if b.Len() >= size {
			out = append(out, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}
