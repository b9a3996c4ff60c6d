package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. Watchers are push-based: every
// status change is delivered to open WatchTask channels directly.
type MemoryStore struct {
	mu       sync.Mutex
	tasks    map[string]*Task
	chats    map[string]*Chat
	watchers map[string][]chan Task
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:    make(map[string]*Task),
		chats:    make(map[string]*Chat),
		watchers: make(map[string][]chan Task),
	}
}

// CreateTask creates a task in SUBMITTED status.
func (s *MemoryStore) CreateTask(_ context.Context, params CreateTaskParams) (*Task, error) {
	now := time.Now().UTC()
	task := &Task{
		ID:       uuid.NewString(),
		Sender:   params.Sender,
		Handler:  params.Handler,
		Status:   TaskSubmitted,
		Messages: []Message{},
		Created:  now,
		Modified: now,
	}
	if params.Message != nil {
		msg := *params.Message
		if msg.Timestamp.IsZero() {
			msg.Timestamp = now
		}
		task.Messages = append(task.Messages, msg)
	}

	s.mu.Lock()
	s.tasks[task.ID] = task
	s.mu.Unlock()
	return snapshotTask(task), nil
}

// GetTask returns the task by id.
func (s *MemoryStore) GetTask(_ context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return snapshotTask(task), nil
}

// AppendTaskMessage appends a message to a non-terminal task.
func (s *MemoryStore) AppendTaskMessage(_ context.Context, id string, msg Message) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if task.Status.Terminal() {
		return nil, ErrTaskCompleted
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	task.Messages = append(task.Messages, msg)
	task.Modified = time.Now().UTC()
	return snapshotTask(task), nil
}

// SetTaskStatus moves a non-terminal task to the given status.
func (s *MemoryStore) SetTaskStatus(_ context.Context, id string, status TaskStatus) (*Task, error) {
	if !status.Valid() {
		return nil, ErrInvalidStatus
	}

	s.mu.Lock()
	task, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrTaskNotFound
	}
	if task.Status.Terminal() {
		s.mu.Unlock()
		return nil, ErrTaskCompleted
	}
	task.Status = status
	task.Modified = time.Now().UTC()
	snap := snapshotTask(task)
	s.notifyLocked(id, *snap)
	s.mu.Unlock()
	return snap, nil
}

// CancelTask cancels a task that has not finished.
func (s *MemoryStore) CancelTask(_ context.Context, id string) (*Task, error) {
	s.mu.Lock()
	task, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrTaskNotFound
	}
	if task.Status == TaskCompleted {
		s.mu.Unlock()
		return nil, ErrTaskCompleted
	}
	if task.Status.Terminal() {
		s.mu.Unlock()
		return nil, ErrTaskNotCancelable
	}
	task.Status = TaskCanceled
	task.Modified = time.Now().UTC()
	snap := snapshotTask(task)
	s.notifyLocked(id, *snap)
	s.mu.Unlock()
	return snap, nil
}

// WatchTask delivers status changes for one task.
func (s *MemoryStore) WatchTask(ctx context.Context, id string) (<-chan Task, error) {
	s.mu.Lock()
	task, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrTaskNotFound
	}
	snap := *snapshotTask(task)

	// Buffered so a slow consumer cannot stall the mutation path; a
	// task has few status transitions.
	ch := make(chan Task, 8)
	ch <- snap
	if snap.Status.Terminal() {
		close(ch)
		s.mu.Unlock()
		return ch, nil
	}
	s.watchers[id] = append(s.watchers[id], ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.dropWatcherLocked(id, ch)
		s.mu.Unlock()
	}()

	return ch, nil
}

// notifyLocked pushes a snapshot to the task's watchers. Caller holds
// the store lock.
func (s *MemoryStore) notifyLocked(id string, snap Task) {
	for _, ch := range s.watchers[id] {
		select {
		case ch <- snap:
		default:
		}
	}
	if snap.Status.Terminal() {
		for _, ch := range s.watchers[id] {
			close(ch)
		}
		delete(s.watchers, id)
	}
}

func (s *MemoryStore) dropWatcherLocked(id string, ch chan Task) {
	watchers := s.watchers[id]
	for i, w := range watchers {
		if w == ch {
			s.watchers[id] = append(watchers[:i], watchers[i+1:]...)
			close(ch)
			return
		}
	}
}

// CreateChat creates a chat in ACTIVE status.
func (s *MemoryStore) CreateChat(_ context.Context, params CreateChatParams) (*Chat, error) {
	now := time.Now().UTC()
	chat := &Chat{
		ID:           uuid.NewString(),
		Participants: append([]string{}, params.Participants...),
		Status:       ChatActive,
		Messages:     []Message{},
		Created:      now,
		Modified:     now,
	}
	if params.Message != nil {
		msg := *params.Message
		if msg.Timestamp.IsZero() {
			msg.Timestamp = now
		}
		chat.Messages = append(chat.Messages, msg)
	}

	s.mu.Lock()
	s.chats[chat.ID] = chat
	s.mu.Unlock()
	return snapshotChat(chat), nil
}

// GetChat returns the chat by id.
func (s *MemoryStore) GetChat(_ context.Context, id string) (*Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[id]
	if !ok {
		return nil, ErrChatNotFound
	}
	return snapshotChat(chat), nil
}

// AppendChatMessage appends a message to an active chat.
func (s *MemoryStore) AppendChatMessage(_ context.Context, id string, msg Message) (*Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[id]
	if !ok {
		return nil, ErrChatNotFound
	}
	if chat.Status == ChatEnded {
		return nil, ErrChatEnded
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	chat.Messages = append(chat.Messages, msg)
	chat.Modified = time.Now().UTC()
	return snapshotChat(chat), nil
}

// EndChat moves an active chat to ENDED.
func (s *MemoryStore) EndChat(_ context.Context, id string) (*Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[id]
	if !ok {
		return nil, ErrChatNotFound
	}
	if chat.Status == ChatEnded {
		return nil, ErrChatEnded
	}
	chat.Status = ChatEnded
	chat.Modified = time.Now().UTC()
	return snapshotChat(chat), nil
}

// Close releases watcher channels.
func (s *MemoryStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, watchers := range s.watchers {
		for _, ch := range watchers {
			close(ch)
		}
		delete(s.watchers, id)
	}
}

func snapshotTask(t *Task) *Task {
	snap := *t
	snap.Messages = append([]Message{}, t.Messages...)
	return &snap
}

func snapshotChat(c *Chat) *Chat {
	snap := *c
	snap.Participants = append([]string{}, c.Participants...)
	snap.Messages = append([]Message{}, c.Messages...)
	return &snap
}
