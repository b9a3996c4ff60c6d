package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgLogPrefix = "store:postgres"

// watchPollInterval is how often a postgres watcher re-reads the task.
// Request/reply traffic does not flow through the database, so a short
// poll is enough for the change feed.
const watchPollInterval = time.Second

// PostgresStore is a Store backed by a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore with the given pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const taskColumns = `id, sender, handler, status, messages, created, modified`
const chatColumns = `id, participants, status, messages, created, modified`

// CreateTask creates a task in SUBMITTED status.
func (s *PostgresStore) CreateTask(ctx context.Context, params CreateTaskParams) (*Task, error) {
	slog.Debug(fmt.Sprintf("%s - CreateTask sender=%s handler=%s", pgLogPrefix, params.Sender, params.Handler))

	messages := []Message{}
	if params.Message != nil {
		msg := *params.Message
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now().UTC()
		}
		messages = append(messages, msg)
	}
	data, err := json.Marshal(messages)
	if err != nil {
		return nil, fmt.Errorf("%s - marshal messages: %w", pgLogPrefix, err)
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO tasks (sender, handler, status, messages)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+taskColumns,
		params.Sender, params.Handler, TaskSubmitted, data)

	return scanTask(row)
}

// GetTask returns the task by id.
func (s *PostgresStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1 LIMIT 1`, id)
	return scanTask(row)
}

// AppendTaskMessage appends a message to a non-terminal task.
func (s *PostgresStore) AppendTaskMessage(ctx context.Context, id string, msg Message) (*Task, error) {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return nil, ErrTaskCompleted
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("%s - marshal message: %w", pgLogPrefix, err)
	}

	row := s.pool.QueryRow(ctx,
		`UPDATE tasks
		 SET messages = messages || $2::jsonb, modified = now()
		 WHERE id = $1
		 RETURNING `+taskColumns,
		id, data)
	return scanTask(row)
}

// SetTaskStatus moves a non-terminal task to the given status.
func (s *PostgresStore) SetTaskStatus(ctx context.Context, id string, status TaskStatus) (*Task, error) {
	if !status.Valid() {
		return nil, ErrInvalidStatus
	}

	row := s.pool.QueryRow(ctx,
		`UPDATE tasks
		 SET status = $2, modified = now()
		 WHERE id = $1 AND status NOT IN ($3, $4, $5)
		 RETURNING `+taskColumns,
		id, status, TaskCompleted, TaskCanceled, TaskFailed)

	task, err := scanTask(row)
	if errors.Is(err, ErrTaskNotFound) {
		// Distinguish missing from already terminal.
		if _, getErr := s.GetTask(ctx, id); getErr == nil {
			return nil, ErrTaskCompleted
		}
		return nil, ErrTaskNotFound
	}
	return task, err
}

// CancelTask cancels a task that has not finished.
func (s *PostgresStore) CancelTask(ctx context.Context, id string) (*Task, error) {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status == TaskCompleted {
		return nil, ErrTaskCompleted
	}
	if task.Status.Terminal() {
		return nil, ErrTaskNotCancelable
	}

	row := s.pool.QueryRow(ctx,
		`UPDATE tasks
		 SET status = $2, modified = now()
		 WHERE id = $1 AND status NOT IN ($3, $4, $5)
		 RETURNING `+taskColumns,
		id, TaskCanceled, TaskCompleted, TaskCanceled, TaskFailed)

	canceled, err := scanTask(row)
	if errors.Is(err, ErrTaskNotFound) {
		// Lost the race to another writer.
		return nil, ErrTaskNotCancelable
	}
	return canceled, err
}

// WatchTask polls the task row and delivers a snapshot on every status
// change, starting with the current state.
func (s *PostgresStore) WatchTask(ctx context.Context, id string) (<-chan Task, error) {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	ch := make(chan Task, 8)
	ch <- *task
	if task.Status.Terminal() {
		close(ch)
		return ch, nil
	}

	go func() {
		defer close(ch)
		last := task.Status
		ticker := time.NewTicker(watchPollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			current, err := s.GetTask(ctx, id)
			if err != nil {
				slog.Warn(fmt.Sprintf("%s - WatchTask poll for %s: %v", pgLogPrefix, id, err))
				return
			}
			if current.Status == last {
				continue
			}
			last = current.Status

			select {
			case ch <- *current:
			case <-ctx.Done():
				return
			}
			if current.Status.Terminal() {
				return
			}
		}
	}()

	return ch, nil
}

// CreateChat creates a chat in ACTIVE status.
func (s *PostgresStore) CreateChat(ctx context.Context, params CreateChatParams) (*Chat, error) {
	messages := []Message{}
	if params.Message != nil {
		msg := *params.Message
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now().UTC()
		}
		messages = append(messages, msg)
	}
	msgData, err := json.Marshal(messages)
	if err != nil {
		return nil, fmt.Errorf("%s - marshal messages: %w", pgLogPrefix, err)
	}
	partData, err := json.Marshal(params.Participants)
	if err != nil {
		return nil, fmt.Errorf("%s - marshal participants: %w", pgLogPrefix, err)
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO chats (participants, status, messages)
		 VALUES ($1, $2, $3)
		 RETURNING `+chatColumns,
		partData, ChatActive, msgData)
	return scanChat(row)
}

// GetChat returns the chat by id.
func (s *PostgresStore) GetChat(ctx context.Context, id string) (*Chat, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+chatColumns+` FROM chats WHERE id = $1 LIMIT 1`, id)
	return scanChat(row)
}

// AppendChatMessage appends a message to an active chat.
func (s *PostgresStore) AppendChatMessage(ctx context.Context, id string, msg Message) (*Chat, error) {
	chat, err := s.GetChat(ctx, id)
	if err != nil {
		return nil, err
	}
	if chat.Status == ChatEnded {
		return nil, ErrChatEnded
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("%s - marshal message: %w", pgLogPrefix, err)
	}

	row := s.pool.QueryRow(ctx,
		`UPDATE chats
		 SET messages = messages || $2::jsonb, modified = now()
		 WHERE id = $1
		 RETURNING `+chatColumns,
		id, data)
	return scanChat(row)
}

// EndChat moves an active chat to ENDED.
func (s *PostgresStore) EndChat(ctx context.Context, id string) (*Chat, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE chats
		 SET status = $2, modified = now()
		 WHERE id = $1 AND status = $3
		 RETURNING `+chatColumns,
		id, ChatEnded, ChatActive)

	chat, err := scanChat(row)
	if errors.Is(err, ErrChatNotFound) {
		if _, getErr := s.GetChat(ctx, id); getErr == nil {
			return nil, ErrChatEnded
		}
		return nil, ErrChatNotFound
	}
	return chat, err
}

// Close closes the underlying pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	var messages []byte
	err := row.Scan(&t.ID, &t.Sender, &t.Handler, &t.Status, &messages, &t.Created, &t.Modified)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("%s - scan task: %w", pgLogPrefix, err)
	}
	if err := json.Unmarshal(messages, &t.Messages); err != nil {
		return nil, fmt.Errorf("%s - decode task messages: %w", pgLogPrefix, err)
	}
	return &t, nil
}

func scanChat(row pgx.Row) (*Chat, error) {
	var c Chat
	var participants, messages []byte
	err := row.Scan(&c.ID, &participants, &c.Status, &messages, &c.Created, &c.Modified)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChatNotFound
		}
		return nil, fmt.Errorf("%s - scan chat: %w", pgLogPrefix, err)
	}
	if err := json.Unmarshal(participants, &c.Participants); err != nil {
		return nil, fmt.Errorf("%s - decode chat participants: %w", pgLogPrefix, err)
	}
	if err := json.Unmarshal(messages, &c.Messages); err != nil {
		return nil, fmt.Errorf("%s - decode chat messages: %w", pgLogPrefix, err)
	}
	return &c, nil
}
