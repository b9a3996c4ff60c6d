package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/morezero/agent-comms/pkg/auth"
	"github.com/morezero/agent-comms/pkg/engine"
	"github.com/morezero/agent-comms/pkg/events"
	"github.com/morezero/agent-comms/pkg/protocol"
	"github.com/morezero/agent-comms/pkg/protoerr"
	"github.com/morezero/agent-comms/pkg/store"
)

const testIdentity = "worker"

type testRig struct {
	engine *engine.Engine
	store  *store.MemoryStore
	events []*events.TaskEvent
}

func setupRig(t *testing.T) *testRig {
	t.Helper()

	rig := &testRig{store: store.NewMemoryStore()}
	t.Cleanup(rig.store.Close)

	notifier := events.NewCallbackNotifier(func(_ context.Context, event *events.TaskEvent) error {
		rig.events = append(rig.events, event)
		return nil
	})

	rig.engine = engine.New(engine.Config{
		Identity:    testIdentity,
		AuthEnabled: true,
		Validator:   auth.AllowAll(CapabilityTaskRead, CapabilityTaskWrite, CapabilityChatWrite),
	})
	NewService(testIdentity, rig.store, notifier).RegisterAll(rig.engine)
	return rig
}

func call(t *testing.T, rig *testRig, method string, params interface{}) *protocol.Response {
	t.Helper()
	raw := request(t, method, params)
	result := rig.engine.Handle(context.Background(), raw, "any")
	if result.Response == nil {
		t.Fatalf("agent:agent_test - %s returned no unary response", method)
	}
	return result.Response
}

func request(t *testing.T, method string, params interface{}) json.RawMessage {
	t.Helper()
	req, err := protocol.EncodeRequest(method, "caller", testIdentity, params, "", "")
	if err != nil {
		t.Fatalf("agent:agent_test - EncodeRequest(%s) error = %v", method, err)
	}
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("agent:agent_test - marshal request: %v", err)
	}
	return data
}

func taskFromResponse(t *testing.T, resp *protocol.Response) *store.Task {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("agent:agent_test - unexpected error response: %v", resp.Error)
	}
	var result TaskResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("agent:agent_test - decode task result: %v", err)
	}
	if result.Type != "task" || result.Task == nil {
		t.Fatalf("agent:agent_test - malformed task result %+v", result)
	}
	return result.Task
}

func chatFromResponse(t *testing.T, resp *protocol.Response) *store.Chat {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("agent:agent_test - unexpected error response: %v", resp.Error)
	}
	var result ChatResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("agent:agent_test - decode chat result: %v", err)
	}
	if result.Type != "chat" || result.Chat == nil {
		t.Fatalf("agent:agent_test - malformed chat result %+v", result)
	}
	return result.Chat
}

func TestTaskCreateAndInfo(t *testing.T) {
	rig := setupRig(t)

	created := taskFromResponse(t, call(t, rig, "task.create", map[string]interface{}{
		"message": map[string]string{"role": "user", "text": "summarize this"},
	}))
	if created.Status != store.TaskSubmitted {
		t.Errorf("agent:agent_test - created status = %q, want %q", created.Status, store.TaskSubmitted)
	}
	if created.Sender != "caller" || created.Handler != testIdentity {
		t.Errorf("agent:agent_test - task routing = %s->%s, want caller->worker", created.Sender, created.Handler)
	}

	info := taskFromResponse(t, call(t, rig, "task.info", map[string]string{"taskId": created.ID}))
	if info.ID != created.ID {
		t.Errorf("agent:agent_test - info id = %q, want %q", info.ID, created.ID)
	}
	if len(info.Messages) != 1 {
		t.Errorf("agent:agent_test - info has %d messages, want 1", len(info.Messages))
	}

	// initialMessage is an accepted alias for message.
	aliased := taskFromResponse(t, call(t, rig, "task.create", map[string]interface{}{
		"initialMessage": map[string]string{"role": "user", "text": "translate this document"},
	}))
	if len(aliased.Messages) != 1 || aliased.Messages[0].Text != "translate this document" {
		t.Errorf("agent:agent_test - initialMessage alias not stored: %+v", aliased.Messages)
	}

	if len(rig.events) != 1 || rig.events[0].Status != string(store.TaskSubmitted) {
		t.Errorf("agent:agent_test - lifecycle events = %+v, want one SUBMITTED", rig.events)
	}
}

func TestTaskSendMovesSubmittedToWorking(t *testing.T) {
	rig := setupRig(t)

	created := taskFromResponse(t, call(t, rig, "task.create", map[string]interface{}{}))

	sent := taskFromResponse(t, call(t, rig, "task.send", map[string]interface{}{
		"taskId":  created.ID,
		"message": map[string]string{"role": "user", "text": "go"},
	}))
	if sent.Status != store.TaskWorking {
		t.Errorf("agent:agent_test - status after send = %q, want %q", sent.Status, store.TaskWorking)
	}
	if len(sent.Messages) != 1 {
		t.Errorf("agent:agent_test - task has %d messages, want 1", len(sent.Messages))
	}
}

func TestTaskCancel(t *testing.T) {
	rig := setupRig(t)

	created := taskFromResponse(t, call(t, rig, "task.create", map[string]interface{}{}))
	canceled := taskFromResponse(t, call(t, rig, "task.cancel", map[string]string{"taskId": created.ID}))
	if canceled.Status != store.TaskCanceled {
		t.Errorf("agent:agent_test - status = %q, want %q", canceled.Status, store.TaskCanceled)
	}

	resp := call(t, rig, "task.cancel", map[string]string{"taskId": created.ID})
	if resp.Error == nil || resp.Error.Code != protoerr.CodeTaskNotCancelable {
		t.Errorf("agent:agent_test - second cancel error = %+v, want code %d", resp.Error, protoerr.CodeTaskNotCancelable)
	}
}

func TestTaskErrorsCarryTaskNamespaceCodes(t *testing.T) {
	rig := setupRig(t)

	tests := []struct {
		name     string
		method   string
		params   interface{}
		wantCode int
	}{
		{"info of unknown task", "task.info", map[string]string{"taskId": "missing"}, protoerr.CodeTaskNotFound},
		{"cancel of unknown task", "task.cancel", map[string]string{"taskId": "missing"}, protoerr.CodeTaskNotFound},
		{"send without taskId", "task.send", map[string]interface{}{"message": map[string]string{"text": "x"}}, protoerr.CodeInvalidParams},
		{"send without message", "task.send", map[string]string{"taskId": "missing"}, protoerr.CodeInvalidParams},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := call(t, rig, tt.method, tt.params)
			if resp.Error == nil {
				t.Fatalf("agent:agent_test - %s succeeded, want error", tt.method)
			}
			if resp.Error.Code != tt.wantCode {
				t.Errorf("agent:agent_test - %s error code = %d, want %d", tt.method, resp.Error.Code, tt.wantCode)
			}
		})
	}
}

func TestTaskSendToFinishedTask(t *testing.T) {
	rig := setupRig(t)

	created := taskFromResponse(t, call(t, rig, "task.create", map[string]interface{}{}))
	if _, err := rig.store.SetTaskStatus(context.Background(), created.ID, store.TaskCompleted); err != nil {
		t.Fatalf("agent:agent_test - SetTaskStatus() error = %v", err)
	}

	resp := call(t, rig, "task.send", map[string]interface{}{
		"taskId":  created.ID,
		"message": map[string]string{"text": "too late"},
	})
	if resp.Error == nil || resp.Error.Code != protoerr.CodeTaskCompleted {
		t.Errorf("agent:agent_test - error = %+v, want code %d", resp.Error, protoerr.CodeTaskCompleted)
	}
}

func TestTaskSubscribeStreamsStatusChanges(t *testing.T) {
	rig := setupRig(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	created := taskFromResponse(t, call(t, rig, "task.create", map[string]interface{}{}))

	raw := request(t, "task.subscribe", map[string]string{"taskId": created.ID})
	result := rig.engine.Handle(ctx, raw, "any")
	if result.Frames == nil {
		t.Fatal("agent:agent_test - task.subscribe returned no stream")
	}
	defer result.Cancel()

	// First frame is the current state.
	first, err := result.Frames.Next(ctx)
	if err != nil {
		t.Fatalf("agent:agent_test - Next() error = %v", err)
	}
	var update TaskStatusUpdate
	if err := json.Unmarshal(first.Partial, &update); err != nil {
		t.Fatalf("agent:agent_test - decode status update: %v", err)
	}
	if update.Status != store.TaskSubmitted {
		t.Errorf("agent:agent_test - first status = %q, want %q", update.Status, store.TaskSubmitted)
	}

	go func() {
		_, _ = rig.store.SetTaskStatus(context.Background(), created.ID, store.TaskWorking)
		_, _ = rig.store.SetTaskStatus(context.Background(), created.ID, store.TaskCompleted)
	}()

	var statuses []store.TaskStatus
	for {
		f, err := result.Frames.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("agent:agent_test - Next() error = %v", err)
		}
		if f.Terminal() {
			if f.Status != string(store.TaskCompleted) {
				t.Errorf("agent:agent_test - terminal status = %q, want %q", f.Status, store.TaskCompleted)
			}
			break
		}
		if err := json.Unmarshal(f.Partial, &update); err != nil {
			t.Fatalf("agent:agent_test - decode status update: %v", err)
		}
		statuses = append(statuses, update.Status)
	}
	if len(statuses) != 2 || statuses[0] != store.TaskWorking || statuses[1] != store.TaskCompleted {
		t.Errorf("agent:agent_test - streamed statuses = %v, want [WORKING COMPLETED]", statuses)
	}
}

func TestChatStartStreamsReply(t *testing.T) {
	rig := setupRig(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	raw := request(t, "chat.start", map[string]interface{}{
		"message": map[string]string{"role": "user", "text": "hi"},
	})
	result := rig.engine.Handle(ctx, raw, "any")
	if result.Frames == nil {
		t.Fatal("agent:agent_test - chat.start returned no stream")
	}
	defer result.Cancel()

	first, err := result.Frames.Next(ctx)
	if err != nil {
		t.Fatalf("agent:agent_test - Next() error = %v", err)
	}
	var chatResult ChatResult
	if err := json.Unmarshal(first.Partial, &chatResult); err != nil {
		t.Fatalf("agent:agent_test - decode chat frame: %v", err)
	}
	if chatResult.Chat == nil || chatResult.Chat.Status != store.ChatActive {
		t.Fatalf("agent:agent_test - first frame chat = %+v, want ACTIVE chat", chatResult.Chat)
	}

	var text string
	for {
		f, err := result.Frames.Next(ctx)
		if err != nil {
			t.Fatalf("agent:agent_test - Next() error = %v", err)
		}
		if f.Terminal() {
			if f.Status != string(store.ChatActive) {
				t.Errorf("agent:agent_test - terminal status = %q, want %q", f.Status, store.ChatActive)
			}
			break
		}
		var fragment map[string]string
		if err := json.Unmarshal(f.Partial, &fragment); err != nil {
			t.Fatalf("agent:agent_test - decode fragment: %v", err)
		}
		text += fragment["text"]
	}
	if text != chatReply {
		t.Errorf("agent:agent_test - reassembled reply = %q, want %q", text, chatReply)
	}

	// The reply is also recorded on the chat.
	chat, err := rig.store.GetChat(context.Background(), chatResult.Chat.ID)
	if err != nil {
		t.Fatalf("agent:agent_test - GetChat() error = %v", err)
	}
	if len(chat.Messages) != 2 {
		t.Errorf("agent:agent_test - chat has %d messages, want 2", len(chat.Messages))
	}
}

func TestChatMessageAndEnd(t *testing.T) {
	rig := setupRig(t)

	chat, err := rig.store.CreateChat(context.Background(), store.CreateChatParams{
		Participants: []string{"caller", testIdentity},
	})
	if err != nil {
		t.Fatalf("agent:agent_test - CreateChat() error = %v", err)
	}

	updated := chatFromResponse(t, call(t, rig, "chat.message", map[string]interface{}{
		"chatId":  chat.ID,
		"message": map[string]string{"role": "user", "text": "still there?"},
	}))
	if len(updated.Messages) != 1 {
		t.Errorf("agent:agent_test - chat has %d messages, want 1", len(updated.Messages))
	}

	ended := chatFromResponse(t, call(t, rig, "chat.end", map[string]string{"chatId": chat.ID}))
	if ended.Status != store.ChatEnded {
		t.Errorf("agent:agent_test - status = %q, want %q", ended.Status, store.ChatEnded)
	}

	resp := call(t, rig, "chat.message", map[string]interface{}{
		"chatId":  chat.ID,
		"message": map[string]string{"text": "anyone?"},
	})
	if resp.Error == nil || resp.Error.Code != protoerr.CodeChatEnded {
		t.Errorf("agent:agent_test - error = %+v, want code %d", resp.Error, protoerr.CodeChatEnded)
	}

	missing := call(t, rig, "chat.end", map[string]string{"chatId": "missing"})
	if missing.Error == nil || missing.Error.Code != protoerr.CodeChatNotFound {
		t.Errorf("agent:agent_test - error = %+v, want code %d", missing.Error, protoerr.CodeChatNotFound)
	}
}

func TestEventNotifyRequiresNoCapability(t *testing.T) {
	rig := setupRig(t)

	// Rebuild the engine with a validator granting no capabilities.
	e := engine.New(engine.Config{
		Identity:    testIdentity,
		AuthEnabled: true,
		Validator:   auth.AllowAll(),
	})
	NewService(testIdentity, rig.store, &events.NoOpNotifier{}).RegisterAll(e)

	raw := request(t, "event.notify", &events.TaskEvent{
		TaskID:    "task-1",
		Status:    "COMPLETED",
		Agent:     "other",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	result := e.Handle(context.Background(), raw, "any")
	if result.Response == nil || result.Response.Error != nil {
		t.Fatalf("agent:agent_test - event.notify failed: %+v", result.Response)
	}

	// A capability-gated method is still denied.
	denied := e.Handle(context.Background(), request(t, "task.create", map[string]interface{}{}), "any")
	if denied.Response.Error == nil || denied.Response.Error.Code != protoerr.CodeInsufficientCapability {
		t.Errorf("agent:agent_test - task.create error = %+v, want code %d",
			denied.Response.Error, protoerr.CodeInsufficientCapability)
	}
}

func TestCatalogueRegistration(t *testing.T) {
	rig := setupRig(t)

	want := []string{
		"chat.end", "chat.message", "chat.start",
		"event.notify",
		"task.cancel", "task.create", "task.info", "task.send", "task.subscribe",
	}
	got := rig.engine.Methods()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("agent:agent_test - Methods() = %v, want %v", got, want)
	}

	if !rig.engine.Streaming("task.subscribe") || !rig.engine.Streaming("chat.start") {
		t.Error("agent:agent_test - streaming methods not flagged as streaming")
	}
	if rig.engine.Streaming("task.create") {
		t.Error("agent:agent_test - task.create flagged as streaming")
	}
}
