package client

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/agent-comms/pkg/commsutil"
	"github.com/morezero/agent-comms/pkg/protocol"
	"github.com/morezero/agent-comms/pkg/protoerr"
	"github.com/morezero/agent-comms/pkg/stream"
)

const testPort = 14251

// startComms runs an embedded COMMS server plus a connection for the
// duration of the test.
func startComms(t *testing.T) *comms.Conn {
	t.Helper()

	opts := &commsserver.Options{
		Host:   "127.0.0.1",
		Port:   testPort,
		NoLog:  true,
		NoSigs: true,
	}
	ns, err := commsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("client:client_test - failed to create COMMS server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatal("client:client_test - COMMS server failed to start")
	}

	nc, err := comms.Connect(ns.ClientURL(), comms.Timeout(5*time.Second))
	if err != nil {
		ns.Shutdown()
		t.Fatalf("client:client_test - failed to connect: %v", err)
	}

	t.Cleanup(func() {
		nc.Close()
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return nc
}

// serveAgent subscribes a fake agent on its request subject.
func serveAgent(t *testing.T, nc *comms.Conn, identity string, handler func(req *protocol.Request, msg *comms.Msg)) {
	t.Helper()
	_, err := nc.Subscribe(commsutil.AgentSubject(identity), func(msg *comms.Msg) {
		req, perr := protocol.ValidateRequest(msg.Data)
		if perr != nil {
			t.Errorf("client:client_test - agent received invalid request: %v", perr)
			return
		}
		handler(req, msg)
	})
	if err != nil {
		t.Fatalf("client:client_test - failed to subscribe agent: %v", err)
	}
}

func TestClientCall(t *testing.T) {
	nc := startComms(t)

	serveAgent(t, nc, "worker", func(req *protocol.Request, msg *comms.Msg) {
		resp, _ := protocol.NewResult(req, "worker", map[string]string{"echo": req.Method})
		data, _ := json.Marshal(resp)
		_ = msg.Respond(data)
	})

	cl := New(nc, "caller", WithCredential("token-abc"))
	resp, err := cl.Call(context.Background(), "worker", "task.info", map[string]string{"taskId": "t-1"})
	if err != nil {
		t.Fatalf("client:client_test - Call() error = %v", err)
	}

	var result map[string]string
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("client:client_test - decoding result: %v", err)
	}
	if result["echo"] != "task.info" {
		t.Errorf("client:client_test - result echo = %q, want %q", result["echo"], "task.info")
	}
	if resp.Responder != "worker" {
		t.Errorf("client:client_test - responder = %q, want %q", resp.Responder, "worker")
	}
}

func TestClientCallCarriesCredentialHeader(t *testing.T) {
	nc := startComms(t)

	got := make(chan string, 1)
	serveAgent(t, nc, "worker", func(req *protocol.Request, msg *comms.Msg) {
		got <- msg.Header.Get(commsutil.HeaderAuthorization)
		resp, _ := protocol.NewResult(req, "worker", map[string]bool{"ok": true})
		data, _ := json.Marshal(resp)
		_ = msg.Respond(data)
	})

	cl := New(nc, "caller", WithCredential("token-abc"))
	if _, err := cl.Call(context.Background(), "worker", "task.info", nil); err != nil {
		t.Fatalf("client:client_test - Call() error = %v", err)
	}

	select {
	case cred := <-got:
		if cred != "token-abc" {
			t.Errorf("client:client_test - credential header = %q, want %q", cred, "token-abc")
		}
	case <-time.After(time.Second):
		t.Fatal("client:client_test - agent never saw the request")
	}
}

func TestClientCallErrorEnvelope(t *testing.T) {
	nc := startComms(t)

	serveAgent(t, nc, "worker", func(req *protocol.Request, msg *comms.Msg) {
		resp := protocol.NewError(req, "worker", &protoerr.Error{
			Code:    protoerr.CodeTaskNotFound,
			Message: "no such task",
		})
		data, _ := json.Marshal(resp)
		_ = msg.Respond(data)
	})

	cl := New(nc, "caller")
	resp, err := cl.Call(context.Background(), "worker", "task.info", map[string]string{"taskId": "missing"})
	if err == nil {
		t.Fatal("client:client_test - Call() error = nil, want task-namespace error")
	}

	var perr *protoerr.Error
	if !errors.As(err, &perr) {
		t.Fatalf("client:client_test - Call() error = %v, want *protoerr.Error", err)
	}
	if perr.Code != protoerr.CodeTaskNotFound {
		t.Errorf("client:client_test - error code = %d, want %d", perr.Code, protoerr.CodeTaskNotFound)
	}
	if resp == nil || resp.Error == nil {
		t.Error("client:client_test - error envelope not returned alongside the error")
	}
}

func TestClientCallTimeout(t *testing.T) {
	nc := startComms(t)

	// Agent that never replies.
	serveAgent(t, nc, "worker", func(_ *protocol.Request, _ *comms.Msg) {})

	cl := New(nc, "caller")
	_, err := cl.Call(context.Background(), "worker", "task.info", nil, CallTimeout(50*time.Millisecond))
	if !errors.Is(err, ErrTimedOut) {
		t.Errorf("client:client_test - Call() error = %v, want ErrTimedOut", err)
	}
}

func TestClientCallContextCancel(t *testing.T) {
	nc := startComms(t)

	serveAgent(t, nc, "worker", func(_ *protocol.Request, _ *comms.Msg) {})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	cl := New(nc, "caller")
	_, err := cl.Call(ctx, "worker", "task.info", nil)
	if !errors.Is(err, ErrCanceled) {
		t.Errorf("client:client_test - Call() error = %v, want ErrCanceled", err)
	}
}

func TestClientStream(t *testing.T) {
	nc := startComms(t)

	serveAgent(t, nc, "worker", func(req *protocol.Request, msg *comms.Msg) {
		go func() {
			parts := []string{"Hel", "lo"}
			for _, p := range parts {
				f := stream.Frame{Key: req.ID, Partial: mustJSON(map[string]string{"text": p})}
				data, _ := json.Marshal(f)
				_ = nc.Publish(msg.Reply, data)
			}
			term := stream.Frame{Key: req.ID, Done: true, Status: "COMPLETED"}
			data, _ := json.Marshal(term)
			_ = nc.Publish(msg.Reply, data)
		}()
	})

	cl := New(nc, "caller")
	recv, err := cl.Stream(context.Background(), "worker", "task.subscribe", map[string]string{"taskId": "t-1"})
	if err != nil {
		t.Fatalf("client:client_test - Stream() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	partials, terminal, perr := stream.Collect(ctx, recv)
	if perr != nil {
		t.Fatalf("client:client_test - Collect() error = %v", perr)
	}
	if len(partials) != 2 {
		t.Fatalf("client:client_test - got %d partials, want 2", len(partials))
	}
	var first map[string]string
	_ = json.Unmarshal(partials[0], &first)
	if first["text"] != "Hel" {
		t.Errorf("client:client_test - first partial = %q, want %q", first["text"], "Hel")
	}
	if terminal == nil || terminal.Status != "COMPLETED" {
		t.Errorf("client:client_test - terminal frame = %+v, want COMPLETED", terminal)
	}
}

func TestClientStreamCancelSignalsAgent(t *testing.T) {
	nc := startComms(t)

	canceled := make(chan string, 1)
	_, err := nc.Subscribe(commsutil.CancelSubject("worker"), func(msg *comms.Msg) {
		var sig map[string]string
		_ = json.Unmarshal(msg.Data, &sig)
		canceled <- sig["correlationKey"]
	})
	if err != nil {
		t.Fatalf("client:client_test - failed to subscribe cancel subject: %v", err)
	}

	// Agent that streams forever.
	serveAgent(t, nc, "worker", func(_ *protocol.Request, _ *comms.Msg) {})

	cl := New(nc, "caller")
	recv, err := cl.Stream(context.Background(), "worker", "chat.start", nil, WithRequestID("stream-1"))
	if err != nil {
		t.Fatalf("client:client_test - Stream() error = %v", err)
	}

	recv.Cancel()

	select {
	case key := <-canceled:
		if key != "stream-1" {
			t.Errorf("client:client_test - cancel correlation key = %q, want %q", key, "stream-1")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client:client_test - agent never received the cancel signal")
	}
}

func TestClientStreamTeardownAfterTerminal(t *testing.T) {
	nc := startComms(t)

	replySubject := make(chan string, 1)
	serveAgent(t, nc, "worker", func(req *protocol.Request, msg *comms.Msg) {
		replySubject <- msg.Reply
		term := stream.Frame{Key: req.ID, Done: true, Status: "COMPLETED"}
		data, _ := json.Marshal(term)
		_ = nc.Publish(msg.Reply, data)
	})

	cl := New(nc, "caller")
	recv, err := cl.Stream(context.Background(), "worker", "task.subscribe",
		map[string]string{"taskId": "t-1"}, WithRequestID("teardown-1"))
	if err != nil {
		t.Fatalf("client:client_test - Stream() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, terminal, perr := stream.Collect(ctx, recv)
	if perr != nil {
		t.Fatalf("client:client_test - Collect() error = %v", perr)
	}
	if terminal == nil || terminal.Status != "COMPLETED" {
		t.Fatalf("client:client_test - terminal frame = %+v, want COMPLETED", terminal)
	}

	// The inbox is torn down on the terminal frame; frames published
	// afterwards go nowhere and the receiver stays at end-of-stream.
	var reply string
	select {
	case reply = <-replySubject:
	case <-time.After(time.Second):
		t.Fatal("client:client_test - agent never saw the request")
	}
	late := stream.Frame{Key: "teardown-1", Partial: mustJSON(map[string]string{"text": "late"})}
	data, _ := json.Marshal(late)
	_ = nc.Publish(reply, data)

	time.Sleep(50 * time.Millisecond)
	if _, err := recv.Next(ctx); err == nil {
		t.Error("client:client_test - receiver delivered a frame after the terminal marker")
	}

	// Cancel after completion must be a harmless no-op.
	recv.Cancel()
}

func mustJSON(v interface{}) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
