package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/agent-comms/pkg/commsutil"
	"github.com/morezero/agent-comms/pkg/protocol"
)

const commsNotifierLogPrefix = "events:comms_notifier"

// CommsNotifierOpts configures CommsNotifier.
type CommsNotifierOpts struct {
	// Subscribers lists the agent identities to push event.notify
	// requests to.
	Subscribers []string
}

// CommsNotifier pushes task events to subscriber agents as event.notify
// request envelopes over COMMS. No reply is expected: the envelope is
// published without a reply subject, fire and forget.
type CommsNotifier struct {
	nc          *comms.Conn
	sender      string
	subscribers []string
}

// NewCommsNotifier creates a CommsNotifier sending as the given agent
// identity. Pass nil for opts to notify nobody.
func NewCommsNotifier(nc *comms.Conn, sender string, opts *CommsNotifierOpts) *CommsNotifier {
	n := &CommsNotifier{nc: nc, sender: sender}
	if opts != nil {
		n.subscribers = opts.Subscribers
	}
	return n
}

// NotifyTask publishes the event to every subscriber. A push failure is
// logged and the remaining subscribers are still attempted; only the
// first failure is returned.
func (n *CommsNotifier) NotifyTask(_ context.Context, event *TaskEvent) error {
	var firstErr error
	for _, target := range n.subscribers {
		req, err := protocol.EncodeRequest("event.notify", n.sender, target, event, "", event.TraceID)
		if err != nil {
			return fmt.Errorf("%s - failed to encode event for %s: %w", commsNotifierLogPrefix, target, err)
		}
		data, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("%s - failed to encode event for %s: %w", commsNotifierLogPrefix, target, err)
		}

		if err := n.nc.Publish(commsutil.AgentSubject(target), data); err != nil {
			slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsNotifierLogPrefix, target, err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		slog.Debug(fmt.Sprintf("%s - Published task event %s/%s to %s", commsNotifierLogPrefix, event.TaskID, event.Status, target))
	}
	return firstErr
}
