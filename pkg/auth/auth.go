// Package auth defines the authorization boundary the engine consumes:
// a per-request decision derived from a bearer credential by an
// external validator. The engine never sees how credentials are issued
// or verified, only the decision.
package auth

import "context"

// Decision is the outcome of validating one credential. It is
// recomputed per request and consumed once, never persisted.
type Decision struct {
	Authenticated bool
	Capabilities  []string
	Subject       string
}

// Missing returns the required capabilities not granted by the
// decision. A nil/empty requirement is always satisfied.
func (d *Decision) Missing(required []string) []string {
	if len(required) == 0 {
		return nil
	}
	granted := make(map[string]struct{}, len(d.Capabilities))
	for _, c := range d.Capabilities {
		granted[c] = struct{}{}
	}
	var missing []string
	for _, c := range required {
		if _, ok := granted[c]; !ok {
			missing = append(missing, c)
		}
	}
	return missing
}

// ValidateFunc validates a bearer credential and returns the decision.
// Implementations should return an unauthenticated decision, not an
// error, for credentials that are merely invalid; errors are for
// validator infrastructure failures.
type ValidateFunc func(ctx context.Context, credential string) (*Decision, error)

// StaticValidator builds a ValidateFunc from a fixed credential→grant
// table, for local and test deployments.
func StaticValidator(grants map[string]TokenGrant) ValidateFunc {
	return func(_ context.Context, credential string) (*Decision, error) {
		grant, ok := grants[credential]
		if !ok {
			return &Decision{}, nil
		}
		return &Decision{
			Authenticated: true,
			Capabilities:  grant.Capabilities,
			Subject:       grant.Subject,
		}, nil
	}
}

// AllowAll returns a ValidateFunc that authenticates every credential
// with the given capabilities. Test helper.
func AllowAll(capabilities ...string) ValidateFunc {
	return func(_ context.Context, _ string) (*Decision, error) {
		return &Decision{Authenticated: true, Capabilities: capabilities}, nil
	}
}
