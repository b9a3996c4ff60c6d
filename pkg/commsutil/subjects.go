package commsutil

import (
	"fmt"
	"strings"
)

// HeaderAuthorization is the COMMS message header carrying the bearer
// credential for a request.
const HeaderAuthorization = "Authorization"

// AgentSubject builds the COMMS subject an agent serves requests on.
func AgentSubject(identity string) string {
	return fmt.Sprintf("agent.%s.v1", safeToken(identity))
}

// CancelSubject builds the COMMS subject an agent listens on for
// stream cancellation signals.
func CancelSubject(identity string) string {
	return fmt.Sprintf("agent.%s.cancel.v1", safeToken(identity))
}

// safeToken makes an agent identity usable as a single subject token.
func safeToken(identity string) string {
	replacer := strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")
	return replacer.Replace(identity)
}
