// Package identity defines how agent identifiers map onto Matrix names: the
// deterministic localpart derivation, canonical room naming, and the identity
// lifecycle states.
package identity

import (
	"fmt"
	"regexp"
	"strings"
)

// Identity lifecycle states. Transitions are idempotent; setting the current
// state again is a no-op.
const (
	StateUnknown      = "unknown"
	StateProvisioning = "provisioning"
	StateActive       = "active"
	StateRenaming     = "renaming"
	StateInactive     = "inactive"
)

// roomNameSuffix is appended to the agent name to form the canonical room
// name.
const roomNameSuffix = " - Agent Chat"

// validLocalpart matches the Matrix localpart character set.
var validLocalpart = regexp.MustCompile(`[^a-z0-9._\-/]`)

// DeriveLocalpart maps an agent id to its Matrix localpart: the well-known
// "agent-" prefix is stripped, hyphens become underscores, anything outside
// the localpart character set is dropped, and the result is prefixed with
// "agent_". The mapping is a pure function of the agent id, so renames never
// move an identity to a new mxid.
//
//	agent-597b5756-2915-4560-ba6b-91005f085166
//	  -> agent_597b5756_2915_4560_ba6b_91005f085166
func DeriveLocalpart(agentID string) (string, error) {
	base := strings.ToLower(agentID)
	base = strings.TrimPrefix(base, "agent-")
	base = strings.ReplaceAll(base, "-", "_")
	base = validLocalpart.ReplaceAllString(base, "")
	if base == "" {
		return "", fmt.Errorf("agent id %q produces an empty localpart", agentID)
	}
	return "agent_" + base, nil
}

// SuffixedLocalpart appends a numeric suffix for collision resolution. The
// earlier-created identity keeps the bare localpart; later colliders get
// _2, _3, and so on.
func SuffixedLocalpart(localpart string, n int) string {
	return fmt.Sprintf("%s_%d", localpart, n)
}

// CanonicalRoomName returns the required name of an agent's room.
func CanonicalRoomName(agentName string) string {
	return agentName + roomNameSuffix
}

// IsCanonicalRoomName reports whether name is the canonical room name for
// some agent.
func IsCanonicalRoomName(name string) bool {
	return strings.HasSuffix(name, roomNameSuffix)
}
