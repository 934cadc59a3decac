package sequence

import (
	"encoding/json"
	"time"
)

// Policy captures everything that differs between a pairing Engine and
// a session Engine, per spec.md §9's "single generic state-machine
// parameterized by two policy objects (TTL defaults, permission merge
// functions, method namespace) plus a sum type over the sequence
// payload" design note. The sum type is realized as the Engine's S
// type parameter (PairingState or SessionState); this struct carries
// the rest.
type Policy[S any] struct {
	// Kind is the metrics/event label: "pairing" or "session".
	Kind string
	// MethodNamespace prefixes every JSON-RPC method this engine sends
	// or dispatches, e.g. "wc_pairing" + "Approve" = "wc_pairingApprove".
	MethodNamespace string

	ProposalTTL time.Duration
	SettledTTL  time.Duration

	// DefaultPermissions is used when a caller doesn't supply explicit
	// permissions to Propose.
	DefaultPermissions func() Permissions

	// AllowedUpdateKeys restricts which top-level JSON keys of S an
	// `update` call may touch. nil means every key is mergeable
	// (sessions); a non-nil set restricts to those keys (pairings:
	// metadata only).
	AllowedUpdateKeys map[string]bool

	// RequireControllerForUpdate enforces that only the controller
	// participant may call Update (pairings); sessions allow either
	// side, limited by AllowedUpdateKeys per side in practice via the
	// caller only ever touching fields it owns.
	RequireControllerForUpdate bool
}

// mergeState shallow-merges patch's top-level JSON keys into current,
// restricted to AllowedUpdateKeys when set, per spec.md §4.4's pairing
// ("only state.metadata is mergeable") and session ("shallow merge")
// update rules.
func (p Policy[S]) mergeState(current S, patch json.RawMessage) (S, error) {
	var zero S

	curRaw, err := json.Marshal(current)
	if err != nil {
		return zero, err
	}
	var curMap map[string]json.RawMessage
	if err := json.Unmarshal(curRaw, &curMap); err != nil {
		return zero, err
	}
	if curMap == nil {
		curMap = map[string]json.RawMessage{}
	}

	var patchMap map[string]json.RawMessage
	if err := json.Unmarshal(patch, &patchMap); err != nil {
		return zero, err
	}
	for k, v := range patchMap {
		if p.AllowedUpdateKeys == nil || p.AllowedUpdateKeys[k] {
			curMap[k] = v
		}
	}

	mergedRaw, err := json.Marshal(curMap)
	if err != nil {
		return zero, err
	}
	var out S
	if err := json.Unmarshal(mergedRaw, &out); err != nil {
		return zero, err
	}
	return out, nil
}

// NewPairingPolicy builds the Policy used for pairing sequences with
// the protocol's default TTLs. Use NewPairingPolicyWithTTLs to override
// them (e.g. from a loaded config.Config).
func NewPairingPolicy() Policy[PairingState] {
	return NewPairingPolicyWithTTLs(0, 0)
}

// NewPairingPolicyWithTTLs builds the pairing Policy, substituting the
// protocol defaults (5m proposal / 30d settled) for any zero duration.
func NewPairingPolicyWithTTLs(proposalTTL, settledTTL time.Duration) Policy[PairingState] {
	if proposalTTL <= 0 {
		proposalTTL = 5 * time.Minute
	}
	if settledTTL <= 0 {
		settledTTL = 30 * 24 * time.Hour
	}
	return Policy[PairingState]{
		Kind:            "pairing",
		MethodNamespace: "wc_pairing",
		ProposalTTL:     proposalTTL,
		SettledTTL:      settledTTL,
		DefaultPermissions: func() Permissions {
			return Permissions{
				JSONRPC:       JSONRPCPermissions{Methods: []string{"wc_sessionPropose"}},
				Notifications: NotificationPermissions{Types: []string{}},
			}
		},
		AllowedUpdateKeys:          map[string]bool{"metadata": true},
		RequireControllerForUpdate: true,
	}
}

// NewSessionPolicy builds the Policy used for session sequences with
// the protocol's default TTLs. Use NewSessionPolicyWithTTLs to override
// them (e.g. from a loaded config.Config).
func NewSessionPolicy() Policy[SessionState] {
	return NewSessionPolicyWithTTLs(0, 0)
}

// NewSessionPolicyWithTTLs builds the session Policy, substituting the
// protocol defaults (5m proposal / 7d settled) for any zero duration.
func NewSessionPolicyWithTTLs(proposalTTL, settledTTL time.Duration) Policy[SessionState] {
	if proposalTTL <= 0 {
		proposalTTL = 5 * time.Minute
	}
	if settledTTL <= 0 {
		settledTTL = 7 * 24 * time.Hour
	}
	return Policy[SessionState]{
		Kind:            "session",
		MethodNamespace: "wc_session",
		ProposalTTL:     proposalTTL,
		SettledTTL:      settledTTL,
		DefaultPermissions: func() Permissions {
			return Permissions{
				JSONRPC:       JSONRPCPermissions{Methods: []string{}},
				Notifications: NotificationPermissions{Types: []string{}},
			}
		},
		AllowedUpdateKeys:          nil,
		RequireControllerForUpdate: false,
	}
}
