// Package authz resolves bearer tokens to principals and gates IPC
// operations by minimum permission level.
package authz

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hiboss-dev/hiboss/internal/store"
	"github.com/hiboss-dev/hiboss/pkg/protocol"
)

// Level is a totally ordered permission tier.
type Level int

const (
	LevelRestricted Level = iota
	LevelStandard
	LevelPrivileged
	LevelBoss
)

var levelNames = map[string]Level{
	"restricted": LevelRestricted,
	"standard":   LevelStandard,
	"privileged": LevelPrivileged,
	"boss":       LevelBoss,
}

// ParseLevel maps a level name to its ordering, or an error for unknown names.
func ParseLevel(name string) (Level, error) {
	l, ok := levelNames[name]
	if !ok {
		return 0, fmt.Errorf("unknown permission level %q", name)
	}
	return l, nil
}

func (l Level) String() string {
	for name, v := range levelNames {
		if v == l {
			return name
		}
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// ValidLevel reports whether name is a recognized level.
func ValidLevel(name string) bool {
	_, ok := levelNames[name]
	return ok
}

// Principal is a resolved caller: the boss, or one agent.
type Principal struct {
	IsBoss bool
	Agent  *store.Agent
	Level  Level
}

// Name returns "boss" or the agent name, for logs.
func (p *Principal) Name() string {
	if p.IsBoss {
		return "boss"
	}
	return p.Agent.Name
}

// ErrUnauthorized maps to the wire unauthorized code.
var ErrUnauthorized = errors.New("unauthorized")

// defaultPolicy is the compiled-in minimum level per operation. Entries
// absent here default to boss, so new methods fail closed.
var defaultPolicy = map[string]Level{
	protocol.MethodDaemonPing:   LevelRestricted,
	protocol.MethodDaemonStatus: LevelRestricted,
	protocol.MethodBossVerify:   LevelRestricted,
	protocol.MethodAgentSelf:    LevelRestricted,

	protocol.MethodEnvelopeSend: LevelRestricted,
	protocol.MethodEnvelopeGet:  LevelRestricted,
	protocol.MethodEnvelopeList: LevelStandard,
	protocol.MethodReactionSet:  LevelRestricted,

	protocol.MethodMemoryStore:  LevelRestricted,
	protocol.MethodMemoryRecall: LevelRestricted,
	protocol.MethodMemoryClear:  LevelStandard,

	protocol.MethodCronCreate:  LevelStandard,
	protocol.MethodCronList:    LevelStandard,
	protocol.MethodCronEnable:  LevelStandard,
	protocol.MethodCronDisable: LevelStandard,
	protocol.MethodCronDelete:  LevelStandard,

	protocol.MethodAgentList:    LevelStandard,
	protocol.MethodAgentStatus:  LevelStandard,
	protocol.MethodAgentRefresh: LevelStandard,

	protocol.MethodAgentRegister:         LevelBoss,
	protocol.MethodAgentSet:              LevelBoss,
	protocol.MethodAgentDelete:           LevelBoss,
	protocol.MethodAgentBind:             LevelBoss,
	protocol.MethodAgentUnbind:           LevelBoss,
	protocol.MethodAgentAbort:            LevelBoss,
	protocol.MethodAgentSessionPolicySet: LevelBoss,

	protocol.MethodSetupCheck:   LevelRestricted,
	protocol.MethodSetupExecute: LevelBoss,
}

// Authorizer resolves tokens against the store and applies the effective
// policy (compiled-in defaults overlaid with the stored permission_policy).
type Authorizer struct {
	store *store.Store
}

func New(s *store.Store) *Authorizer {
	return &Authorizer{store: s}
}

// Resolve maps a presented token to its principal, or ErrUnauthorized.
func (a *Authorizer) Resolve(token string) (*Principal, error) {
	if token == "" {
		return nil, fmt.Errorf("missing token: %w", ErrUnauthorized)
	}
	ok, err := a.store.VerifyBossToken(token)
	if err != nil {
		return nil, err
	}
	if ok {
		return &Principal{IsBoss: true, Level: LevelBoss}, nil
	}
	agent, err := a.store.FindAgentByToken(token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("unknown token: %w", ErrUnauthorized)
	}
	if err != nil {
		return nil, err
	}
	level, err := ParseLevel(agent.PermissionLevel)
	if err != nil {
		level = LevelRestricted
	}
	return &Principal{Agent: agent, Level: level}, nil
}

// Require fails with ErrUnauthorized unless the principal's level meets the
// operation's effective minimum.
func (a *Authorizer) Require(op string, p *Principal) error {
	required, err := a.requiredLevel(op)
	if err != nil {
		return err
	}
	if p.Level < required {
		return fmt.Errorf("%s requires %s, caller %s has %s: %w",
			op, required, p.Name(), p.Level, ErrUnauthorized)
	}
	return nil
}

func (a *Authorizer) requiredLevel(op string) (Level, error) {
	overrides, err := a.policyOverrides()
	if err != nil {
		return 0, err
	}
	if l, ok := overrides[op]; ok {
		return l, nil
	}
	if l, ok := defaultPolicy[op]; ok {
		return l, nil
	}
	return LevelBoss, nil
}

// policyOverrides decodes the stored permission_policy config, a v1
// document of the form {"version":1,"operations":{"op":"level"}}.
func (a *Authorizer) policyOverrides() (map[string]Level, error) {
	raw, err := a.store.GetConfig(store.ConfigPermissionPolicy)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var doc struct {
		Version    int               `json:"version"`
		Operations map[string]string `json:"operations"`
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decode permission policy: %w", err)
	}
	if doc.Version != 1 {
		return nil, fmt.Errorf("unsupported permission policy version %d", doc.Version)
	}
	out := make(map[string]Level, len(doc.Operations))
	for op, name := range doc.Operations {
		l, err := ParseLevel(name)
		if err != nil {
			return nil, fmt.Errorf("permission policy op %s: %w", op, err)
		}
		out[op] = l
	}
	return out, nil
}
