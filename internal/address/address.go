// Package address parses and formats the two envelope address forms:
// agent:<name> and channel:<adapter>:<chat-id>.
package address

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind discriminates the two address forms.
type Kind string

const (
	KindAgent   Kind = "agent"
	KindChannel Kind = "channel"
)

// Address is a parsed envelope address. Exactly one form is populated:
// Agent for agent:<name>, Adapter+ChatID for channel:<adapter>:<chat-id>.
type Address struct {
	Kind    Kind
	Agent   string
	Adapter string
	ChatID  string
}

// agentNameRe validates agent names: lowercase alphanumeric with - and _,
// starting with a letter, 2..32 chars. Names are stored lowercase.
var agentNameRe = regexp.MustCompile(`^[a-z][a-z0-9_-]{1,31}$`)

// ValidAgentName reports whether name (after lowercasing) is a legal agent name.
func ValidAgentName(name string) bool {
	return agentNameRe.MatchString(strings.ToLower(name))
}

// NormalizeAgentName lowercases an agent name. Names are case-insensitive
// and compared in canonical lowercase form everywhere.
func NormalizeAgentName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Agent builds an agent address.
func Agent(name string) Address {
	return Address{Kind: KindAgent, Agent: NormalizeAgentName(name)}
}

// Channel builds a channel address.
func Channel(adapter, chatID string) Address {
	return Address{Kind: KindChannel, Adapter: adapter, ChatID: chatID}
}

// Parse is the single place address strings are taken apart.
func Parse(s string) (Address, error) {
	switch {
	case strings.HasPrefix(s, "agent:"):
		name := NormalizeAgentName(strings.TrimPrefix(s, "agent:"))
		if !ValidAgentName(name) {
			return Address{}, fmt.Errorf("invalid agent name %q", name)
		}
		return Address{Kind: KindAgent, Agent: name}, nil

	case strings.HasPrefix(s, "channel:"):
		rest := strings.TrimPrefix(s, "channel:")
		adapter, chatID, ok := strings.Cut(rest, ":")
		if !ok || adapter == "" || chatID == "" {
			return Address{}, fmt.Errorf("invalid channel address %q", s)
		}
		return Address{Kind: KindChannel, Adapter: adapter, ChatID: chatID}, nil
	}
	return Address{}, fmt.Errorf("unknown address form %q", s)
}

// String returns the canonical string form stored in the database.
func (a Address) String() string {
	switch a.Kind {
	case KindAgent:
		return "agent:" + a.Agent
	case KindChannel:
		return "channel:" + a.Adapter + ":" + a.ChatID
	}
	return ""
}

// IsAgent reports whether the address targets an agent inbox.
func (a Address) IsAgent() bool { return a.Kind == KindAgent }

// IsChannel reports whether the address targets a chat channel.
func (a Address) IsChannel() bool { return a.Kind == KindChannel }
