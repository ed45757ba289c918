package store

import "encoding/json"

// Provider names the CLI backing an agent's turns.
const (
	ProviderClaude = "claude"
	ProviderCodex  = "codex"
)

// ValidProvider reports whether p is a known provider.
func ValidProvider(p string) bool {
	return p == ProviderClaude || p == ProviderCodex
}

// Reasoning effort levels accepted on agents.
var ReasoningEfforts = []string{"none", "low", "medium", "high", "xhigh"}

// ValidReasoningEffort reports whether e is a known effort level ("" = unset).
func ValidReasoningEffort(e string) bool {
	if e == "" {
		return true
	}
	for _, v := range ReasoningEfforts {
		if v == e {
			return true
		}
	}
	return false
}

// Envelope status values. Transitions are one-way pending → done.
const (
	EnvelopeStatusPending = "pending"
	EnvelopeStatusDone    = "done"
)

// AgentRun status values.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

// MetadataKeySessionHandle is the reserved agent metadata key holding the
// persisted provider session handle. It is stripped from user input.
const MetadataKeySessionHandle = "sessionHandle"

// SessionPolicy controls when an agent's provider session is refreshed.
// Any subset of fields may be present.
type SessionPolicy struct {
	DailyResetAt     string `json:"dailyResetAt,omitempty"` // local "HH:MM"
	IdleTimeoutMs    int64  `json:"idleTimeoutMs,omitempty"`
	MaxContextLength int    `json:"maxContextLength,omitempty"`
}

// Agent is the persistent configuration for one AI worker.
type Agent struct {
	Name            string                     `json:"name"`
	TokenHash       string                     `json:"-"` // salt:hex, never serialized out
	Description     string                     `json:"description,omitempty"`
	Workspace       string                     `json:"workspace,omitempty"`
	Provider        string                     `json:"provider"`
	Model           string                     `json:"model,omitempty"`
	ReasoningEffort string                     `json:"reasoningEffort,omitempty"`
	PermissionLevel string                     `json:"permissionLevel"`
	SessionPolicy   SessionPolicy              `json:"sessionPolicy"`
	Metadata        map[string]json.RawMessage `json:"metadata,omitempty"`
	CreatedAt       int64                      `json:"createdAt"`
	LastSeenAt      *int64                     `json:"lastSeenAt,omitempty"`
}

// Binding authorizes an agent to send to, and receive from, one adapter.
type Binding struct {
	ID           string `json:"id"`
	AgentName    string `json:"agentName"`
	AdapterType  string `json:"adapterType"`
	AdapterToken string `json:"adapterToken"`
	CreatedAt    int64  `json:"createdAt"`
}

// Attachment references one file carried by an envelope.
type Attachment struct {
	Source   string `json:"source"`
	Filename string `json:"filename,omitempty"`
}

// EnvelopeContent is the payload of an envelope.
type EnvelopeContent struct {
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Parse modes accepted on channel-bound envelopes.
const (
	ParseModePlain      = "plain"
	ParseModeMarkdownV2 = "markdownv2"
	ParseModeHTML       = "html"
)

// ValidParseMode reports whether m is a known parse mode ("" = unset).
func ValidParseMode(m string) bool {
	return m == "" || m == ParseModePlain || m == ParseModeMarkdownV2 || m == ParseModeHTML
}

// EnvelopeMeta holds the recognized adapter-specific metadata keys.
// Unknown keys are rejected at the RPC boundary, not silently kept.
type EnvelopeMeta struct {
	ChannelMessageID  string `json:"channelMessageId,omitempty"`
	Author            string `json:"author,omitempty"`
	Chat              string `json:"chat,omitempty"`
	ParseMode         string `json:"parseMode,omitempty"`
	ReplyToMessageID  string `json:"replyToMessageId,omitempty"`
	ReplyToEnvelopeID string `json:"replyToEnvelopeId,omitempty"`
	CronScheduleID    string `json:"cronScheduleId,omitempty"`
	FromName          string `json:"fromName,omitempty"`
}

// IsZero reports whether no metadata key is set.
func (m *EnvelopeMeta) IsZero() bool {
	return m == nil || *m == EnvelopeMeta{}
}

// Envelope is the durable, addressed unit of communication.
// All times are milliseconds since the Unix epoch.
type Envelope struct {
	ID        string          `json:"id"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	FromBoss  bool            `json:"fromBoss"`
	Content   EnvelopeContent `json:"content"`
	Metadata  *EnvelopeMeta   `json:"metadata,omitempty"`
	DeliverAt *int64          `json:"deliverAt,omitempty"`
	Status    string          `json:"status"`
	CreatedAt int64           `json:"createdAt"`
}

// RunUsage carries token accounting for one turn. All values are ≥ 0;
// only ContextLength feeds policy decisions.
type RunUsage struct {
	ContextLength    int   `json:"contextLength,omitempty"`
	InputTokens      int64 `json:"inputTokens,omitempty"`
	OutputTokens     int64 `json:"outputTokens,omitempty"`
	CacheReadTokens  int64 `json:"cacheReadTokens,omitempty"`
	CacheWriteTokens int64 `json:"cacheWriteTokens,omitempty"`
	TotalTokens      int64 `json:"totalTokens,omitempty"`
}

// AgentRun is the audit record for one executor turn.
type AgentRun struct {
	ID          string   `json:"id"`
	AgentName   string   `json:"agentName"`
	EnvelopeIDs []string `json:"envelopeIds"`
	StartedAt   int64    `json:"startedAt"`
	CompletedAt *int64   `json:"completedAt,omitempty"`
	Status      string   `json:"status"`
	Response    string   `json:"response,omitempty"`
	Error       string   `json:"error,omitempty"`
	Usage       RunUsage `json:"usage"`
}

// CronSchedule materializes recurring work into envelopes, at most one
// outstanding pending envelope per schedule at any time.
type CronSchedule struct {
	ID                string          `json:"id"`
	AgentName         string          `json:"agentName"`
	Cron              string          `json:"cron"`
	Timezone          string          `json:"timezone,omitempty"`
	Enabled           bool            `json:"enabled"`
	To                string          `json:"to"`
	Content           EnvelopeContent `json:"content"`
	Metadata          *EnvelopeMeta   `json:"metadata,omitempty"`
	PendingEnvelopeID string          `json:"pendingEnvelopeId,omitempty"`
	CreatedAt         int64           `json:"createdAt"`
	UpdatedAt         *int64          `json:"updatedAt,omitempty"`
}

// Memory is one stored recall entry for an agent.
type Memory struct {
	ID        string `json:"id"`
	AgentName string `json:"agentName"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"createdAt"`
}

// Recognized config table keys.
const (
	ConfigSetupCompleted   = "setup_completed"
	ConfigBossTokenHash    = "boss_token_hash"
	ConfigBossName         = "boss_name"
	ConfigBossTimezone     = "boss_timezone"
	ConfigPermissionPolicy = "permission_policy"
)

// AdapterBossIDKey returns the config key holding the boss's own chat id
// on an adapter (e.g. adapter_boss_id_telegram).
func AdapterBossIDKey(adapterType string) string {
	return "adapter_boss_id_" + adapterType
}
