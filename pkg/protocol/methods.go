package protocol

// RPC method name constants, grouped by handler area.

// Daemon and setup.
const (
	MethodDaemonPing   = "daemon.ping"
	MethodDaemonStatus = "daemon.status"

	MethodSetupCheck   = "setup.check"
	MethodSetupExecute = "setup.execute"

	MethodBossVerify = "boss.verify"
)

// Agent management.
const (
	MethodAgentRegister = "agent.register"
	MethodAgentList     = "agent.list"
	MethodAgentStatus   = "agent.status"
	MethodAgentSet      = "agent.set"
	MethodAgentDelete   = "agent.delete"
	MethodAgentBind     = "agent.bind"
	MethodAgentUnbind   = "agent.unbind"
	MethodAgentRefresh  = "agent.refresh"
	MethodAgentAbort    = "agent.abort"
	MethodAgentSelf     = "agent.self"

	MethodAgentSessionPolicySet = "agent.session-policy.set"
)

// Envelopes and reactions.
const (
	MethodEnvelopeSend = "envelope.send"
	MethodEnvelopeList = "envelope.list"
	MethodEnvelopeGet  = "envelope.get"

	MethodReactionSet = "reaction.set"
)

// Cron schedules.
const (
	MethodCronCreate  = "cron.create"
	MethodCronList    = "cron.list"
	MethodCronEnable  = "cron.enable"
	MethodCronDisable = "cron.disable"
	MethodCronDelete  = "cron.delete"
)

// Memory side-service (delegated).
const (
	MethodMemoryStore  = "memory.store"
	MethodMemoryRecall = "memory.recall"
	MethodMemoryClear  = "memory.clear"
)
