// Package executor runs agent turns: strict FIFO, single in-flight per
// agent, each turn consuming up to MaxEnvelopesPerTurn pending envelopes
// and producing at most one reply.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hiboss-dev/hiboss/internal/address"
	"github.com/hiboss-dev/hiboss/internal/prompts"
	"github.com/hiboss-dev/hiboss/internal/router"
	"github.com/hiboss-dev/hiboss/internal/runner"
	"github.com/hiboss-dev/hiboss/internal/sessions"
	"github.com/hiboss-dev/hiboss/internal/store"
)

// MaxEnvelopesPerTurn caps how many envelopes one turn consumes.
const MaxEnvelopesPerTurn = 10

// Executor owns per-agent turn serialization and in-flight run tracking.
type Executor struct {
	store    *store.Store
	sessions *sessions.Manager
	prompts  *prompts.Renderer
	router   *router.Router
	log      *slog.Logger

	claudeBin string
	codexBin  string
	newRunner func(provider string) runner.Runner

	mu     sync.Mutex
	agents map[string]*agentState
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// agentState is one agent's worker: a coalescing wake channel and the
// optional in-flight run record.
type agentState struct {
	wake     chan struct{}
	inflight *inflightRun
}

type inflightRun struct {
	runID       string
	cancel      context.CancelFunc
	abortReason string
}

func New(s *store.Store, sm *sessions.Manager, pr *prompts.Renderer, rt *router.Router, claudeBin, codexBin string, log *slog.Logger) *Executor {
	e := &Executor{
		store:     s,
		sessions:  sm,
		prompts:   pr,
		router:    rt,
		log:       log.With("component", "executor"),
		claudeBin: claudeBin,
		codexBin:  codexBin,
		agents:    make(map[string]*agentState),
	}
	e.newRunner = func(provider string) runner.Runner {
		return runner.ForProvider(provider, e.claudeBin, e.codexBin)
	}
	return e
}

// Start arms the executor. Workers spawn lazily on first wake.
func (e *Executor) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx != nil {
		return
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
}

// Stop cancels all in-flight turns and waits for workers to drain.
func (e *Executor) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	e.wg.Wait()
}

// Wake nudges an agent's worker. Non-blocking; a wake during a running
// turn coalesces into one follow-up turn.
func (e *Executor) Wake(agentName, trigger string) {
	agentName = address.NormalizeAgentName(agentName)

	e.mu.Lock()
	if e.ctx == nil || e.ctx.Err() != nil {
		e.mu.Unlock()
		return
	}
	st, ok := e.agents[agentName]
	if !ok {
		st = &agentState{wake: make(chan struct{}, 1)}
		e.agents[agentName] = st
		e.wg.Add(1)
		go e.worker(agentName, st)
	}
	e.mu.Unlock()

	e.log.Debug("agent woken", "agent", agentName, "trigger", trigger)
	select {
	case st.wake <- struct{}{}:
	default:
	}
}

// AbortCurrentRun cancels the agent's in-flight turn, if any. The
// provider child's process group gets SIGTERM, then SIGKILL after the
// grace window.
func (e *Executor) AbortCurrentRun(agentName, reason string) bool {
	agentName = address.NormalizeAgentName(agentName)

	e.mu.Lock()
	st, ok := e.agents[agentName]
	if !ok || st.inflight == nil {
		e.mu.Unlock()
		return false
	}
	st.inflight.abortReason = reason
	cancel := st.inflight.cancel
	e.mu.Unlock()

	e.log.Info("aborting run", "agent", agentName, "reason", reason)
	cancel()
	return true
}

// RequestSessionRefresh queues a session refresh and wakes the agent so
// the refresh is observed even without new envelopes. It never interrupts
// a running turn.
func (e *Executor) RequestSessionRefresh(agentName, reason string) error {
	if err := e.sessions.Refresh(agentName, reason); err != nil {
		return err
	}
	e.Wake(agentName, "refresh:"+reason)
	return nil
}

// InflightRunID returns the agent's running turn id, or "".
func (e *Executor) InflightRunID(agentName string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.agents[address.NormalizeAgentName(agentName)]
	if !ok || st.inflight == nil {
		return ""
	}
	return st.inflight.runID
}

func (e *Executor) worker(agentName string, st *agentState) {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-st.wake:
		}
		for {
			n, err := e.runTurn(agentName, st)
			if err != nil {
				e.log.Error("turn failed", "agent", agentName, "error", err)
				break
			}
			// A full batch may have left more behind.
			if n < MaxEnvelopesPerTurn {
				break
			}
		}
	}
}

// runTurn executes one turn for the agent and returns the number of
// envelopes consumed.
func (e *Executor) runTurn(agentName string, st *agentState) (int, error) {
	pending, err := e.store.GetPendingEnvelopesForAgent(agentName, MaxEnvelopesPerTurn)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	ids := make([]string, len(pending))
	for i, env := range pending {
		ids[i] = env.ID
	}
	flipped, err := e.store.MarkEnvelopesDone(ids)
	if err != nil {
		return 0, err
	}
	e.router.NotifyDone(flipped)
	if len(flipped) == 0 {
		return 0, nil
	}
	consumed := filterByID(pending, flipped)

	agent, err := e.store.GetAgent(agentName)
	if err != nil {
		return 0, err
	}
	run, err := e.store.CreateAgentRun(agentName, flipped)
	if err != nil {
		return 0, err
	}

	turnCtx, cancel := context.WithCancel(e.ctx)
	defer cancel()

	e.mu.Lock()
	st.inflight = &inflightRun{runID: run.ID, cancel: cancel}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		st.inflight = nil
		e.mu.Unlock()
	}()

	result, handle, err := e.invokeTurn(turnCtx, agent, consumed)
	if err != nil {
		if ferr := e.store.FailAgentRun(run.ID, err.Error(), store.RunUsage{}); ferr != nil {
			e.log.Error("record failed run", "run", run.ID, "error", ferr)
		}
		return len(consumed), err
	}
	if result.Status == runner.TurnCancelled {
		// Cancelled turns do not commit the session handle.
		reason := "cancelled"
		e.mu.Lock()
		if st.inflight != nil && st.inflight.abortReason != "" {
			reason = st.inflight.abortReason
		}
		e.mu.Unlock()
		if cerr := e.store.CancelAgentRun(run.ID, reason); cerr != nil {
			e.log.Error("record cancelled run", "run", run.ID, "error", cerr)
		}
		return len(consumed), nil
	}

	// The run row is completed before the session handle moves, so run
	// accounting survives a failed handle write.
	if err := e.store.CompleteAgentRun(run.ID, result.FinalText, result.Usage); err != nil {
		e.log.Error("record completed run", "run", run.ID, "error", err)
	}
	if cerr := e.sessions.Commit(agentName, handle); cerr != nil {
		e.log.Error("persist session handle", "agent", agentName, "error", cerr)
	}
	e.afterSuccess(agent, consumed, result)
	if err := e.store.TouchAgentLastSeen(agentName); err != nil {
		e.log.Warn("touch last seen", "agent", agentName, "error", err)
	}
	return len(consumed), nil
}

// invokeTurn resolves the session, renders the prompt, and runs the
// provider CLI. The returned handle carries the post-turn session state;
// the caller commits it after the run row is closed.
func (e *Executor) invokeTurn(ctx context.Context, agent *store.Agent, consumed []*store.Envelope) (*runner.TurnResult, *sessions.Handle, error) {
	decision, err := e.sessions.Decide(agent, e.bossLocation(), time.Now())
	if err != nil {
		return nil, nil, err
	}
	e.log.Info("turn starting", "agent", agent.Name,
		"envelopes", len(consumed), "session", decision.Mode, "reason", decision.Reason)

	rn := e.newRunner(agent.Provider)
	if rn == nil {
		return nil, nil, errors.New("unknown provider " + agent.Provider)
	}

	turnInput := prompts.TurnInput(time.Now(), consumed)
	opts := runner.Options{
		AgentName:    agent.Name,
		Workspace:    agent.Workspace,
		SystemPrompt: e.prompts.SystemPrompt(agent),
	}

	result, err := rn.RunTurn(ctx, decision.Handle, turnInput, opts)
	if err != nil {
		return nil, nil, err
	}
	if result.SessionID != "" {
		decision.Handle.SessionID = result.SessionID
	}
	return result, decision.Handle, nil
}

// afterSuccess applies post-turn policy and routes the reply back to the
// channel the turn's envelopes came from, if any.
func (e *Executor) afterSuccess(agent *store.Agent, consumed []*store.Envelope, result *runner.TurnResult) {
	if max := agent.SessionPolicy.MaxContextLength; max > 0 && result.Usage.ContextLength > max {
		e.sessions.RequestRefresh(agent.Name, "max-context-length")
	}
	if result.FinalText == "" {
		return
	}

	// Reply to the most recent channel-sourced envelope of the batch.
	var source *store.Envelope
	for i := len(consumed) - 1; i >= 0; i-- {
		if addr, err := address.Parse(consumed[i].From); err == nil && addr.IsChannel() {
			source = consumed[i]
			break
		}
	}
	if source == nil {
		return
	}

	meta := &store.EnvelopeMeta{ReplyToEnvelopeID: source.ID}
	if source.Metadata != nil {
		meta.ReplyToMessageID = source.Metadata.ChannelMessageID
	}
	_, err := e.router.RouteEnvelope(e.ctx, router.Input{
		From:     address.Agent(agent.Name).String(),
		To:       source.From,
		Content:  store.EnvelopeContent{Text: result.FinalText},
		Metadata: meta,
	})
	if err != nil {
		var derr *router.DeliveryError
		if errors.As(err, &derr) {
			e.log.Warn("reply delivery deferred", "envelope", derr.EnvelopeID, "error", derr.Err)
			return
		}
		e.log.Error("reply routing failed", "agent", agent.Name, "error", err)
	}
}

// bossLocation loads the boss timezone config, defaulting to local time.
func (e *Executor) bossLocation() *time.Location {
	tz, err := e.store.GetConfig(store.ConfigBossTimezone)
	if err != nil {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}

func filterByID(envelopes []*store.Envelope, ids []string) []*store.Envelope {
	keep := make(map[string]bool, len(ids))
	for _, id := range ids {
		keep[id] = true
	}
	out := make([]*store.Envelope, 0, len(ids))
	for _, e := range envelopes {
		if keep[e.ID] {
			out = append(out, e)
		}
	}
	return out
}
