// Package policy implements the Policy Engine (spec §4.7): every proposal
// from the Assignment Engine or the Verifier is evaluated here before it
// takes effect, and every evaluation leaves an audit trail. The engine
// itself never touches the database beyond writing that audit trail — it
// is a pure decision function over a Proposal plus the current Config.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voltask/voltask/internal/logging"
	"github.com/voltask/voltask/internal/model"
	"github.com/voltask/voltask/internal/storage"
)

// Kind identifies what a Proposal is asking permission to do.
type Kind string

const (
	KindAssign     Kind = "assign"
	KindRecheck    Kind = "recheck"
	KindAggregate  Kind = "aggregate"
	KindModeChange Kind = "mode_change"
)

// Origin marks whether a proposal was produced by a deterministic rule or
// by an AI-assisted heuristic. AI_OFF denies everything of AI origin
// outright regardless of content.
type Origin string

const (
	OriginDeterministic Origin = "deterministic"
	OriginAI            Origin = "ai"
)

// Proposal is what a caller asks the Policy Engine to approve.
type Proposal struct {
	Kind       Kind
	Origin     Origin
	Risk       string // "low" or "high"; only meaningful for AI_ASSISTED gating
	Parameters map[string]interface{}
	Context    map[string]interface{}
}

// Decision is the Policy Engine's verdict. Exactly one of Allow, Limited,
// Deny is meaningful: Allow means proceed with Parameters unchanged, Limited
// means proceed with the clamped Parameters, Deny means do not proceed.
type Decision struct {
	Allow      bool
	Limited    bool
	Denied     bool
	Parameters map[string]interface{}
	Reasons    []string
}

// Config is the live, hot-swappable policy configuration. Engine holds it
// behind an atomic.Pointer so a mode_change proposal can take effect for
// every subsequent Evaluate call without locking.
type Config struct {
	AIMode             model.AIMode
	MaxConcurrentTasks int
	MaxDailyAIBudget   int
	RecheckThreshold   int
}

// Engine evaluates proposals against the live Config and writes an audit
// Flag for every decision it makes.
type Engine struct {
	cfg   atomic.Pointer[Config]
	flags storage.FlagStore
	log   *logging.Logger

	budget *dailyBudget
}

func New(cfg Config, flags storage.FlagStore, log *logging.Logger) *Engine {
	if log == nil {
		log = logging.New(logging.Config{Component: "policy"})
	}
	e := &Engine{flags: flags, log: log, budget: newDailyBudget()}
	e.cfg.Store(&cfg)
	return e
}

// Config returns a snapshot of the current live configuration.
func (e *Engine) Config() Config {
	return *e.cfg.Load()
}

// SetConfig atomically swaps the live configuration, e.g. in response to an
// already-approved mode_change proposal.
func (e *Engine) SetConfig(cfg Config) {
	e.cfg.Store(&cfg)
}

// Evaluate is the single entry point every other component calls before
// acting on a proposal. It never returns an error for a denial — denial is
// a normal, expected Decision — only for a failure to record the audit
// trail.
func (e *Engine) Evaluate(ctx context.Context, p Proposal) (*Decision, error) {
	cfg := e.Config()
	d := e.decide(cfg, p)
	e.audit(ctx, cfg, p, d)
	return d, nil
}

func (e *Engine) decide(cfg Config, p Proposal) *Decision {
	if p.Kind == KindModeChange && p.Origin == OriginAI {
		return deny("mode_change_requires_deterministic_origin")
	}
	switch cfg.AIMode {
	case model.AIOff:
		return e.decideAIOff(cfg, p)
	case model.AIAdvisory:
		return e.decideAdvisory(cfg, p)
	case model.AIAssisted:
		return e.decideAssisted(cfg, p)
	case model.AIFull:
		return e.decideFull(cfg, p)
	default:
		return deny("unknown_ai_mode")
	}
}

// decideAIOff allows deterministic proposals subject to the static hard
// limits and denies anything of AI origin unconditionally.
func (e *Engine) decideAIOff(cfg Config, p Proposal) *Decision {
	if p.Origin == OriginAI {
		return deny("ai_mode_off")
	}
	return e.applyHardLimits(cfg, p)
}

// decideAdvisory allows deterministic proposals under hard limits and
// allows AI-origin proposals only when they agree with what the
// deterministic path would have produced — advisory mode never lets AI
// output take effect on its own.
func (e *Engine) decideAdvisory(cfg Config, p Proposal) *Decision {
	if p.Origin == OriginAI {
		if !proposalAgreesWithDeterministic(p) {
			return deny("ai_advisory_disagreement")
		}
	}
	return e.applyHardLimits(cfg, p)
}

// decideAssisted passes low-risk AI proposals straight to the hard limits;
// a high-risk AI proposal is denied unless it agrees with what the
// deterministic path would produce, and then faces the same hard limits
// deterministic proposals get.
func (e *Engine) decideAssisted(cfg Config, p Proposal) *Decision {
	if p.Origin == OriginAI && p.Risk == "high" {
		if !proposalAgreesWithDeterministic(p) {
			return deny("ai_assisted_high_risk_unconfirmed")
		}
	}
	return e.applyHardLimits(cfg, p)
}

// decideFull allows any well-formed proposal but the hard limits are never
// bypassed, even in AI_FULL.
func (e *Engine) decideFull(cfg Config, p Proposal) *Decision {
	return e.applyHardLimits(cfg, p)
}

// applyHardLimits enforces the numeric caps every mode still respects:
// max concurrent tasks per assign proposal, recheck-count ceiling, and the
// daily AI-proposal budget when the proposal is of AI origin.
func (e *Engine) applyHardLimits(cfg Config, p Proposal) *Decision {
	if p.Origin == OriginAI {
		if !e.budget.consume(cfg.MaxDailyAIBudget) {
			return deny("ai_daily_budget_exhausted")
		}
	}

	switch p.Kind {
	case KindAssign:
		return e.limitAssign(cfg, p)
	case KindRecheck:
		return e.limitRecheck(cfg, p)
	case KindModeChange:
		return allow(p.Parameters)
	default:
		return allow(p.Parameters)
	}
}

func (e *Engine) limitAssign(cfg Config, p Proposal) *Decision {
	requested := intParam(p.Parameters, "max", 1)
	if cfg.MaxConcurrentTasks > 0 && requested > cfg.MaxConcurrentTasks {
		params := cloneParams(p.Parameters)
		params["max"] = cfg.MaxConcurrentTasks
		return &Decision{Limited: true, Parameters: params, Reasons: []string{"max_concurrent_tasks"}}
	}
	return allow(p.Parameters)
}

func (e *Engine) limitRecheck(cfg Config, p Proposal) *Decision {
	count := intParam(p.Parameters, "recheck_count", 0)
	threshold := cfg.RecheckThreshold
	if threshold <= 0 {
		threshold = 3
	}
	if count >= threshold {
		return deny("recheck_threshold_exceeded")
	}
	return allow(p.Parameters)
}

func proposalAgreesWithDeterministic(p Proposal) bool {
	v, ok := p.Context["deterministic_agrees"]
	if !ok {
		return false
	}
	agrees, _ := v.(bool)
	return agrees
}

func intParam(m map[string]interface{}, key string, def int) int {
	v, ok := m[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return def
	}
}

func cloneParams(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func allow(params map[string]interface{}) *Decision {
	return &Decision{Allow: true, Parameters: params}
}

func deny(reason string) *Decision {
	return &Decision{Denied: true, Reasons: []string{reason}}
}

// audit records every evaluation as a Flag with reason "policy_decision",
// per spec §4.7. Failure to write the audit trail is logged but never
// blocks the caller — the decision has already been made.
func (e *Engine) audit(ctx context.Context, cfg Config, p Proposal, d *Decision) {
	if e.flags == nil {
		return
	}
	details, err := json.Marshal(map[string]interface{}{
		"kind":       p.Kind,
		"origin":     p.Origin,
		"ai_mode":    cfg.AIMode,
		"allow":      d.Allow,
		"limited":    d.Limited,
		"denied":     d.Denied,
		"reasons":    d.Reasons,
		"parameters": d.Parameters,
	})
	if err != nil {
		e.log.Warn("policy audit marshal failed", "err", err)
		return
	}
	f := &model.Flag{Reason: model.FlagPolicyDecision, Details: details}
	if err := e.flags.CreateFlag(ctx, f); err != nil {
		e.log.Warn("policy audit write failed", "err", err)
	}
}

// dailyBudget is a fixed-window counter reset at UTC midnight, used to cap
// how many AI-origin proposals the engine approves per day.
type dailyBudget struct {
	mu    sync.Mutex
	day   string
	spent int
}

func newDailyBudget() *dailyBudget {
	return &dailyBudget{}
}

func (b *dailyBudget) consume(limit int) bool {
	if limit <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	today := time.Now().UTC().Format("2006-01-02")
	if today != b.day {
		b.day = today
		b.spent = 0
	}
	if b.spent >= limit {
		return false
	}
	b.spent++
	return true
}

var _ fmt.Stringer = (*Config)(nil)

func (c Config) String() string {
	return fmt.Sprintf("policy.Config{ai_mode=%s max_concurrent=%d daily_budget=%d recheck_threshold=%d}",
		c.AIMode, c.MaxConcurrentTasks, c.MaxDailyAIBudget, c.RecheckThreshold)
}
