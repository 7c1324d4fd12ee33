// Package flags implements the central feature flag evaluator. A Manager
// resolves a flag's enabled state and variant for a user context by applying,
// in strict order: the evaluation cache, circuit breaker state, dependency
// resolution, attribute conditions, cohort rollout, and percentage rollout
// with consistent hashing.
//
// Evaluate never returns an error and never panics: unexpected failures
// degrade to the flag's static default with an explanatory reason.
package flags

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/flipgate/flipgate/internal/core"
)

const (
	// DefaultCacheTTL bounds how long an evaluation result is served verbatim
	// before being recomputed.
	DefaultCacheTTL = time.Minute

	// maxDependencyDepth caps dependency recursion so that definition cycles
	// cannot overflow the stack. Cyclic dependencies resolve as unmet.
	maxDependencyDepth = 16
)

// ErrFlagNotFound is returned by mutation operations targeting unknown flags.
var ErrFlagNotFound = errors.New("flag not found")

// Event types published to subscribers on flag mutations.
const (
	EventTypeUpdated  = "updated"
	EventTypeRollback = "rollback"
	EventTypeSnapshot = "snapshot"
)

// Reason strings surfaced in evaluation results. These are part of the
// observable contract: callers and tests match on them.
const (
	reasonNotFound        = "Flag not found"
	reasonCircuitOpen     = "Circuit breaker open"
	reasonConditionsUnmet = "Conditions not met"
	reasonDefault         = "Default value"
	reasonEvaluationError = "Error during evaluation"
)

// Event describes a flag mutation, consumed by the SSE stream.
type Event struct {
	Type string    `json:"type"`
	Flag string    `json:"flag,omitempty"`
	At   time.Time `json:"at"`
}

// CohortService answers cohort membership queries. Satisfied by
// cohort.Manager; the flag manager only uses this public query surface.
type CohortService interface {
	UserCohorts(userID string, attributes map[string]any) []string
	IsUserInCohort(userID, name string, attributes map[string]any) bool
}

// CircuitBreaker suppresses flags under sustained failures. Satisfied by
// breaker.Breaker.
type CircuitBreaker interface {
	IsOpen(flag string) bool
	RecordError(flag string)
	RecordSuccess(flag string)
	Reset(flag string)
	Configure(flag string, threshold core.ErrorThreshold)
}

// Recorder receives evaluation counters. Satisfied by metrics.Metrics.
type Recorder interface {
	RecordEvaluation(flag string, enabled bool, elapsed time.Duration)
	RecordEvaluationError(flag string)
	EvalCacheHit()
	EvalCacheMiss()
	EvalCacheInvalidated()
}

// Update is a partial flag mutation; nil fields are left untouched.
type Update struct {
	Description    *string              `json:"description,omitempty"`
	Default        *bool                `json:"default,omitempty"`
	Dependencies   []string             `json:"dependencies,omitempty"`
	Conditions     []core.Condition     `json:"conditions,omitempty"`
	Rollout        *core.Rollout        `json:"rollout,omitempty"`
	Variants       []core.Variant       `json:"variants,omitempty"`
	ErrorThreshold *core.ErrorThreshold `json:"error_threshold,omitempty"`
}

// Manager owns the flag map and the TTL evaluation cache. All methods are
// safe for concurrent use.
type Manager struct {
	mu    sync.RWMutex
	flags map[string]core.Flag

	cohorts  CohortService
	breaker  CircuitBreaker
	recorder Recorder
	cache    *gocache.Cache
	ttl      time.Duration
	log      *slog.Logger
	now      func() time.Time

	subMu       sync.Mutex
	subscribers map[int]chan Event
	nextSubID   int
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithCacheTTL overrides the evaluation cache TTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.ttl = ttl }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(recorder Recorder) Option {
	return func(m *Manager) { m.recorder = recorder }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a Manager backed by the given cohort service and circuit
// breaker.
func New(cohorts CohortService, circuitBreaker CircuitBreaker, opts ...Option) *Manager {
	m := &Manager{
		flags:       make(map[string]core.Flag),
		cohorts:     cohorts,
		breaker:     circuitBreaker,
		recorder:    noopRecorder{},
		ttl:         DefaultCacheTTL,
		log:         slog.Default(),
		now:         time.Now,
		subscribers: make(map[int]chan Event),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.cache = gocache.New(m.ttl, 2*m.ttl)
	return m
}

// IsEnabled is sugar over Evaluate, returning only the enabled bit.
func (m *Manager) IsEnabled(flagName string, ec core.EvaluationContext) bool {
	return m.Evaluate(flagName, ec).Enabled
}

// Evaluate resolves the flag for the given context. It always returns a
// result: unknown flags, open circuits, and unexpected errors all resolve to
// disabled (or the flag default) with an explanatory reason.
func (m *Manager) Evaluate(flagName string, ec core.EvaluationContext) (result core.EvaluationResult) {
	start := m.now()

	flag, known := m.getFlag(flagName)

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		m.log.Error("panic during flag evaluation",
			"flag", flagName,
			"user_id", ec.UserID,
			"panic", r,
			"stack", string(debug.Stack()),
		)
		m.breaker.RecordError(flagName)
		m.recorder.RecordEvaluationError(flagName)
		result = core.EvaluationResult{
			FlagName:  flagName,
			UserID:    ec.UserID,
			Enabled:   known && flag.Default,
			Reason:    reasonEvaluationError,
			Timestamp: m.now(),
		}
	}()

	cacheKey := flagName + "\x1f" + ec.UserID
	if cached, ok := m.cache.Get(cacheKey); ok {
		if cachedResult, ok := cached.(core.EvaluationResult); ok {
			m.recorder.EvalCacheHit()
			return cachedResult
		}
	}
	m.recorder.EvalCacheMiss()

	if !known {
		// Deliberately uncached: registering the flag later takes effect
		// immediately instead of waiting out the TTL.
		result = m.result(flagName, ec, false, reasonNotFound, "")
		m.recorder.RecordEvaluation(flagName, false, m.now().Sub(start))
		return result
	}

	result = m.evaluateFlag(flag, ec, map[string]bool{flagName: true}, 0)

	m.cache.Set(cacheKey, result, m.ttl)
	m.recorder.RecordEvaluation(flagName, result.Enabled, m.now().Sub(start))
	if result.Reason != reasonCircuitOpen {
		m.breaker.RecordSuccess(flagName)
	}

	return result
}

// evaluateFlag applies the decision list in strict order; the first decisive
// rule wins.
func (m *Manager) evaluateFlag(flag core.Flag, ec core.EvaluationContext, visiting map[string]bool, depth int) core.EvaluationResult {
	if m.breaker.IsOpen(flag.Name) {
		return m.result(flag.Name, ec, false, reasonCircuitOpen, "")
	}

	for _, dep := range flag.Dependencies {
		if !m.dependencyEnabled(dep, ec, visiting, depth) {
			return m.result(flag.Name, ec, false, fmt.Sprintf("Dependency %s not enabled", dep), "")
		}
	}

	if !core.MatchConditions(flag.Conditions, ec.Attributes) {
		return m.result(flag.Name, ec, false, reasonConditionsUnmet, "")
	}

	if flag.Rollout != nil {
		for _, rollout := range flag.Rollout.Cohorts {
			if !rollout.Enabled {
				continue
			}
			if m.cohorts.IsUserInCohort(ec.UserID, rollout.Cohort, ec.Attributes) {
				// Cohort match bypasses the percentage rollout entirely.
				return m.result(flag.Name, ec, true, "In cohort: "+rollout.Cohort, "")
			}
		}

		if flag.Rollout.Percentage != nil {
			percentage := *flag.Rollout.Percentage
			inRollout := core.InRollout(ec.UserID, percentage)
			enabled := inRollout || flag.Default

			reason := reasonDefault
			if inRollout {
				reason = fmt.Sprintf("In rollout percentage: %d%%", percentage)
			} else if !enabled {
				reason = fmt.Sprintf("Not in rollout percentage: %d%%", percentage)
			}

			variant := ""
			if enabled && len(flag.Variants) > 0 {
				variant = core.SelectVariant(ec.UserID, flag.Variants)
			}

			return m.result(flag.Name, ec, enabled, reason, variant)
		}
	}

	return m.result(flag.Name, ec, flag.Default, reasonDefault, "")
}

// dependencyEnabled recursively evaluates a dependency flag. Unknown flags,
// cycles, and over-deep chains all resolve as unmet.
func (m *Manager) dependencyEnabled(name string, ec core.EvaluationContext, visiting map[string]bool, depth int) bool {
	if visiting[name] || depth >= maxDependencyDepth {
		m.log.Warn("dependency cycle detected", "flag", name)
		return false
	}

	dep, ok := m.getFlag(name)
	if !ok {
		return false
	}

	visiting[name] = true
	defer delete(visiting, name)

	return m.evaluateFlag(dep, ec, visiting, depth+1).Enabled
}

func (m *Manager) result(flagName string, ec core.EvaluationContext, enabled bool, reason, variant string) core.EvaluationResult {
	return core.EvaluationResult{
		FlagName:  flagName,
		UserID:    ec.UserID,
		Enabled:   enabled,
		Reason:    reason,
		Variant:   variant,
		Timestamp: m.now(),
	}
}

// Register installs or replaces a flag definition, configures its circuit
// breaker threshold, and invalidates the evaluation cache.
func (m *Manager) Register(flag core.Flag) {
	m.mu.Lock()
	m.flags[flag.Name] = flag.Clone()
	m.mu.Unlock()

	if flag.ErrorThreshold != nil {
		m.breaker.Configure(flag.Name, *flag.ErrorThreshold)
	}

	m.invalidateCache()
	m.publish(Event{Type: EventTypeUpdated, Flag: flag.Name, At: m.now()})
}

// UpdateFlag merges a partial update into an existing flag. The whole
// evaluation cache is cleared: coarse, but mutation is rare and correctness
// matters more than cache reuse.
func (m *Manager) UpdateFlag(name string, update Update) (core.Flag, error) {
	m.mu.Lock()
	flag, ok := m.flags[name]
	if !ok {
		m.mu.Unlock()
		return core.Flag{}, ErrFlagNotFound
	}

	flag = flag.Clone()
	if update.Description != nil {
		flag.Description = *update.Description
	}
	if update.Default != nil {
		flag.Default = *update.Default
	}
	if update.Dependencies != nil {
		flag.Dependencies = append([]string(nil), update.Dependencies...)
	}
	if update.Conditions != nil {
		flag.Conditions = append([]core.Condition(nil), update.Conditions...)
	}
	if update.Rollout != nil {
		rollout := *update.Rollout
		flag.Rollout = &rollout
	}
	if update.Variants != nil {
		flag.Variants = append([]core.Variant(nil), update.Variants...)
	}
	if update.ErrorThreshold != nil {
		threshold := *update.ErrorThreshold
		flag.ErrorThreshold = &threshold
	}
	m.flags[name] = flag
	m.mu.Unlock()

	if flag.ErrorThreshold != nil {
		m.breaker.Configure(name, *flag.ErrorThreshold)
	}

	m.invalidateCache()
	m.publish(Event{Type: EventTypeUpdated, Flag: name, At: m.now()})

	return flag.Clone(), nil
}

// Rollback is the kill switch: it forces the flag off (default false,
// rollout percentage zero), resets the circuit breaker, and invalidates the
// evaluation cache.
func (m *Manager) Rollback(name string) (core.Flag, error) {
	m.mu.Lock()
	flag, ok := m.flags[name]
	if !ok {
		m.mu.Unlock()
		return core.Flag{}, ErrFlagNotFound
	}

	flag = flag.Clone()
	flag.Default = false
	zero := 0
	if flag.Rollout == nil {
		flag.Rollout = &core.Rollout{}
	}
	flag.Rollout.Percentage = &zero
	m.flags[name] = flag
	m.mu.Unlock()

	m.breaker.Reset(name)
	m.invalidateCache()
	m.publish(Event{Type: EventTypeRollback, Flag: name, At: m.now()})

	m.log.Warn("flag rolled back", "flag", name)
	return flag.Clone(), nil
}

// ApplySnapshot merges a full flag snapshot (from remote config or a local
// file reload) into the flag map in one step, then invalidates the cache.
func (m *Manager) ApplySnapshot(snapshot map[string]core.Flag) {
	if len(snapshot) == 0 {
		return
	}

	m.mu.Lock()
	for name, flag := range snapshot {
		flag.Name = name
		m.flags[name] = flag.Clone()
	}
	m.mu.Unlock()

	for name, flag := range snapshot {
		if flag.ErrorThreshold != nil {
			m.breaker.Configure(name, *flag.ErrorThreshold)
		}
	}

	m.invalidateCache()
	m.publish(Event{Type: EventTypeSnapshot, At: m.now()})
	m.log.Info("flag snapshot applied", "flags", len(snapshot))
}

// GetFlag returns a copy of the named flag definition.
func (m *Manager) GetFlag(name string) (core.Flag, bool) {
	flag, ok := m.getFlag(name)
	return flag, ok
}

// ListFlags returns copies of all flag definitions ordered by name.
func (m *Manager) ListFlags() []core.Flag {
	m.mu.RLock()
	flags := make([]core.Flag, 0, len(m.flags))
	for _, flag := range m.flags {
		flags = append(flags, flag.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(flags, func(i, j int) bool { return flags[i].Name < flags[j].Name })
	return flags
}

// RecordError reports a downstream failure attributed to a flag, feeding the
// circuit breaker.
func (m *Manager) RecordError(name string) {
	m.breaker.RecordError(name)
}

// RecordSuccess reports a downstream success attributed to a flag.
func (m *Manager) RecordSuccess(name string) {
	m.breaker.RecordSuccess(name)
}

// Subscribe registers for flag mutation events. The returned cancel function
// must be called to release the subscription. Slow subscribers drop events
// rather than blocking mutations.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	m.subMu.Lock()
	id := m.nextSubID
	m.nextSubID++
	ch := make(chan Event, 16)
	m.subscribers[id] = ch
	m.subMu.Unlock()

	cancel := func() {
		m.subMu.Lock()
		if ch, ok := m.subscribers[id]; ok {
			delete(m.subscribers, id)
			close(ch)
		}
		m.subMu.Unlock()
	}

	return ch, cancel
}

func (m *Manager) publish(event Event) {
	m.subMu.Lock()
	for _, ch := range m.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
	m.subMu.Unlock()
}

func (m *Manager) getFlag(name string) (core.Flag, bool) {
	m.mu.RLock()
	flag, ok := m.flags[name]
	m.mu.RUnlock()
	if !ok {
		return core.Flag{}, false
	}
	return flag.Clone(), true
}

func (m *Manager) invalidateCache() {
	m.cache.Flush()
	m.recorder.EvalCacheInvalidated()
}

type noopRecorder struct{}

func (noopRecorder) RecordEvaluation(string, bool, time.Duration) {}
func (noopRecorder) RecordEvaluationError(string)                 {}
func (noopRecorder) EvalCacheHit()                                {}
func (noopRecorder) EvalCacheMiss()                               {}
func (noopRecorder) EvalCacheInvalidated()                        {}
