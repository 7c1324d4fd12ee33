package flags

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flipgate/flipgate/internal/breaker"
	"github.com/flipgate/flipgate/internal/core"
)

// fakeCohorts answers membership from a static map and can be armed to panic
// for the evaluation safety test.
type fakeCohorts struct {
	members map[string]map[string]bool // cohort -> userID -> member
	panicOn string
}

func (f *fakeCohorts) UserCohorts(userID string, _ map[string]any) []string {
	names := make([]string, 0)
	for name, users := range f.members {
		if users[userID] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (f *fakeCohorts) IsUserInCohort(userID, name string, _ map[string]any) bool {
	if f.panicOn != "" && name == f.panicOn {
		panic("cohort lookup exploded")
	}
	return f.members[name][userID]
}

type countingRecorder struct {
	mu            sync.Mutex
	hits          int
	misses        int
	invalidations int
	errors        int
}

func (r *countingRecorder) RecordEvaluation(string, bool, time.Duration) {}
func (r *countingRecorder) RecordEvaluationError(string) {
	r.mu.Lock()
	r.errors++
	r.mu.Unlock()
}
func (r *countingRecorder) EvalCacheHit()  { r.mu.Lock(); r.hits++; r.mu.Unlock() }
func (r *countingRecorder) EvalCacheMiss() { r.mu.Lock(); r.misses++; r.mu.Unlock() }
func (r *countingRecorder) EvalCacheInvalidated() {
	r.mu.Lock()
	r.invalidations++
	r.mu.Unlock()
}

func intPtr(v int) *int { return &v }

func newTestManager(t *testing.T, opts ...Option) (*Manager, *fakeCohorts, *breaker.Breaker) {
	t.Helper()
	cohorts := &fakeCohorts{members: map[string]map[string]bool{
		"beta_testers": {"beta-user": true},
	}}
	circuits := breaker.New()
	return New(cohorts, circuits, opts...), cohorts, circuits
}

func TestEvaluateUnknownFlag(t *testing.T) {
	m, _, _ := newTestManager(t)

	result := m.Evaluate("ghost", core.EvaluationContext{UserID: "user-1"})
	if result.Enabled {
		t.Error("Enabled = true for unknown flag")
	}
	if result.Reason != "Flag not found" {
		t.Errorf("Reason = %q, want %q", result.Reason, "Flag not found")
	}

	// Unknown flags are not cached: registering takes effect immediately.
	m.Register(core.Flag{Name: "ghost", Default: true})
	if !m.IsEnabled("ghost", core.EvaluationContext{UserID: "user-1"}) {
		t.Error("flag registered after a miss still reports not found")
	}
}

func TestEvaluateDefault(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.Register(core.Flag{Name: "dark_mode", Default: true})

	result := m.Evaluate("dark_mode", core.EvaluationContext{UserID: "user-1"})
	if !result.Enabled {
		t.Error("Enabled = false, want default true")
	}
	if result.Reason != "Default value" {
		t.Errorf("Reason = %q, want %q", result.Reason, "Default value")
	}
}

func TestEvaluatePercentageRollout(t *testing.T) {
	m, _, _ := newTestManager(t)

	m.Register(core.Flag{Name: "none", Rollout: &core.Rollout{Percentage: intPtr(0)}})
	m.Register(core.Flag{Name: "all", Rollout: &core.Rollout{Percentage: intPtr(100)}})

	t.Run("zero percent", func(t *testing.T) {
		result := m.Evaluate("none", core.EvaluationContext{UserID: "user-1"})
		if result.Enabled {
			t.Error("Enabled = true at 0%")
		}
		if result.Reason != "Not in rollout percentage: 0%" {
			t.Errorf("Reason = %q", result.Reason)
		}
	})

	t.Run("hundred percent", func(t *testing.T) {
		result := m.Evaluate("all", core.EvaluationContext{UserID: "user-1"})
		if !result.Enabled {
			t.Error("Enabled = false at 100%")
		}
		if result.Reason != "In rollout percentage: 100%" {
			t.Errorf("Reason = %q", result.Reason)
		}
	})

	t.Run("deterministic per user", func(t *testing.T) {
		m.Register(core.Flag{Name: "half", Rollout: &core.Rollout{Percentage: intPtr(50)}})
		for i := 0; i < 20; i++ {
			user := fmt.Sprintf("user-%d", i)
			first := m.Evaluate("half", core.EvaluationContext{UserID: user}).Enabled
			if again := m.Evaluate("half", core.EvaluationContext{UserID: user}).Enabled; again != first {
				t.Fatalf("user %q flipped between evaluations", user)
			}
		}
	})
}

func TestCohortBypassesPercentage(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.Register(core.Flag{
		Name: "v2_mentor",
		Rollout: &core.Rollout{
			Percentage: intPtr(0),
			Cohorts:    core.CohortRollouts{{Cohort: "beta_testers", Enabled: true}},
		},
	})

	result := m.Evaluate("v2_mentor", core.EvaluationContext{UserID: "beta-user"})
	if !result.Enabled {
		t.Error("cohort member disabled despite cohort rollout")
	}
	if result.Reason != "In cohort: beta_testers" {
		t.Errorf("Reason = %q, want %q", result.Reason, "In cohort: beta_testers")
	}

	// Everyone else still sees the 0% rollout.
	if m.IsEnabled("v2_mentor", core.EvaluationContext{UserID: "other-user"}) {
		t.Error("non-member enabled at 0%")
	}
}

func TestDisabledCohortRolloutIgnored(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.Register(core.Flag{
		Name: "gated",
		Rollout: &core.Rollout{
			Percentage: intPtr(0),
			Cohorts:    core.CohortRollouts{{Cohort: "beta_testers", Enabled: false}},
		},
	})

	if m.IsEnabled("gated", core.EvaluationContext{UserID: "beta-user"}) {
		t.Error("disabled cohort entry enabled a member")
	}
}

func TestDependencyShortCircuit(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.Register(core.Flag{Name: "base", Default: false})
	m.Register(core.Flag{Name: "feature", Default: true, Dependencies: []string{"base"}})

	result := m.Evaluate("feature", core.EvaluationContext{UserID: "user-1"})
	if result.Enabled {
		t.Error("Enabled = true with unmet dependency")
	}
	if result.Reason != "Dependency base not enabled" {
		t.Errorf("Reason = %q, want %q", result.Reason, "Dependency base not enabled")
	}

	// Enabling the dependency unblocks the feature.
	if _, err := m.UpdateFlag("base", Update{Default: boolPtr(true)}); err != nil {
		t.Fatalf("UpdateFlag() error = %v", err)
	}
	if !m.IsEnabled("feature", core.EvaluationContext{UserID: "user-1"}) {
		t.Error("feature still disabled after dependency enabled")
	}
}

func boolPtr(v bool) *bool { return &v }

func TestDependencyCycleResolvesDisabled(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.Register(core.Flag{Name: "a", Default: true, Dependencies: []string{"b"}})
	m.Register(core.Flag{Name: "b", Default: true, Dependencies: []string{"a"}})

	result := m.Evaluate("a", core.EvaluationContext{UserID: "user-1"})
	if result.Enabled {
		t.Error("cyclic dependency evaluated enabled")
	}
	if !strings.HasPrefix(result.Reason, "Dependency ") {
		t.Errorf("Reason = %q, want dependency failure", result.Reason)
	}
}

func TestConditionsUnmet(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.Register(core.Flag{
		Name:       "enterprise_only",
		Default:    true,
		Conditions: []core.Condition{{Attribute: "plan", Operator: core.OperatorEquals, Value: "enterprise"}},
	})

	result := m.Evaluate("enterprise_only", core.EvaluationContext{
		UserID:     "user-1",
		Attributes: map[string]any{"plan": "free"},
	})
	if result.Enabled {
		t.Error("Enabled = true with unmet conditions")
	}
	if result.Reason != "Conditions not met" {
		t.Errorf("Reason = %q, want %q", result.Reason, "Conditions not met")
	}
}

func TestCircuitBreakerSuppression(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.Register(core.Flag{
		Name:           "risky",
		Default:        true,
		ErrorThreshold: &core.ErrorThreshold{Rate: 0.5, Window: 300, MinSamples: 5},
	})

	if !m.IsEnabled("risky", core.EvaluationContext{UserID: "user-1"}) {
		t.Fatal("flag disabled before breaker opened")
	}

	for i := 0; i < 5; i++ {
		m.RecordError("risky")
	}

	result := m.Evaluate("risky", core.EvaluationContext{UserID: "user-2"})
	if result.Enabled {
		t.Error("Enabled = true while circuit open")
	}
	if result.Reason != "Circuit breaker open" {
		t.Errorf("Reason = %q, want %q", result.Reason, "Circuit breaker open")
	}
}

func TestRollbackKillSwitch(t *testing.T) {
	m, _, circuits := newTestManager(t)
	m.Register(core.Flag{
		Name:           "risky",
		Default:        true,
		Rollout:        &core.Rollout{Percentage: intPtr(100)},
		ErrorThreshold: &core.ErrorThreshold{Rate: 0.5, Window: 300, MinSamples: 5},
	})
	for i := 0; i < 5; i++ {
		m.RecordError("risky")
	}
	if !circuits.IsOpen("risky") {
		t.Fatal("breaker did not open")
	}

	flag, err := m.Rollback("risky")
	if err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	if flag.Default {
		t.Error("Default = true after rollback")
	}
	if flag.Rollout == nil || flag.Rollout.Percentage == nil || *flag.Rollout.Percentage != 0 {
		t.Errorf("Rollout after rollback = %+v, want 0%%", flag.Rollout)
	}
	if circuits.IsOpen("risky") {
		t.Error("breaker still open after rollback")
	}

	result := m.Evaluate("risky", core.EvaluationContext{UserID: "user-1"})
	if result.Enabled {
		t.Error("flag enabled after rollback")
	}

	if _, err := m.Rollback("ghost"); err != ErrFlagNotFound {
		t.Errorf("Rollback(ghost) error = %v, want ErrFlagNotFound", err)
	}
}

func TestVariantAssignment(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.Register(core.Flag{
		Name:    "new_onboarding",
		Rollout: &core.Rollout{Percentage: intPtr(100)},
		Variants: []core.Variant{
			{Name: "control", Weight: 50},
			{Name: "guided", Weight: 30},
			{Name: "minimal", Weight: 20},
		},
	})

	valid := map[string]bool{"control": true, "guided": true, "minimal": true}
	first := m.Evaluate("new_onboarding", core.EvaluationContext{UserID: "user-1"}).Variant
	if !valid[first] {
		t.Fatalf("Variant = %q, want one of control/guided/minimal", first)
	}
	if again := m.Evaluate("new_onboarding", core.EvaluationContext{UserID: "user-1"}).Variant; again != first {
		t.Errorf("Variant flipped from %q to %q", first, again)
	}
}

func TestEvaluationCache(t *testing.T) {
	recorder := &countingRecorder{}
	cohorts := &fakeCohorts{members: map[string]map[string]bool{}}
	m := New(cohorts, breaker.New(), WithRecorder(recorder), WithCacheTTL(50*time.Millisecond))
	m.Register(core.Flag{Name: "cached", Default: true})

	m.Evaluate("cached", core.EvaluationContext{UserID: "user-1"})
	m.Evaluate("cached", core.EvaluationContext{UserID: "user-1"})

	recorder.mu.Lock()
	hits, misses := recorder.hits, recorder.misses
	recorder.mu.Unlock()
	if hits != 1 {
		t.Errorf("cache hits = %d, want 1", hits)
	}
	if misses != 1 {
		t.Errorf("cache misses = %d, want 1", misses)
	}

	// After the TTL the entry expires and evaluation recomputes.
	time.Sleep(80 * time.Millisecond)
	m.Evaluate("cached", core.EvaluationContext{UserID: "user-1"})
	recorder.mu.Lock()
	misses = recorder.misses
	recorder.mu.Unlock()
	if misses != 2 {
		t.Errorf("cache misses after TTL = %d, want 2", misses)
	}
}

func TestUpdateInvalidatesCache(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.Register(core.Flag{Name: "switch", Default: true})

	if !m.IsEnabled("switch", core.EvaluationContext{UserID: "user-1"}) {
		t.Fatal("flag disabled before update")
	}

	if _, err := m.UpdateFlag("switch", Update{Default: boolPtr(false)}); err != nil {
		t.Fatalf("UpdateFlag() error = %v", err)
	}
	if m.IsEnabled("switch", core.EvaluationContext{UserID: "user-1"}) {
		t.Error("stale cached result served after update")
	}

	if _, err := m.UpdateFlag("ghost", Update{}); err != ErrFlagNotFound {
		t.Errorf("UpdateFlag(ghost) error = %v, want ErrFlagNotFound", err)
	}
}

func TestEvaluateNeverPanics(t *testing.T) {
	m, cohorts, _ := newTestManager(t)
	cohorts.panicOn = "beta_testers"
	m.Register(core.Flag{
		Name:    "explosive",
		Default: true,
		Rollout: &core.Rollout{
			Cohorts: core.CohortRollouts{{Cohort: "beta_testers", Enabled: true}},
		},
	})

	result := m.Evaluate("explosive", core.EvaluationContext{UserID: "user-1"})
	if result.Reason != "Error during evaluation" {
		t.Errorf("Reason = %q, want %q", result.Reason, "Error during evaluation")
	}
	// Known flags fall back to their default on internal errors.
	if !result.Enabled {
		t.Error("Enabled = false, want flag default true")
	}
}

func TestApplySnapshot(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.Register(core.Flag{Name: "existing", Default: false})

	m.ApplySnapshot(map[string]core.Flag{
		"existing": {Default: true},
		"incoming": {Default: true},
	})

	if !m.IsEnabled("existing", core.EvaluationContext{UserID: "user-1"}) {
		t.Error("snapshot did not replace existing flag")
	}
	flag, ok := m.GetFlag("incoming")
	if !ok {
		t.Fatal("snapshot flag missing")
	}
	if flag.Name != "incoming" {
		t.Errorf("snapshot flag Name = %q, want map key", flag.Name)
	}
}

func TestListFlagsSorted(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.Register(core.Flag{Name: "zeta"})
	m.Register(core.Flag{Name: "alpha"})

	listed := m.ListFlags()
	if len(listed) != 2 || listed[0].Name != "alpha" || listed[1].Name != "zeta" {
		t.Errorf("ListFlags() order = %v", listed)
	}
}

func TestSubscribePublishesMutations(t *testing.T) {
	m, _, _ := newTestManager(t)
	events, cancel := m.Subscribe()
	defer cancel()

	m.Register(core.Flag{Name: "announced"})

	select {
	case event := <-events:
		if event.Type != EventTypeUpdated {
			t.Errorf("event.Type = %q, want %q", event.Type, EventTypeUpdated)
		}
		if event.Flag != "announced" {
			t.Errorf("event.Flag = %q, want %q", event.Flag, "announced")
		}
	case <-time.After(time.Second):
		t.Fatal("no event received for Register")
	}

	cancel()
	if _, open := <-events; open {
		t.Error("event channel still open after cancel")
	}
}

func TestDefaultsRegister(t *testing.T) {
	m, _, _ := newTestManager(t)
	for _, flag := range Defaults() {
		m.Register(flag)
	}

	for _, name := range []string{"v2_mentor", "v2_creator", "v2_publisher", "new_onboarding", "dark_mode"} {
		if _, ok := m.GetFlag(name); !ok {
			t.Errorf("default flag %q missing", name)
		}
	}

	// dark_mode ships enabled by default.
	if !m.IsEnabled("dark_mode", core.EvaluationContext{UserID: "user-1"}) {
		t.Error("dark_mode disabled by default")
	}
}
