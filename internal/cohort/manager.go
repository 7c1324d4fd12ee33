// Package cohort maintains named user segments with explicit membership and
// rule-based membership, and answers cohort queries for flag evaluation.
//
// Membership lookups are cached per user; any cohort mutation flushes the
// whole cache. Cohorts change rarely, so correctness wins over cache reuse.
package cohort

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/flipgate/flipgate/internal/core"
)

// Definition describes a cohort to create or update.
type Definition struct {
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Members     []string    `json:"members,omitempty" yaml:"members,omitempty"`
	Rules       []core.Rule `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// Manager owns the cohort map and the per-user membership cache. All methods
// are safe for concurrent use.
type Manager struct {
	mu      sync.RWMutex
	cohorts map[string]*core.Cohort
	cache   *gocache.Cache
	log     *slog.Logger
	now     func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a Manager seeded with the default cohorts.
func New(opts ...Option) *Manager {
	m := &Manager{
		cohorts: make(map[string]*core.Cohort),
		cache:   gocache.New(gocache.NoExpiration, 0),
		log:     slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	for _, def := range defaultCohorts() {
		m.Create(def)
	}

	return m
}

func defaultCohorts() []Definition {
	return []Definition{
		{Name: "beta_testers", Description: "Users opted into beta features"},
		{Name: "internal_users", Description: "Employees and internal accounts", Rules: []core.Rule{
			{Attribute: "email", Operator: core.OperatorContains, Value: "@flipgate.dev"},
		}},
		{Name: "early_adopters", Description: "Accounts created before general availability", Rules: []core.Rule{
			{Attribute: "signup_cohort", Operator: core.OperatorEquals, Value: "early"},
		}},
		{Name: "power_users", Description: "High-activity accounts", Rules: []core.Rule{
			{Attribute: "sessions_per_week", Operator: core.OperatorGreaterThan, Value: 10},
		}},
		{Name: "canary", Description: "Manually curated canary population"},
	}
}

// Create registers a cohort, overwriting any existing cohort with the same
// name. The membership cache is flushed. The returned cohort is a snapshot;
// later mutations do not touch it.
func (m *Manager) Create(def Definition) core.Cohort {
	now := m.now()

	members := make(map[string]struct{}, len(def.Members))
	for _, userID := range def.Members {
		members[userID] = struct{}{}
	}

	cohort := &core.Cohort{
		Name:        def.Name,
		Description: def.Description,
		Members:     members,
		Rules:       append([]core.Rule(nil), def.Rules...),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	m.mu.Lock()
	if existing, ok := m.cohorts[def.Name]; ok {
		cohort.CreatedAt = existing.CreatedAt
	}
	m.cohorts[def.Name] = cohort
	snapshot := snapshotCohort(cohort)
	m.mu.Unlock()

	m.cache.Flush()
	return snapshot
}

// Update merges a definition into an existing cohort. Returns false if the
// cohort does not exist.
func (m *Manager) Update(name string, def Definition) bool {
	m.mu.Lock()
	cohort, ok := m.cohorts[name]
	if !ok {
		m.mu.Unlock()
		return false
	}

	if def.Description != "" {
		cohort.Description = def.Description
	}
	if def.Rules != nil {
		cohort.Rules = append([]core.Rule(nil), def.Rules...)
	}
	if def.Members != nil {
		members := make(map[string]struct{}, len(def.Members))
		for _, userID := range def.Members {
			members[userID] = struct{}{}
		}
		cohort.Members = members
	}
	cohort.UpdatedAt = m.now()
	m.mu.Unlock()

	m.cache.Flush()
	return true
}

// Delete removes a cohort. Returns false if it does not exist.
func (m *Manager) Delete(name string) bool {
	m.mu.Lock()
	_, ok := m.cohorts[name]
	if ok {
		delete(m.cohorts, name)
	}
	m.mu.Unlock()

	if ok {
		m.cache.Flush()
	}
	return ok
}

// Get returns a snapshot of a cohort by name.
func (m *Manager) Get(name string) (core.Cohort, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cohort, ok := m.cohorts[name]
	if !ok {
		return core.Cohort{}, false
	}
	return snapshotCohort(cohort), true
}

// List returns snapshots of all cohorts ordered by name.
func (m *Manager) List() []core.Cohort {
	m.mu.RLock()
	cohorts := make([]core.Cohort, 0, len(m.cohorts))
	for _, cohort := range m.cohorts {
		cohorts = append(cohorts, snapshotCohort(cohort))
	}
	m.mu.RUnlock()

	sort.Slice(cohorts, func(i, j int) bool { return cohorts[i].Name < cohorts[j].Name })
	return cohorts
}

// AddUser adds a user to a cohort's explicit members. Returns false if the
// cohort does not exist.
func (m *Manager) AddUser(userID, name string) bool {
	m.mu.Lock()
	cohort, ok := m.cohorts[name]
	if ok {
		if cohort.Members == nil {
			cohort.Members = make(map[string]struct{})
		}
		cohort.Members[userID] = struct{}{}
		cohort.UpdatedAt = m.now()
	}
	m.mu.Unlock()

	if ok {
		m.cache.Delete(userID)
	}
	return ok
}

// RemoveUser removes a user from a cohort's explicit members. Returns false
// if the cohort does not exist.
func (m *Manager) RemoveUser(userID, name string) bool {
	m.mu.Lock()
	cohort, ok := m.cohorts[name]
	if ok {
		delete(cohort.Members, userID)
		cohort.UpdatedAt = m.now()
	}
	m.mu.Unlock()

	if ok {
		m.cache.Delete(userID)
	}
	return ok
}

// UserCohorts returns the names of every cohort the user belongs to, either
// explicitly or by matching all of a cohort's rules against the attributes.
// Results are cached per user until the next cohort mutation.
func (m *Manager) UserCohorts(userID string, attributes map[string]any) []string {
	if cached, ok := m.cache.Get(userID); ok {
		if names, ok := cached.([]string); ok {
			return names
		}
	}

	m.mu.RLock()
	names := make([]string, 0)
	for name, cohort := range m.cohorts {
		if cohort.HasMember(userID) || core.MatchRules(cohort.Rules, attributes) {
			names = append(names, name)
		}
	}
	m.mu.RUnlock()

	sort.Strings(names)
	m.cache.Set(userID, names, gocache.NoExpiration)
	return names
}

// IsUserInCohort reports whether the user is an explicit member of the cohort
// or matches all of its rules.
func (m *Manager) IsUserInCohort(userID, name string, attributes map[string]any) bool {
	m.mu.RLock()
	cohort, ok := m.cohorts[name]
	if !ok {
		m.mu.RUnlock()
		return false
	}
	member := cohort.HasMember(userID) || core.MatchRules(cohort.Rules, attributes)
	m.mu.RUnlock()

	return member
}

// InRolloutGroup reports whether the user falls inside a percentage rollout.
// This is the canonical consistent-hash bucketing primitive; see core.Bucket.
func (m *Manager) InRolloutGroup(userID string, percentage int) bool {
	return core.InRollout(userID, percentage)
}

// exportEnvelope is the wire shape for Import/Export round trips.
type exportEnvelope struct {
	Cohorts map[string]exportCohort `json:"cohorts"`
}

type exportCohort struct {
	Description string      `json:"description,omitempty"`
	Members     []string    `json:"members"`
	Rules       []core.Rule `json:"rules"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Export serializes all cohorts to the {"cohorts": {...}} envelope.
func (m *Manager) Export() ([]byte, error) {
	m.mu.RLock()
	envelope := exportEnvelope{Cohorts: make(map[string]exportCohort, len(m.cohorts))}
	for name, cohort := range m.cohorts {
		members := make([]string, 0, len(cohort.Members))
		for userID := range cohort.Members {
			members = append(members, userID)
		}
		sort.Strings(members)

		envelope.Cohorts[name] = exportCohort{
			Description: cohort.Description,
			Members:     members,
			Rules:       append([]core.Rule(nil), cohort.Rules...),
			CreatedAt:   cohort.CreatedAt,
			UpdatedAt:   cohort.UpdatedAt,
		}
	}
	m.mu.RUnlock()

	return json.Marshal(envelope)
}

// Import merges cohorts from an exported envelope, overwriting cohorts that
// already exist. Envelope timestamps are preserved so export followed by
// import is a faithful round trip; entries without timestamps are stamped
// with the current time. Returns the number of cohorts imported.
func (m *Manager) Import(payload []byte) (int, error) {
	var envelope exportEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return 0, fmt.Errorf("decode cohort import: %w", err)
	}

	now := m.now()

	m.mu.Lock()
	for name, imported := range envelope.Cohorts {
		members := make(map[string]struct{}, len(imported.Members))
		for _, userID := range imported.Members {
			members[userID] = struct{}{}
		}

		cohort := &core.Cohort{
			Name:        name,
			Description: imported.Description,
			Members:     members,
			Rules:       append([]core.Rule(nil), imported.Rules...),
			CreatedAt:   imported.CreatedAt,
			UpdatedAt:   imported.UpdatedAt,
		}
		if cohort.CreatedAt.IsZero() {
			cohort.CreatedAt = now
		}
		if cohort.UpdatedAt.IsZero() {
			cohort.UpdatedAt = now
		}
		m.cohorts[name] = cohort
	}
	m.mu.Unlock()

	m.cache.Flush()
	m.log.Info("cohorts imported", "count", len(envelope.Cohorts))
	return len(envelope.Cohorts), nil
}

func snapshotCohort(cohort *core.Cohort) core.Cohort {
	snapshot := *cohort
	snapshot.Members = make(map[string]struct{}, len(cohort.Members))
	for userID := range cohort.Members {
		snapshot.Members[userID] = struct{}{}
	}
	snapshot.Rules = append([]core.Rule(nil), cohort.Rules...)
	return snapshot
}
