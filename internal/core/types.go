// Package core defines the feature flag domain model and the pure evaluation
// primitives: condition matching, consistent-hash rollout bucketing, and
// weighted variant selection. Nothing in this package performs I/O.
package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Operator identifies a comparison applied by conditions and cohort rules.
type Operator string

const (
	OperatorEquals      Operator = "equals"
	OperatorNotEquals   Operator = "not_equals"
	OperatorGreaterThan Operator = "greater_than"
	OperatorLessThan    Operator = "less_than"
	OperatorContains    Operator = "contains"
	OperatorIn          Operator = "in"
	OperatorRegex       Operator = "regex"
)

// Condition is an attribute predicate attached to a flag. All conditions on a
// flag must hold (AND semantics). Negate inverts this condition's own result.
type Condition struct {
	Attribute string   `json:"attribute" yaml:"attribute"`
	Operator  Operator `json:"operator" yaml:"operator"`
	Value     any      `json:"value" yaml:"value"`
	Negate    bool     `json:"negate,omitempty" yaml:"negate,omitempty"`
}

// Rule is an attribute predicate used for rule-based cohort membership.
type Rule struct {
	Attribute string   `json:"attribute" yaml:"attribute"`
	Operator  Operator `json:"operator" yaml:"operator"`
	Value     any      `json:"value" yaml:"value"`
}

// CohortRollout maps a cohort name to whether membership enables the flag.
type CohortRollout struct {
	Cohort  string
	Enabled bool
}

// CohortRollouts preserves the declaration order of the cohort map in flag
// definitions: the first matching cohort wins during evaluation, so order is
// semantically significant even though the wire shape is an object.
type CohortRollouts []CohortRollout

// Rollout describes how a flag is progressively enabled: cohort overrides
// first, then a percentage bucket over the user population.
type Rollout struct {
	Percentage *int           `json:"percentage,omitempty" yaml:"percentage,omitempty"`
	Cohorts    CohortRollouts `json:"cohorts,omitempty" yaml:"cohorts,omitempty"`
}

// Variant is a named experiment arm with a proportional weight. Weights need
// not sum to 100; selection is proportional to the total.
type Variant struct {
	Name   string `json:"name" yaml:"name"`
	Weight int    `json:"weight" yaml:"weight"`
}

// ErrorThreshold configures the circuit breaker for a flag: the breaker opens
// when the error rate within the window exceeds Rate with at least MinSamples
// observations. Window is expressed in seconds on the wire.
type ErrorThreshold struct {
	Rate       float64 `json:"rate" yaml:"rate"`
	Window     int     `json:"window" yaml:"window"`
	MinSamples int     `json:"min_samples" yaml:"min_samples"`
}

// WindowDuration converts the wire-level window seconds to a duration.
func (t ErrorThreshold) WindowDuration() time.Duration {
	return time.Duration(t.Window) * time.Second
}

// Flag is a togglable capability. Flags are never deleted, only disabled.
type Flag struct {
	Name           string          `json:"name" yaml:"name"`
	Description    string          `json:"description,omitempty" yaml:"description,omitempty"`
	Default        bool            `json:"default" yaml:"default"`
	Dependencies   []string        `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Conditions     []Condition     `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Rollout        *Rollout        `json:"rollout,omitempty" yaml:"rollout,omitempty"`
	Variants       []Variant       `json:"variants,omitempty" yaml:"variants,omitempty"`
	ErrorThreshold *ErrorThreshold `json:"error_threshold,omitempty" yaml:"error_threshold,omitempty"`
}

// Cohort is a named user segment. A user belongs to a cohort if they are an
// explicit member or if every rule matches their context attributes.
type Cohort struct {
	Name        string              `json:"name" yaml:"name"`
	Description string              `json:"description,omitempty" yaml:"description,omitempty"`
	Members     map[string]struct{} `json:"-" yaml:"-"`
	Rules       []Rule              `json:"rules,omitempty" yaml:"rules,omitempty"`
	CreatedAt   time.Time           `json:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at" yaml:"updated_at"`
}

// EvaluationContext carries the identity and attributes a flag is evaluated
// against. UserID is the stable identity used for rollout bucketing.
type EvaluationContext struct {
	UserID     string         `json:"user_id"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// EvaluationResult is the outcome of a single flag evaluation. Reason records
// which rule decided the outcome, in human-readable form.
type EvaluationResult struct {
	FlagName  string    `json:"flag_name"`
	UserID    string    `json:"user_id"`
	Enabled   bool      `json:"enabled"`
	Reason    string    `json:"reason"`
	Variant   string    `json:"variant,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// UnmarshalYAML decodes a YAML mapping of cohort name to bool, preserving the
// document order of the keys.
func (c *CohortRollouts) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("rollout cohorts: expected mapping, got kind %v", node.Kind)
	}

	rollouts := make(CohortRollouts, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var enabled bool
		if err := node.Content[i+1].Decode(&enabled); err != nil {
			return fmt.Errorf("rollout cohorts: decode value for %q: %w", node.Content[i].Value, err)
		}
		rollouts = append(rollouts, CohortRollout{Cohort: node.Content[i].Value, Enabled: enabled})
	}

	*c = rollouts
	return nil
}

// MarshalYAML encodes the rollouts back to an ordered mapping.
func (c CohortRollouts) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, rollout := range c {
		key := &yaml.Node{Kind: yaml.ScalarNode, Value: rollout.Cohort}
		value := &yaml.Node{}
		if err := value.Encode(rollout.Enabled); err != nil {
			return nil, err
		}
		node.Content = append(node.Content, key, value)
	}
	return node, nil
}

// UnmarshalJSON decodes a JSON object of cohort name to bool using the token
// stream so that key order survives the round trip.
func (c *CohortRollouts) UnmarshalJSON(data []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(data))

	token, err := decoder.Token()
	if err != nil {
		return fmt.Errorf("rollout cohorts: %w", err)
	}
	if delim, ok := token.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("rollout cohorts: expected object, got %v", token)
	}

	rollouts := make(CohortRollouts, 0)
	for decoder.More() {
		keyToken, err := decoder.Token()
		if err != nil {
			return fmt.Errorf("rollout cohorts: %w", err)
		}
		key, ok := keyToken.(string)
		if !ok {
			return fmt.Errorf("rollout cohorts: expected string key, got %v", keyToken)
		}

		var enabled bool
		if err := decoder.Decode(&enabled); err != nil {
			return fmt.Errorf("rollout cohorts: decode value for %q: %w", key, err)
		}
		rollouts = append(rollouts, CohortRollout{Cohort: key, Enabled: enabled})
	}

	if _, err := decoder.Token(); err != nil {
		return fmt.Errorf("rollout cohorts: %w", err)
	}

	*c = rollouts
	return nil
}

// MarshalJSON encodes the rollouts as an object, writing keys in order.
func (c CohortRollouts) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, rollout := range c {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(rollout.Cohort)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.WriteString(fmt.Sprintf("%t", rollout.Enabled))
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// HasMember reports whether userID is an explicit member of the cohort.
func (c *Cohort) HasMember(userID string) bool {
	_, ok := c.Members[userID]
	return ok
}

// Clone returns a deep copy of the flag so callers can mutate merged
// definitions without aliasing manager-owned state.
func (f Flag) Clone() Flag {
	clone := f

	if f.Dependencies != nil {
		clone.Dependencies = append([]string(nil), f.Dependencies...)
	}
	if f.Conditions != nil {
		clone.Conditions = append([]Condition(nil), f.Conditions...)
	}
	if f.Variants != nil {
		clone.Variants = append([]Variant(nil), f.Variants...)
	}
	if f.Rollout != nil {
		rollout := Rollout{}
		if f.Rollout.Percentage != nil {
			pct := *f.Rollout.Percentage
			rollout.Percentage = &pct
		}
		if f.Rollout.Cohorts != nil {
			rollout.Cohorts = append(CohortRollouts(nil), f.Rollout.Cohorts...)
		}
		clone.Rollout = &rollout
	}
	if f.ErrorThreshold != nil {
		threshold := *f.ErrorThreshold
		clone.ErrorThreshold = &threshold
	}

	return clone
}
