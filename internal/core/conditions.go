package core

import (
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strings"
)

// MatchConditions reports whether every condition holds for the given
// attributes (AND semantics). An empty condition list always matches.
func MatchConditions(conditions []Condition, attributes map[string]any) bool {
	for _, condition := range conditions {
		matched := matchPredicate(condition.Attribute, condition.Operator, condition.Value, attributes)
		if condition.Negate {
			matched = !matched
		}
		if !matched {
			return false
		}
	}

	return true
}

// MatchRules reports whether every cohort rule holds for the given attributes
// (AND semantics). An empty rule list never matches: a cohort with no rules
// only admits explicit members.
func MatchRules(rules []Rule, attributes map[string]any) bool {
	if len(rules) == 0 {
		return false
	}

	for _, rule := range rules {
		if !matchPredicate(rule.Attribute, rule.Operator, rule.Value, attributes) {
			return false
		}
	}

	return true
}

func matchPredicate(attribute string, operator Operator, expected any, attributes map[string]any) bool {
	if attributes == nil {
		return false
	}

	actual, ok := attributes[attribute]
	if !ok {
		return false
	}

	switch operator {
	case OperatorEquals:
		return valuesEqual(actual, expected)
	case OperatorNotEquals:
		return !valuesEqual(actual, expected)
	case OperatorGreaterThan:
		cmp, ok := compareValues(actual, expected)
		return ok && cmp > 0
	case OperatorLessThan:
		cmp, ok := compareValues(actual, expected)
		return ok && cmp < 0
	case OperatorContains:
		return strings.Contains(stringify(actual), stringify(expected))
	case OperatorIn:
		return valueIn(actual, expected)
	case OperatorRegex:
		pattern, ok := expected.(string)
		if !ok {
			return false
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(stringify(actual))
	default:
		return false
	}
}

func valueIn(value any, candidates any) bool {
	list := reflect.ValueOf(candidates)
	if !list.IsValid() {
		return false
	}
	if list.Kind() != reflect.Slice && list.Kind() != reflect.Array {
		return false
	}

	for i := 0; i < list.Len(); i++ {
		if valuesEqual(value, list.Index(i).Interface()) {
			return true
		}
	}

	return false
}

// valuesEqual compares two attribute values, coercing across numeric kinds so
// that a JSON-decoded float64(3) equals an int(3) from a Go caller.
func valuesEqual(left, right any) bool {
	if leftNum, ok := asFloat64(left); ok {
		if rightNum, ok := asFloat64(right); ok {
			return leftNum == rightNum
		}
		return false
	}

	if leftStr, ok := left.(string); ok {
		if rightStr, ok := right.(string); ok {
			return leftStr == rightStr
		}
		return false
	}

	return reflect.DeepEqual(left, right)
}

// compareValues orders two values. Numbers compare numerically, strings
// lexically. Mixed or unsupported kinds report no ordering.
func compareValues(left, right any) (int, bool) {
	if leftNum, ok := asFloat64(left); ok {
		rightNum, ok := asFloat64(right)
		if !ok {
			return 0, false
		}
		switch {
		case leftNum < rightNum:
			return -1, true
		case leftNum > rightNum:
			return 1, true
		default:
			return 0, true
		}
	}

	leftStr, leftOK := left.(string)
	rightStr, rightOK := right.(string)
	if leftOK && rightOK {
		return strings.Compare(leftStr, rightStr), true
	}

	return 0, false
}

func asFloat64(value any) (float64, bool) {
	switch number := value.(type) {
	case int:
		return float64(number), true
	case int8:
		return float64(number), true
	case int16:
		return float64(number), true
	case int32:
		return float64(number), true
	case int64:
		return float64(number), true
	case uint:
		return float64(number), true
	case uint8:
		return float64(number), true
	case uint16:
		return float64(number), true
	case uint32:
		return float64(number), true
	case uint64:
		return float64(number), true
	case float32:
		f := float64(number)
		if math.IsNaN(f) {
			return 0, false
		}
		return f, true
	case float64:
		if math.IsNaN(number) {
			return 0, false
		}
		return number, true
	default:
		return 0, false
	}
}

func stringify(value any) string {
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", value)
}
