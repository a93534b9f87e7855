package routines

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Op is one of the closed set of leaf comparison operators (§4.E, §9).
type Op string

const (
	OpEq       Op = "eq"
	OpNeq      Op = "neq"
	OpContains Op = "contains"
	OpIn       Op = "in"
	OpExists   Op = "exists"
	OpMatches  Op = "matches"
)

var validOps = map[Op]bool{
	OpEq: true, OpNeq: true, OpContains: true, OpIn: true, OpExists: true, OpMatches: true,
}

// envelopeFields is the closed set of fields a Leaf rule may reference.
var envelopeFields = map[string]bool{
	"eventId": true, "source": true, "eventType": true, "sourceRef": true,
	"sessionKey": true, "pluginInstanceId": true, "actorKind": true,
	"actorHandle": true, "status": true, "title": true, "createdAt": true,
}

// Rule is one node of a routine's predicate tree. A node is either a Leaf
// (Field+Op set) or a compound (exactly one of All, Any, Not set) — never
// both, enforced by Validate.
type Rule struct {
	Field string `json:"field,omitempty"`
	Op    Op     `json:"op,omitempty"`
	Value string `json:"value,omitempty"`

	All []*Rule `json:"all,omitempty"`
	Any []*Rule `json:"any,omitempty"`
	Not *Rule   `json:"not,omitempty"`
}

// Validate checks a rule tree is well-formed before it is ever evaluated
// against a live envelope, mirroring pkg/config/validator.go's style of
// explicit per-field checks with a named path in the error.
func (r *Rule) Validate(path string) error {
	if r == nil {
		return fmt.Errorf("%s: rule is nil", path)
	}

	kinds := 0
	if len(r.All) > 0 {
		kinds++
	}
	if len(r.Any) > 0 {
		kinds++
	}
	if r.Not != nil {
		kinds++
	}
	isLeaf := r.Field != "" || r.Op != ""

	switch {
	case kinds > 1:
		return fmt.Errorf("%s: rule must be exactly one of all/any/not, got %d", path, kinds)
	case kinds == 1 && isLeaf:
		return fmt.Errorf("%s: rule cannot mix a leaf (field/op) with all/any/not", path)
	case kinds == 0 && !isLeaf:
		return fmt.Errorf("%s: rule has neither a leaf nor a compound form", path)
	}

	if isLeaf {
		if !envelopeFields[r.Field] {
			return fmt.Errorf("%s: unknown envelope field %q", path, r.Field)
		}
		if !validOps[r.Op] {
			return fmt.Errorf("%s: unknown operator %q", path, r.Op)
		}
		if r.Op == OpMatches {
			if _, err := regexp.Compile(r.Value); err != nil {
				return fmt.Errorf("%s: invalid regexp in value: %w", path, err)
			}
		}
		return nil
	}

	for i, child := range r.All {
		if err := child.Validate(fmt.Sprintf("%s.all[%d]", path, i)); err != nil {
			return err
		}
	}
	for i, child := range r.Any {
		if err := child.Validate(fmt.Sprintf("%s.any[%d]", path, i)); err != nil {
			return err
		}
	}
	if r.Not != nil {
		if err := r.Not.Validate(path + ".not"); err != nil {
			return err
		}
	}
	return nil
}

// Envelope is the typed view of an inbound event a routine's rule is
// evaluated against (§4.E).
type Envelope struct {
	EventID          string    `json:"eventId"`
	Source           string    `json:"source"`
	EventType        string    `json:"eventType"`
	SourceRef        string    `json:"sourceRef"`
	SessionKey       string    `json:"sessionKey"`
	PluginInstanceID string    `json:"pluginInstanceId"`
	ActorKind        string    `json:"actorKind"`
	ActorHandle      string    `json:"actorHandle"`
	Status           string    `json:"status"`
	Title            string    `json:"title"`
	CreatedAt        time.Time `json:"createdAt"`
}

// field returns the string form of one of the closed envelope fields, and
// whether it was present/non-zero.
func (e *Envelope) field(name string) (value string, present bool) {
	switch name {
	case "eventId":
		return e.EventID, e.EventID != ""
	case "source":
		return e.Source, e.Source != ""
	case "eventType":
		return e.EventType, e.EventType != ""
	case "sourceRef":
		return e.SourceRef, e.SourceRef != ""
	case "sessionKey":
		return e.SessionKey, e.SessionKey != ""
	case "pluginInstanceId":
		return e.PluginInstanceID, e.PluginInstanceID != ""
	case "actorKind":
		return e.ActorKind, e.ActorKind != ""
	case "actorHandle":
		return e.ActorHandle, e.ActorHandle != ""
	case "status":
		return e.Status, e.Status != ""
	case "title":
		return e.Title, e.Title != ""
	case "createdAt":
		return e.CreatedAt.Format(time.RFC3339), !e.CreatedAt.IsZero()
	default:
		return "", false
	}
}

// regexCache avoids recompiling a matches rule's pattern on every evaluation
// of a routine that fires repeatedly against a steady stream of envelopes.
var regexCache sync.Map // value string -> *regexp.Regexp

func compileCached(pattern string) (*regexp.Regexp, error) {
	if re, ok := regexCache.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCache.Store(pattern, re)
	return re, nil
}

// Evaluate walks a rule tree against an envelope and returns its verdict. A
// nil rule matches unconditionally, useful for condition-triggered routines
// whose rule_json is empty since the probe itself is the predicate.
func Evaluate(rule *Rule, env *Envelope) (bool, error) {
	if rule == nil {
		return true, nil
	}

	switch {
	case len(rule.All) > 0:
		for _, child := range rule.All {
			ok, err := Evaluate(child, env)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil

	case len(rule.Any) > 0:
		for _, child := range rule.Any {
			ok, err := Evaluate(child, env)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case rule.Not != nil:
		ok, err := Evaluate(rule.Not, env)
		if err != nil {
			return false, err
		}
		return !ok, nil

	default:
		return evaluateLeaf(rule, env)
	}
}

func evaluateLeaf(rule *Rule, env *Envelope) (bool, error) {
	val, present := env.field(rule.Field)

	switch rule.Op {
	case OpExists:
		return present, nil
	case OpEq:
		return val == rule.Value, nil
	case OpNeq:
		return val != rule.Value, nil
	case OpContains:
		return strings.Contains(val, rule.Value), nil
	case OpIn:
		for _, item := range strings.Split(rule.Value, ",") {
			if strings.TrimSpace(item) == val {
				return true, nil
			}
		}
		return false, nil
	case OpMatches:
		re, err := compileCached(rule.Value)
		if err != nil {
			return false, fmt.Errorf("compile regexp for field %q: %w", rule.Field, err)
		}
		return re.MatchString(val), nil
	default:
		return false, fmt.Errorf("unknown operator %q", rule.Op)
	}
}
