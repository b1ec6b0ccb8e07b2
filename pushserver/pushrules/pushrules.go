// Copyright 2017 Vector Creations Ltd
// Copyright 2018 New Vector Ltd
// Copyright 2019-2020 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pushrules evaluates a user's push ruleset against events,
// producing the action list of the first matching enabled rule
// (spec.md 4.9).
package pushrules

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// RuleKind is a ruleset section; evaluation order is fixed.
type RuleKind string

const (
	OverrideKind  RuleKind = "override"
	ContentKind   RuleKind = "content"
	RoomKind      RuleKind = "room"
	SenderKind    RuleKind = "sender"
	UnderrideKind RuleKind = "underride"
)

// evaluationOrder is the priority order from spec.md 4.9.
var evaluationOrder = []RuleKind{OverrideKind, ContentKind, RoomKind, SenderKind, UnderrideKind}

// Rule is one push rule.
type Rule struct {
	RuleID  string   `json:"rule_id"`
	Default bool     `json:"default"`
	Enabled bool     `json:"enabled"`
	Actions []Action `json:"actions"`
	// Conditions apply to override and underride rules.
	Conditions []Condition `json:"conditions,omitempty"`
	// Pattern applies to content rules: a glob against content.body.
	Pattern string `json:"pattern,omitempty"`
}

// Action is one element of a rule's action list: either a string action
// ("notify", "dont_notify", "coalesce") or a set_tweak object.
type Action struct {
	Action string      `json:"-"`
	Tweak  string      `json:"-"`
	Value  interface{} `json:"-"`
}

// MarshalJSON renders the wire shape: plain string or tweak object.
func (a Action) MarshalJSON() ([]byte, error) {
	if a.Tweak == "" {
		return json.Marshal(a.Action)
	}
	obj := map[string]interface{}{"set_tweak": a.Tweak}
	if a.Value != nil {
		obj["value"] = a.Value
	}
	return json.Marshal(obj)
}

// UnmarshalJSON parses either wire shape.
func (a *Action) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		a.Action = s
		return nil
	}
	var obj struct {
		SetTweak string      `json:"set_tweak"`
		Value    interface{} `json:"value"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	a.Tweak = obj.SetTweak
	a.Value = obj.Value
	return nil
}

// Notifies reports whether an action list results in a notification.
func Notifies(actions []Action) bool {
	for _, a := range actions {
		switch a.Action {
		case "notify", "coalesce":
			return true
		case "dont_notify":
			return false
		}
	}
	return false
}

// Condition is one push rule condition.
type Condition struct {
	Kind    string `json:"kind"`
	Key     string `json:"key,omitempty"`
	Pattern string `json:"pattern,omitempty"`
	Is      string `json:"is,omitempty"`
	Feature string `json:"feature,omitempty"`
}

// Ruleset is a user's complete set of push rules by kind.
type Ruleset struct {
	Override  []*Rule `json:"override,omitempty"`
	Content   []*Rule `json:"content,omitempty"`
	Room      []*Rule `json:"room,omitempty"`
	Sender    []*Rule `json:"sender,omitempty"`
	Underride []*Rule `json:"underride,omitempty"`
}

func (r *Ruleset) rulesOf(kind RuleKind) []*Rule {
	switch kind {
	case OverrideKind:
		return r.Override
	case ContentKind:
		return r.Content
	case RoomKind:
		return r.Room
	case SenderKind:
		return r.Sender
	default:
		return r.Underride
	}
}

// EvaluationContext is everything beyond the event itself a condition can
// reference (spec.md 4.9).
type EvaluationContext struct {
	UserID      string
	DisplayName string
	RoomID      string
	MemberCount int
	// Power levels snapshot: users, users_default and notifications.
	PowerLevelUsers         map[string]int64
	PowerLevelUsersDefault  int64
	PowerLevelNotifications map[string]int64
	// RoomFeatures lists features the room version supports, e.g.
	// "extensible_events".
	RoomFeatures []string
}

func (ctx *EvaluationContext) supportsFeature(feature string) bool {
	for _, f := range ctx.RoomFeatures {
		if f == feature {
			return true
		}
	}
	return false
}

// GetActions evaluates the ruleset against the event, returning the first
// matching enabled rule's actions, or nil when nothing matches.
func (r *Ruleset) GetActions(eventJSON []byte, ctx *EvaluationContext) []Action {
	flat := flattenJSON(eventJSON)
	extensible := ctx.supportsFeature("extensible_events")
	hasMentions := gjson.GetBytes(eventJSON, `content.m\.mentions`).Exists()

	for _, kind := range evaluationOrder {
		for _, rule := range r.rulesOf(kind) {
			if !rule.Enabled {
				continue
			}
			// Rooms supporting extensible events disable every rule that
			// does not explicitly assert room_version_supports; legacy
			// content rules are also disabled once the event opts into
			// m.mentions (spec.md 4.9).
			if extensible && !hasRoomVersionCondition(rule) {
				continue
			}
			if kind == ContentKind && hasMentions {
				continue
			}
			if r.ruleMatches(kind, rule, flat, ctx) {
				return rule.Actions
			}
		}
	}
	return nil
}

func hasRoomVersionCondition(rule *Rule) bool {
	for _, condition := range rule.Conditions {
		if condition.Kind == "room_version_supports" {
			return true
		}
	}
	return false
}

func (r *Ruleset) ruleMatches(kind RuleKind, rule *Rule, flat map[string]string, ctx *EvaluationContext) bool {
	switch kind {
	case ContentKind:
		return rule.Pattern != "" && globMatch(rule.Pattern, flat["content.body"], true)
	case RoomKind:
		return rule.RuleID == flat["room_id"]
	case SenderKind:
		return rule.RuleID == flat["sender"]
	default:
		for _, condition := range rule.Conditions {
			if !conditionMatches(&condition, flat, ctx) {
				return false
			}
		}
		return true
	}
}

func conditionMatches(condition *Condition, flat map[string]string, ctx *EvaluationContext) bool {
	switch condition.Kind {
	case "event_match":
		value, ok := flat[condition.Key]
		if !ok {
			return false
		}
		// content.body and displayname matches are word-bounded; other
		// keys match the whole value.
		wordBoundary := condition.Key == "content.body"
		return globMatch(condition.Pattern, value, wordBoundary)
	case "contains_display_name":
		if ctx.DisplayName == "" {
			return false
		}
		return containsWord(flat["content.body"], ctx.DisplayName)
	case "room_member_count":
		return memberCountMatches(condition.Is, ctx.MemberCount)
	case "sender_notification_permission":
		sender := flat["sender"]
		level, ok := ctx.PowerLevelUsers[sender]
		if !ok {
			level = ctx.PowerLevelUsersDefault
		}
		required, ok := ctx.PowerLevelNotifications[condition.Key]
		if !ok {
			required = 50
		}
		return level >= required
	case "room_version_supports":
		return ctx.supportsFeature(condition.Feature)
	default:
		// Unknown condition kinds never match, so new condition types fail
		// closed.
		return false
	}
}

// memberCountMatches parses the "is" comparator: "2", "==2", "<10", ">=3".
func memberCountMatches(is string, count int) bool {
	op := "=="
	rest := is
	for _, candidate := range []string{"==", "<=", ">=", "<", ">"} {
		if strings.HasPrefix(is, candidate) {
			op = candidate
			rest = is[len(candidate):]
			break
		}
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return false
	}
	switch op {
	case "==":
		return count == n
	case "<":
		return count < n
	case ">":
		return count > n
	case "<=":
		return count <= n
	default:
		return count >= n
	}
}

// flattenJSON flattens a JSON object into dotted key paths with string
// values, the shape event_match patterns address. Literal dots in keys are
// escaped as "\.".
func flattenJSON(eventJSON []byte) map[string]string {
	var parsed map[string]interface{}
	if err := json.Unmarshal(eventJSON, &parsed); err != nil {
		return map[string]string{}
	}
	flat := map[string]string{}
	flattenValue("", parsed, flat)
	return flat
}

func flattenValue(prefix string, value interface{}, flat map[string]string) {
	switch v := value.(type) {
	case map[string]interface{}:
		if len(v) == 0 && prefix != "" {
			// Record empty objects so presence checks (m.mentions) work.
			flat[prefix] = ""
			return
		}
		for key, child := range v {
			escaped := strings.ReplaceAll(strings.ReplaceAll(key, "\\", "\\\\"), ".", "\\.")
			childPrefix := escaped
			if prefix != "" {
				childPrefix = prefix + "." + escaped
			}
			flattenValue(childPrefix, child, flat)
		}
	case string:
		flat[prefix] = v
	case bool:
		flat[prefix] = strconv.FormatBool(v)
	case float64:
		flat[prefix] = strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		flat[prefix] = ""
	}
}

// globMatch matches Matrix push globs: * any run, ? one character. When
// wordBoundary is set and the pattern has no wildcards, it matches the
// pattern as a whole word anywhere in the value; otherwise the pattern
// must cover the whole value.
func globMatch(pattern, value string, wordBoundary bool) bool {
	pattern = strings.ToLower(pattern)
	value = strings.ToLower(value)
	if !strings.ContainsAny(pattern, "*?") {
		if wordBoundary {
			return containsWord(value, pattern)
		}
		return pattern == value
	}
	if wordBoundary && !strings.HasPrefix(pattern, "*") {
		pattern = "*" + pattern
	}
	if wordBoundary && !strings.HasSuffix(pattern, "*") {
		pattern = pattern + "*"
	}
	return wildcardMatch(pattern, value)
}

func wildcardMatch(pattern, value string) bool {
	// Iterative greedy matcher with backtracking over '*'.
	var pi, vi, starPi, starVi int
	starPi = -1
	for vi < len(value) {
		switch {
		case pi < len(pattern) && (pattern[pi] == '?' || pattern[pi] == value[vi]):
			pi++
			vi++
		case pi < len(pattern) && pattern[pi] == '*':
			starPi = pi
			starVi = vi
			pi++
		case starPi != -1:
			pi = starPi + 1
			starVi++
			vi = starVi
		default:
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}

// containsWord reports whether word appears in value bounded by
// non-alphanumeric characters.
func containsWord(value, word string) bool {
	value = strings.ToLower(value)
	word = strings.ToLower(word)
	idx := 0
	for {
		i := strings.Index(value[idx:], word)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(word)
		startOK := start == 0 || !isWordChar(value[start-1])
		endOK := end == len(value) || !isWordChar(value[end])
		if startOK && endOK {
			return true
		}
		idx = start + 1
	}
}

func isWordChar(c byte) bool {
	return c == '_' || (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// String renders a rule for logs.
func (r *Rule) String() string {
	return fmt.Sprintf("rule %s (default=%v enabled=%v)", r.RuleID, r.Default, r.Enabled)
}
