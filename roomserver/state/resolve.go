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

// Package state implements state resolution across forked room histories
// and the frame-based state compressor. Resolution is deterministic and
// pure: the only way it learns about events is the EventLoader closure.
package state

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/palpo-server/palpo/internal/eventauth"
	"github.com/palpo-server/palpo/internal/eventcore"
)

// StateMap is a fork's view of room state: each occupied (type, state_key)
// slot mapped to the occupying event's id.
type StateMap map[eventcore.StateKeyTuple]string

// EventLoader resolves an event id to its PDU. Loaders must be pure lookups
// into already-fetched data; resolution never does I/O.
type EventLoader func(eventID string) (*eventcore.PDU, error)

// ErrResolutionFailed is returned when events the algorithm needs cannot be
// loaded; callers treat the incoming event as unauthorized (spec.md 4.6).
type ErrResolutionFailed struct{ Reason string }

func (e ErrResolutionFailed) Error() string {
	return "state: resolution failed: " + e.Reason
}

// Resolve merges the given fork states into one, using the algorithm the
// room version prescribes. authChains holds, per fork, the event ids in the
// union of the auth chains of that fork's state events.
func Resolve(
	roomVersion eventcore.RoomVersion,
	forks []StateMap,
	authChains [][]string,
	load EventLoader,
) (StateMap, error) {
	switch len(forks) {
	case 0:
		return StateMap{}, nil
	case 1:
		return cloneStateMap(forks[0]), nil
	}
	switch roomVersion.StateResAlgorithm() {
	case eventcore.StateResV1:
		return resolveV1(forks, load)
	default:
		return resolveV2(forks, authChains, load)
	}
}

func cloneStateMap(in StateMap) StateMap {
	out := make(StateMap, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// splitConflicted partitions the union of all fork keys into the
// unconflicted map (every fork that has the key agrees) and the conflicted
// event-id set.
func splitConflicted(forks []StateMap) (unconflicted StateMap, conflicted map[string]struct{}) {
	unconflicted = StateMap{}
	conflicted = map[string]struct{}{}

	keys := map[eventcore.StateKeyTuple]struct{}{}
	for _, fork := range forks {
		for k := range fork {
			keys[k] = struct{}{}
		}
	}
	for k := range keys {
		var values []string
		seen := map[string]struct{}{}
		for _, fork := range forks {
			if v, ok := fork[k]; ok {
				if _, dup := seen[v]; !dup {
					seen[v] = struct{}{}
					values = append(values, v)
				}
			}
		}
		if len(values) == 1 && forkCountWithKey(forks, k) == len(forks) {
			unconflicted[k] = values[0]
			continue
		}
		for _, v := range values {
			conflicted[v] = struct{}{}
		}
	}
	return unconflicted, conflicted
}

func forkCountWithKey(forks []StateMap, k eventcore.StateKeyTuple) int {
	n := 0
	for _, fork := range forks {
		if _, ok := fork[k]; ok {
			n++
		}
	}
	return n
}

// authDifference computes the union-minus-intersection of the forks' auth
// chains (spec.md 4.6 step 2).
func authDifference(authChains [][]string) map[string]struct{} {
	counts := map[string]int{}
	for _, chain := range authChains {
		seen := map[string]struct{}{}
		for _, id := range chain {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			counts[id]++
		}
	}
	diff := map[string]struct{}{}
	for id, n := range counts {
		if n != len(authChains) {
			diff[id] = struct{}{}
		}
	}
	return diff
}

// isPowerEvent reports whether an event can change what other events are
// authorized: power levels, join rules, the create event, and membership
// kicks/bans (spec.md 4.6 step 3).
func isPowerEvent(e *eventcore.PDU) bool {
	if !e.IsState() {
		return false
	}
	switch e.Type() {
	case "m.room.power_levels", "m.room.join_rules", "m.room.create":
		return *e.StateKey() == ""
	case "m.room.member":
		var content struct {
			Membership string `json:"membership"`
		}
		_ = json.Unmarshal(e.Content(), &content)
		if content.Membership == "leave" || content.Membership == "ban" {
			return e.Sender() != *e.StateKey()
		}
	}
	return false
}

// loadAll loads every id in the set, failing resolution when any is
// unreachable.
func loadAll(ids map[string]struct{}, load EventLoader) (map[string]*eventcore.PDU, error) {
	out := make(map[string]*eventcore.PDU, len(ids))
	for id := range ids {
		e, err := load(id)
		if err != nil || e == nil {
			return nil, ErrResolutionFailed{Reason: fmt.Sprintf("event %s unreachable", id)}
		}
		out[id] = e
	}
	return out, nil
}

// senderPowerLevel reads the sender's power level at the time of the event:
// from the power_levels event in its auth chain, or the create-event
// default (creator = 100, everyone else 0).
func senderPowerLevel(e *eventcore.PDU, load EventLoader) int64 {
	for _, authID := range e.AuthEventIDs() {
		auth, err := load(authID)
		if err != nil || auth == nil {
			continue
		}
		if auth.Type() == "m.room.power_levels" {
			var pl struct {
				Users        map[string]int64 `json:"users"`
				UsersDefault *int64           `json:"users_default"`
			}
			_ = json.Unmarshal(auth.Content(), &pl)
			if lvl, ok := pl.Users[e.Sender()]; ok {
				return lvl
			}
			if pl.UsersDefault != nil {
				return *pl.UsersDefault
			}
			return 0
		}
	}
	// No power_levels in the auth chain: the creator is 100, others 0.
	for _, authID := range e.AuthEventIDs() {
		auth, err := load(authID)
		if err != nil || auth == nil {
			continue
		}
		if auth.Type() == "m.room.create" {
			var c struct {
				Creator string `json:"creator"`
			}
			_ = json.Unmarshal(auth.Content(), &c)
			if c.Creator == e.Sender() {
				return 100
			}
		}
	}
	if e.Type() == "m.room.create" && len(e.AuthEventIDs()) == 0 {
		return 100
	}
	return 0
}

// reverseTopologicalOrder sorts events so every event comes after its auth
// ancestors within the set, breaking ties by the power ordering: higher
// sender power level first, then earlier origin_server_ts, then event id in
// reverse lexicographic order.
func reverseTopologicalOrder(events map[string]*eventcore.PDU, load EventLoader) []*eventcore.PDU {
	type node struct {
		event *eventcore.PDU
		power int64
	}
	nodes := make(map[string]*node, len(events))
	indegree := map[string]int{}
	children := map[string][]string{}
	for id, e := range events {
		nodes[id] = &node{event: e, power: senderPowerLevel(e, load)}
		indegree[id] = 0
	}
	for id, e := range events {
		for _, authID := range e.AuthEventIDs() {
			if _, inSet := events[authID]; inSet {
				children[authID] = append(children[authID], id)
				indegree[id]++
			}
		}
	}

	ready := make([]string, 0, len(events))
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	less := func(a, b string) bool {
		na, nb := nodes[a], nodes[b]
		if na.power != nb.power {
			return na.power > nb.power
		}
		if na.event.OriginServerTS() != nb.event.OriginServerTS() {
			return na.event.OriginServerTS() < nb.event.OriginServerTS()
		}
		return a > b
	}

	var out []*eventcore.PDU
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		next := ready[0]
		ready = ready[1:]
		out = append(out, nodes[next].event)
		for _, child := range children[next] {
			indegree[child]--
			if indegree[child] == 0 {
				ready = append(ready, child)
			}
		}
	}
	// A cycle in auth edges leaves events unemitted; append them in the
	// tie-break order so resolution still terminates deterministically.
	if len(out) != len(events) {
		var rest []string
		emitted := map[string]struct{}{}
		for _, e := range out {
			emitted[e.EventID()] = struct{}{}
		}
		for id := range events {
			if _, ok := emitted[id]; !ok {
				rest = append(rest, id)
			}
		}
		sort.Slice(rest, func(i, j int) bool { return less(rest[i], rest[j]) })
		for _, id := range rest {
			out = append(out, nodes[id].event)
		}
	}
	return out
}

// iterativeAuth folds ordered into the partial state, keeping each event
// only if it passes auth against the state accumulated so far (spec.md 4.6
// steps 4-5). Rejected events are skipped, never errors.
func iterativeAuth(partial StateMap, ordered []*eventcore.PDU, load EventLoader) StateMap {
	result := cloneStateMap(partial)
	for _, e := range ordered {
		auth := authEventsFromState(result, e, load)
		if err := eventauth.Allowed(e, auth); err != nil {
			continue
		}
		if e.IsState() {
			result[e.StateKeyTuple()] = e.EventID()
		}
	}
	return result
}

// authEventsFromState assembles the auth-event lookup for e from the
// partial state, falling back to e's own auth_events for slots the partial
// state does not fill (the create event early in resolution).
func authEventsFromState(partial StateMap, e *eventcore.PDU, load EventLoader) *eventauth.AuthEvents {
	auth := eventauth.NewAuthEvents(nil)
	needed := eventauth.AuthEventsForBuilder(e.Type(), e.StateKey(), e.Sender(), e.Content())
	for _, tuple := range needed {
		id, ok := partial[tuple]
		if !ok {
			continue
		}
		if ev, err := load(id); err == nil && ev != nil {
			_ = auth.AddEvent(ev)
		}
	}
	if auth.Create() == nil {
		for _, authID := range e.AuthEventIDs() {
			if ev, err := load(authID); err == nil && ev != nil && ev.Type() == "m.room.create" {
				_ = auth.AddEvent(ev)
			}
		}
	}
	return auth
}

// resolveV2 is the mainline-ordering algorithm used by room versions 2+ on
// the wire (palpo rooms v3 and newer; spec.md 4.6).
func resolveV2(forks []StateMap, authChains [][]string, load EventLoader) (StateMap, error) {
	unconflicted, conflictedIDs := splitConflicted(forks)

	// Full conflicted set: the conflicted events plus the auth difference.
	full := map[string]struct{}{}
	for id := range conflictedIDs {
		full[id] = struct{}{}
	}
	for id := range authDifference(authChains) {
		full[id] = struct{}{}
	}
	if len(full) == 0 {
		return unconflicted, nil
	}
	fullEvents, err := loadAll(full, load)
	if err != nil {
		return nil, err
	}

	// Order and fold in the power events first.
	powerEvents := map[string]*eventcore.PDU{}
	for id, e := range fullEvents {
		if isPowerEvent(e) {
			powerEvents[id] = e
		}
	}
	orderedPower := reverseTopologicalOrder(powerEvents, load)
	partial := iterativeAuth(unconflicted, orderedPower, load)

	// Remaining conflicted events follow in mainline order.
	remaining := map[string]*eventcore.PDU{}
	for id, e := range fullEvents {
		if _, isPower := powerEvents[id]; !isPower {
			remaining[id] = e
		}
	}
	orderedRest := mainlineOrder(remaining, partial, load)
	partial = iterativeAuth(partial, orderedRest, load)

	// The unconflicted state always wins (resolver pass-through property).
	for k, v := range unconflicted {
		partial[k] = v
	}
	return partial, nil
}

// mainlineOrder sorts the remaining conflicted events by their position
// relative to the resolved power-levels mainline, then origin_server_ts,
// then event id in reverse lexicographic order.
func mainlineOrder(events map[string]*eventcore.PDU, partial StateMap, load EventLoader) []*eventcore.PDU {
	// Build the mainline: the chain of power_levels events reachable from
	// the currently resolved one via auth_events.
	mainlinePos := map[string]int{}
	plTuple := eventcore.StateKeyTuple{EventType: "m.room.power_levels", StateKey: ""}
	if plID, ok := partial[plTuple]; ok {
		depth := 0
		for id := plID; id != ""; {
			mainlinePos[id] = depth
			depth++
			next := ""
			if e, err := load(id); err == nil && e != nil {
				for _, authID := range e.AuthEventIDs() {
					if a, aerr := load(authID); aerr == nil && a != nil && a.Type() == "m.room.power_levels" {
						next = authID
						break
					}
				}
			}
			id = next
		}
	}

	// An event's mainline depth is that of the closest power_levels event
	// in its auth chain; greater depth means closer to the current
	// mainline head, so it sorts later (and wins iterative auth last).
	closestMainline := func(e *eventcore.PDU) int {
		seen := map[string]struct{}{}
		queue := []string{e.EventID()}
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if pos, ok := mainlinePos[id]; ok {
				return len(mainlinePos) - pos
			}
			if ev, err := load(id); err == nil && ev != nil {
				queue = append(queue, ev.AuthEventIDs()...)
			}
		}
		return 0
	}

	ordered := make([]*eventcore.PDU, 0, len(events))
	depths := make(map[string]int, len(events))
	for id, e := range events {
		ordered = append(ordered, e)
		depths[id] = closestMainline(e)
	}
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if da, db := depths[a.EventID()], depths[b.EventID()]; da != db {
			return da < db
		}
		if a.OriginServerTS() != b.OriginServerTS() {
			return a.OriginServerTS() < b.OriginServerTS()
		}
		return a.EventID() > b.EventID()
	})
	return ordered
}

// resolveV1 is the legacy algorithm for room versions 1 and 2: conflicts
// are settled per tuple by depth, then origin_server_ts, then event id,
// with an auth check against the accumulating state.
func resolveV1(forks []StateMap, load EventLoader) (StateMap, error) {
	unconflicted, conflictedIDs := splitConflicted(forks)
	if len(conflictedIDs) == 0 {
		return unconflicted, nil
	}
	conflicted, err := loadAll(conflictedIDs, load)
	if err != nil {
		return nil, err
	}

	byTuple := map[eventcore.StateKeyTuple][]*eventcore.PDU{}
	for _, e := range conflicted {
		if e.IsState() {
			byTuple[e.StateKeyTuple()] = append(byTuple[e.StateKeyTuple()], e)
		}
	}
	result := cloneStateMap(unconflicted)
	// Deterministic tuple iteration keeps the resolver pure across runs.
	tuples := make([]eventcore.StateKeyTuple, 0, len(byTuple))
	for t := range byTuple {
		tuples = append(tuples, t)
	}
	sort.Slice(tuples, func(i, j int) bool {
		if tuples[i].EventType != tuples[j].EventType {
			return tuples[i].EventType < tuples[j].EventType
		}
		return tuples[i].StateKey < tuples[j].StateKey
	})
	for _, tuple := range tuples {
		candidates := byTuple[tuple]
		sort.Slice(candidates, func(i, j int) bool {
			a, b := candidates[i], candidates[j]
			if a.Depth() != b.Depth() {
				return a.Depth() > b.Depth()
			}
			if a.OriginServerTS() != b.OriginServerTS() {
				return a.OriginServerTS() > b.OriginServerTS()
			}
			return a.EventID() < b.EventID()
		})
		for _, candidate := range candidates {
			auth := authEventsFromState(result, candidate, load)
			if err := eventauth.Allowed(candidate, auth); err == nil {
				result[tuple] = candidate.EventID()
				break
			}
		}
	}
	return result, nil
}
