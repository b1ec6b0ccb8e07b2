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

// Package eventauth implements the Matrix room-version auth rules: which
// auth_events an event must carry, and whether an event is Allowed given a
// snapshot of state. It is pure and side-effect free so the state resolver
// (roomserver/state) can call it repeatedly while folding power events.
package eventauth

import (
	"encoding/json"
	"fmt"

	"github.com/palpo-server/palpo/internal/eventcore"
)

// AuthEvents is the auth-event lookup surface the Allowed() rules need: the
// four (or five) auth events relevant to any single event — create,
// power_levels, join_rules, the sender's membership, and (for membership
// events) the target's membership.
type AuthEvents struct {
	byTuple map[eventcore.StateKeyTuple]*eventcore.PDU
}

// NewAuthEvents builds an AuthEvents lookup from a flat list of state
// events, keeping the last event seen for any duplicate tuple (state by
// definition has at most one event per tuple, but callers sometimes pass
// raw auth-event lists that are not yet deduplicated).
func NewAuthEvents(events []*eventcore.PDU) *AuthEvents {
	a := &AuthEvents{byTuple: map[eventcore.StateKeyTuple]*eventcore.PDU{}}
	for _, e := range events {
		if e == nil || !e.IsState() {
			continue
		}
		a.byTuple[e.StateKeyTuple()] = e
	}
	return a
}

// AddEvent adds a single state event, as gomatrixserverlib's AuthEvents does.
func (a *AuthEvents) AddEvent(e *eventcore.PDU) error {
	if e == nil || !e.IsState() {
		return fmt.Errorf("eventauth: not a state event")
	}
	a.byTuple[e.StateKeyTuple()] = e
	return nil
}

// Create returns the room's m.room.create event, if known.
func (a *AuthEvents) Create() *eventcore.PDU {
	return a.byTuple[eventcore.StateKeyTuple{EventType: "m.room.create", StateKey: ""}]
}

// PowerLevels returns the room's current m.room.power_levels event.
func (a *AuthEvents) PowerLevels() *eventcore.PDU {
	return a.byTuple[eventcore.StateKeyTuple{EventType: "m.room.power_levels", StateKey: ""}]
}

// JoinRules returns the room's current m.room.join_rules event.
func (a *AuthEvents) JoinRules() *eventcore.PDU {
	return a.byTuple[eventcore.StateKeyTuple{EventType: "m.room.join_rules", StateKey: ""}]
}

// Member returns the membership event for userID, if any.
func (a *AuthEvents) Member(userID string) *eventcore.PDU {
	return a.byTuple[eventcore.StateKeyTuple{EventType: "m.room.member", StateKey: userID}]
}

// ThirdPartyInvite returns the m.room.third_party_invite event for token.
func (a *AuthEvents) ThirdPartyInvite(token string) *eventcore.PDU {
	return a.byTuple[eventcore.StateKeyTuple{EventType: "m.room.third_party_invite", StateKey: token}]
}

// StateEntries returns every (tuple, event) pair known, used when a caller
// needs to iterate the whole set (e.g. the resolver's unconflicted pass).
func (a *AuthEvents) StateEntries() map[eventcore.StateKeyTuple]*eventcore.PDU {
	return a.byTuple
}

// AuthEventsForBuilder determines which of the room's current state events
// a new event of the given type/state_key/sender/membership must cite in
// its auth_events, per the room-version auth rules (spec.md 3, "auth_events
// must be drawn from the room's allowed set"). This mirrors
// gomatrixserverlib's StateNeededForEventBuilder.
func AuthEventsForBuilder(eventType string, stateKey *string, sender string, content json.RawMessage) []eventcore.StateKeyTuple {
	if eventType == "m.room.create" {
		return nil
	}
	needed := []eventcore.StateKeyTuple{
		{EventType: "m.room.create", StateKey: ""},
		{EventType: "m.room.power_levels", StateKey: ""},
		{EventType: "m.room.member", StateKey: sender},
	}
	if eventType == "m.room.member" && stateKey != nil {
		var membershipContent struct {
			Membership       string `json:"membership"`
			ThirdPartyInvite *struct {
				Signed struct {
					Token string `json:"token"`
				} `json:"signed"`
			} `json:"third_party_invite"`
		}
		_ = json.Unmarshal(content, &membershipContent)
		needed = append(needed, eventcore.StateKeyTuple{EventType: "m.room.join_rules", StateKey: ""})
		needed = append(needed, eventcore.StateKeyTuple{EventType: "m.room.member", StateKey: *stateKey})
		if membershipContent.ThirdPartyInvite != nil {
			needed = append(needed, eventcore.StateKeyTuple{
				EventType: "m.room.third_party_invite",
				StateKey:  membershipContent.ThirdPartyInvite.Signed.Token,
			})
		}
	}
	return needed
}
