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

package internal

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/palpo-server/palpo/internal/eventcore"
	"github.com/palpo-server/palpo/roomserver/api"
	"github.com/palpo-server/palpo/roomserver/types"
)

// Filter narrows a timeline read (spec.md 4.8).
type Filter struct {
	Types       []string
	NotTypes    []string
	Senders     []string
	NotSenders  []string
	ContainsURL *bool
}

func matchesList(value string, allow, deny []string) bool {
	for _, d := range deny {
		if d == value {
			return false
		}
	}
	if len(allow) == 0 {
		return true
	}
	for _, a := range allow {
		if a == value {
			return true
		}
	}
	return false
}

// matches applies the filter to one event.
func (f *Filter) matches(event *types.Event) bool {
	if f == nil {
		return true
	}
	if !matchesList(event.PDU.Type(), f.Types, f.NotTypes) {
		return false
	}
	if !matchesList(event.PDU.Sender(), f.Senders, f.NotSenders) {
		return false
	}
	if f.ContainsURL != nil {
		hasURL := gjson.GetBytes(event.PDU.Content(), "url").Exists()
		if hasURL != *f.ContainsURL {
			return false
		}
	}
	return true
}

// ParseToken parses a pagination token: the event sn rendered as decimal
// (spec.md 4.8, "Pagination tokens").
func ParseToken(token string) (types.EventSN, error) {
	if token == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(strings.TrimPrefix(token, "t"), 10, 64)
	if err != nil {
		return 0, api.InputError{Kind: api.KindBadJSON, Msg: "invalid pagination token"}
	}
	return types.EventSN(n), nil
}

// FormatToken renders a pagination token.
func FormatToken(sn types.EventSN) string {
	return strconv.FormatInt(int64(sn), 10)
}

// LoadPDUs reads up to limit timeline events in the requested direction,
// applying the filter, and triggers a remote backfill when a backward scan
// underruns across a depth gap (spec.md 4.8).
func (r *RoomserverAPI) LoadPDUs(ctx context.Context, roomID string, sinceSN, untilSN types.EventSN, limit int, filter *Filter, backwards bool) ([]*types.Event, error) {
	events, err := r.DB.TimelineEvents(ctx, roomID, sinceSN, untilSN, limit, backwards)
	if err != nil {
		return nil, err
	}
	filtered := events[:0]
	for _, event := range events {
		if filter.matches(event) {
			filtered = append(filtered, event)
		}
	}

	if backwards && len(filtered) < limit && r.hasDepthGap(filtered) {
		if err = r.backfill(ctx, roomID, filtered); err != nil {
			logrus.WithError(err).WithField("room_id", roomID).Warn("Backfill failed")
		} else {
			// Re-read: backfilled events now occupy lower sns.
			events, err = r.DB.TimelineEvents(ctx, roomID, sinceSN, untilSN, limit, backwards)
			if err != nil {
				return nil, err
			}
			filtered = events[:0]
			for _, event := range events {
				if filter.matches(event) {
					filtered = append(filtered, event)
				}
			}
		}
	}
	return filtered, nil
}

// hasDepthGap reports whether consecutive scanned events skip depth by 2 or
// more, the signal that history is missing locally.
func (r *RoomserverAPI) hasDepthGap(events []*types.Event) bool {
	for i := 1; i < len(events); i++ {
		a, b := events[i-1].PDU.Depth(), events[i].PDU.Depth()
		if a-b >= 2 || b-a >= 2 {
			return true
		}
	}
	// A scan that reached the room's earliest known event with depth > 1
	// is also missing history.
	if n := len(events); n > 0 && events[n-1].PDU.Depth() > 1 && len(events[n-1].PDU.PrevEventIDs()) > 0 {
		return true
	}
	return false
}

// backfillLimit matches the /backfill request size (spec.md 4.8).
const backfillLimit = 100

// backfill asks the room's remote servers for history before our earliest
// known events, pushing each returned PDU through the incoming pipeline as
// a non-timeline event. The first server that yields useful data wins.
func (r *RoomserverAPI) backfill(ctx context.Context, roomID string, earliest []*types.Event) error {
	if r.Fetcher == nil {
		return nil
	}
	backfiller, ok := r.Fetcher.(api.Backfiller)
	if !ok {
		return nil
	}
	var fromIDs []string
	for _, event := range earliest {
		fromIDs = append(fromIDs, event.PDU.EventID())
	}
	if len(fromIDs) == 0 {
		info, err := r.DB.RoomInfo(ctx, roomID)
		if err != nil || info == nil {
			return err
		}
		fromIDs = info.LatestEventIDs
	}

	servers, err := r.DB.ServersInRoom(ctx, roomID)
	if err != nil {
		return err
	}
	for _, server := range servers {
		if server == r.ServerName {
			continue
		}
		pdus, err := backfiller.Backfill(ctx, eventcore.ServerName(server), roomID, fromIDs, backfillLimit)
		if err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"room_id":     roomID,
				"destination": server,
			}).Debug("Backfill attempt failed")
			continue
		}
		accepted := 0
		for _, pdu := range pdus {
			if _, err := r.ProcessRoomEvent(ctx, &api.InputRoomEvent{
				Origin:     eventcore.ServerName(server),
				RoomID:     roomID,
				EventJSON:  pdu,
				IsTimeline: false,
			}); err == nil {
				accepted++
			}
		}
		if accepted > 0 {
			logrus.WithFields(logrus.Fields{
				"room_id":     roomID,
				"destination": server,
				"accepted":    accepted,
				"received":    len(pdus),
			}).Info("Backfilled events from remote server")
			return nil
		}
	}
	return nil
}

// StateAtEvent returns the state event ids and auth chain at an event, the
// payload of /state_ids (spec.md 4.12).
func (r *RoomserverAPI) StateAtEvent(ctx context.Context, roomID, eventID string) (stateIDs, authChainIDs []string, err error) {
	row, err := r.DB.Events.SelectEventByID(ctx, nil, eventID)
	if err != nil {
		return nil, nil, err
	}
	if row == nil || row.RoomID != roomID {
		return nil, nil, api.InputError{Kind: api.KindNotFound, Msg: "event not found in room"}
	}
	if row.FrameID == 0 {
		return nil, nil, api.InputError{Kind: api.KindNotFound, Msg: "state at event unknown"}
	}
	stateMap, err := r.stateMapAtFrame(ctx, row.FrameID)
	if err != nil {
		return nil, nil, err
	}
	for _, id := range stateMap {
		stateIDs = append(stateIDs, id)
	}
	chainSNs, err := r.AuthChainSNs(ctx, roomID, stateIDs)
	if err != nil {
		return nil, nil, err
	}
	chainEvents, err := r.DB.EventsBySNs(ctx, chainSNs)
	if err != nil {
		return nil, nil, err
	}
	for _, event := range chainEvents {
		authChainIDs = append(authChainIDs, event.PDU.EventID())
	}
	return stateIDs, authChainIDs, nil
}

// CurrentState returns the room's current state map.
func (r *RoomserverAPI) CurrentState(ctx context.Context, roomID string) (map[eventcore.StateKeyTuple]*eventcore.PDU, error) {
	info, err := r.DB.RoomInfo(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, api.InputError{Kind: api.KindUnknownRoom, Msg: "room " + roomID + " is not known"}
	}
	stateMap, err := r.stateMapAtFrame(ctx, info.CurrentFrameID)
	if err != nil {
		return nil, err
	}
	events, err := r.loadStateEvents(ctx, stateMap)
	if err != nil {
		return nil, err
	}
	out := make(map[eventcore.StateKeyTuple]*eventcore.PDU, len(events))
	for _, event := range events {
		out[event.StateKeyTuple()] = event
	}
	return out, nil
}

// MissingEvents walks the event graph backwards from latest, skipping
// earliest, for POST /get_missing_events (spec.md 4.12).
func (r *RoomserverAPI) MissingEvents(ctx context.Context, roomID string, earliest, latest []string, limit int, minDepth int64) ([]*types.Event, error) {
	stop := make(map[string]struct{}, len(earliest))
	for _, id := range earliest {
		stop[id] = struct{}{}
	}
	seen := map[string]struct{}{}
	queue := append([]string{}, latest...)
	var out []*types.Event
	for len(queue) > 0 && len(out) < limit {
		id := queue[0]
		queue = queue[1:]
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, skip := stop[id]; skip {
			continue
		}
		event, err := r.DB.EventByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if event == nil || event.PDU.RoomID() != roomID || event.PDU.Depth() < minDepth {
			continue
		}
		if _, isLatest := containsString(latest, id); !isLatest {
			out = append(out, event)
		}
		queue = append(queue, event.PDU.PrevEventIDs()...)
	}
	return out, nil
}

func containsString(list []string, s string) (int, bool) {
	for i, v := range list {
		if v == s {
			return i, true
		}
	}
	return 0, false
}

// VisibleToUser checks history visibility for one event against a user
// (spec.md 4.8): world_readable always, shared for ever-members, invited
// and joined per membership at read time.
func (r *RoomserverAPI) VisibleToUser(ctx context.Context, roomID, userID string, event *types.Event) (bool, error) {
	visibility := "shared"
	info, err := r.DB.RoomInfo(ctx, roomID)
	if err != nil {
		return false, err
	}
	if info != nil && info.CurrentFrameID != 0 {
		stateMap, serr := r.stateMapAtFrame(ctx, info.CurrentFrameID)
		if serr != nil {
			return false, serr
		}
		if hvID, ok := stateMap[eventcore.StateKeyTuple{EventType: "m.room.history_visibility", StateKey: ""}]; ok {
			if hv, herr := r.DB.EventByID(ctx, hvID); herr == nil && hv != nil {
				var content struct {
					HistoryVisibility string `json:"history_visibility"`
				}
				_ = json.Unmarshal(hv.PDU.Content(), &content)
				if content.HistoryVisibility != "" {
					visibility = content.HistoryVisibility
				}
			}
		}
	}
	if visibility == "world_readable" {
		return true, nil
	}
	edge, err := r.DB.Membership(ctx, roomID, userID)
	if err != nil {
		return false, err
	}
	if edge == nil {
		return false, nil
	}
	switch visibility {
	case "joined":
		return edge.Membership == "join", nil
	case "invited":
		return edge.Membership == "join" || edge.Membership == "invite", nil
	default: // shared
		return edge.Membership == "join" || edge.Membership == "invite" || edge.Membership == "leave", nil
	}
}

// PDUForUser renders an event for delivery to one user, stamping the
// non-authenticated metadata clients expect: unsigned.age and
// unsigned.membership (spec.md 4.8). The stored canonical JSON is never
// modified.
func (r *RoomserverAPI) PDUForUser(ctx context.Context, event *types.Event, userID string) (json.RawMessage, error) {
	out := event.PDU.JSON()
	age := time.Now().UnixMilli() - event.PDU.OriginServerTS()
	if age < 0 {
		age = 0
	}
	out, err := sjson.SetBytes(out, "unsigned.age", age)
	if err != nil {
		return nil, err
	}
	membership := "leave"
	if edge, merr := r.DB.Membership(ctx, event.PDU.RoomID(), userID); merr == nil && edge != nil {
		membership = edge.Membership
	}
	return sjson.SetBytes(out, "unsigned.membership", membership)
}

// VisibleToServer checks whether a remote server may see a room's events:
// it must have at least one joined user (spec.md 4.12).
func (r *RoomserverAPI) VisibleToServer(ctx context.Context, roomID string, server eventcore.ServerName) (bool, error) {
	servers, err := r.DB.ServersInRoom(ctx, roomID)
	if err != nil {
		return false, err
	}
	for _, s := range servers {
		if s == string(server) {
			return true, nil
		}
	}
	return false, nil
}
