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

// Package internal implements the logic behind the federation server-side
// endpoints (spec.md 4.12). HTTP routing and parameter extraction live
// outside this repository; these methods are the dispatch targets.
package internal

import (
	"context"
	"encoding/json"
	"path"
	"strings"
	"time"

	"github.com/palpo-server/palpo/internal/eventcore"
	"github.com/palpo-server/palpo/roomserver/api"
	rsinternal "github.com/palpo-server/palpo/roomserver/roomserverinternal"
	"github.com/palpo-server/palpo/roomserver/types"
	"github.com/palpo-server/palpo/setup/config"
)

// FederationInternalAPI answers federation queries against the roomserver.
type FederationInternalAPI struct {
	Cfg        *config.FederationAPI
	RSAPI      *rsinternal.RoomserverAPI
	ServerName eventcore.ServerName
	KeyPair    eventcore.KeyPair
}

// FederationError is the error envelope rendered to remote servers.
type FederationError struct {
	Code    int
	Errcode string
	Err     string
}

func (e FederationError) Error() string { return e.Errcode + ": " + e.Err }

func forbidden(msg string) error {
	return FederationError{Code: 403, Errcode: "M_FORBIDDEN", Err: msg}
}

func notFound(msg string) error {
	return FederationError{Code: 404, Errcode: "M_NOT_FOUND", Err: msg}
}

// CheckServerACL enforces the room's m.room.server_acl against an origin
// before any room-scoped dispatch (spec.md 4.12).
func (f *FederationInternalAPI) CheckServerACL(ctx context.Context, roomID string, origin eventcore.ServerName) error {
	currentState, err := f.RSAPI.CurrentState(ctx, roomID)
	if err != nil {
		return err
	}
	acl, ok := currentState[eventcore.StateKeyTuple{EventType: "m.room.server_acl", StateKey: ""}]
	if !ok {
		return nil
	}
	var content struct {
		Allow           []string `json:"allow"`
		Deny            []string `json:"deny"`
		AllowIPLiterals bool     `json:"allow_ip_literals"`
	}
	if err := json.Unmarshal(acl.Content(), &content); err != nil {
		return nil
	}
	server := string(origin)
	if !content.AllowIPLiterals && isIPLiteral(server) {
		return forbidden("server ACL denies IP literals")
	}
	for _, pattern := range content.Deny {
		if globMatch(pattern, server) {
			return forbidden("server is denied by the room ACL")
		}
	}
	if len(content.Allow) == 0 {
		return forbidden("room ACL has an empty allow list")
	}
	for _, pattern := range content.Allow {
		if globMatch(pattern, server) {
			return nil
		}
	}
	return forbidden("server is not allowed by the room ACL")
}

func isIPLiteral(server string) bool {
	host := server
	if i := strings.LastIndexByte(server, ':'); i > 0 && !strings.Contains(server, "]") {
		host = server[:i]
	}
	if strings.HasPrefix(host, "[") {
		return true
	}
	parts := strings.Split(host, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if p == "" || strings.Trim(p, "0123456789") != "" {
			return false
		}
	}
	return true
}

// globMatch matches the ACL glob syntax (* and ?) via path.Match after
// escaping nothing; ACL patterns contain no path separators.
func globMatch(pattern, value string) bool {
	matched, err := path.Match(pattern, value)
	return err == nil && matched
}

// Event serves GET /event/{id}: the PDU if the requesting server may see
// the room. Soft-failed events are served when requested by id; the peer
// asked for that exact event and visibility rules still apply.
func (f *FederationInternalAPI) Event(ctx context.Context, origin eventcore.ServerName, eventID string) (json.RawMessage, error) {
	event, err := f.RSAPI.DB.EventByID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if event == nil || event.Rejected() {
		return nil, notFound("event not found")
	}
	if err := f.CheckServerACL(ctx, event.PDU.RoomID(), origin); err != nil {
		return nil, err
	}
	visible, err := f.RSAPI.VisibleToServer(ctx, event.PDU.RoomID(), origin)
	if err != nil {
		return nil, err
	}
	if !visible {
		return nil, forbidden("server is not in the room")
	}
	return event.PDU.JSON(), nil
}

// StateIDs serves GET /state_ids: the state and auth chain event ids at an
// event.
func (f *FederationInternalAPI) StateIDs(ctx context.Context, origin eventcore.ServerName, roomID, eventID string) (stateIDs, authChainIDs []string, err error) {
	if err = f.CheckServerACL(ctx, roomID, origin); err != nil {
		return nil, nil, err
	}
	visible, err := f.RSAPI.VisibleToServer(ctx, roomID, origin)
	if err != nil {
		return nil, nil, err
	}
	if !visible {
		return nil, nil, forbidden("server is not in the room")
	}
	return f.RSAPI.StateAtEvent(ctx, roomID, eventID)
}

// State serves GET /state: full PDUs instead of ids.
func (f *FederationInternalAPI) State(ctx context.Context, origin eventcore.ServerName, roomID, eventID string) (statePDUs, authChainPDUs []json.RawMessage, err error) {
	stateIDs, authChainIDs, err := f.StateIDs(ctx, origin, roomID, eventID)
	if err != nil {
		return nil, nil, err
	}
	if statePDUs, err = f.eventJSONs(ctx, stateIDs); err != nil {
		return nil, nil, err
	}
	if authChainPDUs, err = f.eventJSONs(ctx, authChainIDs); err != nil {
		return nil, nil, err
	}
	return statePDUs, authChainPDUs, nil
}

func (f *FederationInternalAPI) eventJSONs(ctx context.Context, ids []string) ([]json.RawMessage, error) {
	events, err := f.RSAPI.DB.EventsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, 0, len(events))
	for _, event := range events {
		out = append(out, json.RawMessage(event.PDU.JSON()))
	}
	return out, nil
}

// EventAuth serves GET /event_auth: the auth chain PDUs of an event.
func (f *FederationInternalAPI) EventAuth(ctx context.Context, origin eventcore.ServerName, roomID, eventID string) ([]json.RawMessage, error) {
	if err := f.CheckServerACL(ctx, roomID, origin); err != nil {
		return nil, err
	}
	sns, err := f.RSAPI.AuthChainSNs(ctx, roomID, []string{eventID})
	if err != nil {
		return nil, err
	}
	events, err := f.RSAPI.DB.EventsBySNs(ctx, sns)
	if err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, 0, len(events))
	for _, event := range events {
		out = append(out, json.RawMessage(event.PDU.JSON()))
	}
	return out, nil
}

// GetMissingEvents serves POST /get_missing_events.
func (f *FederationInternalAPI) GetMissingEvents(ctx context.Context, origin eventcore.ServerName, roomID string, earliest, latest []string, limit int, minDepth int64) ([]json.RawMessage, error) {
	if err := f.CheckServerACL(ctx, roomID, origin); err != nil {
		return nil, err
	}
	visible, err := f.RSAPI.VisibleToServer(ctx, roomID, origin)
	if err != nil {
		return nil, err
	}
	if !visible {
		return nil, forbidden("server is not in the room")
	}
	if limit <= 0 || limit > 20 {
		limit = 10
	}
	events, err := f.RSAPI.MissingEvents(ctx, roomID, earliest, latest, limit, minDepth)
	if err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, 0, len(events))
	for _, event := range events {
		out = append(out, json.RawMessage(event.PDU.JSON()))
	}
	return out, nil
}

// Backfill serves GET /backfill: walk backwards from v up to limit.
func (f *FederationInternalAPI) Backfill(ctx context.Context, origin eventcore.ServerName, roomID string, fromEventIDs []string, limit int) ([]json.RawMessage, error) {
	if err := f.CheckServerACL(ctx, roomID, origin); err != nil {
		return nil, err
	}
	visible, err := f.RSAPI.VisibleToServer(ctx, roomID, origin)
	if err != nil {
		return nil, err
	}
	if !visible {
		return nil, forbidden("server is not in the room")
	}
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	// Find the earliest sn among the requested events and walk backwards
	// from there.
	var fromSN int64
	for _, id := range fromEventIDs {
		sn, serr := f.RSAPI.DB.EventSN(ctx, id)
		if serr != nil {
			return nil, serr
		}
		if sn != 0 && (fromSN == 0 || int64(sn) < fromSN) {
			fromSN = int64(sn)
		}
	}
	if fromSN == 0 {
		return nil, notFound("none of the requested events are known")
	}
	events, err := f.RSAPI.DB.TimelineEvents(ctx, roomID, types.EventSN(fromSN), 0, limit, true)
	if err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, 0, len(events))
	for _, event := range events {
		out = append(out, json.RawMessage(event.PDU.JSON()))
	}
	return out, nil
}

// MakeJoin serves GET /make_join: an unsigned membership template built
// from current state (spec.md 4.12). For restricted rooms the authorising
// user is chosen lazily here, once the joining user is found joined to a
// room named by the join rule's allow list: any local user joined to this
// room with power to invite.
func (f *FederationInternalAPI) MakeJoin(ctx context.Context, origin eventcore.ServerName, roomID, userID string, supportedVersions []string) (map[string]interface{}, eventcore.RoomVersion, error) {
	if err := f.CheckServerACL(ctx, roomID, origin); err != nil {
		return nil, "", err
	}
	info, err := f.RSAPI.DB.RoomInfo(ctx, roomID)
	if err != nil {
		return nil, "", err
	}
	if info == nil {
		return nil, "", notFound("room not known")
	}
	supported := len(supportedVersions) == 0
	for _, v := range supportedVersions {
		if eventcore.RoomVersion(v) == info.Version {
			supported = true
		}
	}
	if !supported {
		return nil, "", FederationError{Code: 400, Errcode: "M_INCOMPATIBLE_ROOM_VERSION", Err: "joining server does not support room version " + string(info.Version)}
	}
	if !strings.HasSuffix(userID, ":"+string(origin)) {
		return nil, "", forbidden("user does not belong to the joining server")
	}

	content := map[string]interface{}{"membership": "join"}
	if authorizer, ok, aerr := f.restrictedJoinAuthorizer(ctx, roomID, userID); aerr != nil {
		return nil, "", aerr
	} else if ok {
		content["join_authorised_via_users_server"] = authorizer
	}

	template := map[string]interface{}{
		"room_id":          roomID,
		"sender":           userID,
		"state_key":        userID,
		"type":             "m.room.member",
		"origin_server_ts": time.Now().UnixMilli(),
		"content":          content,
		"prev_events":      info.LatestEventIDs,
		"depth":            info.Depth + 1,
	}
	return template, info.Version, nil
}

// restrictedJoinAuthorizer picks a local joined user able to authorise a
// restricted join, or ok=false when the room's join rule doesn't need one.
func (f *FederationInternalAPI) restrictedJoinAuthorizer(ctx context.Context, roomID, joiningUser string) (string, bool, error) {
	currentState, err := f.RSAPI.CurrentState(ctx, roomID)
	if err != nil {
		return "", false, err
	}
	jr, ok := currentState[eventcore.StateKeyTuple{EventType: "m.room.join_rules", StateKey: ""}]
	if !ok {
		return "", false, nil
	}
	var content struct {
		JoinRule string `json:"join_rule"`
		Allow    []struct {
			Type   string `json:"type"`
			RoomID string `json:"room_id"`
		} `json:"allow"`
	}
	if err = json.Unmarshal(jr.Content(), &content); err != nil {
		return "", false, nil
	}
	if content.JoinRule != "restricted" && content.JoinRule != "knock_restricted" {
		return "", false, nil
	}
	// Power to invite comes from the room's current power levels; without
	// a power_levels event the invite level is 0.
	var pl struct {
		Users        map[string]int64 `json:"users"`
		UsersDefault int64            `json:"users_default"`
		Invite       int64            `json:"invite"`
	}
	if plEvent, found := currentState[eventcore.StateKeyTuple{EventType: "m.room.power_levels", StateKey: ""}]; found {
		_ = json.Unmarshal(plEvent.Content(), &pl)
	}

	for _, allow := range content.Allow {
		if allow.Type != "m.room_membership" || allow.RoomID == "" {
			continue
		}
		// The joining user must be in one of the allowed rooms.
		edge, merr := f.RSAPI.DB.Membership(ctx, allow.RoomID, joiningUser)
		if merr != nil || edge == nil || edge.Membership != "join" {
			continue
		}
		// Pick any local joined member of this room with power to invite.
		members, merr2 := f.RSAPI.DB.JoinedUsers(ctx, roomID)
		if merr2 != nil {
			continue
		}
		for _, member := range members {
			level, listed := pl.Users[member.UserID]
			if !listed {
				level = pl.UsersDefault
			}
			if strings.HasSuffix(member.UserID, ":"+string(f.ServerName)) && level >= pl.Invite {
				return member.UserID, true, nil
			}
		}
	}
	return "", false, FederationError{Code: 400, Errcode: "M_UNABLE_TO_AUTHORISE_JOIN", Err: "no local user can authorise this join"}
}

// SendJoin serves PUT /send_join: run the signed join through the inbound
// pipeline, then answer with the room's state and auth chain.
func (f *FederationInternalAPI) SendJoin(ctx context.Context, origin eventcore.ServerName, roomID, eventID string, eventJSON json.RawMessage) (statePDUs, authChainPDUs []json.RawMessage, err error) {
	if err = f.CheckServerACL(ctx, roomID, origin); err != nil {
		return nil, nil, err
	}
	if _, err = f.RSAPI.ProcessRoomEvent(ctx, &api.InputRoomEvent{
		Origin:     origin,
		EventID:    eventID,
		RoomID:     roomID,
		EventJSON:  eventJSON,
		IsTimeline: true,
	}); err != nil {
		return nil, nil, err
	}
	return f.State(ctx, origin, roomID, eventID)
}

// MakeLeave serves GET /make_leave, the symmetric template for departures.
func (f *FederationInternalAPI) MakeLeave(ctx context.Context, origin eventcore.ServerName, roomID, userID string) (map[string]interface{}, eventcore.RoomVersion, error) {
	if err := f.CheckServerACL(ctx, roomID, origin); err != nil {
		return nil, "", err
	}
	info, err := f.RSAPI.DB.RoomInfo(ctx, roomID)
	if err != nil {
		return nil, "", err
	}
	if info == nil {
		return nil, "", notFound("room not known")
	}
	if !strings.HasSuffix(userID, ":"+string(origin)) {
		return nil, "", forbidden("user does not belong to the leaving server")
	}
	template := map[string]interface{}{
		"room_id":          roomID,
		"sender":           userID,
		"state_key":        userID,
		"type":             "m.room.member",
		"origin_server_ts": time.Now().UnixMilli(),
		"content":          map[string]interface{}{"membership": "leave"},
		"prev_events":      info.LatestEventIDs,
		"depth":            info.Depth + 1,
	}
	return template, info.Version, nil
}

// SendLeave serves PUT /send_leave.
func (f *FederationInternalAPI) SendLeave(ctx context.Context, origin eventcore.ServerName, roomID, eventID string, eventJSON json.RawMessage) error {
	if err := f.CheckServerACL(ctx, roomID, origin); err != nil {
		return err
	}
	_, err := f.RSAPI.ProcessRoomEvent(ctx, &api.InputRoomEvent{
		Origin:     origin,
		EventID:    eventID,
		RoomID:     roomID,
		EventJSON:  eventJSON,
		IsTimeline: true,
	})
	return err
}

// MakeKnock serves GET /make_knock for room versions that permit knocking.
func (f *FederationInternalAPI) MakeKnock(ctx context.Context, origin eventcore.ServerName, roomID, userID string) (map[string]interface{}, eventcore.RoomVersion, error) {
	info, err := f.RSAPI.DB.RoomInfo(ctx, roomID)
	if err != nil {
		return nil, "", err
	}
	if info == nil {
		return nil, "", notFound("room not known")
	}
	if !info.Version.AllowKnock() {
		return nil, "", FederationError{Code: 403, Errcode: "M_FORBIDDEN", Err: "room version does not support knocking"}
	}
	if err = f.CheckServerACL(ctx, roomID, origin); err != nil {
		return nil, "", err
	}
	template := map[string]interface{}{
		"room_id":          roomID,
		"sender":           userID,
		"state_key":        userID,
		"type":             "m.room.member",
		"origin_server_ts": time.Now().UnixMilli(),
		"content":          map[string]interface{}{"membership": "knock"},
		"prev_events":      info.LatestEventIDs,
		"depth":            info.Depth + 1,
	}
	return template, info.Version, nil
}

// SendKnock serves PUT /send_knock, answering with stripped state.
func (f *FederationInternalAPI) SendKnock(ctx context.Context, origin eventcore.ServerName, roomID, eventID string, eventJSON json.RawMessage) ([]json.RawMessage, error) {
	if err := f.CheckServerACL(ctx, roomID, origin); err != nil {
		return nil, err
	}
	if _, err := f.RSAPI.ProcessRoomEvent(ctx, &api.InputRoomEvent{
		Origin:     origin,
		EventID:    eventID,
		RoomID:     roomID,
		EventJSON:  eventJSON,
		IsTimeline: true,
	}); err != nil {
		return nil, err
	}
	return f.StrippedState(ctx, roomID)
}

// StrippedState assembles the minimal state summary sent with invites and
// knock responses.
func (f *FederationInternalAPI) StrippedState(ctx context.Context, roomID string) ([]json.RawMessage, error) {
	currentState, err := f.RSAPI.CurrentState(ctx, roomID)
	if err != nil {
		return nil, err
	}
	keep := map[string]bool{
		"m.room.create": true, "m.room.name": true, "m.room.avatar": true,
		"m.room.topic": true, "m.room.join_rules": true,
		"m.room.canonical_alias": true, "m.room.encryption": true,
	}
	var out []json.RawMessage
	for tuple, event := range currentState {
		if !keep[tuple.EventType] {
			continue
		}
		stripped, merr := json.Marshal(map[string]interface{}{
			"type":      event.Type(),
			"state_key": tuple.StateKey,
			"sender":    event.Sender(),
			"content":   event.Content(),
		})
		if merr != nil {
			return nil, merr
		}
		out = append(out, stripped)
	}
	return out, nil
}

// InviteSender delivers invites to remote servers; the federation client
// implements it.
type InviteSender interface {
	SendInvite(ctx context.Context, destination eventcore.ServerName, roomID, eventID string, roomVersion eventcore.RoomVersion, event json.RawMessage, strippedState []json.RawMessage) (json.RawMessage, error)
}

// PerformInvite pushes a locally-built invite to the invitee's server and
// accepts the counter-signed event only when its id is unchanged; anything
// else is a malformed response (spec.md 8, scenario 2).
func (f *FederationInternalAPI) PerformInvite(ctx context.Context, sender InviteSender, destination eventcore.ServerName, event *eventcore.PDU) error {
	stripped, err := f.StrippedState(ctx, event.RoomID())
	if err != nil {
		return err
	}
	returned, err := sender.SendInvite(ctx, destination, event.RoomID(), event.EventID(), event.RoomVersion(), json.RawMessage(event.JSON()), stripped)
	if err != nil {
		return err
	}
	canonical, err := eventcore.CanonicalJSON(returned)
	if err != nil {
		return FederationError{Code: 400, Errcode: "M_BAD_JSON", Err: err.Error()}
	}
	signed, err := eventcore.NewPDUFromTrustedJSON(canonical, event.RoomVersion())
	if err != nil {
		return FederationError{Code: 400, Errcode: "M_BAD_JSON", Err: err.Error()}
	}
	if signed.EventID() != event.EventID() {
		return FederationError{Code: 400, Errcode: "M_BAD_JSON", Err: "remote changed the invite event id"}
	}
	_, err = f.RSAPI.ProcessRoomEvent(ctx, &api.InputRoomEvent{
		EventID:         signed.EventID(),
		RoomID:          signed.RoomID(),
		EventJSON:       signed.JSON(),
		IsTimeline:      true,
		AlreadyVerified: true,
	})
	return err
}

// Invite serves PUT /invite: accept the invite event, persist it as an
// outlier and deliver it to the local invitee. The event's id must match
// its content (spec.md 8, scenario 2).
func (f *FederationInternalAPI) Invite(ctx context.Context, origin eventcore.ServerName, roomID, eventID string, roomVersion eventcore.RoomVersion, eventJSON json.RawMessage) (json.RawMessage, error) {
	if !eventcore.Supported(roomVersion) {
		return nil, FederationError{Code: 400, Errcode: "M_UNSUPPORTED_ROOM_VERSION", Err: "unsupported room version"}
	}
	canonical, err := eventcore.CanonicalJSON(eventJSON)
	if err != nil {
		return nil, FederationError{Code: 400, Errcode: "M_BAD_JSON", Err: err.Error()}
	}
	event, err := eventcore.NewPDUFromTrustedJSON(canonical, roomVersion)
	if err != nil {
		return nil, FederationError{Code: 400, Errcode: "M_BAD_JSON", Err: err.Error()}
	}
	if event.EventID() != eventID || event.RoomID() != roomID {
		return nil, FederationError{Code: 400, Errcode: "M_BAD_JSON", Err: "event does not match request path"}
	}
	invitee := event.StateKey()
	if invitee == nil || !strings.HasSuffix(*invitee, ":"+string(f.ServerName)) {
		return nil, forbidden("invitee is not local to this server")
	}

	// Counter-sign and persist; the invite sits as an outlier until the
	// user joins and the room's history arrives.
	signed, err := eventcore.SignJSON(f.ServerName, f.KeyPair, event.JSON())
	if err != nil {
		return nil, err
	}
	signedEvent, err := eventcore.NewPDUFromTrustedJSON(signed, roomVersion)
	if err != nil {
		return nil, err
	}
	if signedEvent.EventID() != eventID {
		// Adding a signature must never change the reference hash.
		return nil, FederationError{Code: 400, Errcode: "M_BAD_JSON", Err: "event id changed by signing"}
	}
	sn, _, err := f.RSAPI.DB.PersistEvent(ctx, signedEvent, true, false, "")
	if err != nil {
		return nil, err
	}
	if err = f.RSAPI.DB.UpdateMembership(ctx, &types.Event{SN: sn, PDU: signedEvent, Outlier: true}); err != nil {
		return nil, err
	}
	return json.RawMessage(signedEvent.JSON()), nil
}
