package eventauth

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palpo-server/palpo/internal/eventcore"
)

// mustEvent builds a minimal trusted-JSON PDU for auth rule tests. These
// events are not signed; Allowed never checks signatures.
func mustEvent(t *testing.T, eventType string, stateKey *string, sender string, content string, prevEvents ...string) *eventcore.PDU {
	t.Helper()
	raw := map[string]interface{}{
		"room_id":          "!room:a.test",
		"sender":           sender,
		"origin_server_ts": 1,
		"type":             eventType,
		"content":          json.RawMessage(content),
		"prev_events":      prevEvents,
		"auth_events":      []string{},
		"depth":            1,
	}
	if stateKey != nil {
		raw["state_key"] = *stateKey
	}
	if prevEvents == nil {
		raw["prev_events"] = []string{}
	}
	b, err := json.Marshal(raw)
	require.NoError(t, err)
	pdu, err := eventcore.NewPDUFromTrustedJSON(b, eventcore.RoomVersionV10)
	require.NoError(t, err)
	return pdu
}

func strPtr(s string) *string { return &s }

type roomFixture struct {
	create *eventcore.PDU
	auth   *AuthEvents
}

// newRoomFixture builds the state of a small room: created by @creator, with
// @creator joined at PL 100, @member joined at PL 0, public join rule.
func newRoomFixture(t *testing.T) *roomFixture {
	t.Helper()
	create := mustEvent(t, "m.room.create", strPtr(""), "@creator:a.test", `{"creator":"@creator:a.test","room_version":"10"}`)
	creatorJoin := mustEvent(t, "m.room.member", strPtr("@creator:a.test"), "@creator:a.test", `{"membership":"join"}`, create.EventID())
	pls := mustEvent(t, "m.room.power_levels", strPtr(""), "@creator:a.test",
		`{"users":{"@creator:a.test":100},"users_default":0,"state_default":50,"events_default":0,"ban":50,"kick":50,"invite":0}`)
	joinRules := mustEvent(t, "m.room.join_rules", strPtr(""), "@creator:a.test", `{"join_rule":"public"}`)
	memberJoin := mustEvent(t, "m.room.member", strPtr("@member:a.test"), "@member:a.test", `{"membership":"join"}`)

	return &roomFixture{
		create: create,
		auth:   NewAuthEvents([]*eventcore.PDU{create, creatorJoin, pls, joinRules, memberJoin}),
	}
}

func TestCreateEventSelfAuthorises(t *testing.T) {
	t.Parallel()

	create := mustEvent(t, "m.room.create", strPtr(""), "@creator:a.test", `{"creator":"@creator:a.test"}`)
	require.NoError(t, Allowed(create, NewAuthEvents(nil)))
}

func TestCreateEventWithPrevEventsRejected(t *testing.T) {
	t.Parallel()

	create := mustEvent(t, "m.room.create", strPtr(""), "@creator:a.test", `{}`, "$earlier:a.test")
	var rejected ErrRejected
	require.ErrorAs(t, Allowed(create, NewAuthEvents(nil)), &rejected)
}

func TestMessageRequiresJoinedSender(t *testing.T) {
	t.Parallel()

	fix := newRoomFixture(t)

	msg := mustEvent(t, "m.room.message", nil, "@member:a.test", `{"body":"hi","msgtype":"m.text"}`)
	require.NoError(t, Allowed(msg, fix.auth))

	stranger := mustEvent(t, "m.room.message", nil, "@stranger:b.test", `{"body":"hi"}`)
	var rejected ErrRejected
	require.ErrorAs(t, Allowed(stranger, fix.auth), &rejected)
}

func TestStateEventRequiresPowerLevel(t *testing.T) {
	t.Parallel()

	fix := newRoomFixture(t)

	// state_default is 50; @member has 0, @creator has 100.
	name := mustEvent(t, "m.room.name", strPtr(""), "@member:a.test", `{"name":"nope"}`)
	var rejected ErrRejected
	require.ErrorAs(t, Allowed(name, fix.auth), &rejected)

	nameByCreator := mustEvent(t, "m.room.name", strPtr(""), "@creator:a.test", `{"name":"ok"}`)
	require.NoError(t, Allowed(nameByCreator, fix.auth))
}

func TestJoinPublicRoom(t *testing.T) {
	t.Parallel()

	fix := newRoomFixture(t)

	join := mustEvent(t, "m.room.member", strPtr("@new:b.test"), "@new:b.test", `{"membership":"join"}`)
	require.NoError(t, Allowed(join, fix.auth))
}

func TestJoinInviteOnlyRoomNeedsInvite(t *testing.T) {
	t.Parallel()

	fix := newRoomFixture(t)
	inviteOnly := mustEvent(t, "m.room.join_rules", strPtr(""), "@creator:a.test", `{"join_rule":"invite"}`)
	require.NoError(t, fix.auth.AddEvent(inviteOnly))

	join := mustEvent(t, "m.room.member", strPtr("@new:b.test"), "@new:b.test", `{"membership":"join"}`)
	var rejected ErrRejected
	require.ErrorAs(t, Allowed(join, fix.auth), &rejected)

	// Once invited, the join passes.
	invited := mustEvent(t, "m.room.member", strPtr("@new:b.test"), "@creator:a.test", `{"membership":"invite"}`)
	require.NoError(t, Allowed(invited, fix.auth))
	require.NoError(t, fix.auth.AddEvent(invited))
	require.NoError(t, Allowed(join, fix.auth))
}

func TestRestrictedJoinViaAuthorisedServer(t *testing.T) {
	t.Parallel()

	fix := newRoomFixture(t)
	restricted := mustEvent(t, "m.room.join_rules", strPtr(""), "@creator:a.test",
		`{"join_rule":"restricted","allow":[{"type":"m.room_membership","room_id":"!other:a.test"}]}`)
	require.NoError(t, fix.auth.AddEvent(restricted))

	plain := mustEvent(t, "m.room.member", strPtr("@new:b.test"), "@new:b.test", `{"membership":"join"}`)
	var rejected ErrRejected
	require.ErrorAs(t, Allowed(plain, fix.auth), &rejected)

	authorised := mustEvent(t, "m.room.member", strPtr("@new:b.test"), "@new:b.test",
		`{"membership":"join","join_authorised_via_users_server":"@creator:a.test"}`)
	require.NoError(t, Allowed(authorised, fix.auth))
}

func TestBannedUserCannotJoin(t *testing.T) {
	t.Parallel()

	fix := newRoomFixture(t)
	ban := mustEvent(t, "m.room.member", strPtr("@bad:b.test"), "@creator:a.test", `{"membership":"ban"}`)
	require.NoError(t, fix.auth.AddEvent(ban))

	join := mustEvent(t, "m.room.member", strPtr("@bad:b.test"), "@bad:b.test", `{"membership":"join"}`)
	var rejected ErrRejected
	require.ErrorAs(t, Allowed(join, fix.auth), &rejected)
}

func TestKickRequiresPowerOverTarget(t *testing.T) {
	t.Parallel()

	fix := newRoomFixture(t)

	kickByMember := mustEvent(t, "m.room.member", strPtr("@creator:a.test"), "@member:a.test", `{"membership":"leave"}`)
	var rejected ErrRejected
	require.ErrorAs(t, Allowed(kickByMember, fix.auth), &rejected)

	kickByCreator := mustEvent(t, "m.room.member", strPtr("@member:a.test"), "@creator:a.test", `{"membership":"leave"}`)
	require.NoError(t, Allowed(kickByCreator, fix.auth))

	// Voluntary leave is always allowed for a joined user.
	leave := mustEvent(t, "m.room.member", strPtr("@member:a.test"), "@member:a.test", `{"membership":"leave"}`)
	require.NoError(t, Allowed(leave, fix.auth))
}

func TestBanAndUnban(t *testing.T) {
	t.Parallel()

	fix := newRoomFixture(t)

	ban := mustEvent(t, "m.room.member", strPtr("@member:a.test"), "@creator:a.test", `{"membership":"ban"}`)
	require.NoError(t, Allowed(ban, fix.auth))
	require.NoError(t, fix.auth.AddEvent(ban))

	// The banned user cannot remove their own ban.
	selfUnban := mustEvent(t, "m.room.member", strPtr("@member:a.test"), "@member:a.test", `{"membership":"leave"}`)
	var rejected ErrRejected
	require.ErrorAs(t, Allowed(selfUnban, fix.auth), &rejected)

	unban := mustEvent(t, "m.room.member", strPtr("@member:a.test"), "@creator:a.test", `{"membership":"leave"}`)
	require.NoError(t, Allowed(unban, fix.auth))
}

func TestPowerLevelChanges(t *testing.T) {
	t.Parallel()

	fix := newRoomFixture(t)

	// @member (PL 0) cannot change power levels at all.
	byMember := mustEvent(t, "m.room.power_levels", strPtr(""), "@member:a.test", `{"users":{"@member:a.test":100}}`)
	var rejected ErrRejected
	require.ErrorAs(t, Allowed(byMember, fix.auth), &rejected)

	// @creator can promote @member to 50.
	promote := mustEvent(t, "m.room.power_levels", strPtr(""), "@creator:a.test",
		`{"users":{"@creator:a.test":100,"@member:a.test":50}}`)
	require.NoError(t, Allowed(promote, fix.auth))
}

func TestKnockRequiresKnockJoinRule(t *testing.T) {
	t.Parallel()

	fix := newRoomFixture(t)

	knock := mustEvent(t, "m.room.member", strPtr("@new:b.test"), "@new:b.test", `{"membership":"knock"}`)
	var rejected ErrRejected
	require.ErrorAs(t, Allowed(knock, fix.auth), &rejected)

	knockRule := mustEvent(t, "m.room.join_rules", strPtr(""), "@creator:a.test", `{"join_rule":"knock"}`)
	require.NoError(t, fix.auth.AddEvent(knockRule))
	require.NoError(t, Allowed(knock, fix.auth))
}

func TestAuthEventsForBuilder(t *testing.T) {
	t.Parallel()

	tests := []struct {
		eventType string
		stateKey  *string
		content   string
		want      int
	}{
		{"m.room.create", strPtr(""), `{}`, 0},
		{"m.room.message", nil, `{"body":"hi"}`, 3},
		{"m.room.member", strPtr("@other:a.test"), `{"membership":"invite"}`, 5},
	}
	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			got := AuthEventsForBuilder(tt.eventType, tt.stateKey, "@sender:a.test", json.RawMessage(tt.content))
			assert.Len(t, got, tt.want, fmt.Sprintf("%v", got))
		})
	}
}
