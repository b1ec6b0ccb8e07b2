package pushrules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func messageEvent(body string) []byte {
	return []byte(`{
		"type": "m.room.message",
		"room_id": "!room:a.test",
		"sender": "@bob:b.test",
		"content": {"body": "` + body + `", "msgtype": "m.text"}
	}`)
}

func defaultContext() *EvaluationContext {
	return &EvaluationContext{
		UserID:                  "@alice:a.test",
		DisplayName:             "Alice",
		RoomID:                  "!room:a.test",
		MemberCount:             5,
		PowerLevelUsers:         map[string]int64{"@mod:a.test": 50},
		PowerLevelUsersDefault:  0,
		PowerLevelNotifications: map[string]int64{"room": 50},
	}
}

func notify() []Action {
	return []Action{{Action: "notify"}, {Tweak: "sound", Value: "default"}}
}

func TestContentRuleGlobMatch(t *testing.T) {
	t.Parallel()

	ruleset := &Ruleset{
		Content: []*Rule{{
			RuleID: ".m.rule.contains_user_name", Enabled: true,
			Pattern: "alice", Actions: notify(),
		}},
	}

	actions := ruleset.GetActions(messageEvent("hey alice, lunch?"), defaultContext())
	require.NotNil(t, actions)
	assert.True(t, Notifies(actions))

	// Word-bounded: "alicem" does not match.
	actions = ruleset.GetActions(messageEvent("hey alicem"), defaultContext())
	assert.Nil(t, actions)
}

func TestEvaluationOrderOverrideWins(t *testing.T) {
	t.Parallel()

	ruleset := &Ruleset{
		Override: []*Rule{{
			RuleID: ".m.rule.suppress", Enabled: true,
			Conditions: []Condition{{Kind: "event_match", Key: "type", Pattern: "m.room.message"}},
			Actions:    []Action{{Action: "dont_notify"}},
		}},
		Content: []*Rule{{
			RuleID: "body", Enabled: true, Pattern: "lunch", Actions: notify(),
		}},
	}

	actions := ruleset.GetActions(messageEvent("lunch?"), defaultContext())
	require.NotNil(t, actions)
	assert.False(t, Notifies(actions), "override must win over content")
}

func TestDisabledRuleSkipped(t *testing.T) {
	t.Parallel()

	ruleset := &Ruleset{
		Content: []*Rule{{RuleID: "body", Enabled: false, Pattern: "lunch", Actions: notify()}},
	}
	assert.Nil(t, ruleset.GetActions(messageEvent("lunch?"), defaultContext()))
}

func TestRoomAndSenderRules(t *testing.T) {
	t.Parallel()

	ruleset := &Ruleset{
		Room:   []*Rule{{RuleID: "!room:a.test", Enabled: true, Actions: []Action{{Action: "dont_notify"}}}},
		Sender: []*Rule{{RuleID: "@bob:b.test", Enabled: true, Actions: notify()}},
	}

	// The room rule outranks the sender rule.
	actions := ruleset.GetActions(messageEvent("hi"), defaultContext())
	require.NotNil(t, actions)
	assert.False(t, Notifies(actions))

	// In another room only the sender rule applies.
	other := []byte(`{"type":"m.room.message","room_id":"!other:a.test","sender":"@bob:b.test","content":{"body":"hi"}}`)
	actions = ruleset.GetActions(other, defaultContext())
	require.NotNil(t, actions)
	assert.True(t, Notifies(actions))
}

func TestContainsDisplayName(t *testing.T) {
	t.Parallel()

	ruleset := &Ruleset{
		Override: []*Rule{{
			RuleID: ".m.rule.contains_display_name", Enabled: true,
			Conditions: []Condition{{Kind: "contains_display_name"}},
			Actions:    notify(),
		}},
	}

	assert.NotNil(t, ruleset.GetActions(messageEvent("ping Alice please"), defaultContext()))
	assert.Nil(t, ruleset.GetActions(messageEvent("nothing relevant"), defaultContext()))
}

func TestRoomMemberCount(t *testing.T) {
	t.Parallel()

	mkRuleset := func(is string) *Ruleset {
		return &Ruleset{
			Override: []*Rule{{
				RuleID: ".m.rule.room_one_to_one", Enabled: true,
				Conditions: []Condition{{Kind: "room_member_count", Is: is}},
				Actions:    notify(),
			}},
		}
	}

	tests := []struct {
		is      string
		count   int
		matches bool
	}{
		{"2", 2, true},
		{"==2", 2, true},
		{"==2", 3, false},
		{"<5", 4, true},
		{"<5", 5, false},
		{">=5", 5, true},
		{"<=5", 6, false},
		{">10", 11, true},
	}
	for _, tt := range tests {
		ctx := defaultContext()
		ctx.MemberCount = tt.count
		actions := mkRuleset(tt.is).GetActions(messageEvent("hi"), ctx)
		if tt.matches {
			assert.NotNil(t, actions, "is=%s count=%d", tt.is, tt.count)
		} else {
			assert.Nil(t, actions, "is=%s count=%d", tt.is, tt.count)
		}
	}
}

func TestSenderNotificationPermission(t *testing.T) {
	t.Parallel()

	ruleset := &Ruleset{
		Override: []*Rule{{
			RuleID: ".m.rule.roomnotif", Enabled: true,
			Conditions: []Condition{
				{Kind: "event_match", Key: "content.body", Pattern: "@room"},
				{Kind: "sender_notification_permission", Key: "room"},
			},
			Actions: notify(),
		}},
	}

	// @bob:b.test has default power 0, below the notifications.room 50.
	assert.Nil(t, ruleset.GetActions(messageEvent("@room fire drill"), defaultContext()))

	moderator := []byte(`{"type":"m.room.message","room_id":"!room:a.test","sender":"@mod:a.test","content":{"body":"@room fire drill"}}`)
	assert.NotNil(t, ruleset.GetActions(moderator, defaultContext()))
}

func TestExtensibleEventsGating(t *testing.T) {
	t.Parallel()

	ruleset := &Ruleset{
		Content: []*Rule{{RuleID: "body", Enabled: true, Pattern: "lunch", Actions: notify()}},
		Override: []*Rule{{
			RuleID: ".m.rule.extensible", Enabled: true,
			Conditions: []Condition{{Kind: "room_version_supports", Feature: "extensible_events"}},
			Actions:    notify(),
		}},
	}

	// In an extensible-events room, rules without a room_version_supports
	// condition are disabled; the explicitly-gated rule still fires.
	ctx := defaultContext()
	ctx.RoomFeatures = []string{"extensible_events"}
	actions := ruleset.GetActions(messageEvent("lunch?"), ctx)
	require.NotNil(t, actions)
	assert.True(t, Notifies(actions))

	// Content rules are disabled when the event carries m.mentions.
	mentions := []byte(`{"type":"m.room.message","room_id":"!room:a.test","sender":"@bob:b.test","content":{"body":"lunch","m.mentions":{}}}`)
	assert.Nil(t, (&Ruleset{
		Content: ruleset.Content,
	}).GetActions(mentions, defaultContext()))
}

func TestFlattenJSONEscapesDots(t *testing.T) {
	t.Parallel()

	flat := flattenJSON([]byte(`{"content":{"m.mentions":{"user_ids":["@a:b"]},"body":"x"},"depth":3,"ok":true}`))
	assert.Equal(t, "x", flat["content.body"])
	assert.Equal(t, "3", flat["depth"])
	assert.Equal(t, "true", flat["ok"])
	_, hasMentions := flat["content.m\\.mentions.user_ids"]
	// Arrays are not flattened; only the presence of the object's scalar
	// leaves matters for event_match.
	assert.False(t, hasMentions)
}

func TestGlobMatching(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pattern string
		value   string
		word    bool
		want    bool
	}{
		{"m.room.message", "m.room.message", false, true},
		{"m.room.*", "m.room.member", false, true},
		{"m.*.message", "m.room.message", false, true},
		{"m.room.?essage", "m.room.message", false, true},
		{"m.room.*", "m.other.message", false, false},
		{"lunch", "want lunch?", true, true},
		{"lunch", "lunchtime", true, false},
		{"LUNCH", "want lunch?", true, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, globMatch(tt.pattern, tt.value, tt.word), "%s vs %s", tt.pattern, tt.value)
	}
}
