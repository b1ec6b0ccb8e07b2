// Copyright 2024 New Vector Ltd.
// Copyright 2019, 2020 The Matrix.org Foundation C.I.C.
// Copyright 2017, 2018 New Vector Ltd
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEDUCache(t *testing.T) {
	tCache := NewTypingCache()
	require.NotNil(t, tCache)

	t.Run("AddTypingUser", func(t *testing.T) {
		testAddTypingUser(t, tCache)
	})

	t.Run("GetTypingUsers", func(t *testing.T) {
		testGetTypingUsers(t, tCache)
	})

	t.Run("RemoveUser", func(t *testing.T) {
		testRemoveUser(t, tCache)
	})
}

func testAddTypingUser(t *testing.T, tCache *EDUCache) {
	present := time.Now()
	tests := []struct {
		userID string
		roomID string
		expire *time.Time
	}{ // Set four users typing state to room1
		{"user1", "room1", nil},
		{"user2", "room1", nil},
		{"user3", "room1", nil},
		{"user4", "room1", nil},
		// typing state with past expireTime should not take effect.
		{"user1", "room2", &present},
	}

	for _, tt := range tests {
		tCache.AddTypingUser(tt.userID, tt.roomID, tt.expire)
	}
}

func testGetTypingUsers(t *testing.T, tCache *EDUCache) {
	tests := []struct {
		roomID    string
		wantUsers []string
	}{
		{"room1", []string{"user1", "user2", "user3", "user4"}},
		{"room2", []string{}},
	}

	for _, tt := range tests {
		assert.ElementsMatch(t, tCache.GetTypingUsers(tt.roomID), tt.wantUsers)
	}
}

func testRemoveUser(t *testing.T, tCache *EDUCache) {
	tests := []struct {
		roomID  string
		userIDs []string
	}{
		{"room3", []string{"user1"}},
		{"room4", []string{"user1", "user2", "user3"}},
	}

	for _, tt := range tests {
		for _, userID := range tt.userIDs {
			tCache.AddTypingUser(userID, tt.roomID, nil)
		}

		length := len(tt.userIDs)
		tCache.RemoveUser(tt.userIDs[length-1], tt.roomID)
		expLeftUsers := tt.userIDs[:length-1]
		assert.ElementsMatch(t, tCache.GetTypingUsers(tt.roomID), expLeftUsers)
	}
}

func TestTypingCacheTimeoutCallbackTriggeredOnExpiry(t *testing.T) {
	t.Parallel()
	cache := NewTypingCache()

	done := make(chan struct{})
	var callbackUserID, callbackRoomID string
	var callbackSyncPos int64

	cache.SetTimeoutCallback(func(userID, roomID string, latestSyncPosition int64) {
		callbackUserID = userID
		callbackRoomID = roomID
		callbackSyncPos = latestSyncPosition
		close(done)
	})

	shortExpiry := time.Now().Add(5 * time.Millisecond)
	cache.AddTypingUser("@alice:server", "!room:server", &shortExpiry)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout callback never fired")
	}

	assert.Equal(t, "@alice:server", callbackUserID)
	assert.Equal(t, "!room:server", callbackRoomID)
	assert.Greater(t, callbackSyncPos, int64(0))
	assert.Empty(t, cache.GetTypingUsers("!room:server"))
}

func TestTypingCacheReplaceExtendsExpiry(t *testing.T) {
	t.Parallel()
	cache := NewTypingCache()

	first := time.Now().Add(time.Hour)
	posA := cache.AddTypingUser("@alice:server", "!room:server", &first)
	posB := cache.AddTypingUser("@alice:server", "!room:server", &first)
	assert.Greater(t, posB, posA)
	assert.Equal(t, []string{"@alice:server"}, cache.GetTypingUsers("!room:server"))
}

func TestTypingExpiredEntryNotVisible(t *testing.T) {
	t.Parallel()
	cache := NewTypingCache()

	past := time.Now().Add(-time.Second)
	cache.AddTypingUser("@alice:server", "!room:server", &past)
	assert.Empty(t, cache.GetTypingUsers("!room:server"))
}

func TestGetTypingUsersIfUpdatedAfter(t *testing.T) {
	t.Parallel()
	cache := NewTypingCache()

	pos := cache.AddTypingUser("@alice:server", "!room:server", nil)

	users, updated := cache.GetTypingUsersIfUpdatedAfter("!room:server", pos-1)
	assert.True(t, updated)
	assert.Equal(t, []string{"@alice:server"}, users)

	_, updated = cache.GetTypingUsersIfUpdatedAfter("!room:server", pos)
	assert.False(t, updated)
}
