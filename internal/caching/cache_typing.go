// Copyright 2024 New Vector Ltd.
// Copyright 2019, 2020 The Matrix.org Foundation C.I.C.
// Copyright 2017, 2018 New Vector Ltd
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"sync"
	"time"
)

const defaultTypingTimeout = 10 * time.Second

// EDUCache keeps the in-memory typing state: room → user → expiry timer.
// Typing is never persisted; expiry both prunes the entry and advances the
// latest sync position so waiters wake exactly once per change (spec.md
// 4.11 and testable property "Typing expiry").
type EDUCache struct {
	sync.RWMutex
	latestSyncPosition int64
	typingUsers        map[string]map[string]*time.Timer
	timeoutCallback    TimeoutCallbackFn
}

// TimeoutCallbackFn is called when a typing state expires, with the sync
// position after the removal.
type TimeoutCallbackFn func(userID, roomID string, latestSyncPosition int64)

// NewTypingCache returns an empty EDUCache.
func NewTypingCache() *EDUCache {
	return &EDUCache{typingUsers: make(map[string]map[string]*time.Timer)}
}

// SetTimeoutCallback registers fn to run whenever a typing entry expires.
func (t *EDUCache) SetTimeoutCallback(fn TimeoutCallbackFn) {
	t.Lock()
	defer t.Unlock()
	t.timeoutCallback = fn
}

// GetTypingUsers returns the users currently typing in roomID.
func (t *EDUCache) GetTypingUsers(roomID string) []string {
	users, _ := t.GetTypingUsersIfUpdatedAfter(roomID, 0)
	return users
}

// GetTypingUsersIfUpdatedAfter returns the typing users in roomID only when
// the cache has changed since position, alongside whether it has.
func (t *EDUCache) GetTypingUsersIfUpdatedAfter(roomID string, position int64) (users []string, updated bool) {
	t.RLock()
	defer t.RUnlock()
	if t.latestSyncPosition <= position {
		return nil, false
	}
	usersMap := t.typingUsers[roomID]
	users = make([]string, 0, len(usersMap))
	for userID := range usersMap {
		users = append(users, userID)
	}
	return users, true
}

// AddTypingUser records that userID is typing in roomID until expire; a nil
// expire applies the default typing timeout. It returns the sync position
// after the update.
func (t *EDUCache) AddTypingUser(userID, roomID string, expire *time.Time) int64 {
	expireTime := time.Now().Add(defaultTypingTimeout)
	if expire != nil {
		expireTime = *expire
	}
	if until := time.Until(expireTime); until > 0 {
		timer := time.AfterFunc(until, func() {
			latestSyncPosition := t.RemoveUser(userID, roomID)
			t.RLock()
			callback := t.timeoutCallback
			t.RUnlock()
			if callback != nil {
				callback(userID, roomID, latestSyncPosition)
			}
		})
		return t.addUser(userID, roomID, timer)
	}
	return t.LatestSyncPosition()
}

// addUser replaces any existing timer for (userID, roomID), keeping only the
// most recent typing state in flight.
func (t *EDUCache) addUser(userID, roomID string, expiryTimer *time.Timer) int64 {
	t.Lock()
	defer t.Unlock()

	t.latestSyncPosition++
	if t.typingUsers[roomID] == nil {
		t.typingUsers[roomID] = make(map[string]*time.Timer)
	}
	if timer, ok := t.typingUsers[roomID][userID]; ok {
		timer.Stop()
	}
	t.typingUsers[roomID][userID] = expiryTimer
	return t.latestSyncPosition
}

// RemoveUser clears userID's typing state in roomID, stopping its timer,
// and returns the sync position after the removal.
func (t *EDUCache) RemoveUser(userID, roomID string) int64 {
	t.Lock()
	defer t.Unlock()

	timer, ok := t.typingUsers[roomID][userID]
	if !ok {
		return t.latestSyncPosition
	}
	timer.Stop()
	delete(t.typingUsers[roomID], userID)
	t.latestSyncPosition++
	return t.latestSyncPosition
}

// LatestSyncPosition returns the position of the most recent typing change.
func (t *EDUCache) LatestSyncPosition() int64 {
	t.Lock()
	defer t.Unlock()
	return t.latestSyncPosition
}
