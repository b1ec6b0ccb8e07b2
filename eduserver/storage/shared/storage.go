// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package shared defines the EDU engine's durable state: read receipts and
// user presence (spec.md 4.11). Typing is never persisted.
package shared

import (
	"context"

	"github.com/palpo-server/palpo/roomserver/types"
)

// Receipt is one (type, room, user) read marker; replace-on-write.
type Receipt struct {
	ReceiptType string // m.read or m.read.private
	RoomID      string
	UserID      string
	EventID     string
	EventSN     types.EventSN
	TS          int64
}

// Presence is a user's presence row.
type Presence struct {
	UserID               string
	State                string // online, offline, unavailable
	LastActiveTS         int64
	StatusMsg            string
	CurrentlyActive      bool
	LastFederationSentTS int64
}

// Database is the EDU engine's storage surface.
type Database interface {
	UpsertReceipt(ctx context.Context, receipt *Receipt) error
	SelectReceiptsForRoom(ctx context.Context, roomID string, sinceSN types.EventSN) ([]*Receipt, error)
	SelectReceipt(ctx context.Context, receiptType, roomID, userID string) (*Receipt, error)

	UpsertPresence(ctx context.Context, presence *Presence) error
	SelectPresence(ctx context.Context, userID string) (*Presence, error)
}
