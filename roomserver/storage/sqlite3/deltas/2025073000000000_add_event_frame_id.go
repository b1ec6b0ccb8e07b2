// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package deltas

import (
	"context"
	"database/sql"
	"fmt"
)

// UpAddEventFrameID adds the frame_id column to roomserver_events for
// databases created before state frames were stamped onto event rows.
// sqlite lacks ADD COLUMN IF NOT EXISTS, so probe the schema first.
func UpAddEventFrameID(ctx context.Context, tx *sql.Tx) error {
	var count int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info('roomserver_events') WHERE name = 'frame_id'`,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to inspect schema: %w", err)
	}
	if count > 0 {
		return nil
	}
	if _, err = tx.ExecContext(ctx, `ALTER TABLE roomserver_events ADD COLUMN frame_id INTEGER NOT NULL DEFAULT 0;`); err != nil {
		return fmt.Errorf("failed to execute upgrade: %w", err)
	}
	return nil
}
