// ABOUTME: Cross-table consistency audit for the state and crypto databases
// ABOUTME: Each check enforces an invariant the write paths maintain transactionally

package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fatih/color"

	"github.com/2389/coven-matrix-store/internal/cryptostore"
	"github.com/2389/coven-matrix-store/internal/statestore"
)

// auditCheck is one named consistency query. The query must return the
// number of offending rows; zero means the invariant holds.
type auditCheck struct {
	name  string
	query string
}

var stateChecks = []auditCheck{
	{
		name: "membership index rows without a member row",
		query: `
			SELECT COUNT(*) FROM statestore_member_index i
			WHERE NOT EXISTS (
				SELECT 1 FROM statestore_members m
				WHERE m.room_id = i.room_id AND m.user_id = i.user_id
			)`,
	},
	{
		name: "joined or invited members missing from the index",
		query: `
			SELECT COUNT(*) FROM statestore_members m
			WHERE m.membership IN ('join', 'invite')
			AND NOT EXISTS (
				SELECT 1 FROM statestore_member_index i
				WHERE i.room_id = m.room_id AND i.user_id = m.user_id
			)`,
	},
	{
		name: "stripped state rows for rooms with canonical state",
		query: `
			SELECT COUNT(*) FROM statestore_stripped_room_state s
			WHERE EXISTS (
				SELECT 1 FROM statestore_room_state c WHERE c.room_id = s.room_id
			)`,
	},
	{
		name: "stripped member rows for rooms with canonical state",
		query: `
			SELECT COUNT(*) FROM statestore_stripped_members s
			WHERE EXISTS (
				SELECT 1 FROM statestore_room_state c WHERE c.room_id = s.room_id
			)`,
	},
	{
		name: "receipts without an event id",
		query: `
			SELECT COUNT(*) FROM statestore_receipts r
			WHERE r.event_id IS NULL OR r.event_id = ''`,
	},
}

var cryptoChecks = []auditCheck{
	{
		name: "key request index rows without a primary row",
		query: `
			SELECT COUNT(*) FROM cryptostore_key_requests_by_info i
			WHERE NOT EXISTS (
				SELECT 1 FROM cryptostore_key_requests r
				WHERE r.request_id = i.request_id
			)`,
	},
	{
		name: "key requests missing from the index",
		query: `
			SELECT COUNT(*) FROM cryptostore_key_requests r
			WHERE NOT EXISTS (
				SELECT 1 FROM cryptostore_key_requests_by_info i
				WHERE i.request_id = r.request_id
			)`,
	},
	{
		name: "pending key queries for untracked users",
		query: `
			SELECT COUNT(*) FROM cryptostore_key_queries q
			WHERE NOT EXISTS (
				SELECT 1 FROM cryptostore_tracked_users t
				WHERE t.user_id = q.user_id
			)`,
	},
}

// runAudit runs every consistency check against both databases and reports
// failures. Returns an error if any invariant is violated.
func runAudit(ctx context.Context, state *statestore.Store, crypto *cryptostore.Store) error {
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)

	failures := 0
	failures += runChecks(ctx, state.DB(), stateChecks, green, red)
	failures += runChecks(ctx, crypto.DB(), cryptoChecks, green, red)

	fmt.Println()
	if failures > 0 {
		return fmt.Errorf("%d consistency check(s) failed", failures)
	}
	green.Println("all consistency checks passed")
	return nil
}

func runChecks(ctx context.Context, db *sql.DB, checks []auditCheck, green, red *color.Color) int {
	failures := 0
	for _, check := range checks {
		var count int
		err := db.QueryRowContext(ctx, check.query).Scan(&count)
		switch {
		case err != nil:
			red.Print("    ✗ ")
			fmt.Printf("%s: query failed: %v\n", check.name, err)
			failures++
		case count > 0:
			red.Print("    ✗ ")
			fmt.Printf("%s: %d offending row(s)\n", check.name, count)
			failures++
		default:
			green.Print("    ✓ ")
			fmt.Println(check.name)
		}
	}
	return failures
}
