// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package auditdb

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/go-lpc/bpm/internal/fakedb"
)

func init() {
	drvName = "fakedb"
}

func TestOpen(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open auditdb: %+v", err)
	}
	defer db.Close()
}

func TestLastCoeffCommits(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open auditdb: %+v", err)
	}
	defer db.Close()

	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	_ = fakedb.Run(context.Background(), fakedb.Rows{
		Names: []string{"power_dbm", "status", "committed_at"},
		Values: [][]driver.Value{
			{int64(-10), int64(3), now},
		},
	}, func(ctx context.Context) error {
		commits, err := db.LastCoeffCommits(ctx, 1)
		if err != nil {
			t.Fatalf("could not retrieve last coeff commits: %+v", err)
		}
		if len(commits) != 1 {
			t.Fatalf("got %d commits, want 1", len(commits))
		}
		if got, want := commits[0].PowerDBm, -10; got != want {
			t.Fatalf("invalid power level: got=%d, want=%d", got, want)
		}
		return nil
	})
}

func TestLastAGCTransitions(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open auditdb: %+v", err)
	}
	defer db.Close()

	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	_ = fakedb.Run(context.Background(), fakedb.Rows{
		Names: []string{"from_level", "to_level", "power_dbm", "occurred_at"},
		Values: [][]driver.Value{
			{int64(4), int64(5), int64(-20), now},
		},
	}, func(ctx context.Context) error {
		transitions, err := db.LastAGCTransitions(ctx, 1)
		if err != nil {
			t.Fatalf("could not retrieve AGC transitions: %+v", err)
		}
		if len(transitions) != 1 {
			t.Fatalf("got %d transitions, want 1", len(transitions))
		}
		if got, want := transitions[0].ToLevel, 5; got != want {
			t.Fatalf("invalid to-level: got=%d, want=%d", got, want)
		}
		return nil
	})
}

func TestQueryContext(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open auditdb: %+v", err)
	}
	defer db.Close()

	const query = "SELECT power_dbm FROM coeff_commits ORDER BY committed_at DESC LIMIT 1"

	_ = fakedb.Run(context.Background(), fakedb.Rows{
		Names: []string{"power_dbm"},
		Values: [][]driver.Value{
			{int64(7)},
		},
	}, func(ctx context.Context) error {
		rows, err := db.QueryContext(context.Background(), query)
		if err != nil {
			t.Fatalf("could not execute query %q: %+v", query, err)
		}
		defer rows.Close()

		var powerDBm int64
		for rows.Next() {
			if err := rows.Scan(&powerDBm); err != nil {
				t.Fatalf("could not scan power level: %+v", err)
			}
		}
		if err := rows.Err(); err != nil {
			t.Fatalf("could not scan power level: %+v", err)
		}
		if got, want := powerDBm, int64(7); got != want {
			t.Fatalf("invalid power level: got=%d, want=%d", got, want)
		}
		return nil
	})
}
