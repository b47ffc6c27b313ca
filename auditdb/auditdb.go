// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package auditdb holds types to record an optional audit trail of
// coefficient-table commits and AGC power-level transitions into a
// MySQL database, for post-hoc diagnosis of DSC behaviour.
package auditdb // import "github.com/go-lpc/bpm/auditdb"

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

const (
	host = "localhost"
)

var (
	usr = "username"
	pwd = "s3cr3t"

	drvName = "mysql"
)

// DB exposes convenience methods to record and retrieve the DSC audit
// trail in a MySQL database.
type DB struct {
	db   *sql.DB
	name string // name of the audit database
}

// Open opens a connection to the audit database dbname.
func Open(dbname string) (*DB, error) {
	db, err := sql.Open(drvName, dsn(dbname))
	if err != nil {
		return nil, fmt.Errorf("auditdb: could not open %q db: %w", dbname, err)
	}

	err = ping(db, dbname)
	if err != nil {
		return nil, fmt.Errorf("auditdb: could not ping %q db: %w", dbname, err)
	}

	return &DB{db: db, name: dbname}, nil
}

func dsn(db string) string {
	return fmt.Sprintf("%s:%s@tcp(%s)/%s", usr, pwd, host, db)
}

func ping(db *sql.DB, dbname string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("auditdb: could not ping %q db: %w", dbname, err)
	}

	return nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return db.db.QueryContext(ctx, query, args...)
}

// CoeffCommit records one commit of a compensation record at a given
// input power level.
type CoeffCommit struct {
	PowerDBm    int
	Status      uint8
	CommittedAt time.Time
}

// RecordCoeffCommit inserts a row marking that the compensation
// record for powerDBm was just committed, carrying the record's
// validity-status bitmask for later correlation with estimator logs.
func (db *DB) RecordCoeffCommit(ctx context.Context, powerDBm int, status uint8) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := db.db.ExecContext(
		ctx,
		"INSERT INTO coeff_commits (power_dbm, status, committed_at) VALUES (?, ?, NOW())",
		powerDBm, status,
	)
	if err != nil {
		return fmt.Errorf("auditdb: could not record coefficient commit: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("auditdb: context error while recording coefficient commit: %w", err)
	}

	return nil
}

// LastCoeffCommits returns the n most recent coefficient commits,
// most recent first.
func (db *DB) LastCoeffCommits(ctx context.Context, n int) ([]CoeffCommit, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var out []CoeffCommit
	rows, err := db.db.QueryContext(
		ctx,
		"SELECT power_dbm, status, committed_at FROM coeff_commits ORDER BY committed_at DESC LIMIT ?",
		n,
	)
	if err != nil {
		return out, fmt.Errorf("auditdb: could not query coefficient commits: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c CoeffCommit
		if err := rows.Scan(&c.PowerDBm, &c.Status, &c.CommittedAt); err != nil {
			return out, fmt.Errorf("auditdb: could not scan coefficient commit: %w", err)
		}
		out = append(out, c)
	}

	if err := rows.Err(); err != nil {
		return out, fmt.Errorf("auditdb: could not scan db for coefficient commits: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return out, fmt.Errorf("auditdb: context error while retrieving coefficient commits: %w", err)
	}

	return out, nil
}

// AGCTransition records one AGC attenuation-level change.
type AGCTransition struct {
	FromLevel  int
	ToLevel    int
	PowerDBm   int
	OccurredAt time.Time
}

// RecordAGCTransition inserts a row marking an AGC attenuation step.
func (db *DB) RecordAGCTransition(ctx context.Context, from, to, powerDBm int) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := db.db.ExecContext(
		ctx,
		"INSERT INTO agc_transitions (from_level, to_level, power_dbm, occurred_at) VALUES (?, ?, ?, NOW())",
		from, to, powerDBm,
	)
	if err != nil {
		return fmt.Errorf("auditdb: could not record AGC transition: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("auditdb: context error while recording AGC transition: %w", err)
	}

	return nil
}

// LastAGCTransitions returns the n most recent AGC transitions, most
// recent first.
func (db *DB) LastAGCTransitions(ctx context.Context, n int) ([]AGCTransition, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var out []AGCTransition
	rows, err := db.db.QueryContext(
		ctx,
		"SELECT from_level, to_level, power_dbm, occurred_at FROM agc_transitions ORDER BY occurred_at DESC LIMIT ?",
		n,
	)
	if err != nil {
		return out, fmt.Errorf("auditdb: could not query AGC transitions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a AGCTransition
		if err := rows.Scan(&a.FromLevel, &a.ToLevel, &a.PowerDBm, &a.OccurredAt); err != nil {
			return out, fmt.Errorf("auditdb: could not scan AGC transition: %w", err)
		}
		out = append(out, a)
	}

	if err := rows.Err(); err != nil {
		return out, fmt.Errorf("auditdb: could not scan db for AGC transitions: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return out, fmt.Errorf("auditdb: context error while retrieving AGC transitions: %w", err)
	}

	return out, nil
}
