// Copyright 2022 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rundb records run bookkeeping for the Pixie-16 DAQ.
package rundb // import "github.com/go-pixie/daq/rundb"

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

var (
	drvName = "mysql"
)

// DB exposes convenience methods to record and retrieve run metadata
// from the experiment run database.
type DB struct {
	db   *sql.DB
	name string
}

// Open opens a connection to the run database described by dsn
// (user:password@tcp(host)/dbname).
func Open(dsn string) (*DB, error) {
	db, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, fmt.Errorf("rundb: could not open run db: %w", err)
	}

	err = ping(db)
	if err != nil {
		return nil, fmt.Errorf("rundb: could not ping run db: %w", err)
	}

	return &DB{db: db, name: dsn}, nil
}

func ping(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("rundb: could not ping db: %w", err)
	}

	return nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// RecordStart inserts a row for a freshly opened run.
func (db *DB) RecordStart(ctx context.Context, run int, prefix, title, fname string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := db.db.ExecContext(ctx,
		`INSERT INTO runs (run, prefix, title, file, started) VALUES (?, ?, ?, ?, ?)`,
		run, prefix, title, fname, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("rundb: could not record start of run %d: %w", run, err)
	}
	return nil
}

// RecordStop completes the row of a run with its final size and error
// status.
func (db *DB) RecordStop(ctx context.Context, run int, nbytes int64, hadError bool) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := db.db.ExecContext(ctx,
		`UPDATE runs SET stopped = ?, nbytes = ?, haderror = ? WHERE run = ?`,
		time.Now().UTC(), nbytes, hadError, run,
	)
	if err != nil {
		return fmt.Errorf("rundb: could not record stop of run %d: %w", run, err)
	}
	return nil
}

// LastRun returns the highest recorded run number.
func (db *DB) LastRun(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := db.db.QueryContext(ctx, `SELECT MAX(run) FROM runs`)
	if err != nil {
		return 0, fmt.Errorf("rundb: could not query last run: %w", err)
	}
	defer rows.Close()

	run := 0
	for rows.Next() {
		err = rows.Scan(&run)
		if err != nil {
			return 0, fmt.Errorf("rundb: could not scan last run: %w", err)
		}
	}

	err = rows.Err()
	if err != nil {
		return 0, fmt.Errorf("rundb: could not retrieve last run: %w", err)
	}

	return run, nil
}
