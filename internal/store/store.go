// Package store persists linsight sessions, task trees, the SOP library, invite codes and
// tool descriptors in Postgres through database/sql and lib/pq.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

type Store struct {
	DB *sql.DB
}

// NewWithDSN opens and pings Postgres.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// isUniqueViolation reports a Postgres 23505 error.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

var (
	metricsOnce  sync.Once
	writeCounter otelmetric.Int64Counter
)

func initStoreMetrics() {
	meter := otel.Meter("linsight/store")
	var err error
	writeCounter, err = meter.Int64Counter("linsight_store_writes_total",
		otelmetric.WithDescription("Rows written by the linsight store"))
	if err != nil {
		log.Printf("store metrics init: linsight_store_writes_total: %v", err)
	}
}

func recordWrite(ctx context.Context, table string) {
	metricsOnce.Do(initStoreMetrics)
	if writeCounter != nil {
		writeCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("table", table)))
	}
}
