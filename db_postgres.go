package main

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

type PostgresDB struct {
	sqlStore
	dsn string
}

var _ DB = (*PostgresDB)(nil)

func NewPostgresDB(dsn string) (*PostgresDB, error) {
	d, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	p := newPostgresStore(d)
	p.dsn = dsn
	if err := p.Init(context.Background()); err != nil {
		d.Close()
		return nil, err
	}
	return p, nil
}

func newPostgresStore(d *sql.DB) *PostgresDB {
	return &PostgresDB{sqlStore: sqlStore{db: d, rebind: rebindDollar, isUnique: isPostgresUniqueViolation}}
}

// Init only verifies connectivity; the schema is owned by migrations.
func (p *PostgresDB) Init(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func isPostgresUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
