package gateway

import (
	"context"
	"database/sql"
)

// Session is an explicit transaction against one node.  The concurrency
// harness is its only consumer: it needs to hold transactions open across
// scripted sleeps and choose the commit point itself.
type Session interface {
	Exec(ctx context.Context, query string, params ...any) (Result, error)
	Query(ctx context.Context, query string, params ...any) ([]Row, error)
	Commit() error
	Rollback() error
}

type sqlSession struct {
	node Node
	tx   *sql.Tx
}

func (s *sqlSession) Exec(ctx context.Context, query string, params ...any) (Result, error) {
	res, err := s.tx.ExecContext(ctx, query, params...)
	if err != nil {
		return Result{}, Classify(s.node, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		affected = 0
	}
	return Result{RowsAffected: affected}, nil
}

func (s *sqlSession) Query(ctx context.Context, query string, params ...any) ([]Row, error) {
	rows, err := s.tx.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, Classify(s.node, err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func (s *sqlSession) Commit() error {
	if err := s.tx.Commit(); err != nil {
		return Classify(s.node, err)
	}
	return nil
}

func (s *sqlSession) Rollback() error {
	if err := s.tx.Rollback(); err != nil {
		return Classify(s.node, err)
	}
	return nil
}
