package executor

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	_ "modernc.org/sqlite"

	"datapilot/internal/domain"
)

// Statement maps a procedure name to a SQL text with named @binds. Arguments
// not named here are rejected so a handler bug cannot smuggle extra values
// into the query.
type Statement struct {
	SQL    string
	Params []string
	Write  bool
}

// SQLExecutor is the concrete domain.QueryExecutor over database/sql. Only
// pre-registered statements can run; there is no pass-through of free SQL.
type SQLExecutor struct {
	db         *sql.DB
	statements map[string]Statement
}

// NewSQLExecutor opens the database at dbPath and registers the statement set.
func NewSQLExecutor(dbPath string, statements map[string]Statement) (*SQLExecutor, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open data db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	return &SQLExecutor{db: db, statements: statements}, nil
}

// NewSQLExecutorDB wraps an already-open database, mainly for tests.
func NewSQLExecutorDB(db *sql.DB, statements map[string]Statement) *SQLExecutor {
	return &SQLExecutor{db: db, statements: statements}
}

func (e *SQLExecutor) Close() error {
	return e.db.Close()
}

func (e *SQLExecutor) Query(ctx context.Context, procedure string, args map[string]any) (*domain.RowSet, error) {
	st, binds, err := e.prepare(procedure, args, false)
	if err != nil {
		return nil, err
	}

	rows, err := e.db.QueryContext(ctx, st.SQL, binds...)
	if err != nil {
		return nil, domain.NewDomainError("SQLExecutor.Query", domain.ErrExecutorFailure, procedure+": "+err.Error())
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, domain.NewDomainError("SQLExecutor.Query", domain.ErrExecutorFailure, err.Error())
	}

	rs := &domain.RowSet{Columns: cols, Rows: [][]any{}}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, domain.NewDomainError("SQLExecutor.Query", domain.ErrExecutorFailure, err.Error())
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		rs.Rows = append(rs.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewDomainError("SQLExecutor.Query", domain.ErrExecutorFailure, err.Error())
	}
	return rs, nil
}

func (e *SQLExecutor) Exec(ctx context.Context, procedure string, args map[string]any) (int64, error) {
	st, binds, err := e.prepare(procedure, args, true)
	if err != nil {
		return 0, err
	}
	res, err := e.db.ExecContext(ctx, st.SQL, binds...)
	if err != nil {
		return 0, domain.NewDomainError("SQLExecutor.Exec", domain.ErrExecutorFailure, procedure+": "+err.Error())
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (e *SQLExecutor) prepare(procedure string, args map[string]any, write bool) (Statement, []any, error) {
	st, ok := e.statements[strings.ToLower(procedure)]
	if !ok {
		return Statement{}, nil, domain.NewDomainError("SQLExecutor", domain.ErrExecutorFailure,
			"unknown procedure "+procedure)
	}
	if write && !st.Write {
		return Statement{}, nil, domain.NewDomainError("SQLExecutor", domain.ErrExecutorFailure,
			procedure+" is read-only")
	}

	declared := make(map[string]bool, len(st.Params))
	for _, p := range st.Params {
		declared[p] = true
	}
	var extra []string
	for k := range args {
		if !declared[k] {
			extra = append(extra, k)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return Statement{}, nil, domain.NewDomainError("SQLExecutor", domain.ErrExecutorFailure,
			procedure+": unbound arguments "+strings.Join(extra, ", "))
	}

	binds := make([]any, 0, len(st.Params))
	for _, p := range st.Params {
		binds = append(binds, sql.Named(p, args[p]))
	}
	return st, binds, nil
}
