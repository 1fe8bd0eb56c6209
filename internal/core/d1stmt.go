package core

import "context"

// D1PreparedStatement is a query plus its bound parameters. Bind returns a
// new statement so a prepared query can be reused with different values.
type D1PreparedStatement struct {
	runner D1Runner
	Query  string
	Args   []any
}

// NewD1PreparedStatement prepares query against runner.
func NewD1PreparedStatement(runner D1Runner, query string) *D1PreparedStatement {
	return &D1PreparedStatement{runner: runner, Query: query}
}

// Bind returns a copy of the statement with args as positional parameters.
func (s *D1PreparedStatement) Bind(args ...any) *D1PreparedStatement {
	return &D1PreparedStatement{
		runner: s.runner,
		Query:  s.Query,
		Args:   append([]any(nil), args...),
	}
}

// All runs the statement and returns every row.
func (s *D1PreparedStatement) All(ctx context.Context) (*D1Result, error) {
	return s.runner.RunStatement(ctx, s.Query, s.Args)
}

// Run runs the statement. It is All under another name, kept for callers
// that only care about the metadata.
func (s *D1PreparedStatement) Run(ctx context.Context) (*D1Result, error) {
	return s.runner.RunStatement(ctx, s.Query, s.Args)
}

// First returns the first row, or nil when the statement produced none.
func (s *D1PreparedStatement) First(ctx context.Context) (map[string]any, error) {
	res, err := s.runner.RunStatement(ctx, s.Query, s.Args)
	if err != nil {
		return nil, err
	}
	rows := res.Results()
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// FirstColumn returns the named column of the first row. ok is false when
// there is no row.
func (s *D1PreparedStatement) FirstColumn(ctx context.Context, column string) (value any, ok bool, err error) {
	row, err := s.First(ctx)
	if err != nil || row == nil {
		return nil, false, err
	}
	v, found := row[column]
	return v, found, nil
}

// Raw returns rows as positional arrays.
func (s *D1PreparedStatement) Raw(ctx context.Context) ([][]any, error) {
	res, err := s.runner.RunStatement(ctx, s.Query, s.Args)
	if err != nil {
		return nil, err
	}
	return res.Rows, nil
}
