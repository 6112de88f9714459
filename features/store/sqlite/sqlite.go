// Package sqlite implements the coordinator's per-run state stores on an
// embedded SQLite database. It exists for deployments that need runs to
// survive process restarts without standing up external infrastructure.
//
// The fan-in activation guarantee maps to a real UNIQUE(run_id, fan_in_path)
// constraint: TryActivate is an INSERT .. ON CONFLICT DO NOTHING whose
// affected-row count decides the race, so the at-most-one property holds even
// if multiple processes ever shared the file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"goa.design/weave/runtime/coordinator/ctxstore"
	"goa.design/weave/runtime/coordinator/store"
	"goa.design/weave/runtime/coordinator/token"
)

const schema = `
CREATE TABLE IF NOT EXISTS tokens (
	run_id           TEXT NOT NULL,
	id               TEXT NOT NULL,
	node_id          TEXT NOT NULL,
	status           TEXT NOT NULL,
	parent_token_id  TEXT NOT NULL DEFAULT '',
	path_id          TEXT NOT NULL DEFAULT '',
	sibling_group    TEXT NOT NULL DEFAULT '',
	branch_index     INTEGER NOT NULL DEFAULT 0,
	branch_total     INTEGER NOT NULL DEFAULT 1,
	iteration_counts TEXT NOT NULL DEFAULT '{}',
	attempt          INTEGER NOT NULL DEFAULT 0,
	arrived_at       INTEGER NOT NULL DEFAULT 0,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL,
	PRIMARY KEY (run_id, id)
);
CREATE INDEX IF NOT EXISTS tokens_by_group ON tokens (run_id, sibling_group);

CREATE TABLE IF NOT EXISTS run_context (
	run_id TEXT PRIMARY KEY,
	input  TEXT NOT NULL,
	state  TEXT NOT NULL,
	output TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS branch_tables (
	run_id   TEXT NOT NULL,
	token_id TEXT NOT NULL,
	output   TEXT,
	PRIMARY KEY (run_id, token_id)
);

CREATE TABLE IF NOT EXISTS fan_ins (
	run_id        TEXT NOT NULL,
	fan_in_path   TEXT NOT NULL,
	activated_by  TEXT NOT NULL,
	transition_id TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	UNIQUE (run_id, fan_in_path)
);

CREATE TABLE IF NOT EXISTS subworkflows (
	run_id          TEXT NOT NULL,
	parent_token_id TEXT NOT NULL,
	sub_run_id      TEXT NOT NULL,
	status          TEXT NOT NULL,
	timeout_ms      INTEGER NOT NULL DEFAULT 0,
	dispatched_at   INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, parent_token_id)
);

CREATE TABLE IF NOT EXISTS run_status (
	run_id TEXT PRIMARY KEY,
	status TEXT NOT NULL
);
`

// Stores implements store.Stores on a SQLite database. One Stores value
// serves one run; several runs may share a database file.
type Stores struct {
	db    *sql.DB
	runID string
	now   func() time.Time
}

// Open opens (creating if needed) the database at path and prepares the
// schema. Use ":memory:" for an ephemeral database.
func Open(path, runID string) (*Stores, error) {
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// The coordinator is a single writer; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare schema: %w", err)
	}
	return &Stores{db: db, runID: runID, now: time.Now}, nil
}

// Close closes the underlying database.
func (s *Stores) Close() error { return s.db.Close() }

// Tokens returns the token store.
func (s *Stores) Tokens() store.Tokens { return (*tokens)(s) }

// Context returns the context store.
func (s *Stores) Context() store.Context { return (*runContext)(s) }

// Branches returns the branch table store.
func (s *Stores) Branches() store.Branches { return (*branches)(s) }

// FanIns returns the fan-in record store.
func (s *Stores) FanIns() store.FanIns { return (*fanIns)(s) }

// Subworkflows returns the subworkflow record store.
func (s *Stores) Subworkflows() store.Subworkflows { return (*subs)(s) }

// Status returns the run status store.
func (s *Stores) Status() store.Status { return (*status)(s) }

type tokens Stores

func (s *tokens) Insert(ctx context.Context, tok token.Token) error {
	counts, err := json.Marshal(orEmptyCounts(tok.IterationCounts))
	if err != nil {
		return err
	}
	now := s.now().UnixNano()
	created := now
	if !tok.CreatedAt.IsZero() {
		created = tok.CreatedAt.UnixNano()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tokens (run_id, id, node_id, status, parent_token_id, path_id,
			sibling_group, branch_index, branch_total, iteration_counts, attempt,
			arrived_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.runID, tok.ID, tok.NodeID, string(tok.Status), tok.ParentTokenID, tok.PathID,
		tok.SiblingGroup, tok.BranchIndex, tok.BranchTotal, string(counts), tok.Attempt,
		unixOrZero(tok.ArrivedAt), created, now,
	)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", store.ErrTokenExists, tok.ID)
	}
	return err
}

func (s *tokens) Get(ctx context.Context, id string) (token.Token, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE run_id = ? AND id = ?`, s.runID, id)
	tok, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return token.Token{}, fmt.Errorf("%w: %s", store.ErrTokenNotFound, id)
	}
	return tok, err
}

func (s *tokens) Save(ctx context.Context, tok token.Token) error {
	counts, err := json.Marshal(orEmptyCounts(tok.IterationCounts))
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tokens SET node_id = ?, status = ?, parent_token_id = ?, path_id = ?,
			sibling_group = ?, branch_index = ?, branch_total = ?, iteration_counts = ?,
			attempt = ?, arrived_at = ?, updated_at = ?
		WHERE run_id = ? AND id = ?`,
		tok.NodeID, string(tok.Status), tok.ParentTokenID, tok.PathID,
		tok.SiblingGroup, tok.BranchIndex, tok.BranchTotal, string(counts),
		tok.Attempt, unixOrZero(tok.ArrivedAt), s.now().UnixNano(),
		s.runID, tok.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", store.ErrTokenNotFound, tok.ID)
	}
	return nil
}

func (s *tokens) List(ctx context.Context) ([]token.Token, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE run_id = ? ORDER BY id`, s.runID)
	if err != nil {
		return nil, err
	}
	return scanTokens(rows)
}

func (s *tokens) ListSiblings(ctx context.Context, siblingGroup string) ([]token.Token, error) {
	if siblingGroup == "" {
		return nil, errors.New("sibling group is required")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE run_id = ? AND sibling_group = ? ORDER BY branch_index`,
		s.runID, siblingGroup)
	if err != nil {
		return nil, err
	}
	return scanTokens(rows)
}

type runContext Stores

func (s *runContext) Init(ctx context.Context, input map[string]any) error {
	in, err := json.Marshal(orEmpty(input))
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO run_context (run_id, input, state, output)
		VALUES (?, ?, '{}', '{}')
		ON CONFLICT (run_id) DO NOTHING`,
		s.runID, string(in))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.New("context already initialized")
	}
	return nil
}

func (s *runContext) Snapshot(ctx context.Context) (*ctxstore.Context, error) {
	return s.load(ctx)
}

func (s *runContext) Set(ctx context.Context, path string, value any) error {
	wctx, err := s.load(ctx)
	if err != nil {
		return err
	}
	if !wctx.Set(path, value) {
		return fmt.Errorf("invalid context path %q", path)
	}
	st, err := json.Marshal(wctx.State)
	if err != nil {
		return err
	}
	out, err := json.Marshal(wctx.Output)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE run_context SET state = ?, output = ? WHERE run_id = ?`,
		string(st), string(out), s.runID)
	return err
}

func (s *runContext) load(ctx context.Context) (*ctxstore.Context, error) {
	var in, st, out string
	err := s.db.QueryRowContext(ctx,
		`SELECT input, state, output FROM run_context WHERE run_id = ?`, s.runID).
		Scan(&in, &st, &out)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrContextNotInitialized
	}
	if err != nil {
		return nil, err
	}
	wctx := &ctxstore.Context{}
	if err := json.Unmarshal([]byte(in), &wctx.Input); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(st), &wctx.State); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(out), &wctx.Output); err != nil {
		return nil, err
	}
	return wctx, nil
}

type branches Stores

func (s *branches) Init(ctx context.Context, tokenID string, _ map[string]any) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO branch_tables (run_id, token_id, output) VALUES (?, ?, NULL)
		ON CONFLICT (run_id, token_id) DO NOTHING`,
		s.runID, tokenID)
	return err
}

func (s *branches) Put(ctx context.Context, tokenID string, output map[string]any) error {
	out, err := json.Marshal(orEmpty(output))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO branch_tables (run_id, token_id, output) VALUES (?, ?, ?)
		ON CONFLICT (run_id, token_id) DO UPDATE SET output = excluded.output`,
		s.runID, tokenID, string(out))
	return err
}

func (s *branches) Get(ctx context.Context, tokenID string) (map[string]any, bool, error) {
	var out sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT output FROM branch_tables WHERE run_id = ? AND token_id = ?`,
		s.runID, tokenID).Scan(&out)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if !out.Valid {
		return nil, true, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(out.String), &m); err != nil {
		return nil, false, err
	}
	return m, true, nil
}

func (s *branches) Drop(ctx context.Context, tokenIDs []string) error {
	for _, id := range tokenIDs {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM branch_tables WHERE run_id = ? AND token_id = ?`,
			s.runID, id); err != nil {
			return err
		}
	}
	return nil
}

type fanIns Stores

func (s *fanIns) TryActivate(ctx context.Context, fanInPath, transitionID, tokenID string, now time.Time) (bool, error) {
	if fanInPath == "" || tokenID == "" {
		return false, errors.New("fan-in path and token id are required")
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO fan_ins (run_id, fan_in_path, activated_by, transition_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (run_id, fan_in_path) DO NOTHING`,
		s.runID, fanInPath, tokenID, transitionID, now.UnixNano())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *fanIns) Get(ctx context.Context, fanInPath string) (store.FanInRecord, bool, error) {
	var (
		rec store.FanInRecord
		at  int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT fan_in_path, activated_by, transition_id, created_at
		FROM fan_ins WHERE run_id = ? AND fan_in_path = ?`,
		s.runID, fanInPath).
		Scan(&rec.FanInPath, &rec.ActivatedBy, &rec.TransitionID, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return store.FanInRecord{}, false, nil
	}
	if err != nil {
		return store.FanInRecord{}, false, err
	}
	rec.RunID = s.runID
	rec.CreatedAt = time.Unix(0, at)
	return rec, true, nil
}

type subs Stores

func (s *subs) Register(ctx context.Context, rec store.SubworkflowRecord) error {
	if rec.ParentTokenID == "" || rec.SubworkflowRunID == "" {
		return errors.New("parent token id and subworkflow run id are required")
	}
	if rec.Status == "" {
		rec.Status = store.StatusSubRunning
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subworkflows (run_id, parent_token_id, sub_run_id, status, timeout_ms, dispatched_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, parent_token_id) DO UPDATE SET
			sub_run_id = excluded.sub_run_id,
			status = excluded.status,
			timeout_ms = excluded.timeout_ms,
			dispatched_at = excluded.dispatched_at`,
		s.runID, rec.ParentTokenID, rec.SubworkflowRunID, string(rec.Status),
		rec.Timeout.Milliseconds(), unixOrZero(rec.DispatchedAt))
	return err
}

func (s *subs) Get(ctx context.Context, parentTokenID string) (store.SubworkflowRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT parent_token_id, sub_run_id, status, timeout_ms, dispatched_at
		FROM subworkflows WHERE run_id = ? AND parent_token_id = ?`,
		s.runID, parentTokenID)
	rec, err := scanSub(row, s.runID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.SubworkflowRecord{}, false, nil
	}
	if err != nil {
		return store.SubworkflowRecord{}, false, err
	}
	return rec, true, nil
}

func (s *subs) SetStatus(ctx context.Context, parentTokenID string, st store.SubworkflowStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subworkflows SET status = ? WHERE run_id = ? AND parent_token_id = ?`,
		string(st), s.runID, parentTokenID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no subworkflow for token %s", parentTokenID)
	}
	return nil
}

func (s *subs) ListRunning(ctx context.Context) ([]store.SubworkflowRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT parent_token_id, sub_run_id, status, timeout_ms, dispatched_at
		FROM subworkflows WHERE run_id = ? AND status = ? ORDER BY parent_token_id`,
		s.runID, string(store.StatusSubRunning))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.SubworkflowRecord
	for rows.Next() {
		rec, err := scanSub(rows, s.runID)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type status Stores

func (s *status) Get(ctx context.Context) (store.RunStatus, error) {
	var st string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM run_status WHERE run_id = ?`, s.runID).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return store.RunStatus(st), nil
}

func (s *status) Set(ctx context.Context, st store.RunStatus) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_status (run_id, status) VALUES (?, ?)
		ON CONFLICT (run_id) DO UPDATE SET status = excluded.status`,
		s.runID, string(st))
	return err
}

const tokenColumns = `id, run_id, node_id, status, parent_token_id, path_id,
	sibling_group, branch_index, branch_total, iteration_counts, attempt,
	arrived_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (token.Token, error) {
	var (
		tok     token.Token
		st      string
		counts  string
		arrived int64
		created int64
		updated int64
	)
	err := row.Scan(&tok.ID, &tok.RunID, &tok.NodeID, &st, &tok.ParentTokenID, &tok.PathID,
		&tok.SiblingGroup, &tok.BranchIndex, &tok.BranchTotal, &counts, &tok.Attempt,
		&arrived, &created, &updated)
	if err != nil {
		return token.Token{}, err
	}
	tok.Status = token.Status(st)
	var m map[string]int
	if err := json.Unmarshal([]byte(counts), &m); err != nil {
		return token.Token{}, err
	}
	if len(m) > 0 {
		tok.IterationCounts = m
	}
	if arrived != 0 {
		tok.ArrivedAt = time.Unix(0, arrived)
	}
	tok.CreatedAt = time.Unix(0, created)
	tok.UpdatedAt = time.Unix(0, updated)
	return tok, nil
}

func scanTokens(rows *sql.Rows) ([]token.Token, error) {
	defer rows.Close()
	var out []token.Token
	for rows.Next() {
		tok, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tok)
	}
	return out, rows.Err()
}

func scanSub(row rowScanner, runID string) (store.SubworkflowRecord, error) {
	var (
		rec        store.SubworkflowRecord
		st         string
		timeoutMS  int64
		dispatched int64
	)
	err := row.Scan(&rec.ParentTokenID, &rec.SubworkflowRunID, &st, &timeoutMS, &dispatched)
	if err != nil {
		return store.SubworkflowRecord{}, err
	}
	rec.RunID = runID
	rec.Status = store.SubworkflowStatus(st)
	rec.Timeout = time.Duration(timeoutMS) * time.Millisecond
	if dispatched != 0 {
		rec.DispatchedAt = time.Unix(0, dispatched)
	}
	return rec, nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptyCounts(m map[string]int) map[string]int {
	if m == nil {
		return map[string]int{}
	}
	return m
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite surfaces constraint failures in the error text;
	// matching the SQLite error message keeps this driver-agnostic enough
	// for the single constraint we rely on here.
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
