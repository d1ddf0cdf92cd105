package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/flowforge/enginecore/flow"
)

// SQLiteStore is a Store backed by modernc.org/sqlite (pure Go, no cgo).
// CAS transitions compare the status read inside a transaction, then use
// "UPDATE ... WHERE state_json = ?" (the row as read) plus a rows-affected
// check; pending-counter decrements use SQLite's RETURNING clause to read
// the post-decrement value atomically.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (and migrates) a SQLiteStore at the given DSN,
// e.g. "file:flow.db?_pragma=busy_timeout(5000)".
func OpenSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			execution_id TEXT PRIMARY KEY,
			meta_json TEXT NOT NULL,
			dag_json TEXT NOT NULL,
			trigger_json TEXT NOT NULL,
			cancel_reason TEXT,
			cancel_by TEXT,
			retention_until INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS node_states (
			execution_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			state_json TEXT NOT NULL,
			PRIMARY KEY (execution_id, node_id)
		)`,
		`CREATE TABLE IF NOT EXISTS pending_counters (
			execution_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			count INTEGER NOT NULL,
			PRIMARY KEY (execution_id, node_id)
		)`,
		`CREATE TABLE IF NOT EXISTS outputs (
			execution_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			output_key TEXT NOT NULL,
			value_json TEXT NOT NULL,
			PRIMARY KEY (execution_id, node_id, output_key)
		)`,
		`CREATE TABLE IF NOT EXISTS blobs (
			blob_id TEXT PRIMARY KEY,
			data BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			key TEXT PRIMARY KEY,
			recorded_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scope_states (
			scope_key TEXT PRIMARY KEY,
			data BLOB NOT NULL,
			version INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) InitExecution(ctx context.Context, meta flow.ExecutionMeta, dag *flow.DAG, triggerPayload map[string]any, retentionHint time.Duration) (flow.ExecutionMeta, error) {
	var existingJSON string
	err := s.db.QueryRowContext(ctx, `SELECT meta_json FROM executions WHERE execution_id = ?`, meta.ExecutionID).Scan(&existingJSON)
	if err == nil {
		var existing flow.ExecutionMeta
		if err := json.Unmarshal([]byte(existingJSON), &existing); err != nil {
			return flow.ExecutionMeta{}, err
		}
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return flow.ExecutionMeta{}, err
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return flow.ExecutionMeta{}, err
	}
	dagJSON, err := json.Marshal(dag)
	if err != nil {
		return flow.ExecutionMeta{}, err
	}
	triggerJSON, err := json.Marshal(triggerPayload)
	if err != nil {
		return flow.ExecutionMeta{}, err
	}
	retentionUntil := time.Now().Add(retentionHint).Unix()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (execution_id, meta_json, dag_json, trigger_json, retention_until) VALUES (?, ?, ?, ?, ?)`,
		meta.ExecutionID, string(metaJSON), string(dagJSON), string(triggerJSON), retentionUntil)
	if err != nil {
		return flow.ExecutionMeta{}, err
	}
	return meta, nil
}

func (s *SQLiteStore) GetMeta(ctx context.Context, executionID string) (flow.ExecutionMeta, error) {
	var metaJSON string
	err := s.db.QueryRowContext(ctx, `SELECT meta_json FROM executions WHERE execution_id = ?`, executionID).Scan(&metaJSON)
	if err == sql.ErrNoRows {
		return flow.ExecutionMeta{}, ErrNotFound
	}
	if err != nil {
		return flow.ExecutionMeta{}, err
	}
	var meta flow.ExecutionMeta
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return flow.ExecutionMeta{}, err
	}
	return meta, nil
}

func (s *SQLiteStore) PutMeta(ctx context.Context, meta flow.ExecutionMeta) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE executions SET meta_json = ? WHERE execution_id = ?`, string(metaJSON), meta.ExecutionID)
	return err
}

func (s *SQLiteStore) GetDAG(ctx context.Context, executionID string) (*flow.DAG, error) {
	var dagJSON string
	err := s.db.QueryRowContext(ctx, `SELECT dag_json FROM executions WHERE execution_id = ?`, executionID).Scan(&dagJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var dag flow.DAG
	if err := json.Unmarshal([]byte(dagJSON), &dag); err != nil {
		return nil, err
	}
	return &dag, nil
}

func (s *SQLiteStore) GetTriggerPayload(ctx context.Context, executionID string) (map[string]any, error) {
	var triggerJSON string
	err := s.db.QueryRowContext(ctx, `SELECT trigger_json FROM executions WHERE execution_id = ?`, executionID).Scan(&triggerJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(triggerJSON), &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (s *SQLiteStore) GetNodeState(ctx context.Context, executionID, nodeID string) (flow.NodeState, error) {
	var stateJSON string
	err := s.db.QueryRowContext(ctx, `SELECT state_json FROM node_states WHERE execution_id = ? AND node_id = ?`, executionID, nodeID).Scan(&stateJSON)
	if err == sql.ErrNoRows {
		return flow.NodeState{}, ErrNotFound
	}
	if err != nil {
		return flow.NodeState{}, err
	}
	var st flow.NodeState
	if err := json.Unmarshal([]byte(stateJSON), &st); err != nil {
		return flow.NodeState{}, err
	}
	return st, nil
}

func (s *SQLiteStore) PutNodeState(ctx context.Context, executionID string, state flow.NodeState) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO node_states (execution_id, node_id, state_json) VALUES (?, ?, ?)
		 ON CONFLICT(execution_id, node_id) DO UPDATE SET state_json = excluded.state_json`,
		executionID, state.NodeID, string(stateJSON))
	return err
}

func (s *SQLiteStore) SetNodeStatus(ctx context.Context, executionID, nodeID string, expected, next flow.NodeStatus) (CASResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CASResult{}, err
	}
	defer tx.Rollback()

	var stateJSON string
	err = tx.QueryRowContext(ctx, `SELECT state_json FROM node_states WHERE execution_id = ? AND node_id = ?`, executionID, nodeID).Scan(&stateJSON)
	if err == sql.ErrNoRows {
		return CASResult{}, ErrNotFound
	}
	if err != nil {
		return CASResult{}, err
	}
	var st flow.NodeState
	if err := json.Unmarshal([]byte(stateJSON), &st); err != nil {
		return CASResult{}, err
	}
	if st.Status != expected {
		return CASResult{OK: false, State: NodeStatusRecord{Status: st.Status}}, nil
	}
	st.Status = next
	newJSON, err := json.Marshal(st)
	if err != nil {
		return CASResult{}, err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE node_states SET state_json = ? WHERE execution_id = ? AND node_id = ? AND state_json = ?`,
		string(newJSON), executionID, nodeID, stateJSON)
	if err != nil {
		return CASResult{}, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return CASResult{}, err
	}
	if rows == 0 {
		return CASResult{OK: false, State: NodeStatusRecord{Status: st.Status}}, nil
	}
	if err := tx.Commit(); err != nil {
		return CASResult{}, err
	}
	return CASResult{OK: true, State: NodeStatusRecord{Status: next}}, nil
}

func (s *SQLiteStore) InitPendingCounter(ctx context.Context, executionID, nodeID string, count int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_counters (execution_id, node_id, count) VALUES (?, ?, ?)
		 ON CONFLICT(execution_id, node_id) DO UPDATE SET count = excluded.count`,
		executionID, nodeID, count)
	return err
}

func (s *SQLiteStore) DecrementPending(ctx context.Context, executionID, nodeID string) (int, error) {
	var post int
	err := s.db.QueryRowContext(ctx,
		`UPDATE pending_counters SET count = MAX(count - 1, 0) WHERE execution_id = ? AND node_id = ? RETURNING count`,
		executionID, nodeID).Scan(&post)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return post, err
}

func (s *SQLiteStore) SetCancelled(ctx context.Context, executionID, reason, by string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET cancel_reason = ?, cancel_by = ? WHERE execution_id = ? AND cancel_reason IS NULL`,
		reason, by, executionID)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (s *SQLiteStore) IsCancelled(ctx context.Context, executionID string) (bool, error) {
	var reason sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT cancel_reason FROM executions WHERE execution_id = ?`, executionID).Scan(&reason)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return reason.Valid, nil
}

func (s *SQLiteStore) IncrementCounter(ctx context.Context, executionID, field string) (flow.ExecutionMeta, error) {
	column, err := counterColumn(field)
	if err != nil {
		return flow.ExecutionMeta{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return flow.ExecutionMeta{}, err
	}
	defer tx.Rollback()

	var metaJSON string
	if err := tx.QueryRowContext(ctx, `SELECT meta_json FROM executions WHERE execution_id = ?`, executionID).Scan(&metaJSON); err != nil {
		if err == sql.ErrNoRows {
			return flow.ExecutionMeta{}, ErrNotFound
		}
		return flow.ExecutionMeta{}, err
	}
	var meta flow.ExecutionMeta
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return flow.ExecutionMeta{}, err
	}
	incrementField(&meta, column)
	newJSON, err := json.Marshal(meta)
	if err != nil {
		return flow.ExecutionMeta{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE executions SET meta_json = ? WHERE execution_id = ?`, string(newJSON), executionID); err != nil {
		return flow.ExecutionMeta{}, err
	}
	if err := tx.Commit(); err != nil {
		return flow.ExecutionMeta{}, err
	}
	return meta, nil
}

func counterColumn(field string) (string, error) {
	switch field {
	case "completedNodes", "failedNodes", "cancelledNodes", "skippedNodes":
		return field, nil
	default:
		return "", fmt.Errorf("store: unknown counter field %q", field)
	}
}

func incrementField(meta *flow.ExecutionMeta, field string) {
	switch field {
	case "completedNodes":
		meta.CompletedNodes++
	case "failedNodes":
		meta.FailedNodes++
	case "cancelledNodes":
		meta.CancelledNodes++
	case "skippedNodes":
		meta.SkippedNodes++
	}
}

func (s *SQLiteStore) PutOutput(ctx context.Context, executionID, nodeID, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}

	stored := value
	if len(raw) >= BlobThreshold {
		blobID := fmt.Sprintf("blob-%s-%s-%s", executionID, nodeID, key)
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO blobs (blob_id, data) VALUES (?, ?) ON CONFLICT(blob_id) DO UPDATE SET data = excluded.data`,
			blobID, raw); err != nil {
			return err
		}
		stored = map[string]any{BlobRefKey: blobID}
	}

	storedJSON, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO outputs (execution_id, node_id, output_key, value_json) VALUES (?, ?, ?, ?)
		 ON CONFLICT(execution_id, node_id, output_key) DO UPDATE SET value_json = excluded.value_json`,
		executionID, nodeID, key, string(storedJSON))
	return err
}

func (s *SQLiteStore) GetOutputs(ctx context.Context, executionID, nodeID string) (map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT output_key, value_json FROM outputs WHERE execution_id = ? AND node_id = ?`, executionID, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]any)
	found := false
	for rows.Next() {
		found = true
		var key, valueJSON string
		if err := rows.Scan(&key, &valueJSON); err != nil {
			return nil, err
		}
		var v any
		if err := json.Unmarshal([]byte(valueJSON), &v); err != nil {
			return nil, err
		}
		out[key] = v
	}
	if !found {
		return nil, ErrNotFound
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ResolveBinding(ctx context.Context, value any) (any, error) {
	blobID, ok := IsBlobRef(value)
	if !ok {
		return value, nil
	}
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM blobs WHERE blob_id = ?`, blobID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (s *SQLiteStore) CheckIdempotency(ctx context.Context, key string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM idempotency_keys WHERE key = ?`, key).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLiteStore) RecordIdempotency(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (key, recorded_at) VALUES (?, ?) ON CONFLICT(key) DO NOTHING`,
		key, time.Now().Unix())
	return err
}

func (s *SQLiteStore) GetScopeState(ctx context.Context, scopeKey string) ([]byte, string, error) {
	var data []byte
	var version int64
	err := s.db.QueryRowContext(ctx, `SELECT data, version FROM scope_states WHERE scope_key = ?`, scopeKey).Scan(&data, &version)
	if err == sql.ErrNoRows {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	return data, strconv.FormatInt(version, 10), nil
}

func (s *SQLiteStore) CASScopeState(ctx context.Context, scopeKey, version string, data []byte) (string, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, err
	}
	defer tx.Rollback()

	var currentVersion int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM scope_states WHERE scope_key = ?`, scopeKey).Scan(&currentVersion)
	exists := err == nil
	if err != nil && err != sql.ErrNoRows {
		return "", false, err
	}

	if version == "" {
		if exists {
			return "", false, nil
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO scope_states (scope_key, data, version) VALUES (?, ?, 1)`,
			scopeKey, data); err != nil {
			return "", false, err
		}
		if err := tx.Commit(); err != nil {
			return "", false, err
		}
		return "1", true, nil
	}

	expected, err := strconv.ParseInt(version, 10, 64)
	if err != nil {
		return "", false, fmt.Errorf("sqlite: invalid scope state version %q", version)
	}
	if !exists || currentVersion != expected {
		return "", false, nil
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE scope_states SET data = ?, version = version + 1 WHERE scope_key = ? AND version = ?`,
		data, scopeKey, expected)
	if err != nil {
		return "", false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return "", false, err
	}
	if rows == 0 {
		return "", false, nil
	}
	if err := tx.Commit(); err != nil {
		return "", false, err
	}
	return strconv.FormatInt(expected+1, 10), true, nil
}
