package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/flowforge/enginecore/flow"
)

// MySQLStore is a Store backed by github.com/go-sql-driver/mysql. Unlike
// SQLiteStore, MySQL (as targeted by this driver) has no RETURNING clause,
// so DecrementPending uses SELECT ... FOR UPDATE inside a transaction.
type MySQLStore struct {
	db *sql.DB
}

// OpenMySQLStore opens (and migrates) a MySQLStore at the given DSN.
func OpenMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql: open: %w", err)
	}
	s := &MySQLStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *MySQLStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			execution_id VARCHAR(191) PRIMARY KEY,
			meta_json MEDIUMTEXT NOT NULL,
			dag_json MEDIUMTEXT NOT NULL,
			trigger_json MEDIUMTEXT NOT NULL,
			cancel_reason VARCHAR(255),
			cancel_by VARCHAR(255),
			retention_until BIGINT
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS node_states (
			execution_id VARCHAR(191) NOT NULL,
			node_id VARCHAR(191) NOT NULL,
			state_json MEDIUMTEXT NOT NULL,
			PRIMARY KEY (execution_id, node_id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS pending_counters (
			execution_id VARCHAR(191) NOT NULL,
			node_id VARCHAR(191) NOT NULL,
			count INT NOT NULL,
			PRIMARY KEY (execution_id, node_id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS outputs (
			execution_id VARCHAR(191) NOT NULL,
			node_id VARCHAR(191) NOT NULL,
			output_key VARCHAR(191) NOT NULL,
			value_json MEDIUMTEXT NOT NULL,
			PRIMARY KEY (execution_id, node_id, output_key)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS blobs (
			blob_id VARCHAR(191) PRIMARY KEY,
			data LONGBLOB NOT NULL
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			keyval VARCHAR(191) PRIMARY KEY,
			recorded_at BIGINT NOT NULL
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS scope_states (
			scope_key VARCHAR(191) PRIMARY KEY,
			data LONGBLOB NOT NULL,
			version BIGINT NOT NULL
		) ENGINE=InnoDB`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("mysql: migrate: %w", err)
		}
	}
	return nil
}

func (s *MySQLStore) Close() error { return s.db.Close() }

func (s *MySQLStore) InitExecution(ctx context.Context, meta flow.ExecutionMeta, dag *flow.DAG, triggerPayload map[string]any, retentionHint time.Duration) (flow.ExecutionMeta, error) {
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

func (s *MySQLStore) GetMeta(ctx context.Context, executionID string) (flow.ExecutionMeta, error) {
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

func (s *MySQLStore) PutMeta(ctx context.Context, meta flow.ExecutionMeta) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE executions SET meta_json = ? WHERE execution_id = ?`, string(metaJSON), meta.ExecutionID)
	return err
}

func (s *MySQLStore) GetDAG(ctx context.Context, executionID string) (*flow.DAG, error) {
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

func (s *MySQLStore) GetTriggerPayload(ctx context.Context, executionID string) (map[string]any, error) {
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

func (s *MySQLStore) GetNodeState(ctx context.Context, executionID, nodeID string) (flow.NodeState, error) {
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

func (s *MySQLStore) PutNodeState(ctx context.Context, executionID string, state flow.NodeState) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO node_states (execution_id, node_id, state_json) VALUES (?, ?, ?)
		 ON DUPLICATE KEY UPDATE state_json = VALUES(state_json)`,
		executionID, state.NodeID, string(stateJSON))
	return err
}

func (s *MySQLStore) SetNodeStatus(ctx context.Context, executionID, nodeID string, expected, next flow.NodeStatus) (CASResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CASResult{}, err
	}
	defer tx.Rollback()

	var stateJSON string
	err = tx.QueryRowContext(ctx, `SELECT state_json FROM node_states WHERE execution_id = ? AND node_id = ? FOR UPDATE`, executionID, nodeID).Scan(&stateJSON)
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
	if _, err := tx.ExecContext(ctx, `UPDATE node_states SET state_json = ? WHERE execution_id = ? AND node_id = ?`, string(newJSON), executionID, nodeID); err != nil {
		return CASResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return CASResult{}, err
	}
	return CASResult{OK: true, State: NodeStatusRecord{Status: next}}, nil
}

func (s *MySQLStore) InitPendingCounter(ctx context.Context, executionID, nodeID string, count int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_counters (execution_id, node_id, count) VALUES (?, ?, ?)
		 ON DUPLICATE KEY UPDATE count = VALUES(count)`,
		executionID, nodeID, count)
	return err
}

func (s *MySQLStore) DecrementPending(ctx context.Context, executionID, nodeID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var count int
	err = tx.QueryRowContext(ctx, `SELECT count FROM pending_counters WHERE execution_id = ? AND node_id = ? FOR UPDATE`, executionID, nodeID).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if count > 0 {
		count--
	}
	if _, err := tx.ExecContext(ctx, `UPDATE pending_counters SET count = ? WHERE execution_id = ? AND node_id = ?`, count, executionID, nodeID); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *MySQLStore) SetCancelled(ctx context.Context, executionID, reason, by string) (bool, error) {
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

func (s *MySQLStore) IsCancelled(ctx context.Context, executionID string) (bool, error) {
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

func (s *MySQLStore) IncrementCounter(ctx context.Context, executionID, field string) (flow.ExecutionMeta, error) {
	if _, err := counterColumn(field); err != nil {
		return flow.ExecutionMeta{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return flow.ExecutionMeta{}, err
	}
	defer tx.Rollback()

	var metaJSON string
	if err := tx.QueryRowContext(ctx, `SELECT meta_json FROM executions WHERE execution_id = ? FOR UPDATE`, executionID).Scan(&metaJSON); err != nil {
		if err == sql.ErrNoRows {
			return flow.ExecutionMeta{}, ErrNotFound
		}
		return flow.ExecutionMeta{}, err
	}
	var meta flow.ExecutionMeta
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return flow.ExecutionMeta{}, err
	}
	incrementField(&meta, field)
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

func (s *MySQLStore) PutOutput(ctx context.Context, executionID, nodeID, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}

	stored := value
	if len(raw) >= BlobThreshold {
		blobID := fmt.Sprintf("blob-%s-%s-%s", executionID, nodeID, key)
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO blobs (blob_id, data) VALUES (?, ?) ON DUPLICATE KEY UPDATE data = VALUES(data)`,
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
		 ON DUPLICATE KEY UPDATE value_json = VALUES(value_json)`,
		executionID, nodeID, key, string(storedJSON))
	return err
}

func (s *MySQLStore) GetOutputs(ctx context.Context, executionID, nodeID string) (map[string]any, error) {
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

func (s *MySQLStore) ResolveBinding(ctx context.Context, value any) (any, error) {
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

func (s *MySQLStore) CheckIdempotency(ctx context.Context, key string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM idempotency_keys WHERE keyval = ?`, key).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *MySQLStore) RecordIdempotency(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (keyval, recorded_at) VALUES (?, ?) ON DUPLICATE KEY UPDATE recorded_at = recorded_at`,
		key, time.Now().Unix())
	return err
}

func (s *MySQLStore) GetScopeState(ctx context.Context, scopeKey string) ([]byte, string, error) {
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

func (s *MySQLStore) CASScopeState(ctx context.Context, scopeKey, version string, data []byte) (string, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, err
	}
	defer tx.Rollback()

	var currentVersion int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM scope_states WHERE scope_key = ? FOR UPDATE`, scopeKey).Scan(&currentVersion)
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
		return "", false, fmt.Errorf("mysql: invalid scope state version %q", version)
	}
	if !exists || currentVersion != expected {
		return "", false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE scope_states SET data = ?, version = version + 1 WHERE scope_key = ?`,
		data, scopeKey); err != nil {
		return "", false, err
	}
	if err := tx.Commit(); err != nil {
		return "", false, err
	}
	return strconv.FormatInt(expected+1, 10), true, nil
}
