// Package sqlquery implements a reference Handler for "sql.query" nodes: a
// parameterized SELECT against a database/sql connection, grounded on the
// query patterns in flow/store's sqlite.go/mysql.go backends.
package sqlquery

import (
	"database/sql"
	"fmt"

	"github.com/flowforge/enginecore/flow"
	"github.com/flowforge/enginecore/flow/handler"
)

// NodeType is the handler type string registered for this handler.
const NodeType = "sql.query"

// MaxRows bounds the result set a single node execution may return,
// protecting the executor from unbounded memory growth on a bad query.
const MaxRows = 10_000

// Handler runs one parameterized query against db and returns its rows as
// a list of maps. Only SELECT-shaped statements are expected; the config's
// "query" field is never interpolated with input values — the "params"
// input supplies positional bind parameters instead, preventing
// injection via bound values.
type Handler struct {
	db *sql.DB
}

// New returns a Handler backed by db. Callers own db's lifecycle.
func New(db *sql.DB) *Handler {
	return &Handler{db: db}
}

func (h *Handler) ValidateConfig(config map[string]any) error {
	query, ok := config["query"].(string)
	if !ok || query == "" {
		return &handler.ValidationError{Field: "query", Reason: "required string"}
	}
	return nil
}

func (h *Handler) DeclareInputs() []handler.PortDecl {
	return []handler.PortDecl{{Name: "params"}}
}

func (h *Handler) DeclareOutputs() []handler.PortDecl {
	return []handler.PortDecl{{Name: "rows"}, {Name: "row_count"}}
}

func (h *Handler) Execute(hctx handler.HandlerContext) handler.Result {
	query, _ := hctx.NodeConfig["query"].(string)
	if query == "" {
		return handler.Failure(flow.ErrCodeInvalidBinding, "query config required", false)
	}

	args := bindParams(hctx.ResolvedInputs["params"])

	rows, err := h.db.QueryContext(hctx.Context, query, args...)
	if err != nil {
		retryable := hctx.Context.Err() == nil
		return handler.Failure("SQL_QUERY_FAILED", err.Error(), retryable)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return handler.Failure("SQL_QUERY_FAILED", err.Error(), false)
	}

	results := make([]any, 0, 16)
	for rows.Next() {
		if len(results) >= MaxRows {
			return handler.Failure("SQL_RESULT_TOO_LARGE", fmt.Sprintf("result set exceeds %d rows", MaxRows), false)
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return handler.Failure("SQL_QUERY_FAILED", err.Error(), false)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = normalizeSQLValue(values[i])
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return handler.Failure("SQL_QUERY_FAILED", err.Error(), true)
	}

	return handler.Success(map[string]any{"rows": results, "row_count": len(results)})
}

func bindParams(v any) []any {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	return list
}

// normalizeSQLValue converts driver-returned []byte (common for TEXT/BLOB
// columns in both sqlite and mysql drivers) to string so JSON-shaped node
// outputs don't leak raw byte slices.
func normalizeSQLValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
