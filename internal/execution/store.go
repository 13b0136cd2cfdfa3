package execution

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/mtaverner/toolgate/internal/tool"
)

const selectColumns = `
  id, tool_name, category, status, input_path, output_path, parameters, fingerprint,
  error_message, created_at, updated_at, completed_at, processing_time_seconds, retry_of`

// Store persists executions in SQLite. All status mutation goes through
// Transition, which is the sole synchronization point; no lock is held
// across I/O.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store on an already-bootstrapped database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new pending execution and returns it.
func (s *Store) Create(ctx context.Context, req CreateRequest) (*Execution, error) {
	if req.ToolName == "" {
		return nil, fmt.Errorf("tool name is empty")
	}
	if !req.Category.Valid() {
		return nil, fmt.Errorf("invalid category %q", req.Category)
	}
	if req.InputPath == "" {
		return nil, fmt.Errorf("input path is empty")
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	nowS := now.Format(time.RFC3339Nano)

	var paramsVal any
	if len(req.Parameters) > 0 {
		b, err := json.Marshal(req.Parameters)
		if err != nil {
			return nil, fmt.Errorf("marshal parameters: %w", err)
		}
		paramsVal = string(b)
	}

	fp := Fingerprint(req.ToolName, req.InputPath, req.Parameters)

	_, err := s.db.ExecContext(ctx, `
INSERT INTO tool_execution(
  id, tool_name, category, status, input_path, fingerprint, parameters,
  created_at, updated_at, retry_of
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, id, req.ToolName, string(req.Category), StatusPending, req.InputPath, fp, paramsVal, nowS, nowS, req.RetryOf)
	if err != nil {
		return nil, fmt.Errorf("insert execution: %w", err)
	}

	return &Execution{
		ID:          id,
		ToolName:    req.ToolName,
		Category:    req.Category,
		Status:      StatusPending,
		InputPath:   req.InputPath,
		Parameters:  req.Parameters,
		Fingerprint: fp,
		CreatedAt:   now,
		UpdatedAt:   now,
		RetryOf:     req.RetryOf,
	}, nil
}

// Get loads an execution by id.
func (s *Store) Get(ctx context.Context, id string) (*Execution, error) {
	if id == "" {
		return nil, fmt.Errorf("execution id is empty")
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT`+selectColumns+` FROM tool_execution WHERE id = ?;`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load execution: %w", err)
	}
	return e, nil
}

// Transition atomically moves an execution from fromExpected to to. It fails
// with ErrConflict if the edge is not in the state machine or if the record's
// current status is not fromExpected. Terminal bookkeeping (completed_at,
// processing_time_seconds, output_path, error_message) happens here and
// nowhere else.
func (s *Store) Transition(ctx context.Context, id string, fromExpected, to Status, fields TransitionFields) (*Execution, error) {
	if id == "" {
		return nil, fmt.Errorf("execution id is empty")
	}
	if !fromExpected.Valid() || !to.Valid() {
		return nil, fmt.Errorf("invalid status (from=%q to=%q)", fromExpected, to)
	}
	if !fromExpected.CanTransitionTo(to) {
		return nil, fmt.Errorf("%w: no edge %s -> %s", ErrConflict, fromExpected, to)
	}
	if to == StatusFailed && fields.ErrorMessage == "" {
		return nil, fmt.Errorf("transition to failed requires an error message")
	}
	if to == StatusCompleted && fields.OutputPath == "" {
		return nil, fmt.Errorf("transition to completed requires an output path")
	}

	// Read outside the transaction so the tx's first statement is the
	// guarded UPDATE; two writers then queue on the write lock instead of
	// deadlocking on a shared-to-reserved upgrade.
	var createdAtS string
	err := s.db.QueryRowContext(ctx,
		"SELECT created_at FROM tool_execution WHERE id = ?;", id).Scan(&createdAtS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load execution for transition: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	nowS := now.Format(time.RFC3339Nano)

	var res sql.Result
	if to.Terminal() {
		createdAt, perr := time.Parse(time.RFC3339Nano, createdAtS)
		if perr != nil {
			return nil, fmt.Errorf("parse created_at: %w", perr)
		}
		elapsed := now.Sub(createdAt).Seconds()

		outputPath := ""
		if to == StatusCompleted {
			outputPath = fields.OutputPath
		}
		errorMessage := ""
		if to == StatusFailed {
			errorMessage = fields.ErrorMessage
		}

		res, err = tx.ExecContext(ctx, `
UPDATE tool_execution
SET status = ?, output_path = ?, error_message = ?, updated_at = ?,
    completed_at = ?, processing_time_seconds = ?
WHERE id = ? AND status = ?;
`, to, outputPath, errorMessage, nowS, nowS, elapsed, id, fromExpected)
	} else {
		res, err = tx.ExecContext(ctx, `
UPDATE tool_execution
SET status = ?, updated_at = ?
WHERE id = ? AND status = ?;
`, to, nowS, id, fromExpected)
	}
	if err != nil {
		return nil, fmt.Errorf("apply transition: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		// The optimistic check lost: someone else moved the record first.
		return nil, fmt.Errorf("%w: execution %s is not %s", ErrConflict, id, fromExpected)
	}

	row := tx.QueryRowContext(ctx,
		`SELECT`+selectColumns+` FROM tool_execution WHERE id = ?;`, id)
	e, err := scanExecution(row)
	if err != nil {
		return nil, fmt.Errorf("reload execution: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return e, nil
}

// Retry creates a brand-new pending execution copying the parameters of a
// failed one. The old record is never reopened.
func (s *Store) Retry(ctx context.Context, id string) (*Execution, error) {
	orig, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if orig.Status != StatusFailed {
		return nil, fmt.Errorf("%w: only failed executions can be retried (status=%s)", ErrConflict, orig.Status)
	}
	return s.Create(ctx, CreateRequest{
		ToolName:   orig.ToolName,
		Category:   orig.Category,
		InputPath:  orig.InputPath,
		Parameters: orig.Parameters,
		RetryOf:    &orig.ID,
	})
}

// ListRecent returns up to limit executions, newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT`+selectColumns+` FROM tool_execution ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountActive returns the number of non-terminal executions.
func (s *Store) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM tool_execution WHERE status IN (?, ?);",
		StatusPending, StatusProcessing).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active executions: %w", err)
	}
	return n, nil
}

// Fingerprint derives a stable blake3 hash of a submission for duplicate
// detection. Parameters are serialized with sorted keys so equal maps hash
// equally.
func Fingerprint(toolName, inputPath string, params map[string]any) string {
	h := blake3.New()
	_, _ = h.Write([]byte(toolName))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(inputPath))
	_, _ = h.Write([]byte{0})

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = h.Write([]byte(k))
		_, _ = h.Write([]byte{'='})
		if b, err := json.Marshal(params[k]); err == nil {
			_, _ = h.Write(b)
		}
		_, _ = h.Write([]byte{0})
	}

	sum := h.Sum(nil)
	return hex.EncodeToString(sum)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	var (
		e              Execution
		category       string
		statusS        string
		paramsS        sql.NullString
		createdAtS     string
		updatedAtS     string
		completedAtS   sql.NullString
		processingSecs sql.NullFloat64
		retryOf        sql.NullString
	)
	err := row.Scan(
		&e.ID, &e.ToolName, &category, &statusS, &e.InputPath, &e.OutputPath, &paramsS,
		&e.Fingerprint, &e.ErrorMessage, &createdAtS, &updatedAtS, &completedAtS,
		&processingSecs, &retryOf,
	)
	if err != nil {
		return nil, err
	}

	e.Category = tool.Category(category)
	e.Status = Status(statusS)
	if paramsS.Valid && paramsS.String != "" {
		if err := json.Unmarshal([]byte(paramsS.String), &e.Parameters); err != nil {
			return nil, fmt.Errorf("decode parameters for execution %s: %w", e.ID, err)
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		e.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAtS); err == nil {
		e.UpdatedAt = t
	}
	if completedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedAtS.String); err == nil {
			e.CompletedAt = &t
		}
	}
	if processingSecs.Valid {
		e.ProcessingTimeSeconds = processingSecs.Float64
	}
	if retryOf.Valid {
		e.RetryOf = &retryOf.String
	}
	return &e, nil
}
