package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SQLStore implements Store over database/sql. Timestamps are stored as
// unix microseconds and structured fields as JSON text, which keeps the
// SQLite and MySQL schemas interchangeable.
type SQLStore struct {
	db *sql.DB
}

// DB exposes the underlying handle for migrations and health checks.
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) CreateExecution(ctx context.Context, ex *Execution) error {
	trigger, err := jsonText(ex.TriggerData)
	if err != nil {
		return fmt.Errorf("journal: encoding trigger data: %w", err)
	}
	path, err := jsonText(ex.Path)
	if err != nil {
		return fmt.Errorf("journal: encoding path: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (
			id, workflow_id, workflow_name, environment, status,
			started_at, finished_at, trigger_mode, trigger_data,
			error_message, duration_ms, nodes_executed, nodes_skipped,
			nodes_failed, path
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.WorkflowID, ex.WorkflowName, ex.Environment, string(ex.Status),
		micros(ex.StartedAt), microsPtr(ex.FinishedAt), ex.TriggerMode, trigger,
		ex.ErrorMessage, ex.DurationMS, ex.NodesExecuted, ex.NodesSkipped,
		ex.NodesFailed, path)
	if err != nil {
		return fmt.Errorf("journal: insert execution: %w", err)
	}
	return nil
}

var terminalStatuses = []any{
	string(StatusSuccess), string(StatusError),
	string(StatusCanceled), string(StatusTimeout),
}

func (s *SQLStore) FinishExecution(ctx context.Context, ex *Execution) error {
	path, err := jsonText(ex.Path)
	if err != nil {
		return fmt.Errorf("journal: encoding path: %w", err)
	}
	args := []any{
		string(ex.Status), microsPtr(ex.FinishedAt), ex.ErrorMessage,
		ex.DurationMS, ex.NodesExecuted, ex.NodesSkipped, ex.NodesFailed,
		path, ex.ID,
	}
	args = append(args, terminalStatuses...)
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET
			status = ?, finished_at = ?, error_message = ?, duration_ms = ?,
			nodes_executed = ?, nodes_skipped = ?, nodes_failed = ?, path = ?
		WHERE id = ? AND status NOT IN (?, ?, ?, ?)`, args...)
	if err != nil {
		return fmt.Errorf("journal: finish execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var status string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM executions WHERE id = ?`, ex.ID).Scan(&status)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("journal: finish execution: %w", err)
		}
		return fmt.Errorf("journal: execution %s already finished", ex.ID)
	}
	return nil
}

func (s *SQLStore) CreateNodeExecution(ctx context.Context, ne *NodeExecution) error {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM executions WHERE id = ?`, ne.ExecutionID).Scan(&exists)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("journal: insert node execution: %w", err)
	}
	input, err := jsonText(ne.Input)
	if err != nil {
		return fmt.Errorf("journal: encoding node input: %w", err)
	}
	output, err := jsonText(ne.Output)
	if err != nil {
		return fmt.Errorf("journal: encoding node output: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO node_executions (
			id, execution_id, node_id, node_name, status, started_at,
			finished_at, input, output, error_message, retry_count,
			duration_ms, exec_order
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ne.ID, ne.ExecutionID, ne.NodeID, ne.NodeName, string(ne.Status),
		micros(ne.StartedAt), microsPtr(ne.FinishedAt), input, output,
		ne.ErrorMessage, ne.RetryCount, ne.DurationMS, ne.Order)
	if err != nil {
		return fmt.Errorf("journal: insert node execution: %w", err)
	}
	return nil
}

func (s *SQLStore) UpdateNodeExecution(ctx context.Context, ne *NodeExecution) error {
	input, err := jsonText(ne.Input)
	if err != nil {
		return fmt.Errorf("journal: encoding node input: %w", err)
	}
	output, err := jsonText(ne.Output)
	if err != nil {
		return fmt.Errorf("journal: encoding node output: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE node_executions SET
			status = ?, finished_at = ?, input = ?, output = ?,
			error_message = ?, retry_count = ?, duration_ms = ?, exec_order = ?
		WHERE id = ?`,
		string(ne.Status), microsPtr(ne.FinishedAt), input, output,
		ne.ErrorMessage, ne.RetryCount, ne.DurationMS, ne.Order, ne.ID)
	if err != nil {
		return fmt.Errorf("journal: update node execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) AppendLogs(ctx context.Context, entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("journal: append logs: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO execution_logs (
			id, execution_id, ts, seq, level, message, node_id, node_name, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("journal: append logs: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		meta, merr := jsonText(e.Metadata)
		if merr != nil {
			return fmt.Errorf("journal: encoding log metadata: %w", merr)
		}
		if _, err := stmt.ExecContext(ctx,
			e.ID, e.ExecutionID, micros(e.Timestamp), e.Seq, int(e.Level),
			e.Message, e.NodeID, e.NodeName, meta); err != nil {
			return fmt.Errorf("journal: append logs: %w", err)
		}
	}
	return tx.Commit()
}

const executionColumns = `
	id, workflow_id, workflow_name, environment, status, started_at,
	finished_at, trigger_mode, trigger_data, error_message, duration_ms,
	nodes_executed, nodes_skipped, nodes_failed, path`

func (s *SQLStore) Execution(ctx context.Context, id string, opts LoadOpts) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	ex, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("journal: load execution: %w", err)
	}
	if opts.WithNodes {
		if ex.Nodes, err = s.nodeRows(ctx, id); err != nil {
			return nil, err
		}
	}
	if opts.WithLogs {
		if ex.Logs, err = s.Logs(ctx, id, LevelTrace); err != nil {
			return nil, err
		}
	}
	return ex, nil
}

func (s *SQLStore) nodeRows(ctx context.Context, executionID string) ([]NodeExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, node_id, node_name, status, started_at,
			finished_at, input, output, error_message, retry_count,
			duration_ms, exec_order
		FROM node_executions
		WHERE execution_id = ?
		ORDER BY started_at, id`, executionID)
	if err != nil {
		return nil, fmt.Errorf("journal: load node executions: %w", err)
	}
	defer rows.Close()

	var out []NodeExecution
	for rows.Next() {
		var (
			ne            NodeExecution
			status        string
			started       int64
			finished      sql.NullInt64
			input, output sql.NullString
		)
		if err := rows.Scan(&ne.ID, &ne.ExecutionID, &ne.NodeID, &ne.NodeName,
			&status, &started, &finished, &input, &output, &ne.ErrorMessage,
			&ne.RetryCount, &ne.DurationMS, &ne.Order); err != nil {
			return nil, fmt.Errorf("journal: scan node execution: %w", err)
		}
		ne.Status = NodeStatus(status)
		ne.StartedAt = fromMicros(started)
		ne.FinishedAt = timePtr(finished)
		ne.Input = jsonValue(input)
		ne.Output = jsonValue(output)
		out = append(out, ne)
	}
	return out, rows.Err()
}

func (s *SQLStore) List(ctx context.Context, f Filter) ([]*Execution, int64, error) {
	where, args := filterClause(f)

	var total int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM executions`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("journal: count executions: %w", err)
	}

	query := `SELECT ` + executionColumns + ` FROM executions` + where +
		` ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, f.limit(), f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("journal: list executions: %w", err)
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("journal: scan execution: %w", err)
		}
		out = append(out, ex)
	}
	return out, total, rows.Err()
}

func (s *SQLStore) Recent(ctx context.Context, workflowID string, n int) ([]*Execution, error) {
	page, _, err := s.List(ctx, Filter{WorkflowID: workflowID, Limit: n})
	return page, err
}

func (s *SQLStore) Stats(ctx context.Context, workflowID string) (*Stats, error) {
	return s.stats(ctx, workflowID)
}

func (s *SQLStore) GlobalStats(ctx context.Context) (*Stats, error) {
	return s.stats(ctx, "")
}

func (s *SQLStore) stats(ctx context.Context, workflowID string) (*Stats, error) {
	where := ""
	var args []any
	if workflowID != "" {
		where = " WHERE workflow_id = ?"
		args = append(args, workflowID)
	}

	st := &Stats{}
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM executions`+where+` GROUP BY status`, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("journal: stats: %w", err)
		}
		st.Total += count
		switch Status(status) {
		case StatusSuccess:
			st.Succeeded += count
		case StatusError, StatusTimeout:
			st.Failed += count
		case StatusCanceled:
			st.Canceled += count
		default:
			st.Running += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: stats: %w", err)
	}

	durWhere := `status IN (?, ?, ?, ?)`
	durArgs := append([]any{}, terminalStatuses...)
	if workflowID != "" {
		durWhere += ` AND workflow_id = ?`
		durArgs = append(durArgs, workflowID)
	}
	var avg sql.NullFloat64
	var min, max sql.NullInt64
	err = s.db.QueryRowContext(ctx, `
		SELECT AVG(duration_ms), MIN(duration_ms), MAX(duration_ms)
		FROM executions WHERE `+durWhere, durArgs...).Scan(&avg, &min, &max)
	if err != nil {
		return nil, fmt.Errorf("journal: stats durations: %w", err)
	}
	st.AvgDurationMS = avg.Float64
	st.MinDurationMS = min.Int64
	st.MaxDurationMS = max.Int64

	var last sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(started_at) FROM executions`+where, args...).Scan(&last); err != nil {
		return nil, fmt.Errorf("journal: stats last execution: %w", err)
	}
	if last.Valid {
		t := fromMicros(last.Int64)
		st.LastExecution = &t
	}
	if terminal := st.Succeeded + st.Failed + st.Canceled; terminal > 0 {
		st.SuccessRate = float64(st.Succeeded) / float64(terminal)
	}
	return st, nil
}

func (s *SQLStore) Logs(ctx context.Context, executionID string, minLevel Level) ([]LogEntry, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM executions WHERE id = ?`, executionID).Scan(&exists)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("journal: load logs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, ts, seq, level, message, node_id, node_name, metadata
		FROM execution_logs
		WHERE execution_id = ? AND level >= ?
		ORDER BY ts, seq`, executionID, int(minLevel))
	if err != nil {
		return nil, fmt.Errorf("journal: load logs: %w", err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var (
			e     LogEntry
			ts    int64
			level int
			meta  sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.ExecutionID, &ts, &e.Seq, &level,
			&e.Message, &e.NodeID, &e.NodeName, &meta); err != nil {
			return nil, fmt.Errorf("journal: scan log: %w", err)
		}
		e.Timestamp = fromMicros(ts)
		e.Level = Level(level)
		if v := jsonValue(meta); v != nil {
			e.Metadata, _ = v.(map[string]any)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM executions WHERE started_at < ?`, micros(cutoff))
	if err != nil {
		return 0, fmt.Errorf("journal: purge: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	var (
		ex            Execution
		status        string
		started       int64
		finished      sql.NullInt64
		trigger, path sql.NullString
	)
	err := row.Scan(&ex.ID, &ex.WorkflowID, &ex.WorkflowName, &ex.Environment,
		&status, &started, &finished, &ex.TriggerMode, &trigger,
		&ex.ErrorMessage, &ex.DurationMS, &ex.NodesExecuted, &ex.NodesSkipped,
		&ex.NodesFailed, &path)
	if err != nil {
		return nil, err
	}
	ex.Status = Status(status)
	ex.StartedAt = fromMicros(started)
	ex.FinishedAt = timePtr(finished)
	if v := jsonValue(trigger); v != nil {
		ex.TriggerData, _ = v.(map[string]any)
	}
	if path.Valid && path.String != "" {
		_ = json.Unmarshal([]byte(path.String), &ex.Path)
	}
	return &ex, nil
}

func filterClause(f Filter) (string, []any) {
	var parts []string
	var args []any
	if f.WorkflowID != "" {
		parts = append(parts, "workflow_id = ?")
		args = append(args, f.WorkflowID)
	}
	if f.Status != "" {
		parts = append(parts, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Environment != "" {
		parts = append(parts, "environment = ?")
		args = append(args, f.Environment)
	}
	if !f.From.IsZero() {
		parts = append(parts, "started_at >= ?")
		args = append(args, micros(f.From))
	}
	if !f.To.IsZero() {
		parts = append(parts, "started_at <= ?")
		args = append(args, micros(f.To))
	}
	if len(parts) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(parts, " AND "), args
}

func micros(t time.Time) int64 { return t.UnixMicro() }

func microsPtr(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMicro(), Valid: true}
}

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMicros(v.Int64)
	return &t
}

// jsonText marshals v for a nullable JSON column.
func jsonText(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func jsonValue(v sql.NullString) any {
	if !v.Valid || v.String == "" {
		return nil
	}
	var out any
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return v.String
	}
	return out
}
