package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dreadew/taskiq-scheduler/internal/job"
)

// ExecutionUpdate is a partial update; nil fields are left unchanged.
type ExecutionUpdate struct {
	Status      *job.Status
	Attempt     *int
	Result      json.RawMessage
	ScheduledAt *time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
}

const executionColumns = `id,task_id,parameters,status,priority,attempt,result,broker_ref,prev_execution_id,
	scheduled_at,started_at,finished_at,created_at,updated_at`

// latestFields are the columns FindLatestExecution may filter on.
var latestFields = map[string]struct{}{
	"task_id":    {},
	"status":     {},
	"broker_ref": {},
}

func (s *SQLiteStorage) CreateExecution(ctx context.Context, e *job.Execution) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Status == "" {
		e.Status = job.StatusScheduled
	}
	if !job.ValidPriority(e.Priority) {
		return job.ErrInvalidPriority
	}
	params, err := json.Marshal(e.Params)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	now := s.now()
	if e.ScheduledAt.IsZero() {
		e.ScheduledAt = now
	}
	e.CreatedAt = now
	e.UpdatedAt = now
	return s.write(ctx, "create execution", func(q querier) error {
		_, err := q.ExecContext(ctx, `INSERT INTO task_executions(`+executionColumns+`)
			VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			e.ID, e.TaskID, string(params), e.Status, e.Priority, e.Attempt,
			nullString(string(e.Result)), nullString(e.BrokerRef), nullString(e.PrevExecutionID),
			ts(e.ScheduledAt), nullTS(e.StartedAt), nullTS(e.FinishedAt), ts(e.CreatedAt), ts(e.UpdatedAt))
		if err != nil {
			return fmt.Errorf("create execution: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStorage) GetExecution(ctx context.Context, id string) (*job.Execution, error) {
	row := s.q(ctx).QueryRowContext(ctx, `SELECT `+executionColumns+` FROM task_executions WHERE id = ?`, id)
	return scanExecution(row.Scan)
}

// GetExecutionForUpdate must run inside InTx. Transactions begin IMMEDIATE,
// so the row cannot change under the caller until commit.
func (s *SQLiteStorage) GetExecutionForUpdate(ctx context.Context, id string) (*job.Execution, error) {
	if _, ok := txFrom(ctx); !ok {
		return nil, errors.New("locked read outside transaction")
	}
	return s.GetExecution(ctx, id)
}

// UpdateExecution applies upd and returns the stored row. A status change must
// be a legal edge of the state machine; the write is conditional on the status
// read, so a concurrent transition makes it fail with job.ErrInvalidState.
func (s *SQLiteStorage) UpdateExecution(ctx context.Context, id string, upd ExecutionUpdate) (*job.Execution, error) {
	var out *job.Execution
	err := s.InTx(ctx, func(ctx context.Context) error {
		cur, err := s.GetExecution(ctx, id)
		if err != nil {
			return err
		}
		sets := []string{"updated_at = ?"}
		args := []any{ts(s.now())}
		if upd.Status != nil && *upd.Status != cur.Status {
			if !job.CanTransition(cur.Status, *upd.Status) {
				return fmt.Errorf("%w: %s -> %s", job.ErrInvalidState, cur.Status, *upd.Status)
			}
			sets = append(sets, "status = ?")
			args = append(args, *upd.Status)
		}
		if upd.Attempt != nil {
			sets = append(sets, "attempt = ?")
			args = append(args, *upd.Attempt)
		}
		if upd.Result != nil {
			sets = append(sets, "result = ?")
			args = append(args, string(upd.Result))
		}
		if upd.ScheduledAt != nil {
			sets = append(sets, "scheduled_at = ?")
			args = append(args, ts(*upd.ScheduledAt))
		}
		if upd.StartedAt != nil {
			sets = append(sets, "started_at = ?")
			args = append(args, ts(*upd.StartedAt))
		}
		if upd.FinishedAt != nil {
			sets = append(sets, "finished_at = ?")
			args = append(args, ts(*upd.FinishedAt))
		}
		args = append(args, id, cur.Status)
		res, err := s.q(ctx).ExecContext(ctx,
			`UPDATE task_executions SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status = ?`, args...)
		if err != nil {
			return fmt.Errorf("update execution: %w", err)
		}
		aff, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if aff == 0 {
			return fmt.Errorf("%w: execution %s changed concurrently", job.ErrInvalidState, id)
		}
		out, err = s.GetExecution(ctx, id)
		return err
	})
	return out, err
}

// SetBrokerRef records the queue reference. It is set once; a second call
// fails with job.ErrInvalidState.
func (s *SQLiteStorage) SetBrokerRef(ctx context.Context, id, ref string) error {
	return s.write(ctx, "set broker ref", func(q querier) error {
		res, err := q.ExecContext(ctx, `UPDATE task_executions SET broker_ref = ?, updated_at = ? WHERE id = ? AND broker_ref IS NULL`,
			ref, ts(s.now()), id)
		if err != nil {
			return fmt.Errorf("set broker ref: %w", err)
		}
		aff, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if aff == 1 {
			return nil
		}
		var n int
		if err := q.QueryRowContext(ctx, `SELECT COUNT(1) FROM task_executions WHERE id = ?`, id).Scan(&n); err != nil {
			return err
		}
		if n == 0 {
			return job.ErrNotFound
		}
		return fmt.Errorf("%w: broker reference already set", job.ErrInvalidState)
	})
}

// FindLatestExecution returns the most recently created execution whose field
// equals value, or job.ErrNotFound.
func (s *SQLiteStorage) FindLatestExecution(ctx context.Context, field, value string) (*job.Execution, error) {
	if _, ok := latestFields[field]; !ok {
		return nil, fmt.Errorf("find latest: unsupported field %q", field)
	}
	row := s.q(ctx).QueryRowContext(ctx, `SELECT `+executionColumns+` FROM task_executions
		WHERE `+field+` = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, value)
	return scanExecution(row.Scan)
}

// ListExecutions returns executions newest first; an empty status lists all.
func (s *SQLiteStorage) ListExecutions(ctx context.Context, status job.Status, limit int) ([]*job.Execution, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.q(ctx).QueryContext(ctx, `SELECT `+executionColumns+` FROM task_executions
			ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	} else {
		rows, err = s.q(ctx).QueryContext(ctx, `SELECT `+executionColumns+` FROM task_executions
			WHERE status = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`, status, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*job.Execution
	for rows.Next() {
		e, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// History walks the prev_execution chain starting at id, newest first.
func (s *SQLiteStorage) History(ctx context.Context, id string, limit int) ([]*job.Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []*job.Execution
	next := id
	for next != "" && len(out) < limit {
		e, err := s.GetExecution(ctx, next)
		if err != nil {
			if errors.Is(err, job.ErrNotFound) && len(out) > 0 {
				break
			}
			return nil, err
		}
		out = append(out, e)
		next = e.PrevExecutionID
	}
	return out, nil
}

func scanExecution(scan func(dest ...any) error) (*job.Execution, error) {
	e := &job.Execution{}
	var (
		params                          string
		result, brokerRef, prev         sql.NullString
		scheduledAt, createdAt, updated string
		startedAt, finishedAt           sql.NullString
	)
	if err := scan(&e.ID, &e.TaskID, &params, &e.Status, &e.Priority, &e.Attempt,
		&result, &brokerRef, &prev, &scheduledAt, &startedAt, &finishedAt, &createdAt, &updated); err != nil {
		return nil, notFound(err, job.ErrNotFound)
	}
	if err := json.Unmarshal([]byte(params), &e.Params); err != nil {
		return nil, fmt.Errorf("execution %s parameters: %w", e.ID, err)
	}
	if result.Valid {
		e.Result = json.RawMessage(result.String)
	}
	e.BrokerRef = brokerRef.String
	e.PrevExecutionID = prev.String

	var err error
	if e.ScheduledAt, err = parseTS(scheduledAt); err != nil {
		return nil, err
	}
	if e.CreatedAt, err = parseTS(createdAt); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = parseTS(updated); err != nil {
		return nil, err
	}
	if e.StartedAt, err = parseNullTS(startedAt); err != nil {
		return nil, err
	}
	if e.FinishedAt, err = parseNullTS(finishedAt); err != nil {
		return nil, err
	}
	return e, nil
}
