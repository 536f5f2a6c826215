package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/dreadew/taskiq-scheduler/internal/job"
)

func (s *SQLiteStorage) CreateTask(ctx context.Context, t *job.Task) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if !job.ValidPriority(t.DefaultPriority) {
		return job.ErrInvalidPriority
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	return s.write(ctx, "create task", func(q querier) error {
		_, err := q.ExecContext(ctx, `INSERT INTO tasks(id,key,default_priority,created_at) VALUES(?,?,?,?)`,
			t.ID, t.Key, t.DefaultPriority, ts(t.CreatedAt))
		if err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStorage) GetTask(ctx context.Context, id string) (*job.Task, error) {
	row := s.q(ctx).QueryRowContext(ctx, `SELECT id,key,default_priority,created_at FROM tasks WHERE id = ?`, id)
	return scanTask(row.Scan)
}

// FindTaskByKey returns job.ErrTaskNotFound when no task carries key.
func (s *SQLiteStorage) FindTaskByKey(ctx context.Context, key string) (*job.Task, error) {
	row := s.q(ctx).QueryRowContext(ctx, `SELECT id,key,default_priority,created_at FROM tasks WHERE key = ?`, key)
	return scanTask(row.Scan)
}

func scanTask(scan func(dest ...any) error) (*job.Task, error) {
	t := &job.Task{}
	var createdAt string
	if err := scan(&t.ID, &t.Key, &t.DefaultPriority, &createdAt); err != nil {
		return nil, notFound(err, job.ErrTaskNotFound)
	}
	c, err := parseTS(createdAt)
	if err != nil {
		return nil, fmt.Errorf("task %s created_at: %w", t.ID, err)
	}
	t.CreatedAt = c
	return t, nil
}
