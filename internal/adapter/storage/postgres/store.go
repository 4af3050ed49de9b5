// Package postgres implements the state store against PostgreSQL, for
// pilots whose allocation can reach a shared database.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	postgresql "github.com/halverson/pilot/config/storage/postgresql"
	"github.com/halverson/pilot/internal/core/domain"
	"github.com/halverson/pilot/internal/core/port"
)

type store struct {
	db  *postgresql.DB
	log *zap.Logger
}

// NewStateStore creates a PostgreSQL-backed state store. The schema is
// expected to be migrated already.
func NewStateStore(db *postgresql.DB, log *zap.Logger) port.StateStore {
	return &store{db: db, log: log}
}

func (s *store) Save(ctx context.Context, task *domain.Task, status domain.TaskStatus) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", task.ID, err)
	}
	query := `
		INSERT INTO tasks (id, task_json, status, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE SET
			task_json = EXCLUDED.task_json,
			status = EXCLUDED.status,
			result_json = NULL,
			finished_at = NULL
	`
	if _, err := s.db.Exec(ctx, query, task.ID, payload, string(status)); err != nil {
		s.log.Error("failed to save task", zap.String("task_id", task.ID), zap.Error(err))
		return err
	}
	return nil
}

func (s *store) SetStatus(ctx context.Context, id string, status domain.TaskStatus) error {
	sql, args, err := s.db.QueryBuilder.
		Update("tasks").
		Set("status", string(status)).
		Where("id = ?", id).
		ToSql()
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, sql, args...)
	return err
}

func (s *store) RecordAttempt(ctx context.Context, task *domain.Task, status domain.TaskStatus, result *domain.TaskResult) error {
	taskPayload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", task.ID, err)
	}
	resultPayload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result %s: %w", task.ID, err)
	}
	var finished *time.Time
	if status == domain.TaskStatusCompleted || status == domain.TaskStatusFailed {
		now := time.Now()
		finished = &now
	}
	sql, args, err := s.db.QueryBuilder.
		Update("tasks").
		Set("task_json", taskPayload).
		Set("status", string(status)).
		Set("result_json", resultPayload).
		Set("finished_at", finished).
		Where("id = ?", task.ID).
		ToSql()
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, sql, args...)
	return err
}

func (s *store) All(ctx context.Context) ([]port.TaskRecord, error) {
	sql, args, err := s.db.QueryBuilder.
		Select("task_json", "status", "result_json").
		From("tasks").
		OrderBy("created_at ASC").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []port.TaskRecord
	for rows.Next() {
		var taskJSON []byte
		var status string
		var resultJSON []byte
		if err := rows.Scan(&taskJSON, &status, &resultJSON); err != nil {
			return nil, err
		}
		var rec port.TaskRecord
		if err := json.Unmarshal(taskJSON, &rec.Task); err != nil {
			return nil, fmt.Errorf("decode task record: %w", err)
		}
		rec.Status = domain.TaskStatus(status)
		if len(resultJSON) > 0 {
			var res domain.TaskResult
			if err := json.Unmarshal(resultJSON, &res); err != nil {
				return nil, fmt.Errorf("decode result for %s: %w", rec.Task.ID, err)
			}
			rec.Result = &res
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *store) Close() error {
	s.db.Close()
	return nil
}
