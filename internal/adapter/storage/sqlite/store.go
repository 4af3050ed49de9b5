// Package sqlite provides the default path-addressed state store: a single
// database file next to the run, suitable for compute nodes without any
// network services.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/halverson/pilot/internal/core/domain"
	"github.com/halverson/pilot/internal/core/port"
)

type store struct {
	db  *sql.DB
	log *zap.Logger
}

// Open creates or opens the database file at path and ensures the schema.
func Open(path string, log *zap.Logger) (port.StateStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// A single writer keeps the synchronous upsert contract trivial.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		task_json TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('pending','running','completed','failed')),
		result_json TEXT,
		created_at REAL NOT NULL,
		finished_at REAL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	log.Info("state store opened", zap.String("path", path))
	return &store{db: db, log: log}, nil
}

func (s *store) Save(ctx context.Context, task *domain.Task, status domain.TaskStatus) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", task.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, task_json, status, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   task_json = excluded.task_json,
		   status = excluded.status,
		   result_json = NULL,
		   finished_at = NULL`,
		task.ID, string(payload), string(status), unixSeconds(time.Now()))
	return err
}

func (s *store) SetStatus(ctx context.Context, id string, status domain.TaskStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ? WHERE id = ?`, string(status), id)
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
	var finished any
	if status == domain.TaskStatusCompleted || status == domain.TaskStatusFailed {
		finished = unixSeconds(time.Now())
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE tasks SET task_json = ?, status = ?, result_json = ?, finished_at = ? WHERE id = ?`,
		string(taskPayload), string(status), string(resultPayload), finished, task.ID)
	return err
}

func (s *store) All(ctx context.Context) ([]port.TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_json, status, result_json FROM tasks ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []port.TaskRecord
	for rows.Next() {
		var taskJSON, status string
		var resultJSON sql.NullString
		if err := rows.Scan(&taskJSON, &status, &resultJSON); err != nil {
			return nil, err
		}
		var rec port.TaskRecord
		if err := json.Unmarshal([]byte(taskJSON), &rec.Task); err != nil {
			return nil, fmt.Errorf("decode task record: %w", err)
		}
		rec.Status = domain.TaskStatus(status)
		if resultJSON.Valid && resultJSON.String != "" {
			var res domain.TaskResult
			if err := json.Unmarshal([]byte(resultJSON.String), &res); err != nil {
				return nil, fmt.Errorf("decode result for %s: %w", rec.Task.ID, err)
			}
			rec.Result = &res
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *store) Close() error {
	return s.db.Close()
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
