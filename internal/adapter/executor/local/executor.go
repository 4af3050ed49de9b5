// Package local executes task commands as isolated child processes on the
// node the pilot runs on, with per-task working directories, environment
// overlay, output capture and timeout enforcement.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/halverson/pilot/internal/core/domain"
)

const (
	stdoutName = "stdout.txt"
	stderrName = "stderr.txt"

	// EnvTaskID and EnvTaskDir are injected into every task's environment.
	EnvTaskID  = "PILOT_TASK_ID"
	EnvTaskDir = "PILOT_TASK_DIR"
)

// Executor runs one attempt per call under baseDir/<task-id>. The task
// directory is created lazily and reused across retries of the same id.
type Executor struct {
	baseDir string
	log     *zap.Logger
}

// New creates a local executor writing task directories under baseDir.
func New(baseDir string, log *zap.Logger) *Executor {
	return &Executor{baseDir: baseDir, log: log}
}

// Execute runs the task command through the shell and always returns a
// well-formed result: timeouts and launch faults become failed attempts
// with the reserved return code, never an engine fault.
func (e *Executor) Execute(ctx context.Context, task domain.Task) domain.TaskResult {
	start := time.Now()
	taskDir := filepath.Join(e.baseDir, task.ID)
	stdoutFile := filepath.Join(taskDir, stdoutName)
	stderrFile := filepath.Join(taskDir, stderrName)

	fault := func(err error) domain.TaskResult {
		e.log.Warn("task dispatch fault",
			zap.String("task_id", task.ID),
			zap.Error(err))
		appendDiagnostic(stderrFile, fmt.Sprintf("[pilot] %v", err))
		return domain.TaskResult{
			TaskID:     task.ID,
			Success:    false,
			ReturnCode: domain.ReturnCodeFault,
			Duration:   time.Since(start).Seconds(),
			StdoutFile: stdoutFile,
			StderrFile: stderrFile,
		}
	}

	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		return fault(fmt.Errorf("create task dir: %w", err))
	}

	workdir := task.Workdir
	if workdir == "" {
		workdir = taskDir
	}

	stdout, err := os.Create(stdoutFile)
	if err != nil {
		return fault(fmt.Errorf("open stdout: %w", err))
	}
	defer stdout.Close()
	stderr, err := os.Create(stderrFile)
	if err != nil {
		return fault(fmt.Errorf("open stderr: %w", err))
	}
	defer stderr.Close()

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout := task.Timeout(); timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", task.Command)
	cmd.Dir = workdir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Parent environment plus task overrides, plus the two identifying
	// variables exposed to the command.
	cmd.Env = os.Environ()
	for k, v := range task.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Env = append(cmd.Env, EnvTaskID+"="+task.ID, EnvTaskDir+"="+taskDir)
	// Child processes share the task's process group so a timeout kill
	// reaps the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	runErr := cmd.Run()
	duration := time.Since(start).Seconds()

	if runCtx.Err() == context.DeadlineExceeded {
		appendDiagnostic(stderrFile, fmt.Sprintf("[pilot] task timed out after %ds", task.TimeoutSec))
		return domain.TaskResult{
			TaskID:     task.ID,
			Success:    false,
			ReturnCode: domain.ReturnCodeFault,
			Duration:   duration,
			StdoutFile: stdoutFile,
			StderrFile: stderrFile,
		}
	}

	returncode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			returncode = exitErr.ExitCode()
		} else {
			// The process never produced an exit status.
			return fault(fmt.Errorf("start command: %w", runErr))
		}
	}

	return domain.TaskResult{
		TaskID:     task.ID,
		Success:    returncode == 0,
		ReturnCode: returncode,
		Duration:   duration,
		StdoutFile: stdoutFile,
		StderrFile: stderrFile,
	}
}

// appendDiagnostic adds a pilot diagnostic line to the capture file without
// clobbering output the task already produced.
func appendDiagnostic(path, line string) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "\n%s\n", line)
}
