package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// RunRequest describes one bounded process execution.
type RunRequest struct {
	// Command is the program and arguments (e.g. ["git", "status"]).
	// Never interpreted by a shell.
	Command []string

	// Dir is the working directory. Must be inside a sandbox tree.
	Dir string

	// Env is the complete environment for the process. The runner never
	// inherits the host environment.
	Env []string

	// Timeout is the wall-clock limit. Zero means no deadline is added to ctx.
	Timeout time.Duration

	// Quota limits applied via ulimit in the wrapper.
	MaxOutputBytes int
	MaxMemoryMB    int
	MaxCPUSeconds  int
	MaxProcesses   int

	// Stdout and Stderr, when non-nil, receive output as it is produced
	// (after the output cap) in addition to the buffered capture.
	Stdout io.Writer
	Stderr io.Writer
}

// RunResult is the outcome of one bounded execution. A deadline hit is a
// result (TimedOut with partial output), not an error; errors mean the
// process could not be started or reaped at all.
type RunResult struct {
	Stdout          string
	Stderr          string
	StdoutTruncated bool
	StderrTruncated bool
	ExitCode        int
	Duration        time.Duration
	TimedOut        bool
	Usage           ResourceUsage
}

// ResourceUsage is the post-mortem resource snapshot of a reaped process.
type ResourceUsage struct {
	CPUTime     time.Duration `json:"cpu_time"`
	MaxRSSBytes int64         `json:"memory_peak_bytes"`
	BlockReads  int64         `json:"disk_reads"`
	BlockWrites int64         `json:"disk_writes"`
}

const truncationMarker = "\n[output truncated]"

// Runner executes commands as bounded, isolated OS processes.
//
// Guarantees:
//   - The process runs in its own process group (Setpgid)
//   - The entire group is SIGKILLed on timeout or cancellation, so no
//     descendant survives the invocation
//   - Memory, CPU time, and process count enforced via ulimit
//   - stdout/stderr capped at the output quota with an explicit marker
//   - Resource usage captured from the reaped process's rusage
type Runner struct {
	logger *slog.Logger
}

// NewRunner creates a process runner.
func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{logger: logger}
}

// Run executes the command and waits for it to be fully reaped.
func (r *Runner) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if len(req.Command) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	// The command is wrapped:
	//   sh -c 'ulimit ...; exec "$@"' _ cmd args...
	// Using exec "$@" with positional parameters prevents shell injection:
	// the caller's command is never interpolated into the shell string.
	// Non-positive quota values mean unlimited and emit no ulimit at all.
	var script strings.Builder
	if req.MaxMemoryMB > 0 {
		fmt.Fprintf(&script, "ulimit -v %d 2>/dev/null; ", req.MaxMemoryMB*1024)
	}
	if req.MaxCPUSeconds > 0 {
		fmt.Fprintf(&script, "ulimit -t %d 2>/dev/null; ", req.MaxCPUSeconds)
	}
	if req.MaxProcesses > 0 {
		fmt.Fprintf(&script, "ulimit -u %d 2>/dev/null; ", req.MaxProcesses)
	}
	script.WriteString("exec \"$@\"")
	args := make([]string, 0, 3+len(req.Command))
	args = append(args, "-c", script.String(), "_") // "_" is the $0 placeholder
	args = append(args, req.Command...)

	cmd := exec.CommandContext(ctx, "/bin/sh", args...)
	cmd.Dir = req.Dir
	cmd.Env = req.Env

	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	// Kill the entire process group on context cancellation so children
	// spawned by the command are terminated with it.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	limit := req.MaxOutputBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := newCappedWriter(&stdoutBuf, req.Stdout, limit)
	stderr := newCappedWriter(&stderrBuf, req.Stderr, limit)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	result := &RunResult{
		Duration:        duration,
		StdoutTruncated: stdout.truncated,
		StderrTruncated: stderr.truncated,
	}
	result.Usage = usageFromState(cmd)
	result.Stdout = finalize(stdoutBuf.String(), stdout.truncated)
	result.Stderr = finalize(stderrBuf.String(), stderr.truncated)

	if runErr != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			// Partial output is already captured; the group kill in
			// cmd.Cancel guarantees nothing is left running.
			r.logger.Warn("execution timed out",
				slog.Any("command", req.Command),
				slog.Duration("timeout", req.Timeout),
			)
			result.TimedOut = true
			result.ExitCode = -1
			return result, nil
		}

		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("executing %s: %w", req.Command[0], runErr)
		}
		// Non-zero exit is a result, not an error.
		result.ExitCode = exitErr.ExitCode()
	}

	r.logger.Debug("execution finished",
		slog.Any("command", req.Command),
		slog.Int("exit_code", result.ExitCode),
		slog.Duration("duration", duration),
	)
	return result, nil
}

// usageFromState extracts the rusage snapshot from the reaped process.
func usageFromState(cmd *exec.Cmd) ResourceUsage {
	ps := cmd.ProcessState
	if ps == nil {
		return ResourceUsage{}
	}
	usage := ResourceUsage{
		CPUTime: ps.UserTime() + ps.SystemTime(),
	}
	if ru, ok := ps.SysUsage().(*syscall.Rusage); ok && ru != nil {
		usage.MaxRSSBytes = ru.Maxrss * 1024 // Maxrss is in KiB on Linux
		usage.BlockReads = ru.Inblock
		usage.BlockWrites = ru.Oublock
	}
	return usage
}

func finalize(s string, truncated bool) string {
	if truncated {
		return s + truncationMarker
	}
	return s
}

// cappedWriter buffers up to limit bytes and remembers whether anything was
// dropped. An optional stream receives the same capped bytes as they arrive.
type cappedWriter struct {
	buf       *bytes.Buffer
	stream    io.Writer
	remaining int
	truncated bool
}

func newCappedWriter(buf *bytes.Buffer, stream io.Writer, limit int) *cappedWriter {
	return &cappedWriter{buf: buf, stream: stream, remaining: limit}
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if w.remaining <= 0 {
		w.truncated = true
		return n, nil // discard, but never error the producing process
	}
	if len(p) > w.remaining {
		p = p[:w.remaining]
		w.truncated = true
	}
	w.buf.Write(p)
	w.remaining -= len(p)
	if w.stream != nil {
		// Stream failures must not break capture; the buffered result is
		// authoritative.
		_, _ = w.stream.Write(p)
	}
	return n, nil
}
