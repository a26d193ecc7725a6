// Package sandbox provides per-session isolated execution environments:
// a filesystem tree under a configured root, a sanitized environment, and a
// resource quota enforced on every process run inside it.
package sandbox

import "time"

// Quota is the resource ceiling applied to one invocation.
type Quota struct {
	MaxExecution   time.Duration `json:"max_execution_time"`
	MaxOutputBytes int           `json:"max_output_size"`
	MaxMemoryMB    int           `json:"max_memory_mb"`
	MaxCPUSeconds  int           `json:"max_cpu_seconds"`
	MaxProcesses   int           `json:"max_processes"`
}

// Sandbox is one session's isolated execution context.
type Sandbox struct {
	SessionID string            `json:"session_id"`
	Root      string            `json:"-"`
	WorkDir   string            `json:"working_directory"`
	Env       map[string]string `json:"environment_variables"`
	Quota     Quota             `json:"resource_limits"`
	Tools     []string          `json:"available_tools"`
	CreatedAt time.Time         `json:"created_at"`
}

// Environ renders the sandbox environment as KEY=VALUE pairs for exec.
func (s *Sandbox) Environ() []string {
	env := make([]string, 0, len(s.Env))
	for k, v := range s.Env {
		env = append(env, k+"="+v)
	}
	return env
}
