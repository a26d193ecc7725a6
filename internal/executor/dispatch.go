package executor

import "fmt"

// Mode states explicitly how a tool is executed. Every allow-listed tool is
// bound to exactly one mode; there is no implicit default that fabricates
// output for unknown tools.
type Mode string

const (
	// ModeSubprocess runs the real binary as a bounded process confined to
	// the sandbox tree. Reserved for tools whose blast radius is the
	// sandbox's own filesystem.
	ModeSubprocess Mode = "subprocess"

	// ModeStub answers deterministically from a safe responder. Used for
	// infrastructure-control tools: this service holds no cluster, cloud,
	// or remote-host credentials, so those tools never touch anything real.
	ModeStub Mode = "stub"
)

// StubFunc produces a deterministic response for an intercepted tool.
type StubFunc func(args []string) (stdout, stderr string, exitCode int)

// Tool binds a command name to its execution mode.
type Tool struct {
	Name string
	Mode Mode
	Stub StubFunc // set iff Mode == ModeStub
}

// DefaultTools is the capability table for the built-in allow list.
//
// Subprocess tools operate only on sandbox-local state. Stub tools are
// infrastructure-control operations; running them for real would require
// scoped credentials this service deliberately does not hold, so they are
// intercepted and answered without side effects.
func DefaultTools() map[string]Tool {
	table := make(map[string]Tool)
	for _, name := range []string{"git", "ls", "pwd", "cat", "grep", "find", "awk", "sed"} {
		table[name] = Tool{Name: name, Mode: ModeSubprocess}
	}
	for name, stub := range map[string]StubFunc{
		"docker":    stubDocker,
		"kubectl":   stubKubectl,
		"terraform": stubTerraform,
		"ansible":   stubAnsible,
		"curl":      stubCurl,
		"wget":      stubCurl,
		"ssh":       stubRemoteShell,
		"scp":       stubRemoteShell,
		"rsync":     stubRemoteShell,
	} {
		table[name] = Tool{Name: name, Mode: ModeStub, Stub: stub}
	}
	return table
}

// intercepted is the uniform trailer explaining why a stub answered.
func intercepted(tool string) string {
	return fmt.Sprintf("\n[%s intercepted by sanduku safe responder; no real infrastructure was contacted]", tool)
}
