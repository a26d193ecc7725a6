package executor

import (
	"errors"
	"testing"
)

func testPolicy() *Policy {
	return NewPolicy(
		[]string{"git", "ls", "cat", "docker", "rm"},
		[]string{"rm", "sudo", "chmod"},
	)
}

func TestCheck_Allowed(t *testing.T) {
	p := testPolicy()

	tests := []struct {
		command string
		args    []string
	}{
		{"git", []string{"status"}},
		{"ls", []string{"-la", "/workspace"}},
		{"cat", []string{"notes.txt"}},
		{"GIT", nil}, // case-insensitive
	}
	for _, tc := range tests {
		if err := p.Check(tc.command, tc.args); err != nil {
			t.Errorf("Check(%q, %v) = %v, want nil", tc.command, tc.args, err)
		}
	}
}

func TestCheck_Blocked(t *testing.T) {
	p := testPolicy()

	for _, command := range []string{"sudo", "chmod", "SUDO", " sudo "} {
		err := p.Check(command, nil)
		if !errors.Is(err, ErrBlocked) {
			t.Errorf("Check(%q) = %v, want ErrBlocked", command, err)
		}
	}
}

func TestCheck_BlockListWins(t *testing.T) {
	p := testPolicy()

	// rm is on both lists; the block list is consulted first.
	err := p.Check("rm", []string{"-rf", "stuff"})
	if !errors.Is(err, ErrBlocked) {
		t.Errorf("Check(rm) = %v, want ErrBlocked", err)
	}
}

func TestCheck_NotAllowed(t *testing.T) {
	p := testPolicy()

	for _, command := range []string{"python", "bash", "nc"} {
		err := p.Check(command, nil)
		if !errors.Is(err, ErrNotAllowed) {
			t.Errorf("Check(%q) = %v, want ErrNotAllowed", command, err)
		}
	}
}

func TestCheck_DangerousPatterns(t *testing.T) {
	p := testPolicy()

	tests := []struct {
		name string
		args []string
	}{
		{"redirect", []string{"log", ">", "/etc/passwd"}},
		{"pipe", []string{"file.txt", "|", "sh"}},
		{"subshell", []string{"$(whoami)"}},
		{"backtick", []string{"`id`"}},
		{"semicolon", []string{"a;b"}},
		{"background", []string{"task&"}},
		{"embedded redirect", []string{"2>err.log"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := p.Check("cat", tc.args)
			if !errors.Is(err, ErrDangerousPattern) {
				t.Errorf("Check(cat, %v) = %v, want ErrDangerousPattern", tc.args, err)
			}
		})
	}
}

func TestCheck_AllRejectionsWrapPolicyRejected(t *testing.T) {
	p := testPolicy()

	for _, tc := range []struct {
		command string
		args    []string
	}{
		{"", nil},
		{"sudo", nil},
		{"python", nil},
		{"cat", []string{"a|b"}},
	} {
		err := p.Check(tc.command, tc.args)
		if !errors.Is(err, ErrPolicyRejected) {
			t.Errorf("Check(%q, %v) = %v, want ErrPolicyRejected", tc.command, tc.args, err)
		}
	}
}

func TestAllowed(t *testing.T) {
	p := testPolicy()
	if !p.Allowed("git") || !p.Allowed("Git") {
		t.Error("git should be allowed")
	}
	if p.Allowed("python") {
		t.Error("python should not be allowed")
	}
}
