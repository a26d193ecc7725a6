package executor

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for policy rejections. All wrap ErrPolicyRejected so
// callers can classify any rejection with a single errors.Is.
var (
	ErrPolicyRejected = errors.New("policy rejected")

	ErrBlocked          = fmt.Errorf("%w: blocked for security reasons", ErrPolicyRejected)
	ErrNotAllowed       = fmt.Errorf("%w: not available in sandbox", ErrPolicyRejected)
	ErrDangerousPattern = fmt.Errorf("%w: dangerous pattern", ErrPolicyRejected)
)

// dangerousPatterns are shell-metacharacter sequences that must never reach
// execution. The executor never invokes a shell on user input, so their
// presence can only mean an attempt to smuggle one in.
var dangerousPatterns = []string{">", "<", "|", "&", ";", "$(", "`"}

// Policy validates a requested command. The block list is consulted before
// the allow list, then every argument is scanned for metacharacters.
// Immutable after construction, safe for concurrent use.
type Policy struct {
	allowed map[string]struct{}
	blocked map[string]struct{}
}

// NewPolicy builds a policy from the configured lists. Matching is
// case-insensitive on the command name.
func NewPolicy(allowed, blocked []string) *Policy {
	p := &Policy{
		allowed: make(map[string]struct{}, len(allowed)),
		blocked: make(map[string]struct{}, len(blocked)),
	}
	for _, name := range allowed {
		p.allowed[strings.ToLower(name)] = struct{}{}
	}
	for _, name := range blocked {
		p.blocked[strings.ToLower(name)] = struct{}{}
	}
	return p
}

// Check validates the command name and every argument. The block list is
// checked first, so a name on both lists is always reported as blocked.
// Returns nil if the command may execute.
func (p *Policy) Check(command string, args []string) error {
	name := strings.ToLower(strings.TrimSpace(command))
	if name == "" {
		return fmt.Errorf("%w: empty command", ErrPolicyRejected)
	}

	if _, ok := p.blocked[name]; ok {
		return fmt.Errorf("command %q is %w", name, ErrBlocked)
	}
	if _, ok := p.allowed[name]; !ok {
		return fmt.Errorf("command %q is %w", name, ErrNotAllowed)
	}

	for _, part := range append([]string{command}, args...) {
		for _, pattern := range dangerousPatterns {
			if strings.Contains(part, pattern) {
				return fmt.Errorf("%w %q", ErrDangerousPattern, pattern)
			}
		}
	}
	return nil
}

// Allowed reports whether a tool name is on the allow list.
func (p *Policy) Allowed(name string) bool {
	_, ok := p.allowed[strings.ToLower(name)]
	return ok
}
