// Package identity carries the authenticated caller through the
// request path and resolves usernames against the user directory.
package identity

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/pass-dev/pass-server/internal/submission"
)

// Role is the caller's access level.
type Role uint8

const (
	RoleStudent Role = iota
	RoleStaff
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleStudent:
		return "student"
	case RoleStaff:
		return "staff"
	case RoleAdmin:
		return "admin"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(r))
	}
}

func ParseRole(s string) (Role, error) {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "student", "user":
		return RoleStudent, nil
	case "staff":
		return RoleStaff, nil
	case "admin":
		return RoleAdmin, nil
	default:
		return 0, fmt.Errorf("identity: unknown role %q", s)
	}
}

// RequestContext identifies the caller for one request. It is passed
// explicitly; nothing reads it from ambient state.
type RequestContext struct {
	UserID   int64
	Username string
	Role     Role
	// RequestID correlates audit records with log lines.
	RequestID string
}

// NewRequestContext builds a RequestContext with a fresh request id.
func NewRequestContext(userID int64, username string, role Role) RequestContext {
	return RequestContext{
		UserID:    userID,
		Username:  username,
		Role:      role,
		RequestID: uuid.NewString(),
	}
}

func (rc RequestContext) IsStaff() bool {
	return rc.Role == RoleStaff || rc.Role == RoleAdmin
}

func (rc RequestContext) IsAdmin() bool {
	return rc.Role == RoleAdmin
}

// Directory resolves usernames to registered participants. Unknown
// usernames are simply absent from the result; only lookup transport
// failures surface as errors.
type Directory interface {
	Lookup(ctx context.Context, usernames []string) (map[string]submission.Participant, error)
}

// MemoryDirectory is an in-memory Directory for tests and local runs.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]submission.Participant
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{users: make(map[string]submission.Participant)}
}

func (d *MemoryDirectory) Add(p submission.Participant) {
	d.mu.Lock()
	d.users[p.Username] = p
	d.mu.Unlock()
}

func (d *MemoryDirectory) Lookup(_ context.Context, usernames []string) (map[string]submission.Participant, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]submission.Participant, len(usernames))
	for _, name := range usernames {
		if p, ok := d.users[name]; ok {
			out[name] = p
		}
	}
	return out, nil
}

// Usernames returns the registered usernames sorted, for test output.
func (d *MemoryDirectory) Usernames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]string, 0, len(d.users))
	for name := range d.users {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
