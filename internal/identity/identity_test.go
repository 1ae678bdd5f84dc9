package identity

import (
	"context"
	"testing"

	"github.com/pass-dev/pass-server/internal/submission"
)

func TestParseRole(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Role
	}{
		{"student", RoleStudent},
		{"user", RoleStudent},
		{"Staff", RoleStaff},
		{" admin ", RoleAdmin},
	}
	for _, tc := range tests {
		got, err := ParseRole(tc.in)
		if err != nil {
			t.Fatalf("ParseRole(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseRole(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
	if _, err := ParseRole("superuser"); err == nil {
		t.Fatal("ParseRole(superuser): expected error")
	}
}

func TestRolePrivileges(t *testing.T) {
	t.Parallel()

	student := RequestContext{Role: RoleStudent}
	staff := RequestContext{Role: RoleStaff}
	admin := RequestContext{Role: RoleAdmin}

	if student.IsStaff() || student.IsAdmin() {
		t.Fatal("student must hold no staff or admin privilege")
	}
	if !staff.IsStaff() || staff.IsAdmin() {
		t.Fatal("staff must be staff but not admin")
	}
	if !admin.IsStaff() || !admin.IsAdmin() {
		t.Fatal("admin must hold both privileges")
	}
}

func TestMemoryDirectoryLookup(t *testing.T) {
	t.Parallel()

	d := NewMemoryDirectory()
	d.Add(submission.Participant{UserID: 7, Username: "vsmith", RegNum: "328756"})
	d.Add(submission.Participant{UserID: 8, Username: "ajones", RegNum: "328757"})

	got, err := d.Lookup(context.Background(), []string{"vsmith", "ghost"})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("lookup result = %+v", got)
	}
	if p := got["vsmith"]; p.UserID != 7 || p.RegNum != "328756" {
		t.Fatalf("vsmith = %+v", p)
	}
}

func TestNewRequestContextAssignsRequestID(t *testing.T) {
	t.Parallel()

	a := NewRequestContext(7, "vsmith", RoleStudent)
	b := NewRequestContext(7, "vsmith", RoleStudent)
	if a.RequestID == "" || a.RequestID == b.RequestID {
		t.Fatalf("request ids = %q, %q", a.RequestID, b.RequestID)
	}
}
