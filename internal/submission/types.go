package submission

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// timeLayout matches the original upload naming scheme: second-level
// resolution plus milliseconds and a timezone offset, with no separator
// between seconds and milliseconds (e.g. 2024-03-01T142251083+0000).
const timeLayout = "2006-01-02T150405.000-0700"

const TokenLength = 10

var (
	dirNameRe = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}T\d{9}[+-]\d{4})_([a-z0-9]{10})$`)
	tokenRe   = regexp.MustCompile(`^[a-z0-9]{10}$`)
)

// Identity names one submission: the upload timestamp plus a short
// random token disambiguating submissions sharing a timestamp.
type Identity struct {
	UploadTime time.Time
	Token      string
}

// DirName renders the identity as its upload directory name,
// "{timestamp}_{token}".
func (id Identity) DirName() string {
	return FormatTime(id.UploadTime) + "_" + id.Token
}

func (id Identity) String() string {
	return id.DirName()
}

// ParseDirName parses a "{timestamp}_{token}" directory name.
func ParseDirName(name string) (Identity, error) {
	m := dirNameRe.FindStringSubmatch(name)
	if m == nil {
		return Identity{}, fmt.Errorf("submission: malformed directory name %q", name)
	}
	t, err := ParseTime(m[1])
	if err != nil {
		return Identity{}, err
	}
	return Identity{UploadTime: t, Token: m[2]}, nil
}

// ValidToken reports whether v is a well-formed submission token.
func ValidToken(v string) bool {
	return tokenRe.MatchString(v)
}

// FormatTime renders t in the submission timestamp format.
func FormatTime(t time.Time) string {
	s := t.Format(timeLayout)
	i := strings.IndexByte(s, '.')
	return s[:i] + s[i+1:]
}

// ParseTime parses a submission timestamp.
func ParseTime(v string) (time.Time, error) {
	// Reinstate the fractional-second separator dropped by FormatTime.
	const secondsEnd = len("2006-01-02T150405")
	if len(v) != len(timeLayout)-1 {
		return time.Time{}, fmt.Errorf("submission: malformed timestamp %q", v)
	}
	t, err := time.Parse(timeLayout, v[:secondsEnd]+"."+v[secondsEnd:])
	if err != nil {
		return time.Time{}, fmt.Errorf("submission: malformed timestamp %q: %w", v, err)
	}
	return t, nil
}

type Status uint8

const (
	StatusUnknown Status = iota
	StatusUploaded
	StatusQueued
	StatusProcessing
	StatusProcessed
)

func (s Status) String() string {
	switch s {
	case StatusUploaded:
		return "uploaded"
	case StatusQueued:
		return "queued"
	case StatusProcessing:
		return "processing"
	case StatusProcessed:
		return "processed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// ParseStatus maps a stored status label back to its enum value.
func ParseStatus(v string) (Status, error) {
	switch v {
	case "uploaded":
		return StatusUploaded, nil
	case "queued":
		return StatusQueued, nil
	case "processing":
		return StatusProcessing, nil
	case "processed":
		return StatusProcessed, nil
	default:
		return StatusUnknown, fmt.Errorf("submission: unknown status %q", v)
	}
}

// Record is one submissions-table row.
type Record struct {
	ID         int64
	Course     string
	Assignment string
	UploadTime time.Time
	Token      string
	Status     Status
	ExitCode   *int
	UploadedBy int64
}

// Identity derives the submission identity from the row.
func (r Record) Identity() Identity {
	return Identity{UploadTime: r.UploadTime, Token: r.Token}
}

// Participant is one member of a (possibly solo) project group.
type Participant struct {
	UserID   int64
	Username string
	RegNum   string
}

// Filter restricts List results. Zero values mean "any".
type Filter struct {
	Course     string
	Assignment string
	Statuses   []Status
	UploadedBy int64
	ExitCode   *int

	Limit  int
	Offset int
}
