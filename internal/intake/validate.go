package intake

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/pass-dev/pass-server/internal/catalog"
	"github.com/pass-dev/pass-server/internal/submission"
	"github.com/pass-dev/pass-server/internal/uploaddir"
)

// RejectReason classifies one validation rejection.
type RejectReason uint8

const (
	ReasonBadRequest RejectReason = iota
	ReasonAgreementRequired
	ReasonUnknownAssignment
	ReasonGroupSizeMismatch
	ReasonUnknownUser
	ReasonMissingRegNum
	ReasonNoFiles
	ReasonResourceClash
	ReasonResultClash
	ReasonForbiddenName
	ReasonInvalidName
	ReasonForbiddenBinary
	ReasonDuplicateFile
	ReasonBadSubPath
)

func (r RejectReason) String() string {
	switch r {
	case ReasonBadRequest:
		return "bad request"
	case ReasonAgreementRequired:
		return "agreement required"
	case ReasonUnknownAssignment:
		return "unknown assignment"
	case ReasonGroupSizeMismatch:
		return "group size mismatch"
	case ReasonUnknownUser:
		return "unknown user"
	case ReasonMissingRegNum:
		return "missing registration number"
	case ReasonNoFiles:
		return "no files uploaded"
	case ReasonResourceClash:
		return "clashes with supplied file"
	case ReasonResultClash:
		return "clashes with result file"
	case ReasonForbiddenName:
		return "forbidden file name"
	case ReasonInvalidName:
		return "invalid characters in file name"
	case ReasonForbiddenBinary:
		return "binary file forbidden"
	case ReasonDuplicateFile:
		return "duplicate file"
	case ReasonBadSubPath:
		return "invalid sub-path"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(r))
	}
}

// Rejection is one reason a request (or one of its files or members)
// was refused. Subject names the file or username concerned.
type Rejection struct {
	Reason  RejectReason
	Subject string
	Detail  string
}

func (r Rejection) String() string {
	s := r.Reason.String()
	if r.Subject != "" {
		s = r.Subject + ": " + s
	}
	if r.Detail != "" {
		s += " (" + r.Detail + ")"
	}
	return s
}

// ValidationError collects every rejection for a request so the user
// sees all problems at once.
type ValidationError struct {
	Rejections []Rejection
}

func (e *ValidationError) Error() string {
	if len(e.Rejections) == 0 {
		return "intake: validation failed"
	}
	parts := make([]string, len(e.Rejections))
	for i, r := range e.Rejections {
		parts[i] = r.String()
	}
	return "intake: " + strings.Join(parts, "; ")
}

// Has reports whether any rejection carries the given reason.
func (e *ValidationError) Has(reason RejectReason) bool {
	for _, r := range e.Rejections {
		if r.Reason == reason {
			return true
		}
	}
	return false
}

var (
	fileNameRe     = regexp.MustCompile(`^[A-Za-z0-9_\-+]+(\.[A-Za-z0-9_\-+]+)?$`)
	forbiddenExtRe = regexp.MustCompile(`(?i)^(zip|exe|tar|gz|tgz|jar|a|ar|iso|bz2|lz|lz4|xz|7z|s7z|cab|class|o|png|jpg|jpeg|gif)$`)
)

// FileUpload is one file of a submission request. SubPath is relative
// to the upload directory; empty or "." means the root.
type FileUpload struct {
	Name     string
	SubPath  string
	Language string
	Content  []byte
}

// RelPath is the file's path inside the upload directory.
func (f FileUpload) RelPath() string {
	if f.SubPath == "" || f.SubPath == "." {
		return f.Name
	}
	return f.SubPath + "/" + f.Name
}

// Request is a submission intake request.
type Request struct {
	Course     string `validate:"required"`
	Assignment string `validate:"required"`
	Agree      bool
	Encoding   string `validate:"omitempty,oneof=utf8 ascii latin1"`

	// GroupNumber is the declared group size; Members must match it.
	GroupNumber int      `validate:"omitempty,min=1,max=50"`
	Members     []string `validate:"required,min=1,dive,required"`

	Files []FileUpload
}

var requestValidator = validator.New(validator.WithRequiredStructEnabled())

// validate runs every check and collects every rejection. It has no
// side effects; on success it returns the assignment definition and
// the resolved participants in member order.
func (s *Service) validate(ctx context.Context, req Request) (catalog.Assignment, []submission.Participant, *ValidationError) {
	verr := &ValidationError{}
	reject := func(reason RejectReason, subject, detail string) {
		verr.Rejections = append(verr.Rejections, Rejection{Reason: reason, Subject: subject, Detail: detail})
	}

	if err := requestValidator.Struct(req); err != nil {
		var fields validator.ValidationErrors
		if errors.As(err, &fields) {
			for _, fe := range fields {
				reject(ReasonBadRequest, fe.Field(), fe.Tag())
			}
		} else {
			reject(ReasonBadRequest, "", err.Error())
		}
		return catalog.Assignment{}, nil, verr
	}

	if !req.Agree {
		reject(ReasonAgreementRequired, "agree", "")
	}
	if req.GroupNumber > 0 && req.GroupNumber != len(req.Members) {
		reject(ReasonGroupSizeMismatch, "",
			fmt.Sprintf("group number %d, members supplied %d", req.GroupNumber, len(req.Members)))
	}
	if len(req.Files) == 0 {
		reject(ReasonNoFiles, "", "")
	}

	assignment, err := s.Assignments.Assignment(ctx, req.Course, req.Assignment)
	if err != nil {
		reject(ReasonUnknownAssignment, req.Course+"/"+req.Assignment, err.Error())
		return catalog.Assignment{}, nil, verr
	}

	participants := s.checkMembers(ctx, req.Members, reject)
	s.checkFiles(assignment, req.Files, reject)

	if len(verr.Rejections) > 0 {
		return catalog.Assignment{}, nil, verr
	}
	return assignment, participants, nil
}

// checkMembers resolves every member and names each one that is
// unknown or has no registration number.
func (s *Service) checkMembers(ctx context.Context, members []string, reject func(RejectReason, string, string)) []submission.Participant {
	found, err := s.Directory.Lookup(ctx, members)
	if err != nil {
		reject(ReasonBadRequest, "members", "user directory unavailable: "+err.Error())
		return nil
	}

	participants := make([]submission.Participant, 0, len(members))
	for _, username := range members {
		p, ok := found[username]
		if !ok {
			reject(ReasonUnknownUser, username,
				"check the spelling and ensure all group members have created an account")
			continue
		}
		if strings.TrimSpace(p.RegNum) == "" {
			reject(ReasonMissingRegNum, username, "")
			continue
		}
		participants = append(participants, p)
	}
	return participants
}

func (s *Service) checkFiles(assignment catalog.Assignment, files []FileUpload, reject func(RejectReason, string, string)) {
	seen := make(map[string]bool, len(files))

	for _, f := range files {
		name := f.Name
		rel := f.RelPath()

		if seen[rel] {
			reject(ReasonDuplicateFile, rel, "")
			continue
		}
		seen[rel] = true

		if f.SubPath != "" && f.SubPath != "." {
			switch {
			case !assignment.RelPath:
				reject(ReasonBadSubPath, rel, "assignment does not permit sub-directories")
			case !uploaddir.ValidSubPath(f.SubPath):
				reject(ReasonBadSubPath, rel, "")
			}
		}

		checkFileName(assignment, name, reject)
	}
}

// checkFileName applies the assignment's naming rules to one file
// base name. The first matching rule wins, as each rejection already
// forces resubmission.
func checkFileName(assignment catalog.Assignment, name string, reject func(RejectReason, string, string)) {
	if name == "" {
		return
	}
	for _, resource := range assignment.ResourceFiles {
		if resource == name {
			reject(ReasonResourceClash, name, "")
			return
		}
	}
	for _, result := range assignment.ResultFiles {
		if path.Base(result) == name {
			reject(ReasonResultClash, name, "")
			return
		}
	}
	if name == "a.out" {
		reject(ReasonForbiddenName, name, "")
		return
	}
	if !fileNameRe.MatchString(name) {
		reject(ReasonInvalidName, name, "")
	}

	ext := ""
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		ext = strings.ToLower(name[i+1:])
	}
	if ext == "" {
		return
	}
	if assignment.AllowsBinary(ext) {
		return
	}
	if forbiddenExtRe.MatchString(ext) {
		reject(ReasonForbiddenBinary, name, "."+ext)
	}
}
