package intake

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/pass-dev/pass-server/internal/audit"
	"github.com/pass-dev/pass-server/internal/catalog"
	"github.com/pass-dev/pass-server/internal/identity"
	"github.com/pass-dev/pass-server/internal/manifest"
	"github.com/pass-dev/pass-server/internal/submission"
	"github.com/pass-dev/pass-server/internal/uploaddir"
)

type fakeAssignments struct {
	byKey map[string]catalog.Assignment
}

func (f *fakeAssignments) Assignment(_ context.Context, course, name string) (catalog.Assignment, error) {
	a, ok := f.byKey[course+"/"+name]
	if !ok {
		return catalog.Assignment{}, fmt.Errorf("%w: %q in course %q", catalog.ErrUnknownAssignment, name, course)
	}
	return a, nil
}

type fakePublisher struct {
	calls        int
	rec          submission.Record
	participants []submission.Participant
	id           int64
	err          error
}

func (f *fakePublisher) Publish(_ context.Context, _ identity.RequestContext, rec submission.Record, participants []submission.Participant) (int64, error) {
	f.calls++
	f.rec = rec
	f.participants = participants
	if f.err != nil {
		return f.id, f.err
	}
	return f.id, nil
}

func newTestService(t *testing.T) (*Service, *fakePublisher, uploaddir.Layout) {
	t.Helper()

	layout := uploaddir.Layout{
		UploadRoot:    t.TempDir(),
		CompletedRoot: t.TempDir(),
	}

	directory := identity.NewMemoryDirectory()
	directory.Add(submission.Participant{UserID: 7, Username: "vsmith", RegNum: "328756"})
	directory.Add(submission.Participant{UserID: 8, Username: "ajones", RegNum: "328757"})
	directory.Add(submission.Participant{UserID: 9, Username: "noreg", RegNum: ""})

	assignments := &fakeAssignments{byKey: map[string]catalog.Assignment{
		"CS101/hw1": {
			Name:              "hw1",
			RelPath:           true,
			MainFile:          "main.c",
			ResourceFiles:     []string{"input.txt"},
			ResultFiles:       []string{"output.txt"},
			AllowedBinaryExts: []string{"png"},
		},
		"CS101/flat": {
			Name: "flat",
		},
	}}

	pub := &fakePublisher{id: 42}
	svc := &Service{
		Assignments: assignments,
		Directory:   directory,
		Layout:      layout,
		Allocator:   uploaddir.NewAllocator(layout, nil),
		Publisher:   pub,
		Recorder:    audit.NewMemoryRecorder(),
		Timeout:     300,
	}
	return svc, pub, layout
}

func testRequestContext() identity.RequestContext {
	return identity.RequestContext{
		UserID:    7,
		Username:  "vsmith",
		Role:      identity.RoleStudent,
		RequestID: "req-1",
	}
}

func soloRequest() Request {
	return Request{
		Course:     "CS101",
		Assignment: "hw1",
		Agree:      true,
		Encoding:   "utf8",
		Members:    []string{"vsmith"},
		Files: []FileUpload{
			{Name: "main.c", Content: []byte("int main(void){return 0;}\n")},
			{Name: "util.c", SubPath: "src", Content: []byte("static int x;\n")},
		},
	}
}

func TestSubmitHappyPath(t *testing.T) {
	t.Parallel()

	svc, pub, _ := newTestService(t)
	res, err := svc.Submit(context.Background(), testRequestContext(), ModeStrict, soloRequest())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.SubmissionID != 42 {
		t.Fatalf("submission id = %d", res.SubmissionID)
	}
	if res.PublishPending {
		t.Fatalf("publish should have completed")
	}
	if len(res.Files) != 2 || !res.Files[0].Placed || !res.Files[1].Placed {
		t.Fatalf("file results = %+v", res.Files)
	}
	if res.Files[1].Path != "src/util.c" {
		t.Fatalf("sub-path file = %q", res.Files[1].Path)
	}

	if _, err := os.Stat(filepath.Join(res.Directory, "main.c")); err != nil {
		t.Fatalf("main.c not placed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(res.Directory, "src", "util.c")); err != nil {
		t.Fatalf("src/util.c not placed: %v", err)
	}

	m, err := manifest.Load(res.Directory, res.Identity.Token)
	if err != nil {
		t.Fatalf("Load manifest: %v", err)
	}
	if m.Course != "CS101" || m.Assignment != "hw1" || !m.Agree {
		t.Fatalf("manifest = %+v", m)
	}
	if m.PdfResult != "vsmith_hw1.pdf" {
		t.Fatalf("pdf result = %q", m.PdfResult)
	}
	if m.Timeout != 300 {
		t.Fatalf("timeout = %d", m.Timeout)
	}
	if m.BasePath == "" {
		t.Fatalf("base path should be set when sub-paths are used")
	}
	if len(m.Students) != 1 || m.Students[0].Username != "vsmith" || m.Students[0].RegNum != "328756" {
		t.Fatalf("students = %+v", m.Students)
	}
	if len(m.Files) != 2 {
		t.Fatalf("manifest files = %+v", m.Files)
	}
	if !m.SubmissionTime.Equal(res.Identity.UploadTime) {
		t.Fatalf("manifest time %v != identity time %v", m.SubmissionTime, res.Identity.UploadTime)
	}

	if pub.calls != 1 {
		t.Fatalf("publisher called %d times", pub.calls)
	}
	if pub.rec.Token != res.Identity.Token || pub.rec.UploadedBy != 7 {
		t.Fatalf("published record = %+v", pub.rec)
	}
	if len(pub.participants) != 1 {
		t.Fatalf("participants = %+v", pub.participants)
	}
}

func TestSubmitGroupMissingRegNum(t *testing.T) {
	t.Parallel()

	svc, pub, layout := newTestService(t)
	req := soloRequest()
	req.GroupNumber = 3
	req.Members = []string{"vsmith", "noreg", "ghost"}

	_, err := svc.Submit(context.Background(), testRequestContext(), ModeStrict, req)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if !verr.Has(ReasonMissingRegNum) {
		t.Fatalf("missing regnum not reported: %v", verr)
	}
	if !verr.Has(ReasonUnknownUser) {
		t.Fatalf("unknown user not reported: %v", verr)
	}

	var named bool
	for _, r := range verr.Rejections {
		if r.Reason == ReasonMissingRegNum && r.Subject == "noreg" {
			named = true
		}
	}
	if !named {
		t.Fatalf("rejection must name the member: %v", verr.Rejections)
	}

	if pub.calls != 0 {
		t.Fatalf("publisher must not run on validation failure")
	}
	entries, err := os.ReadDir(layout.UploadRoot)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("no directory may be created on validation failure, found %d", len(entries))
	}
}

func TestSubmitFileRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		file   FileUpload
		reason RejectReason
	}{
		{"forbidden binary", FileUpload{Name: "payload.exe"}, ReasonForbiddenBinary},
		{"banned image", FileUpload{Name: "shot.jpg"}, ReasonForbiddenBinary},
		{"a.out", FileUpload{Name: "a.out"}, ReasonForbiddenName},
		{"invalid characters", FileUpload{Name: "bad name!.c"}, ReasonInvalidName},
		{"two dots", FileUpload{Name: "x.tar.gz"}, ReasonInvalidName},
		{"resource clash", FileUpload{Name: "input.txt"}, ReasonResourceClash},
		{"result clash", FileUpload{Name: "output.txt"}, ReasonResultClash},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			svc, _, _ := newTestService(t)
			req := soloRequest()
			req.Files = append(req.Files, tc.file)

			_, err := svc.Submit(context.Background(), testRequestContext(), ModeStrict, req)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if !verr.Has(tc.reason) {
				t.Fatalf("expected %s in %v", tc.reason, verr)
			}
		})
	}
}

func TestSubmitAllowedBinaryAccepted(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)
	req := soloRequest()
	req.Files = append(req.Files, FileUpload{Name: "diagram.png", Content: []byte("png")})

	if _, err := svc.Submit(context.Background(), testRequestContext(), ModeStrict, req); err != nil {
		t.Fatalf("allow-listed binary rejected: %v", err)
	}
}

func TestSubmitDuplicateRelPath(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)
	req := soloRequest()
	req.Files = append(req.Files, FileUpload{Name: "main.c", Content: []byte("again")})

	_, err := svc.Submit(context.Background(), testRequestContext(), ModeStrict, req)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if !verr.Has(ReasonDuplicateFile) {
		t.Fatalf("duplicate not reported: %v", verr)
	}
}

func TestSubmitAgreementRequired(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)
	req := soloRequest()
	req.Agree = false

	_, err := svc.Submit(context.Background(), testRequestContext(), ModeStrict, req)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if !verr.Has(ReasonAgreementRequired) {
		t.Fatalf("agreement not reported: %v", verr)
	}
}

func TestSubmitSubPathRefusedWhenAssignmentFlat(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)
	req := soloRequest()
	req.Assignment = "flat"
	req.Files = []FileUpload{{Name: "main.c", SubPath: "src", Content: []byte("x")}}

	_, err := svc.Submit(context.Background(), testRequestContext(), ModeStrict, req)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if !verr.Has(ReasonBadSubPath) {
		t.Fatalf("bad sub-path not reported: %v", verr)
	}
}

func TestSubmitPublishFailureKeepsFiles(t *testing.T) {
	t.Parallel()

	svc, pub, _ := newTestService(t)
	pub.err = errors.New("broker down")

	res, err := svc.Submit(context.Background(), testRequestContext(), ModeStrict, soloRequest())
	if err == nil {
		t.Fatalf("expected publish failure")
	}
	if !res.PublishPending {
		t.Fatalf("publish pending not set: %+v", res)
	}
	if res.SubmissionID != 42 {
		t.Fatalf("submission id = %d", res.SubmissionID)
	}
	if _, statErr := os.Stat(res.Directory); statErr != nil {
		t.Fatalf("upload directory must survive a publish failure: %v", statErr)
	}
}

func TestSubmitUnknownAssignment(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)
	req := soloRequest()
	req.Assignment = "hw99"

	_, err := svc.Submit(context.Background(), testRequestContext(), ModeStrict, req)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if !verr.Has(ReasonUnknownAssignment) {
		t.Fatalf("unknown assignment not reported: %v", verr)
	}
}
