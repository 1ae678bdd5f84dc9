package idempotency

import (
	"testing"
	"time"

	"github.com/pass-dev/pass-server/internal/submission"
)

func TestSubmissionKeyV1_Deterministic(t *testing.T) {
	id := submission.Identity{
		UploadTime: time.Date(2024, 3, 1, 14, 22, 51, 83_000_000, time.UTC),
		Token:      "a1b2c3d4e5",
	}
	if SubmissionKeyV1(id) != SubmissionKeyV1(id) {
		t.Fatal("same identity must produce the same key")
	}
	if SubmissionKeyV1(id) == ([32]byte{}) {
		t.Fatal("key must not be all zero")
	}
}

func TestSubmissionKeyV1_IdentitySensitivity(t *testing.T) {
	base := submission.Identity{
		UploadTime: time.Date(2024, 3, 1, 14, 22, 51, 83_000_000, time.UTC),
		Token:      "a1b2c3d4e5",
	}

	otherToken := base
	otherToken.Token = "a1b2c3d4e6"
	if SubmissionKeyV1(base) == SubmissionKeyV1(otherToken) {
		t.Fatal("token change must change the key")
	}

	otherTime := base
	otherTime.UploadTime = base.UploadTime.Add(time.Millisecond)
	if SubmissionKeyV1(base) == SubmissionKeyV1(otherTime) {
		t.Fatal("timestamp change must change the key")
	}

	// Equal instants in different zones render identically only when
	// the offset matches; the key follows the rendered form.
	sameInstant := base
	sameInstant.UploadTime = base.UploadTime.In(time.UTC)
	if SubmissionKeyV1(base) != SubmissionKeyV1(sameInstant) {
		t.Fatal("identical rendered timestamps must agree")
	}
}
