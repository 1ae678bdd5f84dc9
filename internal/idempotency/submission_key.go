package idempotency

import (
	"golang.org/x/crypto/sha3"

	"github.com/pass-dev/pass-server/internal/submission"
)

const submissionKeyPrefixV1 = "submission"

// SubmissionKeyV1 computes the canonical dedupe key for a dispatch
// message:
//
//	key = keccak256("submission" || timestamp || 0x00 || token)
//
// The broker delivers at least once; workers deduplicate on this key
// (or on the submission id when present).
func SubmissionKeyV1(id submission.Identity) [32]byte {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(submissionKeyPrefixV1))
	_, _ = h.Write([]byte(submission.FormatTime(id.UploadTime)))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(id.Token))

	sum := h.Sum(nil)
	var out [32]byte
	copy(out[:], sum)
	return out
}
