// Package dispatch builds and publishes the broker messages that hand
// accepted submissions to the checker worker pool.
package dispatch

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pass-dev/pass-server/internal/idempotency"
	"github.com/pass-dev/pass-server/internal/submission"
)

// MessageVersion tags the wire schema. Workers reject versions they
// do not understand instead of guessing.
const MessageVersion = "submissions.dispatch.v1"

// DefaultTopic is where publishers send dispatch messages unless
// configured otherwise.
const DefaultTopic = "pass.submissions"

var ErrBadMessage = errors.New("dispatch: bad message")

// Message is the JSON payload handed to the broker. SubmissionID is
// nil only for legacy rows republished before the row existed.
type Message struct {
	Version      string `json:"version"`
	SubmissionID *int64 `json:"submission_id,omitempty"`
	User         string `json:"user"`
	Course       string `json:"course"`
	Assignment   string `json:"assignment"`
	Time         string `json:"time"`
	Token        string `json:"token"`
	DedupeKey    string `json:"dedupe_key"`
}

// NewMessage builds the dispatch message for a submission row.
func NewMessage(rec submission.Record, username string) Message {
	id := rec.Identity()
	key := idempotency.SubmissionKeyV1(id)

	var subID *int64
	if rec.ID > 0 {
		v := rec.ID
		subID = &v
	}
	return Message{
		Version:      MessageVersion,
		SubmissionID: subID,
		User:         username,
		Course:       rec.Course,
		Assignment:   rec.Assignment,
		Time:         submission.FormatTime(rec.UploadTime),
		Token:        rec.Token,
		DedupeKey:    hex.EncodeToString(key[:]),
	}
}

// Identity reconstructs the submission identity carried by the message.
func (m Message) Identity() (submission.Identity, error) {
	t, err := submission.ParseTime(m.Time)
	if err != nil {
		return submission.Identity{}, fmt.Errorf("%w: time: %v", ErrBadMessage, err)
	}
	if !submission.ValidToken(m.Token) {
		return submission.Identity{}, fmt.Errorf("%w: token %q", ErrBadMessage, m.Token)
	}
	return submission.Identity{UploadTime: t, Token: m.Token}, nil
}

func (m Message) validate() error {
	if m.Version != MessageVersion {
		return fmt.Errorf("%w: version %q", ErrBadMessage, m.Version)
	}
	if strings.TrimSpace(m.User) == "" {
		return fmt.Errorf("%w: missing user", ErrBadMessage)
	}
	if strings.TrimSpace(m.Course) == "" {
		return fmt.Errorf("%w: missing course", ErrBadMessage)
	}
	if strings.TrimSpace(m.Assignment) == "" {
		return fmt.Errorf("%w: missing assignment", ErrBadMessage)
	}
	if _, err := m.Identity(); err != nil {
		return err
	}
	if m.DedupeKey == "" {
		return fmt.Errorf("%w: missing dedupe key", ErrBadMessage)
	}
	return nil
}

// Encode validates the message and serializes it.
func (m Message) Encode() ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("dispatch: encode: %w", err)
	}
	return data, nil
}

// Decode parses and validates a wire payload.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	if err := m.validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
