package domain

import "github.com/holiman/uint256"

// JobType is the kind of request an external app queued for the wallet.
type JobType string

const (
	JobTransaction JobType = "transaction"
	JobSign        JobType = "sign"
)

// IsValid checks if the job type is a valid value.
func (t JobType) IsValid() bool {
	return t == JobTransaction || t == JobSign
}

// Job is a signing or transfer request waiting for the user.
type Job struct {
	Type      JobType      `json:"type"`
	Target    Address      `json:"target,omitempty"`
	Amount    *uint256.Int `json:"amount,omitempty"`
	Text      string       `json:"text,omitempty"`
	Payload   []byte       `json:"payload,omitempty"`
	StateInit []byte       `json:"stateInit,omitempty"`
	ExpiresAt int64        `json:"expiresAt"` // unix seconds
}

// JobState is the currently pending job, if any. Raw keeps the signed job envelope so it
// can be answered later.
type JobState struct {
	Job *Job   `json:"job,omitempty"`
	Raw string `json:"raw,omitempty"`
}

// Empty reports whether there is no pending job.
func (s *JobState) Empty() bool {
	return s == nil || s.Job == nil
}
