package models

import "time"

type RelocationKind string

const (
	RelocationVideo  RelocationKind = "video"
	RelocationFolder RelocationKind = "folder"
)

// RelocationState tracks the two phases of a copy-then-delete move.
// A row in StateCopied has a confirmed destination and may only resume
// by deleting its source.
type RelocationState string

const (
	StatePending       RelocationState = "pending"
	StateCopied        RelocationState = "copied"
	StateSourceDeleted RelocationState = "source_deleted"
	StateNotFound      RelocationState = "not_found"
	StateFailed        RelocationState = "failed"
)

func (s RelocationState) Terminal() bool {
	return s == StateSourceDeleted || s == StateNotFound
}

type Relocation struct {
	ID          string          `json:"id"`
	VisitID     string          `json:"visitId"`
	Kind        RelocationKind  `json:"kind"`
	Bucket      string          `json:"bucket"`
	Source      string          `json:"source"`
	Destination string          `json:"destination"`
	State       RelocationState `json:"state"`
	// ResumeFrom is the state a failed row was in before it failed.
	ResumeFrom RelocationState `json:"resumeFrom,omitempty"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"lastError,omitempty"`
	URL        string          `json:"url,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}
