package models

import (
	"gorm.io/gorm"
)

type JobStatus string

const (
	JobStatusPending          JobStatus = "pending"
	JobStatusSubmitted        JobStatus = "submitted"
	JobStatusSucceeded        JobStatus = "succeeded"
	JobStatusFailed           JobStatus = "failed"
	JobStatusSubmissionFailed JobStatus = "submission_failed"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusSubmissionFailed:
		return true
	}
	return false
}

// Job is one image-to-3D conversion attempt.
type Job struct {
	gorm.Model
	UserID         uint      `json:"user_id" gorm:"not null;index"`
	Name           string    `json:"name"`
	SourceRef      string    `json:"source_ref"`
	ExternalTaskID string    `json:"external_task_id,omitempty"`
	Status         JobStatus `json:"status" gorm:"not null;default:'pending'"`
	Progress       int       `json:"progress"`
	ResultRef      string    `json:"result_ref,omitempty"`
	FailureReason  string    `json:"failure_reason,omitempty"`

	// Relationship
	User User `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
}
