package common

import (
	"github.com/google/uuid"
)

// NewJobID generates a unique job ID with the "job_" prefix
// Format: job_<uuid>
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// NewBulkID generates a unique bulk submission ID with the "bulk_" prefix
// Format: bulk_<uuid>
func NewBulkID() string {
	return "bulk_" + uuid.New().String()
}

// NewResultID generates a unique result ID with the "res_" prefix
// Format: res_<uuid>
func NewResultID() string {
	return "res_" + uuid.New().String()
}
