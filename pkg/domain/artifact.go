package domain

import (
	"fmt"
	"strings"
	"time"
)

// ArtifactKey identifies one version of one artifact.
type ArtifactKey struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

// String returns the normalized identity used for deduplication.
// Artifact ids and versions are compared case-insensitively.
func (k ArtifactKey) String() string {
	return fmt.Sprintf("%s/%s",
		strings.ToLower(strings.TrimSpace(k.ID)),
		strings.ToLower(strings.TrimSpace(k.Version)))
}

// Validate checks that both parts of the key are present.
func (k ArtifactKey) Validate() error {
	if strings.TrimSpace(k.ID) == "" {
		return fmt.Errorf("%w: artifact id is required", ErrInvalidSubmission)
	}
	if strings.TrimSpace(k.Version) == "" {
		return fmt.Errorf("%w: artifact version is required", ErrInvalidSubmission)
	}
	return nil
}

// Submission is a request to validate an artifact.
type Submission struct {
	Artifact    ArtifactKey `json:"artifact"`
	Source      string      `json:"source,omitempty"`
	SubmittedAt time.Time   `json:"submitted_at"`
}
