// Package jobs generates the identifiers of a preparation run and its jobs.
package jobs

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// JobIDPrefix starts every batch job id.
const JobIDPrefix = "batch-"

// runTokenLayout renders a run token as a compact UTC timestamp.
const runTokenLayout = "20060102T150405"

var runTokenPattern = regexp.MustCompile(`^[A-Za-z0-9-]{1,64}$`)

// GenerateID creates a new random job id with the given prefix. The prefix
// should include a trailing dash, e.g. "batch-".
func GenerateID(prefix string) string {
	return prefix + uuid.NewString()
}

// NewJobID returns a new batch job id.
func NewJobID() string {
	return GenerateID(JobIDPrefix)
}

// FolderJobID returns the job id of the chunk staged at folder. The id is
// a name-based UUID, so preparing the same run again addresses the same
// job records.
func FolderJobID(folder string) string {
	return JobIDPrefix + uuid.NewSHA1(uuid.NameSpaceURL, []byte("media-batch:"+folder)).String()
}

// NewRunToken returns the token shared by every chunk folder of one
// preparation run, derived from t in UTC to the second.
func NewRunToken(t time.Time) string {
	return t.UTC().Format(runTokenLayout)
}

// ValidateRunToken rejects tokens that would not form a single path
// segment of a folder name.
func ValidateRunToken(token string) error {
	if !runTokenPattern.MatchString(token) {
		return fmt.Errorf("invalid run token %q: want 1-64 letters, digits or '-'", token)
	}
	return nil
}
