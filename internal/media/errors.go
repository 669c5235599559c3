// SPDX-License-Identifier: MIT

package media

import (
	"errors"
	"fmt"
)

// Stage names the pipeline stage a failure originated from.
type Stage string

const (
	StageResolve   Stage = "resolve"
	StageFetch     Stage = "fetch"
	StageInspect   Stage = "inspect"
	StageTranscode Stage = "transcode"
	StagePublish   Stage = "publish"
)

// Resolver errors.
var (
	ErrRejected       = errors.New("url rejected")
	ErrHelperFailed   = errors.New("resolver helper failed")
	ErrHelperProtocol = errors.New("resolver helper protocol violation")
)

// Fetcher errors.
var (
	ErrTooLarge            = errors.New("media exceeds byte budget")
	ErrFetchTimeout        = errors.New("fetch timed out")
	ErrAllCandidatesFailed = errors.New("all candidate urls failed")
)

// Inspector errors.
var (
	ErrUnsupportedContainer = errors.New("unsupported container format")
	ErrCorrupt              = errors.New("media is structurally corrupt")
	ErrProbeTimeout         = errors.New("probe timed out")
)

// Transcoder errors.
var (
	ErrTranscodeTimeout        = errors.New("transcode timed out")
	ErrConstraintUnsatisfiable = errors.New("constraints unsatisfiable")
	ErrEngineFailure           = errors.New("media engine failure")
)

// Publisher errors are opaque to the core.
var ErrPublish = errors.New("publish failed")

// FailureReport wraps the first error encountered while running a job.
// Exactly one report (or artifact) is delivered per original submission.
type FailureReport struct {
	JobID string
	Stage Stage
	Err   error
}

func (f *FailureReport) Error() string {
	return fmt.Sprintf("job %s failed at %s: %v", f.JobID, f.Stage, f.Err)
}

func (f *FailureReport) Unwrap() error { return f.Err }
