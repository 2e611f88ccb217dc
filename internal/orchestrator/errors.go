package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Stage names the pipeline step an error came from.
type Stage string

const (
	StageWorkspace Stage = "workspace"
	StageManifest  Stage = "manifest"
	StageFetch     Stage = "fetch"
	StageAssemble  Stage = "assemble"
	StageTranscode Stage = "transcode"
	StageUpload    Stage = "upload"
	StagePresign   Stage = "presign"
	StageCleanup   Stage = "cleanup"
)

var (
	// ErrNoSegments is returned when a manifest lists no media segments.
	ErrNoSegments = errors.New("manifest lists no segments")

	// ErrManifestTooLarge is returned for playlists over the 10 MiB read limit.
	ErrManifestTooLarge = errors.New("manifest exceeds size limit")

	// ErrAllSegmentsFailed is returned when not a single segment could be fetched.
	ErrAllSegmentsFailed = errors.New("no segment could be downloaded")
)

// PipelineError is a fatal job failure tagged with the stage it happened in.
type PipelineError struct {
	Stage Stage
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("Failed to process m3u8 file: %s: %v", e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// MarshalJSON renders the error body returned to HTTP clients.
func (e *PipelineError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Error  string `json:"error"`
		Stage  Stage  `json:"stage"`
		Detail string `json:"detail"`
	}{
		Error:  "processing_failed",
		Stage:  e.Stage,
		Detail: e.Error(),
	})
}

func stageError(stage Stage, err error) *PipelineError {
	return &PipelineError{Stage: stage, Err: err}
}

// StageOf returns the stage of a PipelineError anywhere in err's chain.
func StageOf(err error) (Stage, bool) {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Stage, true
	}
	return "", false
}
