package orchestrator

import (
	"log/slog"
	"time"

	"m3u8-remux/internal/auth"

	"github.com/google/uuid"
)

// ProgressEvent is the message sent to a job's progress channel, one JSON
// text frame per event.
type ProgressEvent struct {
	Message  string `json:"message"`
	Progress int    `json:"progress"`
}

// StoreTarget is where a job's artifact goes and the keys to put it there.
type StoreTarget struct {
	Bucket          string
	Key             string
	AccessKeyID     string
	SecretAccessKey string
	Region          string
}

// LogValue keeps credentials out of log output.
func (t StoreTarget) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("bucket", t.Bucket),
		slog.String("key", t.Key),
		slog.String("region", t.Region),
	)
}

// Job is one remux request. It lives for the duration of a single Run.
type Job struct {
	ID          string
	ManifestURL string
	Channel     string
	Target      StoreTarget
}

// NewJob builds a Job from verified token claims.
func NewJob(claims *auth.Claims, channel string) Job {
	return Job{
		ID:          uuid.NewString(),
		ManifestURL: claims.ManifestURL,
		Channel:     channel,
		Target: StoreTarget{
			Bucket:          claims.Bucket,
			Key:             claims.Key,
			AccessKeyID:     claims.AccessKeyID,
			SecretAccessKey: claims.SecretAccessKey,
			Region:          claims.Region,
		},
	}
}

// Result is returned to the submitter of a job that reached Done.
type Result struct {
	Status       string   `json:"status"`
	PresignedURL string   `json:"presigned_url,omitempty"`
	FileSizeMB   *float64 `json:"file_size_mb,omitempty"`

	// Partial is set when the upload succeeded but no link could be issued.
	Partial bool `json:"-"`
}

const (
	statusUploaded        = "File uploaded successfully"
	statusUploadedNoLink  = "File uploaded successfully, but failed to generate presigned URL"
	defaultPresignTTL     = 24 * time.Hour
	defaultMaxJobs        = 4
	combinedFileName      = "combined_segments.ts"
	outputFileName        = "final_video.mp4"
	segmentFileNameFormat = "segment_%d.ts"
)

// Checkpoints emitted while a job runs.
var (
	checkpointReceived    = ProgressEvent{Message: "We Recive your request ...", Progress: 10}
	checkpointReading     = ProgressEvent{Message: "Reading M3U8 URL ...", Progress: 20}
	checkpointDownloading = ProgressEvent{Message: "Downloading Your File on server ...", Progress: 30}
	checkpointConcat      = ProgressEvent{Message: "Concatenate all downloaded segments into a single file", Progress: 40}
	checkpointConvert     = ProgressEvent{Message: "Convert the file to .mp4 format", Progress: 50}
	checkpointUpload      = ProgressEvent{Message: "Convert the file to .mp4 format", Progress: 60}
	checkpointCleanup     = ProgressEvent{Message: "Convert the file to .mp4 format", Progress: 70}
	checkpointDone        = ProgressEvent{Message: "Done", Progress: 100}
)
