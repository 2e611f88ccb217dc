package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"time"

	"m3u8-remux/internal/ffmpeg"
	"m3u8-remux/internal/platform/metrics"

	"github.com/google/uuid"
)

// Converter remuxes a transport stream into an MP4 container.
type Converter interface {
	Convert(ctx context.Context, inputPath, outputPath string) error
}

// ObjectStore uploads artifacts and issues time-limited links to them.
type ObjectStore interface {
	Upload(ctx context.Context, localPath, bucket, key string) error
	Presign(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// StoreOpener builds an ObjectStore for a job's target. Called once per job
// since every job carries its own credentials.
type StoreOpener func(target StoreTarget) (ObjectStore, error)

// ProgressChannel is a job's connection to its progress channel. The job is
// itself a subscriber, so what it sends reaches everyone else on the channel.
type ProgressChannel interface {
	Send(ctx context.Context, msg []byte) error
	Close() error
}

// ChannelOpener connects a job to the named progress channel.
type ChannelOpener func(ctx context.Context, name string) (ProgressChannel, error)

// Options tunes a Service. Zero values select defaults.
type Options struct {
	WorkDir           string
	PresignTTL        time.Duration
	MaxConcurrentJobs int
}

// Dependencies are the collaborators a Service drives. Metrics may be nil.
// OpenChannel may be nil, in which case progress is only tracked locally.
type Dependencies struct {
	Repository  Repository
	Fetcher     *Fetcher
	Converter   Converter
	OpenStore   StoreOpener
	OpenChannel ChannelOpener
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Service runs remux jobs: manifest, segments, assembly, remux, upload and
// cleanup, reporting progress along the way.
type Service struct {
	repo        Repository
	fetcher     *Fetcher
	converter   Converter
	openStore   StoreOpener
	openChannel ChannelOpener
	metrics     *metrics.Metrics
	log         *slog.Logger

	workDir    string
	presignTTL time.Duration
	slots      chan struct{}
}

// NewService returns a Service. Repository, Fetcher and Converter get
// in-memory and default instances when nil; the default Converter runs
// ffmpeg from PATH.
func NewService(deps Dependencies, opts Options) *Service {
	s := &Service{
		repo:        deps.Repository,
		fetcher:     deps.Fetcher,
		converter:   deps.Converter,
		openStore:   deps.OpenStore,
		openChannel: deps.OpenChannel,
		metrics:     deps.Metrics,
		log:         deps.Logger,
		workDir:     opts.WorkDir,
		presignTTL:  opts.PresignTTL,
	}
	if s.repo == nil {
		s.repo = NewInMemoryRepository()
	}
	if s.log == nil {
		s.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if s.fetcher == nil {
		s.fetcher = NewFetcher(FetcherOptions{Logger: s.log})
	}
	if s.converter == nil {
		s.converter = ffmpeg.NewConverter(ffmpeg.DefaultBinary)
	}
	if s.workDir == "" {
		s.workDir = os.TempDir()
	}
	if s.presignTTL <= 0 {
		s.presignTTL = defaultPresignTTL
	}
	n := opts.MaxConcurrentJobs
	if n <= 0 {
		n = defaultMaxJobs
	}
	s.slots = make(chan struct{}, n)
	return s
}

// Jobs exposes the tracker of in-flight jobs.
func (s *Service) Jobs() Repository {
	return s.repo
}

// Run executes job to completion. On failure the returned error is a
// *PipelineError and a failure event has been sent to the job's channel.
// The job's workspace is gone by the time Run returns either way.
func (s *Service) Run(ctx context.Context, job Job) (*Result, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if err := s.acquire(ctx); err != nil {
		return nil, stageError(StageWorkspace, err)
	}
	defer s.release()

	run, err := s.begin(ctx, job.ID, job.Channel)
	if err != nil {
		return nil, err
	}
	defer run.end()

	result, err := run.execute(ctx, job)
	if err != nil {
		run.fail(ctx, err)
		return nil, err
	}

	status := metrics.JobSucceeded
	if result.Partial {
		status = metrics.JobPartial
	}
	run.finish(status)
	run.log.Info("job done",
		slog.String("status", result.Status),
		slog.Bool("presigned", result.PresignedURL != ""))
	return result, nil
}

// LocalOptions configures ConvertLocal.
type LocalOptions struct {
	// Progress receives the same events a channel subscriber would. Optional.
	Progress ProgressChannel
	// Keep leaves the workspace on disk after the run.
	Keep bool
}

// ConvertLocal runs the download, assemble and remux stages for manifestURL
// and moves the MP4 to dest. Nothing is uploaded. It returns the size of dest.
func (s *Service) ConvertLocal(ctx context.Context, manifestURL, dest string, opts LocalOptions) (int64, error) {
	if err := s.acquire(ctx); err != nil {
		return 0, stageError(StageWorkspace, err)
	}
	defer s.release()

	run, err := s.begin(ctx, uuid.NewString(), "")
	if err != nil {
		return 0, err
	}
	if opts.Progress != nil {
		run.progress.Close()
		run.progress = opts.Progress
	}
	defer run.end()

	ws, err := NewWorkspace(s.workDir, run.id)
	if err != nil {
		err = stageError(StageWorkspace, err)
		run.fail(ctx, err)
		return 0, err
	}
	if opts.Keep {
		run.log.Info("keeping workspace", slog.String("dir", ws.Root))
	} else {
		defer run.cleanup(ws)
	}

	var info os.FileInfo
	out, err := run.remux(ctx, ws, manifestURL)
	if err == nil {
		if info, err = os.Stat(out); err != nil {
			err = stageError(StageTranscode, fmt.Errorf("no converter output: %w", err))
		}
	}
	if err == nil {
		if merr := moveFile(out, dest); merr != nil {
			err = stageError(StageTranscode, fmt.Errorf("move output: %w", merr))
		}
	}
	if err != nil {
		run.fail(ctx, err)
		return 0, err
	}
	run.emit(ctx, checkpointDone)
	run.advance(StateDone)
	run.finish(metrics.JobSucceeded)
	return info.Size(), nil
}

func (s *Service) acquire(ctx context.Context) error {
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) release() {
	<-s.slots
}

func (s *Service) begin(ctx context.Context, id, channel string) (*jobRun, error) {
	if err := s.repo.Start(id, channel); err != nil {
		return nil, stageError(StageWorkspace, err)
	}
	run := &jobRun{
		svc:     s,
		id:      id,
		started: time.Now(),
		log:     s.log.With(slog.String("job_id", id), slog.String("channel", channel)),
	}
	run.progress = s.connect(ctx, channel, run.log)
	if s.metrics != nil {
		s.metrics.JobStarted()
	}
	run.log.Info("job received")
	return run, nil
}

func (s *Service) connect(ctx context.Context, channel string, log *slog.Logger) ProgressChannel {
	if s.openChannel == nil || channel == "" {
		return nopChannel{}
	}
	pc, err := s.openChannel(ctx, channel)
	if err != nil {
		log.Warn("progress channel unavailable", slog.String("error", err.Error()))
		return nopChannel{}
	}
	return pc
}

// jobRun is the per-job state threaded through the pipeline stages.
type jobRun struct {
	svc      *Service
	id       string
	started  time.Time
	progress ProgressChannel
	log      *slog.Logger
	finished bool
}

func (r *jobRun) execute(ctx context.Context, job Job) (*Result, error) {
	r.log.Debug("job target", slog.Any("target", job.Target))

	ws, err := NewWorkspace(r.svc.workDir, r.id)
	if err != nil {
		return nil, stageError(StageWorkspace, err)
	}
	defer r.cleanup(ws)

	out, err := r.remux(ctx, ws, job.ManifestURL)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(out)
	if err != nil {
		return nil, stageError(StageTranscode, err)
	}

	r.emit(ctx, checkpointUpload)
	if r.svc.openStore == nil {
		return nil, stageError(StageUpload, errors.New("no object store configured"))
	}
	store, err := r.svc.openStore(job.Target)
	if err != nil {
		return nil, stageError(StageUpload, err)
	}
	if err := store.Upload(ctx, out, job.Target.Bucket, job.Target.Key); err != nil {
		return nil, stageError(StageUpload, err)
	}
	r.advance(StateUploaded)

	result := &Result{Status: statusUploaded}
	link, err := store.Presign(ctx, job.Target.Bucket, job.Target.Key, r.svc.presignTTL)
	if err != nil {
		r.log.Warn("presign failed",
			slog.String("stage", string(StagePresign)),
			slog.String("error", err.Error()))
		result = &Result{Status: statusUploadedNoLink, Partial: true}
	} else {
		size := sizeInMiB(info.Size())
		result.PresignedURL = link
		result.FileSizeMB = &size
	}

	r.emit(ctx, checkpointCleanup)
	r.cleanup(ws)
	r.advance(StateCleaned)

	r.emit(ctx, checkpointDone)
	r.advance(StateDone)
	return result, nil
}

// remux covers the stages shared by uploaded and local jobs and returns the
// path of the MP4 inside ws.
func (r *jobRun) remux(ctx context.Context, ws *Workspace, manifestURL string) (string, error) {
	r.emit(ctx, checkpointReceived)
	body, err := r.svc.fetcher.FetchManifest(ctx, manifestURL)
	if err != nil {
		return "", stageError(StageManifest, err)
	}
	r.advance(StateManifestFetched)

	r.emit(ctx, checkpointReading)
	urls, err := ParseSegmentURLs(manifestURL, body)
	if err != nil {
		return "", stageError(StageManifest, err)
	}

	r.emit(ctx, checkpointDownloading)
	r.advance(StateSegmentsFetching)
	paths := r.svc.fetcher.FetchAll(ctx, urls, ws.Root)
	fetched := 0
	for _, p := range paths {
		if p != "" {
			fetched++
		}
	}
	dropped := len(paths) - fetched
	if r.svc.metrics != nil {
		r.svc.metrics.AddSegments(fetched, dropped)
	}
	r.log.Info("segments fetched", slog.Int("fetched", fetched), slog.Int("dropped", dropped))
	if fetched == 0 {
		if ctx.Err() != nil {
			return "", stageError(StageFetch, ctx.Err())
		}
		return "", stageError(StageFetch, ErrAllSegmentsFailed)
	}

	r.emit(ctx, checkpointConcat)
	combined, err := Concatenate(paths, ws.CombinedPath())
	if err != nil {
		return "", stageError(StageAssemble, err)
	}
	r.advance(StateAssembled)

	r.emit(ctx, checkpointConvert)
	if err := r.svc.converter.Convert(ctx, combined, ws.OutputPath()); err != nil {
		return "", stageError(StageTranscode, err)
	}
	r.advance(StateTranscoded)
	return ws.OutputPath(), nil
}

// emit sends ev to the job's channel. Delivery problems never fail the job.
func (r *jobRun) emit(ctx context.Context, ev ProgressEvent) {
	r.svc.repo.Report(r.id, ev.Progress)
	msg, err := json.Marshal(ev)
	if err != nil {
		r.log.Warn("encode progress event", slog.String("error", err.Error()))
		return
	}
	if err := r.progress.Send(ctx, msg); err != nil {
		r.log.Warn("progress event not delivered",
			slog.Int("progress", ev.Progress),
			slog.String("error", err.Error()))
	}
}

func (r *jobRun) advance(next State) {
	if err := r.svc.repo.Advance(r.id, next); err != nil {
		r.log.Debug("state not recorded", slog.String("state", string(next)), slog.String("error", err.Error()))
	}
}

func (r *jobRun) cleanup(ws *Workspace) {
	if err := ws.Remove(); err != nil {
		r.log.Warn("workspace not removed",
			slog.String("stage", string(StageCleanup)),
			slog.String("dir", ws.Root),
			slog.String("error", err.Error()))
	}
}

// fail records err and tells subscribers. The job context may already be
// done, so the event goes out on a short detached one.
func (r *jobRun) fail(ctx context.Context, err error) {
	stage, _ := StageOf(err)
	if ferr := r.svc.repo.Fail(r.id, stage); ferr != nil {
		r.log.Debug("failure not recorded", slog.String("error", ferr.Error()))
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	r.emit(sendCtx, ProgressEvent{Message: "Failed to process m3u8 file: " + string(stage), Progress: 0})
	r.log.Error("job failed", slog.String("stage", string(stage)), slog.String("error", err.Error()))
	r.finish(metrics.JobFailed)
}

func (r *jobRun) finish(status string) {
	if r.finished {
		return
	}
	r.finished = true
	if r.svc.metrics != nil {
		r.svc.metrics.JobFinished(status, time.Since(r.started))
	}
}

func (r *jobRun) end() {
	if err := r.progress.Close(); err != nil {
		r.log.Debug("close progress channel", slog.String("error", err.Error()))
	}
	r.svc.repo.Remove(r.id)
}

// sizeInMiB converts bytes to MiB rounded to two decimals.
func sizeInMiB(n int64) float64 {
	return math.Round(float64(n)/(1024*1024)*100) / 100
}

// moveFile renames src to dst, copying when they are on different devices.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

type nopChannel struct{}

func (nopChannel) Send(context.Context, []byte) error { return nil }
func (nopChannel) Close() error                       { return nil }
