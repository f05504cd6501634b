package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/semaphore"

	"github.com/coah80/ingest/internal/compress"
	"github.com/coah80/ingest/internal/jobs"
	"github.com/coah80/ingest/internal/records"
	"github.com/coah80/ingest/internal/upload"
	"github.com/coah80/ingest/internal/util"
)

type Finalizer interface {
	Finalize(req upload.FinalizeRequest) (*upload.Assembled, error)
}

type Compressor interface {
	CompressToTarget(input string, target int64) (*compress.Result, error)
}

type MediaStore interface {
	Put(ctx context.Context, srcPath, name string) (string, int64, error)
	Delete(ctx context.Context, mediaURL string) error
}

type RecordCreator interface {
	Create(ctx context.Context, rec *records.MediaRecord) error
}

type JobStarter interface {
	Start(jobID, recordID, audioURL string) (jobs.Job, error)
}

type Alerter interface {
	ReassemblyFailed(uploadID string, err error)
	CompressionFailed(uploadID string, err error)
}

type Options struct {
	Uploads    Finalizer
	Compressor Compressor
	Media      MediaStore
	Records    RecordCreator
	// Jobs is optional; without it no transcription is started.
	Jobs    JobStarter
	Alerter Alerter

	TargetSizeBytes           int64
	MaxConcurrentCompressions int64
	AutoTranscribe            bool
	Logger                    hclog.Logger
}

// Result is what a successful finalize reports to the client.
type Result struct {
	RecordID   string `json:"recordId"`
	URL        string `json:"url"`
	SizeBytes  int64  `json:"sizeBytes"`
	Compressed bool   `json:"compressed"`
	JobID      string `json:"jobId,omitempty"`
}

// Orchestrator turns a complete upload session into a persisted media record.
type Orchestrator struct {
	uploads    Finalizer
	compressor Compressor
	media      MediaStore
	records    RecordCreator
	jobs       JobStarter
	alert      Alerter
	target     int64
	sem        *semaphore.Weighted
	autoStart  bool
	log        hclog.Logger
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Uploads == nil || opts.Compressor == nil || opts.Media == nil || opts.Records == nil {
		return nil, fmt.Errorf("ingest orchestrator is missing a dependency")
	}
	if opts.TargetSizeBytes <= 0 {
		return nil, fmt.Errorf("target size must be positive")
	}
	limit := opts.MaxConcurrentCompressions
	if limit <= 0 {
		limit = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Orchestrator{
		uploads:    opts.Uploads,
		compressor: opts.Compressor,
		media:      opts.Media,
		records:    opts.Records,
		jobs:       opts.Jobs,
		alert:      opts.Alerter,
		target:     opts.TargetSizeBytes,
		sem:        semaphore.NewWeighted(limit),
		autoStart:  opts.AutoTranscribe && opts.Jobs != nil,
		log:        logger,
	}, nil
}

// Ingest finalizes the upload, compresses it if it is over the target size, stores
// it and creates its record. Errors from finalize are returned unchanged so callers
// can tell recoverable session errors from fatal ones.
func (o *Orchestrator) Ingest(ctx context.Context, req upload.FinalizeRequest) (*Result, error) {
	assembled, err := o.uploads.Finalize(req)
	if err != nil {
		if errors.Is(err, upload.ErrReassemblyFailed) && o.alert != nil {
			o.alert.ReassemblyFailed(req.UploadID, err)
		}
		return nil, err
	}
	log := o.log.With("upload_id", assembled.UploadID)

	if err := o.sem.Acquire(ctx, 1); err != nil {
		util.RemoveQuietly(log, assembled.Path)
		return nil, err
	}
	cres, err := o.compressor.CompressToTarget(assembled.Path, o.target)
	o.sem.Release(1)
	if err != nil {
		util.RemoveQuietly(log, assembled.Path)
		if o.alert != nil {
			o.alert.CompressionFailed(assembled.UploadID, err)
		}
		return nil, err
	}

	name := assembled.OriginalFileName
	if cres.Compressed {
		name = strings.TrimSuffix(name, filepath.Ext(name)) + ".mp3"
	}
	url, size, err := o.media.Put(ctx, cres.Path, name)
	if err != nil {
		util.RemoveQuietly(log, assembled.Path, cres.Path)
		return nil, fmt.Errorf("persist media: %w", err)
	}
	if cres.Compressed {
		util.RemoveQuietly(log, assembled.Path)
	}

	rec := newRecord(assembled, url, size, cres.Compressed)
	if err := o.records.Create(ctx, rec); err != nil {
		// The session is gone, so nothing would ever reference this file.
		if derr := o.media.Delete(context.WithoutCancel(ctx), url); derr != nil {
			log.Warn("could not remove orphaned media", "url", url, "error", derr)
		}
		return nil, err
	}
	log.Info("upload ingested", "record_id", rec.ID, "url", url, "bytes", size, "compressed", cres.Compressed)

	res := &Result{RecordID: rec.ID, URL: url, SizeBytes: size, Compressed: cres.Compressed}
	if o.autoStart {
		jobID := uuid.New().String()
		if _, err := o.jobs.Start(jobID, rec.ID, url); err != nil {
			log.Warn("could not start transcription", "record_id", rec.ID, "error", err)
		} else {
			res.JobID = jobID
		}
	}
	return res, nil
}

// newRecord takes title, speaker and date from the fields sent with the first chunk.
func newRecord(a *upload.Assembled, url string, size int64, compressed bool) *records.MediaRecord {
	title := strings.TrimSpace(a.ExtraFields["title"])
	if title == "" {
		base := filepath.Base(a.OriginalFileName)
		title = strings.TrimSuffix(base, filepath.Ext(base))
	}
	recordedOn := a.ExtraFields["date"]
	if recordedOn == "" {
		recordedOn = a.ExtraFields["recordedOn"]
	}
	return &records.MediaRecord{
		Title:            util.SanitizeFilename(title),
		Speaker:          strings.TrimSpace(a.ExtraFields["speaker"]),
		RecordedOn:       recordedOn,
		OriginalFileName: a.OriginalFileName,
		AudioURL:         url,
		SizeBytes:        size,
		Compressed:       compressed,
	}
}
