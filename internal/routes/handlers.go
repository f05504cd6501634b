package routes

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/coah80/ingest/internal/config"
	"github.com/coah80/ingest/internal/ingest"
	"github.com/coah80/ingest/internal/jobs"
	"github.com/coah80/ingest/internal/records"
	"github.com/coah80/ingest/internal/upload"
)

type ChunkStore interface {
	RegisterChunk(req upload.ChunkRequest) (upload.Progress, error)
	Status(uploadID string) (*upload.SessionStatus, error)
}

type Ingester interface {
	Ingest(ctx context.Context, req upload.FinalizeRequest) (*ingest.Result, error)
}

type JobTracker interface {
	Start(jobID, recordID, audioURL string) (jobs.Job, error)
	Get(jobID string) (jobs.Job, error)
	Counts() map[jobs.State]int
}

type RecordReader interface {
	Get(ctx context.Context, id string) (*records.MediaRecord, error)
	Ping(ctx context.Context) error
}

type Options struct {
	Config  *config.Config
	Uploads ChunkStore
	Ingest  Ingester
	Jobs    JobTracker
	Records RecordReader
	Logger  hclog.Logger
}

// Handlers holds the collaborators behind every HTTP route.
type Handlers struct {
	cfg     *config.Config
	uploads ChunkStore
	ingest  Ingester
	jobs    JobTracker
	records RecordReader
	log     hclog.Logger
	now     func() time.Time
}

func NewHandlers(opts Options) (*Handlers, error) {
	if opts.Config == nil || opts.Uploads == nil || opts.Ingest == nil || opts.Jobs == nil || opts.Records == nil {
		return nil, fmt.Errorf("routes: missing handler dependency")
	}
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Handlers{
		cfg:     opts.Config,
		uploads: opts.Uploads,
		ingest:  opts.Ingest,
		jobs:    opts.Jobs,
		records: opts.Records,
		log:     logger,
		now:     time.Now,
	}, nil
}
