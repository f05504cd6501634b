package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Upload metrics
	ChunksReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_chunks_received_total",
		Help: "Total number of chunks written to upload sessions",
	})
	ChunkBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_chunk_bytes_total",
		Help: "Total bytes written to upload sessions",
	})
	ChunksRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_chunks_rejected_total",
		Help: "Total number of chunk uploads rejected by validation",
	})
	Finalizations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_finalizations_total",
		Help: "Finalize requests by result",
	}, []string{"result"})
	AssembledBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ingest_assembled_bytes",
		Help:    "Size of reassembled uploads in bytes",
		Buckets: prometheus.ExponentialBuckets(1<<20, 2, 12),
	})
	SessionsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_upload_sessions_reaped_total",
		Help: "Abandoned upload sessions removed by the reaper",
	})

	// Compression metrics
	CompressionPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_compression_passes_total",
		Help: "Encoder invocations by tier and result",
	}, []string{"tier", "result"})
	CompressionSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_compression_skipped_total",
		Help: "Inputs already within the target size",
	})
	CompressionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ingest_compression_duration_seconds",
		Help:    "Wall time of a full compressToTarget call",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	})

	// Transcription metrics
	TranscriptionJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_transcription_jobs_total",
		Help: "Transcription jobs by terminal state",
	}, []string{"state"})
	TrackedJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_tracked_jobs",
		Help: "Jobs currently held in the in-memory tracker",
	})
	StalledResolved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_stalled_records_resolved_total",
		Help: "Records force-completed by the stall detector",
	})
)
