package observability

import "github.com/prometheus/client_golang/prometheus"

// Outcome label values shared by the workflow counters.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeEmpty   = "empty"
	OutcomeSkipped = "skipped"
)

var (
	// ExtractionTotal counts AI extraction attempts during ingestion and
	// regeneration by outcome (ok|error|empty).
	ExtractionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_extraction_total",
			Help: "AI extraction calls made while enriching materials.",
		},
		[]string{"outcome"},
	)

	// ArtifactTotal counts derived-content writes by artifact
	// (summary|deck|quiz) and outcome (ok|error|skipped).
	ArtifactTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_artifact_total",
			Help: "Derived-content persistence attempts per artifact type.",
		},
		[]string{"artifact", "outcome"},
	)

	// ChatPersistTotal counts transcript appends by write path
	// (primary|reduced) and outcome.
	ChatPersistTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_persist_total",
			Help: "Chat transcript append attempts per write path.",
		},
		[]string{"path", "outcome"},
	)

	// BlobOpsTotal counts blob store calls by op (upload|remove) and outcome.
	BlobOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blob_operations_total",
			Help: "Blob store operations.",
		},
		[]string{"op", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(ExtractionTotal, ArtifactTotal, ChatPersistTotal, BlobOpsTotal)
}

// Outcome maps an error to the ok/error label.
func Outcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeOK
}
