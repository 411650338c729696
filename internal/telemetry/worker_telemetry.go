// Package telemetry aggregates the counters and pool/latency trackers
// scattered across the service into the single JSON surface the Operator
// API's metrics endpoint serves (spec §4.11).
package telemetry

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"worker_server/pkg/metrics"
)

// Counters tracks the named pipeline events spec.md §4.11 lists
// (notifications_received, emails_processed, emails_skipped,
// attachments_extracted, ocr_calls, ocr_failures, processing_errors,
// active_watches). WebhookHandler keeps its own processed/malformed pair;
// these cover the stages downstream of it.
type Counters struct {
	emailsProcessed      int64
	emailsSkipped        int64
	attachmentsExtracted int64
	ocrCalls             int64
	ocrFailures          int64
	dedupConflicts       int64
	activeWatches        int64

	confidenceSumBits uint64 // math.Float64bits of the running confidence sum
	confidenceCount   int64

	errorsMu sync.Mutex
	errors   map[string]int64
}

var global = Counters{errors: make(map[string]int64)}

func IncEmailsProcessed()      { atomic.AddInt64(&global.emailsProcessed, 1) }
func IncEmailsSkipped()        { atomic.AddInt64(&global.emailsSkipped, 1) }
func IncAttachmentsExtracted() { atomic.AddInt64(&global.attachmentsExtracted, 1) }
func IncOCRCall()              { atomic.AddInt64(&global.ocrCalls, 1) }
func IncOCRFailure()           { atomic.AddInt64(&global.ocrFailures, 1) }
func IncDedupConflict()        { atomic.AddInt64(&global.dedupConflicts, 1) }

// IncActiveWatches / DecActiveWatches track the up-down gauge of currently
// registered Gmail watches (spec §4.11 active_watches).
func IncActiveWatches() { atomic.AddInt64(&global.activeWatches, 1) }
func DecActiveWatches() { atomic.AddInt64(&global.activeWatches, -1) }

// IncProcessingError increments the processing_errors{type} counter for the
// given error class (e.g. "ocr", "queue", "blob").
func IncProcessingError(errType string) {
	global.errorsMu.Lock()
	global.errors[errType]++
	global.errorsMu.Unlock()
}

// ObserveOCRConfidence feeds the ocr_confidence running mean with one
// aggregate-confidence sample per completed extraction.
func ObserveOCRConfidence(v float64) {
	atomic.AddInt64(&global.confidenceCount, 1)
	for {
		old := atomic.LoadUint64(&global.confidenceSumBits)
		sum := math.Float64frombits(old) + v
		if atomic.CompareAndSwapUint64(&global.confidenceSumBits, old, math.Float64bits(sum)) {
			return
		}
	}
}

// ObserveOCRDuration / ObserveBlobPutDuration feed the pkg/metrics latency
// registry under the keys "ocr" and "blob_put"; the operator metrics
// endpoint reports them as latency.ocr and latency.blobPut.
func ObserveOCRDuration(d time.Duration)     { metrics.RecordLatency("ocr", d) }
func ObserveBlobPutDuration(d time.Duration) { metrics.RecordLatency("blob_put", d) }

// Snapshot is a point-in-time read of the global counters, safe to
// marshal directly.
type Snapshot struct {
	EmailsProcessed      int64            `json:"emailsProcessed"`
	EmailsSkipped        int64            `json:"emailsSkipped"`
	AttachmentsExtracted int64            `json:"attachmentsExtracted"`
	OCRCalls             int64            `json:"ocrCalls"`
	OCRFailures          int64            `json:"ocrFailures"`
	DedupConflicts       int64            `json:"dedupConflicts"`
	ActiveWatches        int64            `json:"activeWatches"`
	OCRMeanConfidence    float64          `json:"ocrMeanConfidence"`
	ProcessingErrors     map[string]int64 `json:"processingErrors"`
}

func Snap() Snapshot {
	global.errorsMu.Lock()
	errs := make(map[string]int64, len(global.errors))
	for k, v := range global.errors {
		errs[k] = v
	}
	global.errorsMu.Unlock()

	var meanConfidence float64
	if n := atomic.LoadInt64(&global.confidenceCount); n > 0 {
		sum := math.Float64frombits(atomic.LoadUint64(&global.confidenceSumBits))
		meanConfidence = sum / float64(n)
	}

	return Snapshot{
		EmailsProcessed:      atomic.LoadInt64(&global.emailsProcessed),
		EmailsSkipped:        atomic.LoadInt64(&global.emailsSkipped),
		AttachmentsExtracted: atomic.LoadInt64(&global.attachmentsExtracted),
		OCRCalls:             atomic.LoadInt64(&global.ocrCalls),
		OCRFailures:          atomic.LoadInt64(&global.ocrFailures),
		DedupConflicts:       atomic.LoadInt64(&global.dedupConflicts),
		ActiveWatches:        atomic.LoadInt64(&global.activeWatches),
		OCRMeanConfidence:    meanConfidence,
		ProcessingErrors:     errs,
	}
}
