package service

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/banditlabs/bandgate/internal/engine"
	"github.com/banditlabs/bandgate/internal/model"
	"github.com/banditlabs/bandgate/internal/pkg/logger"
	"github.com/banditlabs/bandgate/internal/pkg/metrics"
	"github.com/shopspring/decimal"
)

// DecisionEntry is the write-side input of the ledger: the decision fields
// of an audit record before sequence and hashes are assigned.
type DecisionEntry struct {
	ExperimentID string
	AssignmentID string
	VisitorID    string
	VariantID    string
	SegmentKey   string
	DecisionAt   time.Time
}

// LedgerRepo is the storage behind the decision ledger. AppendDecision owns
// sequence allocation and hash chaining and must serialize appends per
// experiment; AppendConversion must populate conversion fields at most once.
type LedgerRepo interface {
	AppendDecision(ctx context.Context, entry *DecisionEntry) (*model.AuditRecord, error)
	AppendConversion(ctx context.Context, assignmentID string, at time.Time, value decimal.Decimal) (*model.AuditRecord, bool, error)
	Trail(ctx context.Context, experimentID string, limit, offset int) ([]*model.AuditRecord, error)
	// Snapshot returns every record of the experiment ordered by sequence,
	// from a consistent read.
	Snapshot(ctx context.Context, experimentID string) ([]*model.AuditRecord, error)
	Counts(ctx context.Context, experimentID string) (decisions, conversions int64, value decimal.Decimal, err error)
	Head(ctx context.Context, experimentID string) (string, error)
}

type ledgerTask struct {
	decision *DecisionEntry

	conversionAssignment string
	conversionAt         time.Time
	conversionValue      decimal.Decimal

	barrier chan struct{}
}

// LedgerService runs ledger writes off the synchronous request path: a
// buffered channel drained by a single consumer goroutine. The per-process
// FIFO gives two guarantees for free: appends to one experiment are
// serialized, and a conversion can never overtake its own decision. A full
// buffer drops the entry; the resulting assignment-without-record gap is
// detectable and non-corrupting, unlike a reordered chain.
type LedgerService struct {
	tasks   chan ledgerTask
	repo    LedgerRepo
	mirror  *os.File
	feed    *FeedHub
	retries int
	backoff time.Duration
	done    chan struct{}

	closeMu sync.Mutex
	closed  bool
}

func NewLedgerService(repo LedgerRepo, logDir string, queueSize int, feed *FeedHub, retries int, backoff time.Duration) (*LedgerService, error) {
	if queueSize <= 0 {
		queueSize = 4096
	}
	if retries <= 0 {
		retries = 3
	}

	var mirror *os.File
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return nil, err
		}
		// Daily files, append-only, one JSON record per line
		filename := filepath.Join(logDir, "ledger-"+time.Now().Format("2006-01-02")+".jsonl")
		f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, err
		}
		mirror = f
	}

	s := &LedgerService{
		tasks:   make(chan ledgerTask, queueSize),
		repo:    repo,
		mirror:  mirror,
		feed:    feed,
		retries: retries,
		backoff: backoff,
		done:    make(chan struct{}),
	}
	go s.consume()
	return s, nil
}

// LogDecision enqueues a decision append. Fire-and-forget: once the
// assignment is durable the ledger write must run to completion even if the
// original caller is gone, so nothing here blocks on the caller's context.
func (s *LedgerService) LogDecision(entry *DecisionEntry) {
	select {
	case s.tasks <- ledgerTask{decision: entry}:
		metrics.LedgerQueueDepth.Set(float64(len(s.tasks)))
	default:
		metrics.LedgerAppends.WithLabelValues("dropped").Inc()
		logger.Warn("ledger queue full, dropping decision entry",
			"experiment_id", entry.ExperimentID, "assignment_id", entry.AssignmentID)
	}
}

// LogConversion enqueues the conversion fields for an already-logged
// decision. The FIFO behind LogDecision guarantees the decision record exists
// by the time this task drains.
func (s *LedgerService) LogConversion(assignmentID string, at time.Time, value decimal.Decimal) {
	select {
	case s.tasks <- ledgerTask{conversionAssignment: assignmentID, conversionAt: at, conversionValue: value}:
		metrics.LedgerQueueDepth.Set(float64(len(s.tasks)))
	default:
		metrics.LedgerAppends.WithLabelValues("dropped").Inc()
		logger.Warn("ledger queue full, dropping conversion entry", "assignment_id", assignmentID)
	}
}

func (s *LedgerService) consume() {
	defer close(s.done)
	var encoder *json.Encoder
	if s.mirror != nil {
		encoder = json.NewEncoder(s.mirror)
	}
	for task := range s.tasks {
		metrics.LedgerQueueDepth.Set(float64(len(s.tasks)))
		if task.barrier != nil {
			close(task.barrier)
			continue
		}
		rec, err := s.runTask(task)
		if err != nil {
			metrics.LedgerAppends.WithLabelValues("failed").Inc()
			logger.Error("ledger append failed", "error", err)
			continue
		}
		if rec == nil {
			// conversion for an assignment outside the ledger: expected no-op
			metrics.LedgerAppends.WithLabelValues("noop").Inc()
			continue
		}
		metrics.LedgerAppends.WithLabelValues("ok").Inc()
		if encoder != nil {
			if err := encoder.Encode(rec); err != nil {
				logger.Error("failed to mirror ledger record", "error", err)
			}
		}
		if s.feed != nil {
			s.feed.Publish(rec)
		}
	}
}

// runTask applies one append with bounded-backoff retries on storage
// conflicts.
func (s *LedgerService) runTask(task ledgerTask) (*model.AuditRecord, error) {
	var rec *model.AuditRecord
	var err error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			metrics.SequenceRetries.Inc()
			time.Sleep(s.backoff * time.Duration(attempt))
		}
		if task.decision != nil {
			rec, err = s.repo.AppendDecision(context.Background(), task.decision)
		} else {
			var found bool
			rec, found, err = s.repo.AppendConversion(context.Background(), task.conversionAssignment, task.conversionAt, task.conversionValue)
			if err == nil && !found {
				return nil, nil
			}
		}
		if err == nil {
			return rec, nil
		}
	}
	return nil, err
}

func (s *LedgerService) Trail(ctx context.Context, experimentID string, limit, offset int) ([]*model.AuditRecord, error) {
	return s.repo.Trail(ctx, experimentID, limit, offset)
}

func (s *LedgerService) Snapshot(ctx context.Context, experimentID string) ([]*model.AuditRecord, error) {
	return s.repo.Snapshot(ctx, experimentID)
}

func (s *LedgerService) Head(ctx context.Context, experimentID string) (string, error) {
	return s.repo.Head(ctx, experimentID)
}

// Stats derives totals purely from audit records, then cross-checks against
// the VariantState aggregates. The two views count the same events through
// independent paths, so a mismatch is an integrity signal, not a rounding
// artifact.
func (s *LedgerService) Stats(ctx context.Context, experimentID string, agg *engine.AggregateCounts) (*model.LedgerStats, error) {
	decisions, conversions, value, err := s.repo.Counts(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	stats := &model.LedgerStats{
		ExperimentID:     experimentID,
		TotalDecisions:   decisions,
		TotalConversions: conversions,
		TotalValue:       value,
		CountsConsistent: true,
	}
	if decisions > 0 {
		stats.ConversionRate = float64(conversions) / float64(decisions)
	}
	if agg != nil {
		stats.CountsConsistent = agg.Visits == decisions && agg.Conversions == conversions
	}
	return stats, nil
}

// ExportCSV streams the full trail as a flat table for external audit.
func (s *LedgerService) ExportCSV(ctx context.Context, experimentID string, w io.Writer) error {
	records, err := s.repo.Snapshot(ctx, experimentID)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	header := []string{
		"sequence_number", "experiment_id", "assignment_id", "visitor_id", "variant_id",
		"segment_key", "decision_timestamp", "decision_hash", "previous_hash",
		"conversion_observed", "conversion_timestamp", "conversion_value",
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, rec := range records {
		row := []string{
			strconv.FormatUint(rec.Sequence, 10),
			rec.ExperimentID,
			rec.AssignmentID,
			rec.VisitorID,
			rec.VariantID,
			rec.SegmentKey,
			rec.DecisionAt.UTC().Format(time.RFC3339Nano),
			rec.DecisionHash,
			rec.PrevHash,
			strconv.FormatBool(rec.ConversionObserved),
			"",
			"",
		}
		if rec.ConversionAt != nil {
			row[10] = rec.ConversionAt.UTC().Format(time.RFC3339Nano)
		}
		if rec.ConversionValue != nil {
			row[11] = rec.ConversionValue.String()
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Close drains the queue and stops the consumer. Safe to call more than once.
func (s *LedgerService) Close() {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return
	}
	s.closed = true
	close(s.tasks)
	s.closeMu.Unlock()

	<-s.done
	if s.mirror != nil {
		_ = s.mirror.Close()
	}
}

// Flush blocks until every task enqueued before the call has been applied.
// After Close it returns immediately; the drain already happened.
func (s *LedgerService) Flush() {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return
	}
	barrier := make(chan struct{})
	s.tasks <- ledgerTask{barrier: barrier}
	s.closeMu.Unlock()
	<-barrier
}
