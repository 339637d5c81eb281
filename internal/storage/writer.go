package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	auditRetries      = 3
	auditWriteTimeout = 5 * time.Second
)

// RunLogger persists run records. *DB implements it.
type RunLogger interface {
	LogRun(ctx context.Context, rec *RunRecord) error
}

// AuditStats counts what happened to records handed to an AuditWriter.
type AuditStats struct {
	Written int64 `json:"written"`
	Dropped int64 `json:"dropped"`
	Failed  int64 `json:"failed"`
}

// AuditWriter writes run records on a background goroutine so a slow or
// unavailable database never delays a run's response.
type AuditWriter struct {
	db      RunLogger
	queue   chan *RunRecord
	stop    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	backoff time.Duration

	written, dropped, failed atomic.Int64
}

func NewAuditWriter(db RunLogger, bufferSize int) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &AuditWriter{
		db:      db,
		queue:   make(chan *RunRecord, bufferSize),
		stop:    make(chan struct{}),
		backoff: 100 * time.Millisecond,
	}
}

func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Log enqueues rec. A full queue drops the record rather than block.
func (w *AuditWriter) Log(rec *RunRecord) {
	select {
	case w.queue <- rec:
	default:
		w.dropped.Add(1)
		log.Warn().Str("run_id", rec.ID).Str("engine", rec.Engine).Msg("audit queue full, dropping run record")
	}
}

// Stats returns the counters so far.
func (w *AuditWriter) Stats() AuditStats {
	return AuditStats{
		Written: w.written.Load(),
		Dropped: w.dropped.Load(),
		Failed:  w.failed.Load(),
	}
}

// Flush writes whatever is queued and stops the writer, waiting at most
// timeout. Calling it more than once is harmless.
func (w *AuditWriter) Flush(timeout time.Duration) {
	w.once.Do(func() { close(w.stop) })

	finished := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		s := w.Stats()
		log.Info().
			Int64("written", s.Written).
			Int64("dropped", s.Dropped).
			Int64("failed", s.Failed).
			Msg("audit writer flushed")
	case <-time.After(timeout):
		log.Warn().Int("pending", len(w.queue)).Msg("audit writer flush timed out")
	}
}

func (w *AuditWriter) loop() {
	defer w.wg.Done()
	for {
		select {
		case rec := <-w.queue:
			w.write(rec)
		case <-w.stop:
			w.drain()
			return
		}
	}
}

func (w *AuditWriter) drain() {
	for {
		select {
		case rec := <-w.queue:
			w.write(rec)
		default:
			return
		}
	}
}

// write stores rec, retrying with exponential backoff.
func (w *AuditWriter) write(rec *RunRecord) {
	delay := w.backoff
	for attempt := 0; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
		err := w.db.LogRun(ctx, rec)
		cancel()
		if err == nil {
			w.written.Add(1)
			return
		}

		if attempt == auditRetries {
			w.failed.Add(1)
			log.Error().Err(err).Str("run_id", rec.ID).Msg("audit write failed permanently after retries")
			return
		}
		log.Warn().
			Err(err).
			Str("run_id", rec.ID).
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Msg("audit write failed, retrying")
		time.Sleep(delay)
		delay *= 2
	}
}
