// SPDX-License-Identifier: MIT

package auditlog

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tempoforge/turnsync/internal/metrics"
)

// PipelineConfig tunes the drain workers.
type PipelineConfig struct {
	// Workers is the number of concurrent drain goroutines.
	Workers int
	// RetryAttempts bounds write retries per entry before it lands in
	// the failed bucket.
	RetryAttempts int
	// BackoffBase is the first retry delay; it doubles per attempt.
	BackoffBase time.Duration
}

// Pipeline drains the audit queue into the writer with bounded retries.
// An entry that keeps failing is parked in the failed bucket and logged
// with its payload so no record is silently lost.
type Pipeline struct {
	queue    *Queue
	writer   *Writer
	cfg      PipelineConfig
	logger   zerolog.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewPipeline assembles the queue-to-writer drain.
func NewPipeline(queue *Queue, writer *Writer, cfg PipelineConfig, logger zerolog.Logger) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	return &Pipeline{
		queue:  queue,
		writer: writer,
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Enqueue records an event for asynchronous persistence.
func (p *Pipeline) Enqueue(ctx context.Context, ev Event) error {
	return p.queue.Enqueue(ctx, ev)
}

// Start requeues entries stranded by a previous crash, then spawns the
// drain workers and a depth sampler.
func (p *Pipeline) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)

	recovered, err := p.queue.Recover(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		p.logger.Warn().
			Int("entries", recovered).
			Str("event", "audit.recovered").
			Msg("requeued audit entries from a previous run")
	}

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.drain(ctx, i)
	}
	p.wg.Add(1)
	go p.sampleDepth(ctx)

	p.logger.Info().
		Int("workers", p.cfg.Workers).
		Str("event", "audit.started").
		Msg("audit pipeline started")
	return nil
}

// Close stops the workers. A graceful close (force=false) lets in-flight
// entries finish their write; force cancels them immediately, leaving
// claimed entries on the active list for recovery on the next start.
// Test harnesses force-close so a stuck writer cannot hang the run.
func (p *Pipeline) Close(force bool) {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		if force && p.cancel != nil {
			p.cancel()
		}
	})
	p.wg.Wait()
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *Pipeline) drain(ctx context.Context, id int) {
	defer p.wg.Done()
	logger := p.logger.With().Int("worker", id).Logger()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		payload, err := p.queue.Claim(ctx, time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Str("event", "audit.claim_failed").Msg("claim failed")
			p.sleep(time.Second)
			continue
		}
		if payload == nil {
			continue
		}
		p.process(ctx, logger, payload)
	}
}

// process writes one claimed entry, retrying with exponential backoff.
func (p *Pipeline) process(ctx context.Context, logger zerolog.Logger, payload []byte) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		// Malformed entries cannot succeed on retry.
		logger.Error().Err(err).
			Str("payload", string(payload)).
			Str("event", "audit.malformed").
			Msg("dropping malformed audit entry to failed bucket")
		p.abandon(ctx, logger, payload)
		return
	}

	backoff := p.cfg.BackoffBase
	for attempt := 1; ; attempt++ {
		err := p.writer.Write(ctx, ev)
		if err == nil {
			if err := p.queue.Ack(ctx, payload); err != nil {
				logger.Warn().Err(err).
					Str("session_id", ev.SessionID).
					Msg("failed to ack audit entry")
			}
			metrics.IncAuditEvent("written")
			return
		}
		if attempt >= p.cfg.RetryAttempts {
			logger.Error().Err(err).
				Str("session_id", ev.SessionID).
				Int64("version", ev.Version).
				Str("payload", string(payload)).
				Int("attempts", attempt).
				Str("event", "audit.abandoned").
				Msg("audit entry exhausted retries")
			p.abandon(ctx, logger, payload)
			return
		}

		metrics.IncAuditEvent("retried")
		logger.Warn().Err(err).
			Str("session_id", ev.SessionID).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("audit write failed, retrying")

		select {
		case <-p.stopCh:
			// Leave the entry on the active list for recovery.
			return
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (p *Pipeline) abandon(ctx context.Context, logger zerolog.Logger, payload []byte) {
	metrics.IncAuditEvent("abandoned")
	if err := p.queue.Abandon(ctx, payload); err != nil {
		logger.Error().Err(err).Msg("failed to park audit entry in failed bucket")
	}
}

func (p *Pipeline) sampleDepth(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			pending, failed, err := p.queue.Depth(ctx)
			if err != nil {
				continue
			}
			metrics.SetAuditQueueDepth(pending, failed)
		}
	}
}

func (p *Pipeline) sleep(d time.Duration) {
	select {
	case <-p.stopCh:
	case <-time.After(d):
	}
}
