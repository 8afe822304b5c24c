// Package pipeline implements the guaranteed ingestion pipeline: a bounded
// worker pool that fans literature records out across a pool of flaky
// classification endpoints and guarantees every input record reaches a
// terminal outcome (created, duplicate-skipped, or durably failed), never
// silently dropped and never double-created.
package pipeline

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"vigilit/internal/classifier"
	"vigilit/internal/database"
	"vigilit/internal/model"
	"vigilit/internal/workflow"
)

// CaseStore is the slice of the record store the pipeline needs
type CaseStore interface {
	FindCaseByPMID(ctx context.Context, org, pmid string) (*model.CaseRecord, error)
	CreateCase(ctx context.Context, record *model.CaseRecord) error
}

// PayloadArchive stores raw endpoint payloads for traceability. Optional;
// archive failures never fail the item.
type PayloadArchive interface {
	StoreRawPayload(ctx context.Context, org, pmid string, payload []byte) (string, error)
}

// Config tunes one pipeline instance
type Config struct {
	MaxConcurrency         int
	PerEndpointConcurrency int
	RequestTimeout         time.Duration
	MaxAttemptsPerItem     int
	BackoffBase            time.Duration
	BackoffCap             time.Duration
	BreakerThreshold       int
	BreakerCooldown        time.Duration
	FailureCooldown        time.Duration
}

// Summary is the result of one run. Partial failure is a normal outcome:
// the run never errors because individual items failed.
type Summary struct {
	Found       int
	Created     int
	Duplicates  int
	Failed      int
	FailedItems []model.FailedItem
	SuccessRate float64
	Aborted     bool
}

// Pipeline drives ingestion runs against a fixed endpoint pool
type Pipeline struct {
	store     CaseStore
	endpoints *EndpointSet
	archive   PayloadArchive
	cfg       Config
}

func New(store CaseStore, clients []Classifier, archive PayloadArchive, cfg Config) *Pipeline {
	// Budget guard: each item should get at least one attempt per endpoint
	if minAttempts := 2 * len(clients); cfg.MaxAttemptsPerItem < minAttempts {
		log.Warn().
			Int("configured", cfg.MaxAttemptsPerItem).
			Int("raised_to", minAttempts).
			Msg("Max attempts per item below twice the endpoint count, raising")
		cfg.MaxAttemptsPerItem = minAttempts
	}
	if cfg.MaxAttemptsPerItem <= 0 {
		cfg.MaxAttemptsPerItem = 1
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}

	return &Pipeline{
		store:     store,
		endpoints: NewEndpointSet(clients, cfg.PerEndpointConcurrency, cfg.BreakerThreshold, cfg.BreakerCooldown, cfg.FailureCooldown),
		archive:   archive,
		cfg:       cfg,
	}
}

// EndpointHealth exposes the advisory endpoint state for diagnostics
func (p *Pipeline) EndpointHealth() []EndpointHealth {
	return p.endpoints.Health()
}

type item struct {
	rec      model.IngestRecord
	attempts int
	tried    map[string]bool
	lastErr  error
}

// Run processes one batch of records for an organization. Records listed in
// autoPass skip triage at placement. Outcomes stream into the tracker as
// they resolve; the returned summary totals always add up to the input
// size. Cancelling ctx stops intake gracefully: in-flight calls resolve,
// everything not yet processed resolves as failed.
func (p *Pipeline) Run(ctx context.Context, org string, records []model.IngestRecord, autoPass map[string]bool, tracker *Tracker) Summary {
	summary := Summary{Found: len(records)}
	if len(records) == 0 {
		return summary
	}

	if p.endpoints.Size() == 0 {
		for _, rec := range records {
			summary.Failed++
			summary.FailedItems = append(summary.FailedItems, failedItem(rec, 0, "no classification endpoints configured"))
		}
		summary.Aborted = true
		return summary
	}

	runCtx, abort := context.WithCancel(ctx)
	defer abort()

	var aborted atomic.Bool
	abortRun := func() {
		aborted.Store(true)
		abort()
	}

	queue := make(chan *item, len(records))
	events := make(chan Outcome, len(records))

	var wg sync.WaitGroup
	wg.Add(len(records))

	for _, rec := range records {
		queue <- &item{rec: rec, tried: make(map[string]bool)}
	}

	for i := 0; i < p.cfg.MaxConcurrency; i++ {
		go p.worker(runCtx, org, autoPass, queue, events, &wg, abortRun)
	}

	// Workers report outcomes on the events channel; this task folds them
	// into the tracker, which decides when to persist.
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for o := range events {
			if tracker != nil {
				tracker.Apply(ctx, o)
			}
			switch o.Kind {
			case OutcomeCreated:
				summary.Created++
			case OutcomeDuplicate:
				summary.Duplicates++
			case OutcomeFailed:
				summary.Failed++
				summary.FailedItems = append(summary.FailedItems, failedItem(o.Record, o.Attempts, o.Error))
			}
		}
	}()

	wg.Wait()
	close(queue)
	close(events)
	<-collected

	if tracker != nil {
		tracker.Flush(ctx)
	}

	summary.Aborted = aborted.Load()
	if summary.Found > 0 {
		summary.SuccessRate = float64(summary.Created+summary.Duplicates) / float64(summary.Found)
	}

	log.Info().
		Str("org", org).
		Int("found", summary.Found).
		Int("created", summary.Created).
		Int("duplicates", summary.Duplicates).
		Int("failed", summary.Failed).
		Bool("aborted", summary.Aborted).
		Msg("Ingestion run finished")

	return summary
}

func (p *Pipeline) worker(ctx context.Context, org string, autoPass map[string]bool, queue chan *item, events chan<- Outcome, wg *sync.WaitGroup, abortRun func()) {
	for it := range queue {
		p.process(ctx, org, autoPass, it, queue, events, wg, abortRun)
	}
}

// process drives one item one step: dedup probe, endpoint call, then either
// case creation or a backoff requeue. Terminal outcomes go to events and
// count down the run's WaitGroup exactly once per input record.
func (p *Pipeline) process(ctx context.Context, org string, autoPass map[string]bool, it *item, queue chan *item, events chan<- Outcome, wg *sync.WaitGroup, abortRun func()) {
	finish := func(o Outcome) {
		events <- o
		wg.Done()
	}

	if ctx.Err() != nil {
		finish(failedOutcome(it.rec, it.attempts, cancelMessage(it)))
		return
	}

	// Dedup probe before any endpoint call
	existing, err := p.store.FindCaseByPMID(ctx, org, it.rec.PMID)
	if err != nil {
		// Store trouble is not an item-level failure to retry forever:
		// halt intake and let the caller restart the job.
		log.Error().Err(err).Str("pmid", it.rec.PMID).Msg("Store unavailable during dedup check, halting intake")
		abortRun()
		finish(failedOutcome(it.rec, it.attempts, "store unavailable: "+err.Error()))
		return
	}
	if existing != nil {
		finish(duplicateOutcome(it.rec))
		return
	}

	client, ok := p.acquireEndpoint(ctx, it.tried)
	if !ok {
		finish(failedOutcome(it.rec, it.attempts, cancelMessage(it)))
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	start := time.Now()
	result, err := client.Classify(callCtx, it.rec.PMID, "", it.rec.Title)
	cancel()

	it.tried[client.Name()] = true

	if err != nil {
		p.endpoints.ReportFailure(client.Name())
		it.attempts++
		it.lastErr = err

		if it.attempts >= p.cfg.MaxAttemptsPerItem {
			log.Warn().
				Str("pmid", it.rec.PMID).
				Int("attempts", it.attempts).
				Err(err).
				Msg("Retry budget exhausted, recording durable failure")
			finish(failedOutcome(it.rec, it.attempts, err.Error()))
			return
		}

		// Requeue after backoff; the item stays accounted for on the
		// WaitGroup until it reaches a terminal outcome.
		delay := p.backoffDelay(it.attempts)
		go func() {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
				queue <- it
			case <-ctx.Done():
				finish(failedOutcome(it.rec, it.attempts, cancelMessage(it)))
			}
		}()
		return
	}

	p.endpoints.ReportSuccess(client.Name(), time.Since(start))
	it.attempts++

	track := classifier.Classify(result.Label, result.ConfirmedFlag, result.SecondaryLabel)
	stage, subStatus := workflow.InitialPlacement(track, autoPass[it.rec.PMID])

	rawURL := ""
	if p.archive != nil && len(result.RawPayload) > 0 {
		url, archiveErr := p.archive.StoreRawPayload(ctx, org, it.rec.PMID, result.RawPayload)
		if archiveErr != nil {
			log.Warn().Err(archiveErr).Str("pmid", it.rec.PMID).Msg("Failed to archive raw payload")
		} else {
			rawURL = url
		}
	}

	record := &model.CaseRecord{
		OrganizationID:      org,
		PMID:                it.rec.PMID,
		Title:               it.rec.Title,
		Track:               track,
		ClassificationLabel: result.Label,
		SecondaryLabel:      result.SecondaryLabel,
		ConfirmedFlag:       result.ConfirmedFlag,
		Stage:               stage,
		SubStatus:           subStatus,
		Status:              workflow.StatusLabel(stage),
		IsAutoPassed:        autoPass[it.rec.PMID],
		RawPayloadURL:       rawURL,
	}

	if err := p.store.CreateCase(ctx, record); err != nil {
		if errors.Is(err, database.ErrDuplicateCase) {
			// A concurrent run won the create; the unique index keeps
			// creation exactly-once.
			finish(duplicateOutcome(it.rec))
			return
		}
		log.Error().Err(err).Str("pmid", it.rec.PMID).Msg("Store unavailable during case creation, halting intake")
		abortRun()
		finish(failedOutcome(it.rec, it.attempts, "store unavailable: "+err.Error()))
		return
	}

	finish(createdOutcome(it.rec, it.attempts))
}

// acquireEndpoint blocks until an endpoint slot is available or the run is
// cancelled. Waiting for capacity does not consume the item's attempt
// budget.
func (p *Pipeline) acquireEndpoint(ctx context.Context, tried map[string]bool) (Classifier, bool) {
	for {
		client, ok, retryAt := p.endpoints.Acquire(tried)
		if ok {
			return client, true
		}

		wait := time.Until(retryAt)
		if wait < 50*time.Millisecond {
			wait = 50 * time.Millisecond
		}
		if wait > 2*time.Second {
			wait = 2 * time.Second
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, false
		}
		timer.Stop()
	}
}

// backoffDelay is exponential with jitter: min(base*attempts, cap) plus a
// random slice of the base
func (p *Pipeline) backoffDelay(attempts int) time.Duration {
	base := p.cfg.BackoffBase
	if base <= 0 {
		base = time.Second
	}

	delay := base * time.Duration(attempts)
	if p.cfg.BackoffCap > 0 && delay > p.cfg.BackoffCap {
		delay = p.cfg.BackoffCap
	}

	jitter := time.Duration(rand.Int63n(int64(base)/2 + 1))
	return delay + jitter
}

func cancelMessage(it *item) string {
	if it.lastErr != nil {
		return "run cancelled before item resolved, last error: " + it.lastErr.Error()
	}
	return "run cancelled before item resolved"
}

func failedItem(rec model.IngestRecord, attempts int, msg string) model.FailedItem {
	return model.FailedItem{
		PMID:     rec.PMID,
		Title:    rec.Title,
		Abstract: rec.Abstract,
		Error:    msg,
		Attempts: attempts,
	}
}
