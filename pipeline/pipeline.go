package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apex/log"

	"cxr-report-pipeline/metrics"
	"cxr-report-pipeline/models"
	"cxr-report-pipeline/store"
)

// Stage identifies where in the pipeline a run currently is, and where a
// failed run stopped.
type Stage string

const (
	StageValidating   Stage = "validating"
	StageExtracting   Stage = "extracting_features"
	StageClassifying  Stage = "classifying"
	StageSynthesizing Stage = "synthesizing"
	StagePersisting   Stage = "persisting"
)

// StageError surfaces a stage failure to the caller with the failing stage
// identified. The underlying cause is preserved for errors.Is/As.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline failed at stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Validator checks an upload before any network call.
type Validator interface {
	Validate(data []byte, declaredMime, filename string) (*models.ImageSubmission, error)
}

// AIClient performs the two remote inference calls.
type AIClient interface {
	ExtractFeatures(ctx context.Context, sub *models.ImageSubmission) (models.FeatureVector, error)
	Classify(ctx context.Context, features models.FeatureVector) (models.ProbeResult, error)
}

// Synthesizer turns probe scores into narrative sections.
type Synthesizer interface {
	Synthesize(ctx context.Context, probe models.ProbeResult, cc models.CaseContext) (models.ReportSections, error)
}

// Store persists and retrieves report records.
type Store interface {
	Put(ctx context.Context, rec *models.ReportRecord) error
	Get(ctx context.Context, fingerprint string) (*models.ReportRecord, error)
	ListRecent(ctx context.Context, limit int) ([]*models.ReportRecord, error)
}

// Publisher emits finalized-report events. Optional; a nil publisher is
// tolerated and publishing failures never fail a run.
type Publisher interface {
	Publish(message interface{}) error
}

// Orchestrator composes validation, inference, synthesis, and persistence
// into one end-to-end operation. Stages within a run execute strictly
// sequentially; runs for different fingerprints proceed fully in parallel.
// Runs racing on the same fingerprint are reconciled at the store's
// conditional insert: the first successful writer wins.
type Orchestrator struct {
	validator   Validator
	ai          AIClient
	synthesizer Synthesizer
	store       Store
	publisher   Publisher
	runDeadline time.Duration
}

// New creates an orchestrator. publisher may be nil.
func New(v Validator, ai AIClient, synth Synthesizer, st Store, pub Publisher, runDeadline time.Duration) *Orchestrator {
	return &Orchestrator{
		validator:   v,
		ai:          ai,
		synthesizer: synth,
		store:       st,
		publisher:   pub,
		runDeadline: runDeadline,
	}
}

// Run executes the full pipeline for a raw image upload and returns the
// finalized report record. Byte-identical resubmissions short-circuit to the
// stored record without any network calls, so duplicate uploads are never
// billed twice against the AI service.
func (o *Orchestrator) Run(ctx context.Context, raw []byte, declaredMime, filename string) (*models.ReportRecord, error) {
	fp := models.Fingerprint(raw)
	logger := log.WithField("fingerprint", shortFP(fp))

	metrics.RunsInFlight.Inc()
	defer metrics.RunsInFlight.Dec()

	if rec := o.lookupFinalized(ctx, fp); rec != nil {
		logger.Info("returning cached report for resubmitted image")
		metrics.CacheHitsTotal.Inc()
		return rec, nil
	}

	ctx, cancel := o.withRunDeadline(ctx)
	defer cancel()

	var sub *models.ImageSubmission
	err := o.runStage(ctx, StageValidating, func(context.Context) error {
		var err error
		sub, err = o.validator.Validate(raw, declaredMime, filename)
		return err
	})
	if err != nil {
		return nil, err
	}

	var features models.FeatureVector
	err = o.runStage(ctx, StageExtracting, func(ctx context.Context) error {
		var err error
		features, err = o.ai.ExtractFeatures(ctx, sub)
		return err
	})
	if err != nil {
		return nil, err
	}

	var probe models.ProbeResult
	err = o.runStage(ctx, StageClassifying, func(ctx context.Context) error {
		var err error
		probe, err = o.ai.Classify(ctx, features)
		return err
	})
	if err != nil {
		return nil, err
	}

	rec := &models.ReportRecord{
		Fingerprint: fp,
		Filename:    sub.Filename,
		ProbeResult: probe,
		Status:      models.StatusDraft,
	}

	err = o.runStage(ctx, StageSynthesizing, func(ctx context.Context) error {
		sections, err := o.synthesizer.Synthesize(ctx, probe, models.CaseContext{Filename: sub.Filename})
		if err != nil {
			return err
		}
		rec.Sections = sections
		return nil
	})
	if err != nil {
		return nil, err
	}

	return o.persist(ctx, rec)
}

// RunFromProbe skips the image stages and synthesizes a report directly from
// already-available probe scores, fingerprinted by their canonical encoding.
func (o *Orchestrator) RunFromProbe(ctx context.Context, probe models.ProbeResult, cc models.CaseContext) (*models.ReportRecord, error) {
	fp := models.ProbeFingerprint(probe)

	metrics.RunsInFlight.Inc()
	defer metrics.RunsInFlight.Dec()

	if rec := o.lookupFinalized(ctx, fp); rec != nil {
		metrics.CacheHitsTotal.Inc()
		return rec, nil
	}

	ctx, cancel := o.withRunDeadline(ctx)
	defer cancel()

	rec := &models.ReportRecord{
		Fingerprint: fp,
		Filename:    cc.Filename,
		ProbeResult: probe,
		Status:      models.StatusDraft,
	}

	err := o.runStage(ctx, StageSynthesizing, func(ctx context.Context) error {
		sections, err := o.synthesizer.Synthesize(ctx, probe, cc)
		if err != nil {
			return err
		}
		rec.Sections = sections
		return nil
	})
	if err != nil {
		return nil, err
	}

	return o.persist(ctx, rec)
}

// persist finalizes the record and writes it. Losing the write race is not a
// failure: the canonical record written by the winner is returned instead,
// and this run's result is discarded.
func (o *Orchestrator) persist(ctx context.Context, rec *models.ReportRecord) (*models.ReportRecord, error) {
	rec.Status = models.StatusFinalized
	rec.CreatedAt = time.Now().UTC()

	err := o.runStage(ctx, StagePersisting, func(ctx context.Context) error {
		err := o.store.Put(ctx, rec)
		if errors.Is(err, store.ErrConflict) {
			existing, getErr := o.store.Get(ctx, rec.Fingerprint)
			if getErr != nil {
				return fmt.Errorf("lost write race but failed to read canonical record: %w", getErr)
			}
			log.WithField("fingerprint", shortFP(rec.Fingerprint)).
				Info("concurrent run already finalized this report, returning existing record")
			metrics.WriteConflictsTotal.Inc()
			*rec = *existing
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	o.publishFinalized(rec)
	return rec, nil
}

// lookupFinalized returns the stored record when a finalized report already
// exists for the fingerprint. Lookup errors other than not-found are logged
// and treated as a miss so a degraded store read cannot block new runs.
func (o *Orchestrator) lookupFinalized(ctx context.Context, fp string) *models.ReportRecord {
	rec, err := o.store.Get(ctx, fp)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.WithError(err).Warn("report lookup failed, proceeding with full pipeline")
		}
		return nil
	}
	if rec.Status != models.StatusFinalized {
		return nil
	}
	return rec
}

func (o *Orchestrator) withRunDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.runDeadline <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, o.runDeadline)
}

// runStage executes one stage, records its duration, and wraps any failure
// with the stage identity. A failed stage aborts the remaining stages; no
// partial report is persisted for a failed run.
func (o *Orchestrator) runStage(ctx context.Context, stage Stage, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		metrics.StagesTotal.WithLabelValues(string(stage), "aborted").Inc()
		return &StageError{Stage: stage, Err: err}
	}

	start := time.Now()
	err := fn(ctx)
	metrics.StageDurationSeconds.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.StagesTotal.WithLabelValues(string(stage), "error").Inc()
		return &StageError{Stage: stage, Err: err}
	}
	metrics.StagesTotal.WithLabelValues(string(stage), "ok").Inc()
	return nil
}

func (o *Orchestrator) publishFinalized(rec *models.ReportRecord) {
	if o.publisher == nil {
		return
	}
	if err := o.publisher.Publish(rec); err != nil {
		log.WithError(err).WithField("fingerprint", shortFP(rec.Fingerprint)).
			Warn("failed to publish finalized report event")
	}
}

func shortFP(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
