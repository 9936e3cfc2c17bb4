package crawler

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Reconciler re-validates stored documents and, with operator consent,
// deletes the ones that no longer pass.
type Reconciler struct {
	store     ContentStore
	validator Validator
	prompter  Prompter
	assumeNo  bool
	recorder  Recorder
	logger    *zap.Logger
}

// ReconcilerOption tweaks a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithAssumeNo makes the sweep report invalid documents without prompting
// and without deleting anything.
func WithAssumeNo() ReconcilerOption {
	return func(r *Reconciler) { r.assumeNo = true }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(rec Recorder) ReconcilerOption {
	return func(r *Reconciler) {
		if rec != nil {
			r.recorder = rec
		}
	}
}

// NewReconciler builds a Reconciler.
func NewReconciler(
	store ContentStore,
	validator Validator,
	prompter Prompter,
	logger *zap.Logger,
	opts ...ReconcilerOption,
) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reconciler{
		store:     store,
		validator: validator,
		prompter:  prompter,
		recorder:  nopRecorder{},
		logger:    logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile sweeps every stored document in listing order. Only a listing
// failure or an operator abort ends the sweep early; per-document read and
// delete failures are logged and the document left in place.
func (r *Reconciler) Reconcile(ctx context.Context) (ReconcileSummary, error) {
	var summary ReconcileSummary
	hashes, err := r.store.List(ctx)
	if err != nil {
		return summary, fmt.Errorf("list store: %w", err)
	}

	for _, hash := range hashes {
		if err := ctx.Err(); err != nil {
			return summary, fmt.Errorf("reconcile canceled: %w", err)
		}
		name := r.store.Name(hash)
		summary.Checked++

		raw, err := r.store.Read(ctx, hash)
		if err != nil {
			summary.ReadErrors++
			r.recorder.ObserveReconcile(OutcomeReadError)
			r.logger.Warn("Error reading stored file", zap.String("file", name), zap.Error(err))
			continue
		}
		if r.validator.Valid(raw) {
			r.recorder.ObserveReconcile(OutcomeValid)
			continue
		}
		summary.Invalid++

		remove, err := r.confirm(ctx, name)
		if err != nil {
			return summary, fmt.Errorf("prompt for %s: %w", name, err)
		}
		if !remove {
			summary.Kept++
			r.recorder.ObserveReconcile(OutcomeKept)
			r.logger.Info("Kept file", zap.String("file", name))
			continue
		}
		if err := r.store.Delete(ctx, hash); err != nil {
			summary.DeleteErrors++
			summary.Kept++
			r.recorder.ObserveReconcile(OutcomeDeleteError)
			r.logger.Error("Error deleting file", zap.String("file", name), zap.Error(err))
			continue
		}
		summary.Deleted++
		r.recorder.ObserveReconcile(OutcomeDeleted)
		r.logger.Info("Deleted file", zap.String("file", name))
	}
	return summary, nil
}

func (r *Reconciler) confirm(ctx context.Context, name string) (bool, error) {
	if r.assumeNo || r.prompter == nil {
		r.logger.Warn("File is no longer valid", zap.String("file", name))
		return false, nil
	}
	question := fmt.Sprintf("File '%s' is no longer valid. Do you want to delete it? (y/N): ", name)
	ok, err := r.prompter.Confirm(ctx, question)
	if err != nil {
		return false, fmt.Errorf("confirm: %w", err)
	}
	return ok, nil
}
