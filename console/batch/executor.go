package batch

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/itskum47/fleetconsole/console/fault"
	"github.com/itskum47/fleetconsole/console/observability"
)

// Failure is one item that did not go through.
type Failure struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// Report is the aggregate result of a batch. Both lists keep input order.
type Report struct {
	Operation string    `json:"operation"`
	Succeeded []string  `json:"succeeded"`
	Failed    []Failure `json:"failed"`
	// Aborted is set when an item error stopped the batch.
	Aborted error `json:"-"`
}

// Err returns a PartialFailureError when any item failed.
func (r Report) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	return &PartialFailureError{
		Operation: r.Operation,
		Total:     len(r.Succeeded) + len(r.Failed),
		Succeeded: len(r.Succeeded),
		Failed:    len(r.Failed),
	}
}

// Summary is the single notification shown after a batch.
func (r Report) Summary() string {
	total := len(r.Succeeded) + len(r.Failed)
	if len(r.Failed) == 0 {
		return fmt.Sprintf("%s: %d of %d succeeded", r.Operation, len(r.Succeeded), total)
	}
	ids := make([]string, len(r.Failed))
	for i, f := range r.Failed {
		ids[i] = f.ID
	}
	return fmt.Sprintf("%s: %d of %d succeeded, failed: %s",
		r.Operation, len(r.Succeeded), total, strings.Join(ids, ", "))
}

// ItemFunc performs the single-entity operation for one id.
type ItemFunc func(ctx context.Context, id string) error

// Executor runs single-item operations over a selection. It never rolls
// back items that already succeeded.
type Executor struct {
	pacer *TokenBucketPacer
}

func NewExecutor(pacer *TokenBucketPacer) *Executor {
	if pacer == nil {
		pacer = NewTokenBucketPacer(0, 1)
	}
	return &Executor{pacer: pacer}
}

// Run invokes fn for every id in order and continues past failures.
// Once ctx is done the remaining ids are reported failed with ctx's error.
// An expired session stops the batch: every remaining id fails with it.
func (e *Executor) Run(ctx context.Context, op string, ids []string, fn ItemFunc) Report {
	report := Report{Operation: op, Succeeded: []string{}, Failed: []Failure{}}
	pacer := e.pacer.For(op)

	for i, id := range ids {
		if err := pacer.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			report.Failed = append(report.Failed, Failure{ID: id, Reason: err.Error()})
			observability.BatchItems.WithLabelValues(op, "failed").Inc()
			continue
		}

		if err := fn(ctx, id); err != nil {
			if fault.IsSessionExpired(err) {
				for _, rest := range ids[i:] {
					report.Failed = append(report.Failed, Failure{ID: rest, Reason: err.Error()})
					observability.BatchItems.WithLabelValues(op, "failed").Inc()
				}
				report.Aborted = err
				log.Printf("[BATCH] %s stopped at %s: %v", op, id, err)
				break
			}
			report.Failed = append(report.Failed, Failure{ID: id, Reason: err.Error()})
			observability.BatchItems.WithLabelValues(op, "failed").Inc()
			continue
		}
		report.Succeeded = append(report.Succeeded, id)
		observability.BatchItems.WithLabelValues(op, "succeeded").Inc()
	}

	if len(report.Failed) > 0 {
		log.Printf("[BATCH] %v", report.Err())
	}
	return report
}
