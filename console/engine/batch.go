package engine

import (
	"context"
	"fmt"
	"log"

	"github.com/itskum47/fleetconsole/console/batch"
	"github.com/itskum47/fleetconsole/console/fault"
	"github.com/itskum47/fleetconsole/console/journal"
	"github.com/itskum47/fleetconsole/console/store"
)

type BatchOp string

const (
	BatchDelete          BatchOp = "delete"
	BatchPing            BatchOp = "ping"
	BatchAddToGroup      BatchOp = "add-to-group"
	BatchRemoveFromGroup BatchOp = "remove-from-group"
)

// BatchParams carries the target of membership operations.
type BatchParams struct {
	GroupID int64 `json:"group_id,omitempty"`
}

// Batch applies op to every selected entity of kind, one request per item.
// Items that succeed stay applied when others fail. An expired session
// stops the batch and is returned with the partial report.
func (e *Engine) Batch(ctx context.Context, op BatchOp, kind store.Kind, sel *batch.Selection, params BatchParams) (batch.Report, error) {
	fn, err := e.batchItem(op, kind, params)
	if err != nil {
		return batch.Report{}, err
	}
	if sel == nil || sel.Len() == 0 {
		return batch.Report{}, &fault.ValidationError{Field: "selection", Message: "nothing selected"}
	}

	name := fmt.Sprintf("%s %s", op, kind)
	report := e.batch.Run(ctx, name, sel.IDs(), fn)

	e.journal.Record(journal.Entry{Kind: kind, Source: "batch", To: string(op), Detail: report.Summary()})
	log.Printf("[ENGINE] Batch %s", report.Summary())
	if report.Aborted != nil {
		return report, report.Aborted
	}
	return report, nil
}

func (e *Engine) batchItem(op BatchOp, kind store.Kind, params BatchParams) (batch.ItemFunc, error) {
	numeric := func(fn func(ctx context.Context, id int64) error) batch.ItemFunc {
		return func(ctx context.Context, key string) error {
			id, err := store.ParseID(key)
			if err != nil {
				return &fault.ValidationError{Field: "id", Message: fmt.Sprintf("invalid id %q", key)}
			}
			return fn(ctx, id)
		}
	}

	switch {
	case op == BatchDelete && kind == store.KindNode:
		return numeric(e.DeleteNode), nil
	case op == BatchDelete && kind == store.KindGroup:
		return numeric(e.DeleteGroup), nil
	case op == BatchDelete && kind == store.KindPlaybook:
		return e.DeletePlaybook, nil
	case op == BatchPing && kind == store.KindNode:
		return numeric(e.PingNode), nil
	case op == BatchAddToGroup && kind == store.KindNode:
		if params.GroupID == 0 {
			break
		}
		return numeric(func(ctx context.Context, id int64) error {
			_, err := e.AddNodesToGroup(ctx, params.GroupID, []int64{id})
			return err
		}), nil
	case op == BatchRemoveFromGroup && kind == store.KindNode:
		if params.GroupID == 0 {
			break
		}
		return numeric(func(ctx context.Context, id int64) error {
			_, err := e.RemoveNodeFromGroup(ctx, params.GroupID, id)
			return err
		}), nil
	default:
		return nil, &fault.ValidationError{Field: "operation", Message: fmt.Sprintf("%s is not supported on %s", op, kind)}
	}
	return nil, &fault.ValidationError{Field: "group_id", Message: "a target group is required"}
}
