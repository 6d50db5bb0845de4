package engine

import (
	"fmt"
	"strings"

	"github.com/itskum47/fleetconsole/console/journal"
	"github.com/itskum47/fleetconsole/console/lifecycle"
	"github.com/itskum47/fleetconsole/console/push"
	"github.com/itskum47/fleetconsole/console/reconcile"
	"github.com/itskum47/fleetconsole/console/store"
)

const hintPinging = "pinging"

// executionMutation wraps patch into a sequenced mutation that journals
// status changes.
func (e *Engine) executionMutation(ev push.Event, patch func(x *store.Execution) error) reconcile.Mutation {
	key := store.IDKey(ev.ExecutionID)
	return reconcile.Mutation{
		Kind:     store.KindExecution,
		Key:      key,
		Sequence: ev.Sequence,
		Source:   "event",
		Apply: func(cur store.Record) (store.Record, error) {
			x, ok := cur.(store.Execution)
			if !ok {
				return nil, fmt.Errorf("record %s is %T", key, cur)
			}
			from := x.Status
			if err := patch(&x); err != nil {
				return nil, err
			}
			if ev.Sequence > x.Sequence {
				x.Sequence = ev.Sequence
			}
			if x.Status != from {
				e.journal.Record(journal.Entry{
					Kind: store.KindExecution, Key: key,
					From: string(from), To: string(x.Status),
					Source: string(ev.Name), Detail: ev.Message,
				})
			}
			return x, nil
		},
	}
}

func (e *Engine) onExecutionStatus(ev push.Event) {
	e.rec.Submit(e.executionMutation(ev, func(x *store.Execution) error {
		to := lifecycle.NormalizeExecutionStatus(ev.Status)
		if !lifecycle.ValidExecutionStatus(to) {
			return fmt.Errorf("unknown execution status %q", ev.Status)
		}
		if err := lifecycle.CheckExecutionTransition(x.Status, to); err != nil {
			return err
		}
		x.Status = to
		if to == store.ExecRunning && x.StartedAt == nil {
			t := ev.ReceivedAt
			x.StartedAt = &t
		}
		if lifecycle.ExecutionTerminal(to) && x.CompletedAt == nil {
			t := ev.ReceivedAt
			x.CompletedAt = &t
		}
		return nil
	}))
}

// Progress implies the run has started.
func (e *Engine) onExecutionProgress(ev push.Event) {
	e.rec.Submit(e.executionMutation(ev, func(x *store.Execution) error {
		if err := lifecycle.CheckExecutionTransition(x.Status, store.ExecRunning); err != nil {
			return err
		}
		if x.Status != store.ExecRunning {
			x.Status = store.ExecRunning
			t := ev.ReceivedAt
			x.StartedAt = &t
		}
		if ev.CurrentPlaybook != "" {
			x.CurrentPlaybook = ev.CurrentPlaybook
		}
		if ev.Message != "" {
			x.Output = appendLine(x.Output, ev.Message)
		}
		return nil
	}))
}

func (e *Engine) onExecutionComplete(ev push.Event) {
	e.rec.Submit(e.executionMutation(ev, func(x *store.Execution) error {
		to := store.ExecCompleted
		if ev.Status != "" {
			to = lifecycle.NormalizeExecutionStatus(ev.Status)
		}
		if !lifecycle.ExecutionTerminal(to) || !lifecycle.ValidExecutionStatus(to) {
			return fmt.Errorf("completion with non-final status %q", ev.Status)
		}
		if err := lifecycle.CheckExecutionTransition(x.Status, to); err != nil {
			return err
		}
		x.Status = to
		if ev.Output != "" {
			x.Output = ev.Output
		}
		if ev.Errors != "" {
			x.ErrorOutput = ev.Errors
		}
		t := ev.ReceivedAt
		x.CompletedAt = &t
		x.CurrentPlaybook = ""
		return nil
	}))
}

func (e *Engine) onExecutionCancelled(ev push.Event) {
	e.rec.Submit(e.executionMutation(ev, func(x *store.Execution) error {
		if err := lifecycle.CheckExecutionTransition(x.Status, store.ExecCancelled); err != nil {
			return err
		}
		x.Status = store.ExecCancelled
		t := ev.ReceivedAt
		x.CompletedAt = &t
		x.CurrentPlaybook = ""
		return nil
	}))
}

// Ping results carry no sequence; the latest one wins.
func (e *Engine) onNodePingResult(ev push.Event) {
	key := store.IDKey(ev.NodeID)
	e.setHint(store.KindNode, key, "")

	status := store.NodeStatus(ev.Status)
	if status == "" || status == store.NodePinging {
		status = store.NodeUnreachable
		if ev.Success != nil && *ev.Success {
			status = store.NodeReachable
		}
	}

	rec, _ := e.rec.ApplyConfirmed(store.KindNode, key, func(cur store.Record) (store.Record, error) {
		n, ok := cur.(store.Node)
		if !ok {
			return nil, nil
		}
		n.Status = status
		t := ev.ReceivedAt
		n.LastChecked = &t
		return n, nil
	})
	if rec == nil {
		e.rec.RequestRefresh(store.KindNode)
	}
}

func appendLine(out, line string) string {
	if out == "" || strings.HasSuffix(out, "\n") {
		return out + line + "\n"
	}
	return out + "\n" + line + "\n"
}
