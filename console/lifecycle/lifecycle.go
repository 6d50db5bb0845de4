package lifecycle

import (
	"fmt"

	"github.com/itskum47/fleetconsole/console/fault"
	"github.com/itskum47/fleetconsole/console/store"
)

// TransitionError is a status change the lifecycle does not allow.
type TransitionError struct {
	Kind store.Kind
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s", e.Kind, e.From, e.To)
}

var executionEdges = map[store.ExecutionStatus][]store.ExecutionStatus{
	store.ExecQueued:  {store.ExecRunning, store.ExecCancelled},
	store.ExecRunning: {store.ExecCompleted, store.ExecFailed, store.ExecCancelled},
}

var importEdges = map[store.ImportStatus][]store.ImportStatus{
	store.ImportPending:   {store.ImportCompleted, store.ImportFailed},
	store.ImportCompleted: {store.ImportRolledBack},
}

// NormalizeExecutionStatus maps server status names onto the lifecycle.
// The server reports freshly created executions as "pending".
func NormalizeExecutionStatus(s string) store.ExecutionStatus {
	switch s {
	case "pending", "":
		return store.ExecQueued
	default:
		return store.ExecutionStatus(s)
	}
}

func ValidExecutionStatus(s store.ExecutionStatus) bool {
	switch s {
	case store.ExecQueued, store.ExecRunning, store.ExecCompleted, store.ExecFailed, store.ExecCancelled:
		return true
	}
	return false
}

func ValidImportStatus(s store.ImportStatus) bool {
	switch s {
	case store.ImportPending, store.ImportCompleted, store.ImportRolledBack, store.ImportFailed:
		return true
	}
	return false
}

// ExecutionTerminal reports whether no further transition can leave s.
func ExecutionTerminal(s store.ExecutionStatus) bool {
	return len(executionEdges[s]) == 0
}

// ImportTerminal reports whether no further transition can leave s.
// Completed imports are still open to rollback.
func ImportTerminal(s store.ImportStatus) bool {
	return len(importEdges[s]) == 0
}

func reachable[S comparable](edges map[S][]S, from, to S) bool {
	seen := map[S]bool{from: true}
	queue := []S{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range edges[cur] {
			if next == to {
				return true
			}
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// ExecutionReachable reports whether to lies forward of from.
// A missed intermediate event (queued -> completed) is still forward.
func ExecutionReachable(from, to store.ExecutionStatus) bool {
	return reachable(executionEdges, from, to)
}

func ImportReachable(from, to store.ImportStatus) bool {
	return reachable(importEdges, from, to)
}

// CheckExecutionTransition accepts forward moves and, while the execution
// is still open, same-state progress updates.
func CheckExecutionTransition(from, to store.ExecutionStatus) error {
	if from == to && !ExecutionTerminal(from) {
		return nil
	}
	if ExecutionReachable(from, to) {
		return nil
	}
	return &TransitionError{Kind: store.KindExecution, From: string(from), To: string(to)}
}

func CheckImportTransition(from, to store.ImportStatus) error {
	if ImportReachable(from, to) {
		return nil
	}
	return &TransitionError{Kind: store.KindImport, From: string(from), To: string(to)}
}

// CheckCancel rejects a cancel request against a finished execution.
// The returned PolicyError doubles as the no-op notice.
func CheckCancel(e store.Execution) error {
	if ExecutionTerminal(e.Status) {
		return &fault.PolicyError{Kind: "execution", ID: e.Key(), State: string(e.Status), Action: "cancel"}
	}
	return nil
}

func CheckExecute(i store.Import) error {
	if i.Status != store.ImportPending {
		return &fault.PolicyError{Kind: "import", ID: i.Key(), State: string(i.Status), Action: "execute"}
	}
	return nil
}

func CheckRollback(i store.Import) error {
	if i.Status != store.ImportCompleted {
		return &fault.PolicyError{Kind: "import", ID: i.Key(), State: string(i.Status), Action: "rollback"}
	}
	return nil
}

// Terminal reports whether rec has reached a state that accepts no events.
// Kinds without a lifecycle are never terminal.
func Terminal(rec store.Record) bool {
	switch r := rec.(type) {
	case store.Execution:
		return ExecutionTerminal(r.Status)
	case store.Import:
		return ImportTerminal(r.Status)
	}
	return false
}

// Regresses reports whether replacing local with incoming would move a
// lifecycle backward, e.g. a stale snapshot listing a finished run as running.
func Regresses(local, incoming store.Record) bool {
	switch l := local.(type) {
	case store.Execution:
		in, ok := incoming.(store.Execution)
		if !ok || in.Status == l.Status {
			return false
		}
		return !ExecutionReachable(l.Status, in.Status)
	case store.Import:
		in, ok := incoming.(store.Import)
		if !ok || in.Status == l.Status {
			return false
		}
		return !ImportReachable(l.Status, in.Status)
	}
	return false
}
