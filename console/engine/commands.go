package engine

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/itskum47/fleetconsole/console/client"
	"github.com/itskum47/fleetconsole/console/fault"
	"github.com/itskum47/fleetconsole/console/inventory"
	"github.com/itskum47/fleetconsole/console/journal"
	"github.com/itskum47/fleetconsole/console/lifecycle"
	"github.com/itskum47/fleetconsole/console/store"
)

// SubmitExecution starts a run. The new record enters the store as queued
// and follows push events from there.
func (e *Engine) SubmitExecution(ctx context.Context, req client.ExecutionRequest) (store.Execution, error) {
	if len(req.Playbooks) == 0 {
		return store.Execution{}, &fault.ValidationError{Field: "playbooks", Message: "At least one playbook is required"}
	}
	if len(req.TargetNodes) == 0 && len(req.TargetGroups) == 0 {
		return store.Execution{}, &fault.ValidationError{Field: "targets", Message: "At least one target node or group is required"}
	}

	x, err := e.backend.SubmitExecution(ctx, req)
	if err != nil {
		return store.Execution{}, err
	}
	e.rec.ApplyCreated(x)
	e.journal.Record(journal.Entry{
		Kind: store.KindExecution, Key: x.Key(), To: string(x.Status), Source: "rest",
		Detail: strings.Join(x.Playbooks, ","),
	})
	log.Printf("[ENGINE] Execution %d submitted (%d playbooks)", x.ID, len(x.Playbooks))

	cur, _ := store.Get[store.Execution](e.store, x.Key())
	return cur, nil
}

// CancelExecution asks the server to cancel a run. Nothing changes locally
// until the execution_cancelled event arrives.
func (e *Engine) CancelExecution(ctx context.Context, id int64) error {
	x, err := e.execution(ctx, id)
	if err != nil {
		return err
	}
	if err := lifecycle.CheckCancel(x); err != nil {
		return err
	}
	if _, err := e.backend.CancelExecution(ctx, id); err != nil {
		return err
	}
	log.Printf("[ENGINE] Cancel requested for execution %d", id)
	return nil
}

func (e *Engine) execution(ctx context.Context, id int64) (store.Execution, error) {
	if x, ok := store.Get[store.Execution](e.store, store.IDKey(id)); ok {
		return x, nil
	}
	x, err := e.backend.GetExecution(ctx, id)
	if err != nil {
		return store.Execution{}, err
	}
	e.rec.ApplyRecord(x)
	cur, _ := store.Get[store.Execution](e.store, x.Key())
	return cur, nil
}

// UploadImport stages an inventory file and returns the pending import.
func (e *Engine) UploadImport(ctx context.Context, filename string, content []byte) (store.Import, error) {
	format, err := inventory.FormatFromFilename(filename)
	if err != nil {
		return store.Import{}, err
	}
	if err := inventory.CheckContent(content); err != nil {
		return store.Import{}, err
	}

	res, err := e.backend.UploadImport(ctx, filename, content)
	if err != nil {
		return store.Import{}, e.importRejected(err)
	}
	return e.stageImport(res, filename, format, content), nil
}

// PasteImport stages pasted inventory content. An empty format is sniffed.
func (e *Engine) PasteImport(ctx context.Context, content, format string) (store.Import, error) {
	if err := inventory.CheckContent([]byte(content)); err != nil {
		return store.Import{}, err
	}
	if format == "" {
		format = inventory.Sniff(content)
	}
	format, err := inventory.NormalizeFormat(format)
	if err != nil {
		return store.Import{}, err
	}

	res, err := e.backend.PasteImport(ctx, content, format)
	if err != nil {
		return store.Import{}, e.importRejected(err)
	}
	// The server names pasted files itself; the refresh picks the name up.
	e.rec.RequestRefresh(store.KindImport)
	return e.stageImport(res, "pasted_inventory."+format, format, []byte(content)), nil
}

// A parse failure is recorded as a failed import server side.
func (e *Engine) importRejected(err error) error {
	if fault.IsServer(err) {
		e.rec.RequestRefresh(store.KindImport)
	}
	return err
}

func (e *Engine) stageImport(res client.ImportResult, filename, format string, content []byte) store.Import {
	preview := res.Preview
	if preview == nil {
		p, err := inventory.Parse(content, format)
		if err != nil {
			log.Printf("[ENGINE] Local preview of import %d failed: %v", res.ImportID, err)
		} else {
			preview = p
		}
	}

	imp := store.Import{
		ID:        res.ImportID,
		Filename:  filename,
		Format:    format,
		Status:    store.ImportPending,
		Preview:   preview,
		CreatedAt: time.Now().UTC(),
	}
	if preview != nil {
		imp.TotalNodes = preview.TotalNodes
		imp.TotalGroups = preview.TotalGroups
	}
	e.rec.ApplyCreated(imp)
	e.journal.Record(journal.Entry{Kind: store.KindImport, Key: imp.Key(), To: string(imp.Status), Source: "rest", Detail: filename})

	cur, _ := store.Get[store.Import](e.store, imp.Key())
	return cur
}

func (e *Engine) importRecord(ctx context.Context, id int64) (store.Import, error) {
	key := store.IDKey(id)
	if imp, ok := store.Get[store.Import](e.store, key); ok {
		return imp, nil
	}
	if err := e.Refresh(ctx, store.KindImport); err != nil {
		return store.Import{}, err
	}
	if imp, ok := store.Get[store.Import](e.store, key); ok {
		return imp, nil
	}
	return store.Import{}, &fault.ValidationError{Field: "import_id", Message: fmt.Sprintf("import %d not found", id)}
}

// transitionImport records an outcome the server reported for an import.
func (e *Engine) transitionImport(key string, to store.ImportStatus, detail string, patch func(*store.Import)) {
	_, err := e.rec.ApplyConfirmed(store.KindImport, key, func(cur store.Record) (store.Record, error) {
		imp, ok := cur.(store.Import)
		if !ok {
			return nil, nil
		}
		from := imp.Status
		if err := lifecycle.CheckImportTransition(from, to); err != nil {
			return nil, err
		}
		imp.Status = to
		if patch != nil {
			patch(&imp)
		}
		e.journal.Record(journal.Entry{Kind: store.KindImport, Key: key, From: string(from), To: string(to), Source: "local", Detail: detail})
		return imp, nil
	})
	if err != nil {
		log.Printf("[ENGINE] Import %s: %v", key, err)
	}
}

// ExecuteImport creates the previewed nodes and groups.
func (e *Engine) ExecuteImport(ctx context.Context, id int64) (client.ExecuteResult, error) {
	imp, err := e.importRecord(ctx, id)
	if err != nil {
		return client.ExecuteResult{}, err
	}
	if err := lifecycle.CheckExecute(imp); err != nil {
		return client.ExecuteResult{}, err
	}

	res, err := e.backend.ExecuteImport(ctx, id)
	if err != nil {
		se, ok := fault.AsServer(err)
		switch {
		case !ok:
			// A timeout says nothing about the import.
		case se.StatusCode >= http.StatusInternalServerError:
			// The server failed the import and stored the message.
			e.transitionImport(imp.Key(), store.ImportFailed, se.Message, func(i *store.Import) {
				i.ErrorMessage = se.Message
			})
		default:
			// Refused without touching the import, e.g. already processed
			// or deleted. The server's record decides.
			if rerr := e.Refresh(ctx, store.KindImport); rerr != nil {
				e.rec.RequestRefresh(store.KindImport)
			}
		}
		return client.ExecuteResult{}, err
	}

	now := time.Now().UTC()
	e.transitionImport(imp.Key(), store.ImportCompleted, res.Message, func(i *store.Import) {
		i.ImportedAt = &now
		i.TotalNodes = res.CreatedNodes
		i.TotalGroups = res.CreatedGroups
	})
	log.Printf("[ENGINE] Import %d executed: %d nodes, %d groups", id, res.CreatedNodes, res.CreatedGroups)

	for _, k := range []store.Kind{store.KindNode, store.KindGroup, store.KindImport} {
		if err := e.Refresh(ctx, k); err != nil {
			e.rec.RequestRefresh(k)
		}
	}
	return res, nil
}

// RollbackImport deletes what an executed import created.
func (e *Engine) RollbackImport(ctx context.Context, id int64) error {
	imp, err := e.importRecord(ctx, id)
	if err != nil {
		return err
	}
	if err := lifecycle.CheckRollback(imp); err != nil {
		return err
	}

	if err := e.backend.RollbackImport(ctx, id); err != nil {
		return err
	}

	now := time.Now().UTC()
	e.transitionImport(imp.Key(), store.ImportRolledBack, "", func(i *store.Import) {
		i.RolledBackAt = &now
	})
	for _, nid := range imp.CreatedNodeIDs {
		e.forgetNode(nid)
	}
	for _, gid := range imp.CreatedGroupIDs {
		e.forgetGroup(gid)
	}
	log.Printf("[ENGINE] Import %d rolled back: %d nodes, %d groups removed",
		id, len(imp.CreatedNodeIDs), len(imp.CreatedGroupIDs))

	for _, k := range []store.Kind{store.KindNode, store.KindGroup} {
		if err := e.Refresh(ctx, k); err != nil {
			e.rec.RequestRefresh(k)
		}
	}
	return nil
}
