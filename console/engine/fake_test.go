package engine

import (
	"context"
	"sync"

	"github.com/itskum47/fleetconsole/console/client"
	"github.com/itskum47/fleetconsole/console/fault"
	"github.com/itskum47/fleetconsole/console/store"
)

// fakeBackend is an in-memory fleet server.
type fakeBackend struct {
	mu sync.Mutex

	nodes      map[int64]store.Node
	groups     map[int64]store.Group
	playbooks  map[string]store.Playbook
	executions map[int64]store.Execution
	imports    map[int64]store.Import
	nextID     int64

	// injected failures
	deleteNodeErr map[int64]error
	pingErr       error
	executeErr    error

	calls map[string]int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		nodes:         make(map[int64]store.Node),
		groups:        make(map[int64]store.Group),
		playbooks:     make(map[string]store.Playbook),
		executions:    make(map[int64]store.Execution),
		imports:       make(map[int64]store.Import),
		nextID:        100,
		deleteNodeErr: make(map[int64]error),
		calls:         make(map[string]int),
	}
}

func (f *fakeBackend) called(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeBackend) hit(name string) {
	f.calls[name]++
}

func (f *fakeBackend) id() int64 {
	f.nextID++
	return f.nextID
}

func notFound() error {
	return &fault.ServerError{StatusCode: 404, Message: "Not found"}
}

func (f *fakeBackend) ListNodes(ctx context.Context) ([]store.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("ListNodes")
	out := make([]store.Node, 0, len(f.nodes))
	for _, n := range f.nodes {
		out = append(out, n.Clone().(store.Node))
	}
	return out, nil
}

func (f *fakeBackend) CreateNode(ctx context.Context, in client.NodeInput) (store.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("CreateNode")
	n := store.Node{ID: f.id(), Name: in.Name, Hostname: in.Hostname, Username: in.Username, Port: in.Port, Status: store.NodeUnknown}
	f.nodes[n.ID] = n
	return n, nil
}

func (f *fakeBackend) UpdateNode(ctx context.Context, id int64, in client.NodeInput) (store.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("UpdateNode")
	n, ok := f.nodes[id]
	if !ok {
		return store.Node{}, notFound()
	}
	n.Name, n.Hostname, n.Username, n.Port = in.Name, in.Hostname, in.Username, in.Port
	f.nodes[id] = n
	return n, nil
}

func (f *fakeBackend) DeleteNode(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("DeleteNode")
	if err := f.deleteNodeErr[id]; err != nil {
		return err
	}
	delete(f.nodes, id)
	for gid, g := range f.groups {
		g.NodeIDs = store.RemoveID(g.NodeIDs, id)
		g.NodeCount = len(g.NodeIDs)
		f.groups[gid] = g
	}
	return nil
}

func (f *fakeBackend) PingNode(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("PingNode")
	return f.pingErr
}

func (f *fakeBackend) ListGroups(ctx context.Context) ([]store.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("ListGroups")
	out := make([]store.Group, 0, len(f.groups))
	for _, g := range f.groups {
		out = append(out, g.Clone().(store.Group))
	}
	return out, nil
}

func (f *fakeBackend) CreateGroup(ctx context.Context, in client.GroupInput) (store.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("CreateGroup")
	g := store.Group{ID: f.id(), Name: in.Name, Description: in.Description}
	f.groups[g.ID] = g
	return g, nil
}

func (f *fakeBackend) UpdateGroup(ctx context.Context, id int64, in client.GroupInput) (store.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("UpdateGroup")
	g, ok := f.groups[id]
	if !ok {
		return store.Group{}, notFound()
	}
	g.Name, g.Description = in.Name, in.Description
	f.groups[id] = g
	return g.Clone().(store.Group), nil
}

func (f *fakeBackend) DeleteGroup(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("DeleteGroup")
	delete(f.groups, id)
	return nil
}

func (f *fakeBackend) AddNodesToGroup(ctx context.Context, groupID int64, nodeIDs []int64) (store.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("AddNodesToGroup")
	g, ok := f.groups[groupID]
	if !ok {
		return store.Group{}, notFound()
	}
	for _, id := range nodeIDs {
		g.NodeIDs = store.AddID(g.NodeIDs, id)
	}
	g.NodeCount = len(g.NodeIDs)
	f.groups[groupID] = g
	return g.Clone().(store.Group), nil
}

func (f *fakeBackend) RemoveNodeFromGroup(ctx context.Context, groupID, nodeID int64) (store.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("RemoveNodeFromGroup")
	g, ok := f.groups[groupID]
	if !ok {
		return store.Group{}, notFound()
	}
	g.NodeIDs = store.RemoveID(g.NodeIDs, nodeID)
	g.NodeCount = len(g.NodeIDs)
	f.groups[groupID] = g
	return g.Clone().(store.Group), nil
}

func (f *fakeBackend) ListPlaybooks(ctx context.Context) ([]store.Playbook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("ListPlaybooks")
	out := make([]store.Playbook, 0, len(f.playbooks))
	for _, p := range f.playbooks {
		p.Content, p.ContentLoaded = "", false
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeBackend) PlaybookContent(ctx context.Context, filename string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("PlaybookContent")
	p, ok := f.playbooks[filename]
	if !ok {
		return "", notFound()
	}
	return p.Content, nil
}

func (f *fakeBackend) UploadPlaybook(ctx context.Context, filename string, content []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("UploadPlaybook")
	f.playbooks[filename] = store.Playbook{Filename: filename, Size: int64(len(content)), Content: string(content)}
	return filename, nil
}

func (f *fakeBackend) CreatePlaybook(ctx context.Context, filename string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("CreatePlaybook")
	f.playbooks[filename] = store.Playbook{Filename: filename}
	return filename, nil
}

func (f *fakeBackend) SavePlaybook(ctx context.Context, filename, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("SavePlaybook")
	f.playbooks[filename] = store.Playbook{Filename: filename, Size: int64(len(content)), Content: content}
	return nil
}

func (f *fakeBackend) DeletePlaybook(ctx context.Context, filename string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("DeletePlaybook")
	delete(f.playbooks, filename)
	return nil
}

func (f *fakeBackend) ListExecutions(ctx context.Context) ([]store.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("ListExecutions")
	out := make([]store.Execution, 0, len(f.executions))
	for _, x := range f.executions {
		out = append(out, x.Clone().(store.Execution))
	}
	return out, nil
}

func (f *fakeBackend) GetExecution(ctx context.Context, id int64) (store.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("GetExecution")
	x, ok := f.executions[id]
	if !ok {
		return store.Execution{}, notFound()
	}
	return x, nil
}

func (f *fakeBackend) SubmitExecution(ctx context.Context, req client.ExecutionRequest) (store.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("SubmitExecution")
	x := store.Execution{
		ID: f.id(), Playbooks: req.Playbooks, TargetNodes: req.TargetNodes, TargetGroups: req.TargetGroups,
		Status: store.ExecQueued,
	}
	f.executions[x.ID] = x
	return x, nil
}

func (f *fakeBackend) CancelExecution(ctx context.Context, id int64) (store.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("CancelExecution")
	x, ok := f.executions[id]
	if !ok {
		return store.Execution{}, notFound()
	}
	return x, nil
}

func (f *fakeBackend) ListImports(ctx context.Context) ([]store.Import, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("ListImports")
	out := make([]store.Import, 0, len(f.imports))
	for _, i := range f.imports {
		i.Preview = nil
		out = append(out, i.Clone().(store.Import))
	}
	return out, nil
}

func (f *fakeBackend) stage(filename, format string) client.ImportResult {
	imp := store.Import{ID: f.id(), Filename: filename, Format: format, Status: store.ImportPending}
	f.imports[imp.ID] = imp
	return client.ImportResult{ImportID: imp.ID}
}

func (f *fakeBackend) UploadImport(ctx context.Context, filename string, content []byte) (client.ImportResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("UploadImport")
	return f.stage(filename, "ini"), nil
}

func (f *fakeBackend) PasteImport(ctx context.Context, content, format string) (client.ImportResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("PasteImport")
	return f.stage("pasted_inventory_1."+format, format), nil
}

// ExecuteImport creates one node and one group per import.
func (f *fakeBackend) ExecuteImport(ctx context.Context, id int64) (client.ExecuteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("ExecuteImport")
	if f.executeErr != nil {
		return client.ExecuteResult{}, f.executeErr
	}
	imp, ok := f.imports[id]
	if !ok {
		return client.ExecuteResult{}, notFound()
	}
	if imp.Status != store.ImportPending {
		return client.ExecuteResult{}, &fault.ServerError{StatusCode: 400, Message: "Import already processed"}
	}
	n := store.Node{ID: f.id(), Name: "imported", Hostname: "10.0.0.9", Username: "root", Port: 22, Status: store.NodeUnknown, Groups: []string{"imported"}}
	g := store.Group{ID: f.id(), Name: "imported", NodeIDs: []int64{n.ID}, NodeCount: 1}
	f.nodes[n.ID] = n
	f.groups[g.ID] = g
	imp.Status = store.ImportCompleted
	imp.CreatedNodeIDs = []int64{n.ID}
	imp.CreatedGroupIDs = []int64{g.ID}
	f.imports[id] = imp
	return client.ExecuteResult{Message: "Import completed", CreatedNodes: 1, CreatedGroups: 1}, nil
}

func (f *fakeBackend) RollbackImport(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit("RollbackImport")
	imp, ok := f.imports[id]
	if !ok {
		return notFound()
	}
	if imp.Status != store.ImportCompleted {
		return &fault.ServerError{StatusCode: 400, Message: "Can only rollback completed imports"}
	}
	for _, nid := range imp.CreatedNodeIDs {
		delete(f.nodes, nid)
	}
	for _, gid := range imp.CreatedGroupIDs {
		delete(f.groups, gid)
	}
	imp.Status = store.ImportRolledBack
	f.imports[id] = imp
	return nil
}

var _ Backend = (*fakeBackend)(nil)
var _ Backend = (*client.Client)(nil)
