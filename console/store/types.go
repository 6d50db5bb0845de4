package store

import (
	"sort"
	"strconv"
	"time"
)

// Record is one normalized entity held by the Store.
// Implementations are plain value types; Clone returns a deep copy.
type Record interface {
	Kind() Kind
	Key() string
	// Seq is the server-provided event sequence, 0 when the server sent none.
	Seq() int64
	Clone() Record
}

// Retainer lets a freshly fetched record keep fields the list endpoint
// does not carry (import preview, lazily loaded playbook content).
type Retainer interface {
	Retain(prev Record) Record
}

type NodeStatus string

const (
	NodeUnknown     NodeStatus = "unknown"
	NodeReachable   NodeStatus = "reachable"
	NodeUnreachable NodeStatus = "unreachable"
	NodePinging     NodeStatus = "pinging"
)

// Node is a managed remote host.
type Node struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Hostname    string     `json:"hostname"`
	Username    string     `json:"username"`
	Port        int        `json:"port"`
	Description string     `json:"description,omitempty"`
	Status      NodeStatus `json:"status"`
	LastChecked *time.Time `json:"last_checked,omitempty"`
	Groups      []string   `json:"groups"` // group names, unique server side
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (n Node) Kind() Kind    { return KindNode }
func (n Node) Key() string   { return IDKey(n.ID) }
func (n Node) Seq() int64    { return 0 }
func (n Node) Clone() Record { return n.clone() }

func (n Node) clone() Node {
	n.Groups = cloneStrings(n.Groups)
	n.LastChecked = cloneTime(n.LastChecked)
	return n
}

// Group is a named set of nodes.
type Group struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	NodeIDs     []int64   `json:"node_ids"`
	NodeCount   int       `json:"node_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (g Group) Kind() Kind    { return KindGroup }
func (g Group) Key() string   { return IDKey(g.ID) }
func (g Group) Seq() int64    { return 0 }
func (g Group) Clone() Record { return g.clone() }

func (g Group) clone() Group {
	g.NodeIDs = cloneIDs(g.NodeIDs)
	return g
}

// Playbook is keyed by filename. Content is fetched lazily.
type Playbook struct {
	Filename      string    `json:"filename"`
	Size          int64     `json:"size"`
	ModifiedAt    time.Time `json:"modified_at"`
	Content       string    `json:"content,omitempty"`
	ContentLoaded bool      `json:"content_loaded"`
}

func (p Playbook) Kind() Kind    { return KindPlaybook }
func (p Playbook) Key() string   { return p.Filename }
func (p Playbook) Seq() int64    { return 0 }
func (p Playbook) Clone() Record { return p }

// Retain keeps loaded content while the file is unchanged on the server.
func (p Playbook) Retain(prev Record) Record {
	old, ok := prev.(Playbook)
	if ok && !p.ContentLoaded && old.ContentLoaded && old.ModifiedAt.Equal(p.ModifiedAt) {
		p.Content = old.Content
		p.ContentLoaded = true
	}
	return p
}

type ExecutionStatus string

const (
	ExecQueued    ExecutionStatus = "queued"
	ExecRunning   ExecutionStatus = "running"
	ExecCompleted ExecutionStatus = "completed"
	ExecFailed    ExecutionStatus = "failed"
	ExecCancelled ExecutionStatus = "cancelled"
)

// Execution is one run of an ordered list of playbooks against targets.
type Execution struct {
	ID              int64           `json:"id"`
	Playbooks       []string        `json:"playbooks"`
	TargetNodes     []int64         `json:"target_nodes,omitempty"`
	TargetGroups    []int64         `json:"target_groups,omitempty"`
	Status          ExecutionStatus `json:"status"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	Output          string          `json:"output,omitempty"`
	ErrorOutput     string          `json:"error_output,omitempty"`
	CurrentPlaybook string          `json:"current_playbook,omitempty"`
	Sequence        int64           `json:"sequence"`
}

func (e Execution) Kind() Kind    { return KindExecution }
func (e Execution) Key() string   { return IDKey(e.ID) }
func (e Execution) Seq() int64    { return e.Sequence }
func (e Execution) Clone() Record { return e.clone() }

func (e Execution) clone() Execution {
	e.Playbooks = cloneStrings(e.Playbooks)
	e.TargetNodes = cloneIDs(e.TargetNodes)
	e.TargetGroups = cloneIDs(e.TargetGroups)
	e.StartedAt = cloneTime(e.StartedAt)
	e.CompletedAt = cloneTime(e.CompletedAt)
	return e
}

type ImportStatus string

const (
	ImportPending    ImportStatus = "pending"
	ImportCompleted  ImportStatus = "completed"
	ImportRolledBack ImportStatus = "rolled_back"
	ImportFailed     ImportStatus = "failed"
)

// PreviewNode is a host the import would create.
type PreviewNode struct {
	Name     string `json:"name"`
	Hostname string `json:"hostname"`
	Username string `json:"username"`
	Port     int    `json:"port"`
}

// Preview is what an import would create, computed at parse time.
type Preview struct {
	Nodes       []PreviewNode       `json:"nodes"`
	Groups      map[string][]string `json:"groups"` // group name -> member host names
	TotalNodes  int                 `json:"total_nodes"`
	TotalGroups int                 `json:"total_groups"`
}

func (p *Preview) clone() *Preview {
	if p == nil {
		return nil
	}
	out := *p
	out.Nodes = append([]PreviewNode(nil), p.Nodes...)
	if p.Groups != nil {
		out.Groups = make(map[string][]string, len(p.Groups))
		for name, members := range p.Groups {
			out.Groups[name] = cloneStrings(members)
		}
	}
	return &out
}

// Import is a staged inventory import.
type Import struct {
	ID              int64        `json:"id"`
	Filename        string       `json:"filename"`
	Format          string       `json:"format"`
	Status          ImportStatus `json:"status"`
	Preview         *Preview     `json:"preview,omitempty"`
	TotalNodes      int          `json:"total_nodes"`
	TotalGroups     int          `json:"total_groups"`
	CreatedNodeIDs  []int64      `json:"created_nodes,omitempty"`
	CreatedGroupIDs []int64      `json:"created_groups,omitempty"`
	ErrorMessage    string       `json:"error_message,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	ImportedAt      *time.Time   `json:"imported_at,omitempty"`
	RolledBackAt    *time.Time   `json:"rolled_back_at,omitempty"`
	Sequence        int64        `json:"sequence"`
}

func (i Import) Kind() Kind    { return KindImport }
func (i Import) Key() string   { return IDKey(i.ID) }
func (i Import) Seq() int64    { return i.Sequence }
func (i Import) Clone() Record { return i.clone() }

func (i Import) clone() Import {
	i.Preview = i.Preview.clone()
	i.CreatedNodeIDs = cloneIDs(i.CreatedNodeIDs)
	i.CreatedGroupIDs = cloneIDs(i.CreatedGroupIDs)
	i.ImportedAt = cloneTime(i.ImportedAt)
	i.RolledBackAt = cloneTime(i.RolledBackAt)
	return i
}

// Retain keeps the preview captured at upload time; the list endpoint omits it.
func (i Import) Retain(prev Record) Record {
	old, ok := prev.(Import)
	if ok && i.Preview == nil && old.Preview != nil {
		i.Preview = old.Preview.clone()
	}
	return i
}

// blank returns the zero record of kind with its identity set from key.
func blank(kind Kind, key string) Record {
	id, _ := strconv.ParseInt(key, 10, 64)
	switch kind {
	case KindNode:
		return Node{ID: id, Status: NodeUnknown, Port: 22}
	case KindGroup:
		return Group{ID: id}
	case KindPlaybook:
		return Playbook{Filename: key}
	case KindExecution:
		return Execution{ID: id, Status: ExecQueued}
	case KindImport:
		return Import{ID: id, Status: ImportPending}
	}
	return nil
}

// AddID inserts id into a sorted id set.
func AddID(ids []int64, id int64) []int64 {
	i := sort.Search(len(ids), func(i int) bool { return ids[i] >= id })
	if i < len(ids) && ids[i] == id {
		return ids
	}
	ids = append(ids, 0)
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}

// RemoveID deletes id from a sorted id set.
func RemoveID(ids []int64, id int64) []int64 {
	out := make([]int64, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// ContainsID reports whether id is a member of ids.
func ContainsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func cloneIDs(ids []int64) []int64 {
	if ids == nil {
		return nil
	}
	return append([]int64(nil), ids...)
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
