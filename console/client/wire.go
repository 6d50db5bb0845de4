package client

import (
	"sort"
	"time"

	"github.com/itskum47/fleetconsole/console/lifecycle"
	"github.com/itskum47/fleetconsole/console/store"
)

// Server timestamps are naive ISO-8601 in UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseTime(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, *s, time.UTC); err == nil {
			return &t
		}
	}
	return nil
}

func valueTime(s *string) time.Time {
	if t := parseTime(s); t != nil {
		return *t
	}
	return time.Time{}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

type wireNode struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	Hostname    string   `json:"hostname"`
	Username    string   `json:"username"`
	Port        int      `json:"port"`
	Description *string  `json:"description"`
	Status      string   `json:"status"`
	LastChecked *string  `json:"last_checked"`
	CreatedAt   *string  `json:"created_at"`
	UpdatedAt   *string  `json:"updated_at"`
	Groups      []string `json:"groups"`
}

func (w wireNode) toNode() store.Node {
	n := store.Node{
		ID:          w.ID,
		Name:        w.Name,
		Hostname:    w.Hostname,
		Username:    w.Username,
		Port:        w.Port,
		Description: deref(w.Description),
		Status:      store.NodeStatus(w.Status),
		LastChecked: parseTime(w.LastChecked),
		Groups:      append([]string{}, w.Groups...),
		CreatedAt:   valueTime(w.CreatedAt),
		UpdatedAt:   valueTime(w.UpdatedAt),
	}
	if n.Port == 0 {
		n.Port = 22
	}
	if n.Status == "" {
		n.Status = store.NodeUnknown
	}
	sort.Strings(n.Groups)
	return n
}

type wireGroup struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Description *string    `json:"description"`
	NodeCount   int        `json:"node_count"`
	Nodes       []wireNode `json:"nodes"`
	CreatedAt   *string    `json:"created_at"`
	UpdatedAt   *string    `json:"updated_at"`
}

func (w wireGroup) toGroup() store.Group {
	g := store.Group{
		ID:          w.ID,
		Name:        w.Name,
		Description: deref(w.Description),
		NodeIDs:     []int64{},
		CreatedAt:   valueTime(w.CreatedAt),
		UpdatedAt:   valueTime(w.UpdatedAt),
	}
	for _, n := range w.Nodes {
		g.NodeIDs = store.AddID(g.NodeIDs, n.ID)
	}
	g.NodeCount = w.NodeCount
	if g.NodeCount == 0 {
		g.NodeCount = len(g.NodeIDs)
	}
	return g
}

type wirePlaybook struct {
	Name     string  `json:"name"`
	Size     int64   `json:"size"`
	Modified *string `json:"modified"`
}

func (w wirePlaybook) toPlaybook() store.Playbook {
	return store.Playbook{Filename: w.Name, Size: w.Size, ModifiedAt: valueTime(w.Modified)}
}

type wireExecution struct {
	ID           int64    `json:"id"`
	Playbooks    []string `json:"playbooks"`
	TargetNodes  []int64  `json:"target_nodes"`
	TargetGroups []int64  `json:"target_groups"`
	Status       string   `json:"status"`
	StartedAt    *string  `json:"started_at"`
	CompletedAt  *string  `json:"completed_at"`
	Output       *string  `json:"output"`
	ErrorOutput  *string  `json:"error_output"`
	Sequence     int64    `json:"sequence"`
}

func (w wireExecution) toExecution() store.Execution {
	return store.Execution{
		ID:           w.ID,
		Playbooks:    append([]string{}, w.Playbooks...),
		TargetNodes:  w.TargetNodes,
		TargetGroups: w.TargetGroups,
		Status:       lifecycle.NormalizeExecutionStatus(w.Status),
		StartedAt:    parseTime(w.StartedAt),
		CompletedAt:  parseTime(w.CompletedAt),
		Output:       deref(w.Output),
		ErrorOutput:  deref(w.ErrorOutput),
		Sequence:     w.Sequence,
	}
}

type wireImport struct {
	ID            int64   `json:"id"`
	Filename      string  `json:"filename"`
	Format        string  `json:"format"`
	TotalNodes    int     `json:"total_nodes"`
	TotalGroups   int     `json:"total_groups"`
	Status        string  `json:"status"`
	CreatedAt     *string `json:"created_at"`
	ImportedAt    *string `json:"imported_at"`
	RolledBackAt  *string `json:"rolled_back_at"`
	CreatedNodes  []int64 `json:"created_nodes"`
	CreatedGroups []int64 `json:"created_groups"`
	ErrorMessage  *string `json:"error_message"`
	Sequence      int64   `json:"sequence"`
}

func (w wireImport) toImport() store.Import {
	status := store.ImportStatus(w.Status)
	if status == "" {
		status = store.ImportPending
	}
	return store.Import{
		ID:              w.ID,
		Filename:        w.Filename,
		Format:          w.Format,
		Status:          status,
		TotalNodes:      w.TotalNodes,
		TotalGroups:     w.TotalGroups,
		CreatedNodeIDs:  w.CreatedNodes,
		CreatedGroupIDs: w.CreatedGroups,
		ErrorMessage:    deref(w.ErrorMessage),
		CreatedAt:       valueTime(w.CreatedAt),
		ImportedAt:      parseTime(w.ImportedAt),
		RolledBackAt:    parseTime(w.RolledBackAt),
		Sequence:        w.Sequence,
	}
}

type wirePreviewGroup struct {
	Name  string   `json:"name"`
	Nodes []string `json:"nodes"`
}

type wirePreview struct {
	Nodes       []store.PreviewNode         `json:"nodes"`
	Groups      map[string]wirePreviewGroup `json:"groups"`
	TotalNodes  int                         `json:"total_nodes"`
	TotalGroups int                         `json:"total_groups"`
}

func (w *wirePreview) toPreview() *store.Preview {
	if w == nil {
		return nil
	}
	p := &store.Preview{
		Nodes:       append([]store.PreviewNode{}, w.Nodes...),
		Groups:      make(map[string][]string, len(w.Groups)),
		TotalNodes:  w.TotalNodes,
		TotalGroups: w.TotalGroups,
	}
	for name, g := range w.Groups {
		p.Groups[name] = append([]string{}, g.Nodes...)
	}
	return p
}
