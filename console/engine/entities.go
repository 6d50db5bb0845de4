package engine

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/itskum47/fleetconsole/console/client"
	"github.com/itskum47/fleetconsole/console/fault"
	"github.com/itskum47/fleetconsole/console/store"
)

// Nodes

func validateNode(in *client.NodeInput) error {
	in.Name = strings.TrimSpace(in.Name)
	in.Hostname = strings.TrimSpace(in.Hostname)
	in.Username = strings.TrimSpace(in.Username)
	if in.Name == "" || in.Hostname == "" || in.Username == "" {
		return &fault.ValidationError{Field: "node", Message: "Name, hostname, and username are required"}
	}
	if in.Port == 0 {
		in.Port = 22
	}
	if in.Port < 1 || in.Port > 65535 {
		return &fault.ValidationError{Field: "port", Message: fmt.Sprintf("invalid port %d", in.Port)}
	}
	return nil
}

func (e *Engine) CreateNode(ctx context.Context, in client.NodeInput) (store.Node, error) {
	if err := validateNode(&in); err != nil {
		return store.Node{}, err
	}
	n, err := e.backend.CreateNode(ctx, in)
	if err != nil {
		return store.Node{}, err
	}
	e.rec.ApplyRecord(n)
	return n, nil
}

func (e *Engine) UpdateNode(ctx context.Context, id int64, in client.NodeInput) (store.Node, error) {
	if err := validateNode(&in); err != nil {
		return store.Node{}, err
	}
	n, err := e.backend.UpdateNode(ctx, id, in)
	if err != nil {
		return store.Node{}, err
	}
	e.rec.ApplyRecord(n)
	return n, nil
}

func (e *Engine) DeleteNode(ctx context.Context, id int64) error {
	if err := e.backend.DeleteNode(ctx, id); err != nil {
		return err
	}
	e.forgetNode(id)
	return nil
}

// PingNode starts a reachability check. The node shows a "pinging" hint
// until the node_ping_result event arrives.
func (e *Engine) PingNode(ctx context.Context, id int64) error {
	key := store.IDKey(id)
	e.setHint(store.KindNode, key, hintPinging)
	if err := e.backend.PingNode(ctx, id); err != nil {
		e.setHint(store.KindNode, key, "")
		return err
	}
	return nil
}

// forgetNode removes a node and its id from every group.
func (e *Engine) forgetNode(id int64) {
	key := store.IDKey(id)
	e.setHint(store.KindNode, key, "")
	e.rec.Remove(store.KindNode, key)
	for _, g := range store.List[store.Group](e.store) {
		if store.ContainsID(g.NodeIDs, id) {
			e.patchGroup(g.Key(), func(g *store.Group) {
				g.NodeIDs = store.RemoveID(g.NodeIDs, id)
				g.NodeCount = len(g.NodeIDs)
			})
		}
	}
}

func (e *Engine) patchNode(key string, fn func(n *store.Node)) {
	e.rec.ApplyLocal(store.KindNode, key, func(cur store.Record) (store.Record, error) {
		n, ok := cur.(store.Node)
		if !ok {
			return nil, nil
		}
		fn(&n)
		return n, nil
	})
}

// Groups

func (e *Engine) checkGroupName(name string, self int64) error {
	if strings.TrimSpace(name) == "" {
		return &fault.ValidationError{Field: "name", Message: "Group name is required"}
	}
	for _, g := range store.List[store.Group](e.store) {
		if g.Name == name && g.ID != self {
			return &fault.ValidationError{Field: "name", Message: "Group name already exists"}
		}
	}
	return nil
}

func (e *Engine) CreateGroup(ctx context.Context, in client.GroupInput) (store.Group, error) {
	if err := e.checkGroupName(in.Name, 0); err != nil {
		return store.Group{}, err
	}
	g, err := e.backend.CreateGroup(ctx, in)
	if err != nil {
		return store.Group{}, err
	}
	e.rec.ApplyRecord(g)
	return g, nil
}

// UpdateGroup edits a group. Nodes reference groups by name, so a rename
// is carried into every member.
func (e *Engine) UpdateGroup(ctx context.Context, id int64, in client.GroupInput) (store.Group, error) {
	if err := e.checkGroupName(in.Name, id); err != nil {
		return store.Group{}, err
	}
	prev, _ := store.Get[store.Group](e.store, store.IDKey(id))

	g, err := e.backend.UpdateGroup(ctx, id, in)
	if err != nil {
		return store.Group{}, err
	}
	e.rec.ApplyRecord(g)

	if prev.Name != "" && prev.Name != g.Name {
		for _, n := range store.List[store.Node](e.store) {
			if containsName(n.Groups, prev.Name) {
				e.patchNode(n.Key(), func(n *store.Node) {
					n.Groups = addName(removeName(n.Groups, prev.Name), g.Name)
				})
			}
		}
	}
	return g, nil
}

func (e *Engine) DeleteGroup(ctx context.Context, id int64) error {
	if err := e.backend.DeleteGroup(ctx, id); err != nil {
		return err
	}
	e.forgetGroup(id)
	return nil
}

// forgetGroup removes a group and drops it from its members.
func (e *Engine) forgetGroup(id int64) {
	key := store.IDKey(id)
	g, ok := store.Get[store.Group](e.store, key)
	e.rec.Remove(store.KindGroup, key)
	if !ok {
		return
	}
	for _, n := range store.List[store.Node](e.store) {
		if containsName(n.Groups, g.Name) {
			e.patchNode(n.Key(), func(n *store.Node) {
				n.Groups = removeName(n.Groups, g.Name)
			})
		}
	}
}

func (e *Engine) AddNodesToGroup(ctx context.Context, groupID int64, nodeIDs []int64) (store.Group, error) {
	if len(nodeIDs) == 0 {
		return store.Group{}, &fault.ValidationError{Field: "node_ids", Message: "no nodes selected"}
	}
	g, err := e.backend.AddNodesToGroup(ctx, groupID, nodeIDs)
	if err != nil {
		return store.Group{}, err
	}
	e.rec.ApplyRecord(g)
	for _, nid := range g.NodeIDs {
		e.patchNode(store.IDKey(nid), func(n *store.Node) {
			n.Groups = addName(n.Groups, g.Name)
		})
	}
	return g, nil
}

func (e *Engine) RemoveNodeFromGroup(ctx context.Context, groupID, nodeID int64) (store.Group, error) {
	g, err := e.backend.RemoveNodeFromGroup(ctx, groupID, nodeID)
	if err != nil {
		return store.Group{}, err
	}
	e.rec.ApplyRecord(g)
	e.patchNode(store.IDKey(nodeID), func(n *store.Node) {
		n.Groups = removeName(n.Groups, g.Name)
	})
	return g, nil
}

func (e *Engine) patchGroup(key string, fn func(g *store.Group)) {
	e.rec.ApplyLocal(store.KindGroup, key, func(cur store.Record) (store.Record, error) {
		g, ok := cur.(store.Group)
		if !ok {
			return nil, nil
		}
		fn(&g)
		return g, nil
	})
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func addName(names []string, name string) []string {
	if containsName(names, name) {
		return names
	}
	out := append(append([]string{}, names...), name)
	sort.Strings(out)
	return out
}

func removeName(names []string, name string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}

// Playbooks

func checkPlaybookName(filename string) error {
	if filename == "" || filename != path.Base(filename) {
		return &fault.ValidationError{Field: "filename", Message: "invalid playbook filename"}
	}
	if ext := strings.ToLower(path.Ext(filename)); ext != ".yml" && ext != ".yaml" {
		return &fault.ValidationError{Field: "filename", Message: "Invalid file type"}
	}
	return nil
}

func checkPlaybookYAML(content []byte) error {
	var doc any
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return &fault.ValidationError{Field: "content", Message: "Invalid YAML: " + err.Error()}
	}
	return nil
}

func (e *Engine) UploadPlaybook(ctx context.Context, filename string, content []byte) (store.Playbook, error) {
	if err := checkPlaybookName(filename); err != nil {
		return store.Playbook{}, err
	}
	if err := checkPlaybookYAML(content); err != nil {
		return store.Playbook{}, err
	}
	name, err := e.backend.UploadPlaybook(ctx, filename, content)
	if err != nil {
		return store.Playbook{}, err
	}
	p := store.Playbook{
		Filename:      name,
		Size:          int64(len(content)),
		ModifiedAt:    time.Now().UTC(),
		Content:       string(content),
		ContentLoaded: true,
	}
	e.rec.ApplyRecord(p)
	e.rec.RequestRefresh(store.KindPlaybook)
	return p, nil
}

// CreatePlaybook creates a playbook from the server template. The server
// appends ".yml" to bare names.
func (e *Engine) CreatePlaybook(ctx context.Context, filename string) (store.Playbook, error) {
	filename = strings.TrimSpace(filename)
	if filename == "" {
		return store.Playbook{}, &fault.ValidationError{Field: "filename", Message: "Filename is required"}
	}
	if _, ok := store.Get[store.Playbook](e.store, filename); ok {
		return store.Playbook{}, &fault.ValidationError{Field: "filename", Message: "File already exists"}
	}
	name, err := e.backend.CreatePlaybook(ctx, filename)
	if err != nil {
		return store.Playbook{}, err
	}
	p := store.Playbook{Filename: name, ModifiedAt: time.Now().UTC()}
	e.rec.ApplyRecord(p)
	e.rec.RequestRefresh(store.KindPlaybook)
	return p, nil
}

// LoadPlaybook returns a playbook with its content, fetching it once.
func (e *Engine) LoadPlaybook(ctx context.Context, filename string) (store.Playbook, error) {
	if p, ok := store.Get[store.Playbook](e.store, filename); ok && p.ContentLoaded {
		return p, nil
	}
	content, err := e.backend.PlaybookContent(ctx, filename)
	if err != nil {
		return store.Playbook{}, err
	}
	rec, _ := e.rec.ApplyConfirmed(store.KindPlaybook, filename, func(cur store.Record) (store.Record, error) {
		p, ok := cur.(store.Playbook)
		if !ok {
			p = store.Playbook{Filename: filename, Size: int64(len(content))}
		}
		p.Content = content
		p.ContentLoaded = true
		return p, nil
	})
	return rec.(store.Playbook), nil
}

func (e *Engine) SavePlaybook(ctx context.Context, filename, content string) (store.Playbook, error) {
	if strings.TrimSpace(content) == "" {
		return store.Playbook{}, &fault.ValidationError{Field: "content", Message: "Content is required"}
	}
	if err := checkPlaybookYAML([]byte(content)); err != nil {
		return store.Playbook{}, err
	}
	if err := e.backend.SavePlaybook(ctx, filename, content); err != nil {
		return store.Playbook{}, err
	}
	rec, _ := e.rec.ApplyConfirmed(store.KindPlaybook, filename, func(cur store.Record) (store.Record, error) {
		p, ok := cur.(store.Playbook)
		if !ok {
			p = store.Playbook{Filename: filename}
		}
		p.Content = content
		p.ContentLoaded = true
		p.Size = int64(len(content))
		p.ModifiedAt = time.Now().UTC()
		return p, nil
	})
	return rec.(store.Playbook), nil
}

func (e *Engine) DeletePlaybook(ctx context.Context, filename string) error {
	if err := e.backend.DeletePlaybook(ctx, filename); err != nil {
		return err
	}
	e.rec.Remove(store.KindPlaybook, filename)
	return nil
}
