package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/itskum47/fleetconsole/console/store"
)

// NodeInput is the editable part of a node.
type NodeInput struct {
	Name        string `json:"name"`
	Hostname    string `json:"hostname"`
	Username    string `json:"username"`
	Port        int    `json:"port,omitempty"`
	Description string `json:"description"`
}

// GroupInput is the editable part of a group.
type GroupInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ExecutionRequest asks the server to run playbooks against targets.
type ExecutionRequest struct {
	Playbooks    []string `json:"playbooks"`
	TargetNodes  []int64  `json:"target_nodes,omitempty"`
	TargetGroups []int64  `json:"target_groups,omitempty"`
}

// ImportResult is returned by upload and paste.
type ImportResult struct {
	ImportID int64
	Preview  *store.Preview
}

// ExecuteResult reports what an executed import created.
type ExecuteResult struct {
	Message       string `json:"message"`
	CreatedNodes  int    `json:"created_nodes"`
	CreatedGroups int    `json:"created_groups"`
}

type messageResponse struct {
	Message  string `json:"message"`
	Filename string `json:"filename"`
}

func idPath(prefix string, id int64, suffix ...string) string {
	p := fmt.Sprintf("%s/%d", prefix, id)
	for _, s := range suffix {
		p += "/" + s
	}
	return p
}

func playbookPath(filename string) string {
	return "/playbooks/" + url.PathEscape(filename)
}

// Nodes

func (c *Client) ListNodes(ctx context.Context) ([]store.Node, error) {
	var wire []wireNode
	if err := c.request(ctx, http.MethodGet, "/nodes", nil, &wire); err != nil {
		return nil, err
	}
	out := make([]store.Node, 0, len(wire))
	for _, w := range wire {
		out = append(out, w.toNode())
	}
	return out, nil
}

func (c *Client) GetNode(ctx context.Context, id int64) (store.Node, error) {
	var w wireNode
	if err := c.request(ctx, http.MethodGet, idPath("/nodes", id), nil, &w); err != nil {
		return store.Node{}, err
	}
	return w.toNode(), nil
}

func (c *Client) CreateNode(ctx context.Context, in NodeInput) (store.Node, error) {
	return c.sendNode(ctx, http.MethodPost, "/nodes", in)
}

func (c *Client) UpdateNode(ctx context.Context, id int64, in NodeInput) (store.Node, error) {
	return c.sendNode(ctx, http.MethodPut, idPath("/nodes", id), in)
}

func (c *Client) sendNode(ctx context.Context, method, path string, in NodeInput) (store.Node, error) {
	body, err := jsonBody(in)
	if err != nil {
		return store.Node{}, err
	}
	var w wireNode
	if err := c.request(ctx, method, path, body, &w); err != nil {
		return store.Node{}, err
	}
	return w.toNode(), nil
}

func (c *Client) DeleteNode(ctx context.Context, id int64) error {
	return c.request(ctx, http.MethodDelete, idPath("/nodes", id), nil, nil)
}

// PingNode starts an asynchronous reachability check; the result arrives
// as a node_ping_result event.
func (c *Client) PingNode(ctx context.Context, id int64) error {
	return c.request(ctx, http.MethodPost, idPath("/nodes", id, "ping"), nil, nil)
}

// Groups

func (c *Client) ListGroups(ctx context.Context) ([]store.Group, error) {
	var wire []wireGroup
	if err := c.request(ctx, http.MethodGet, "/groups", nil, &wire); err != nil {
		return nil, err
	}
	out := make([]store.Group, 0, len(wire))
	for _, w := range wire {
		out = append(out, w.toGroup())
	}
	return out, nil
}

func (c *Client) GetGroup(ctx context.Context, id int64) (store.Group, error) {
	var w wireGroup
	if err := c.request(ctx, http.MethodGet, idPath("/groups", id), nil, &w); err != nil {
		return store.Group{}, err
	}
	return w.toGroup(), nil
}

func (c *Client) CreateGroup(ctx context.Context, in GroupInput) (store.Group, error) {
	return c.sendGroup(ctx, http.MethodPost, "/groups", in)
}

func (c *Client) UpdateGroup(ctx context.Context, id int64, in GroupInput) (store.Group, error) {
	return c.sendGroup(ctx, http.MethodPut, idPath("/groups", id), in)
}

func (c *Client) AddNodesToGroup(ctx context.Context, groupID int64, nodeIDs []int64) (store.Group, error) {
	return c.sendGroup(ctx, http.MethodPost, idPath("/groups", groupID, "nodes"), map[string][]int64{"node_ids": nodeIDs})
}

func (c *Client) RemoveNodeFromGroup(ctx context.Context, groupID, nodeID int64) (store.Group, error) {
	var w wireGroup
	path := idPath("/groups", groupID, "nodes", fmt.Sprint(nodeID))
	if err := c.request(ctx, http.MethodDelete, path, nil, &w); err != nil {
		return store.Group{}, err
	}
	return w.toGroup(), nil
}

func (c *Client) sendGroup(ctx context.Context, method, path string, in any) (store.Group, error) {
	body, err := jsonBody(in)
	if err != nil {
		return store.Group{}, err
	}
	var w wireGroup
	if err := c.request(ctx, method, path, body, &w); err != nil {
		return store.Group{}, err
	}
	return w.toGroup(), nil
}

func (c *Client) DeleteGroup(ctx context.Context, id int64) error {
	return c.request(ctx, http.MethodDelete, idPath("/groups", id), nil, nil)
}

// Playbooks

func (c *Client) ListPlaybooks(ctx context.Context) ([]store.Playbook, error) {
	var wire []wirePlaybook
	if err := c.request(ctx, http.MethodGet, "/playbooks", nil, &wire); err != nil {
		return nil, err
	}
	out := make([]store.Playbook, 0, len(wire))
	for _, w := range wire {
		out = append(out, w.toPlaybook())
	}
	return out, nil
}

func (c *Client) PlaybookContent(ctx context.Context, filename string) (string, error) {
	var resp struct {
		Content string `json:"content"`
	}
	if err := c.request(ctx, http.MethodGet, playbookPath(filename), nil, &resp); err != nil {
		return "", err
	}
	return resp.Content, nil
}

// UploadPlaybook returns the filename the server stored the upload under.
func (c *Client) UploadPlaybook(ctx context.Context, filename string, content []byte) (string, error) {
	body, err := multipartBody("file", filename, content)
	if err != nil {
		return "", err
	}
	var resp messageResponse
	if err := c.request(ctx, http.MethodPost, "/playbooks", body, &resp); err != nil {
		return "", err
	}
	return firstNonEmpty(resp.Filename, filename), nil
}

// CreatePlaybook creates a playbook from the server's template.
func (c *Client) CreatePlaybook(ctx context.Context, filename string) (string, error) {
	body, err := jsonBody(map[string]string{"filename": filename})
	if err != nil {
		return "", err
	}
	var resp messageResponse
	if err := c.request(ctx, http.MethodPost, "/playbooks/create", body, &resp); err != nil {
		return "", err
	}
	return firstNonEmpty(resp.Filename, filename), nil
}

func (c *Client) SavePlaybook(ctx context.Context, filename, content string) error {
	body, err := jsonBody(map[string]string{"content": content})
	if err != nil {
		return err
	}
	return c.request(ctx, http.MethodPut, playbookPath(filename), body, nil)
}

func (c *Client) DeletePlaybook(ctx context.Context, filename string) error {
	return c.request(ctx, http.MethodDelete, playbookPath(filename), nil, nil)
}

// Executions

func (c *Client) ListExecutions(ctx context.Context) ([]store.Execution, error) {
	var wire []wireExecution
	if err := c.request(ctx, http.MethodGet, "/executions", nil, &wire); err != nil {
		return nil, err
	}
	out := make([]store.Execution, 0, len(wire))
	for _, w := range wire {
		out = append(out, w.toExecution())
	}
	return out, nil
}

func (c *Client) GetExecution(ctx context.Context, id int64) (store.Execution, error) {
	var w wireExecution
	if err := c.request(ctx, http.MethodGet, idPath("/executions", id), nil, &w); err != nil {
		return store.Execution{}, err
	}
	return w.toExecution(), nil
}

func (c *Client) SubmitExecution(ctx context.Context, req ExecutionRequest) (store.Execution, error) {
	body, err := jsonBody(req)
	if err != nil {
		return store.Execution{}, err
	}
	var w wireExecution
	if err := c.request(ctx, http.MethodPost, "/executions", body, &w); err != nil {
		return store.Execution{}, err
	}
	return w.toExecution(), nil
}

// CancelExecution asks the server to cancel. The returned record is the
// server's view at request time; the authoritative transition arrives as
// an execution_cancelled event.
func (c *Client) CancelExecution(ctx context.Context, id int64) (store.Execution, error) {
	var w wireExecution
	if err := c.request(ctx, http.MethodPost, idPath("/executions", id, "cancel"), nil, &w); err != nil {
		return store.Execution{}, err
	}
	return w.toExecution(), nil
}

// Imports

func (c *Client) ListImports(ctx context.Context) ([]store.Import, error) {
	var wire []wireImport
	if err := c.request(ctx, http.MethodGet, "/inventory/imports", nil, &wire); err != nil {
		return nil, err
	}
	out := make([]store.Import, 0, len(wire))
	for _, w := range wire {
		out = append(out, w.toImport())
	}
	return out, nil
}

type importResponse struct {
	ImportID int64        `json:"import_id"`
	Preview  *wirePreview `json:"preview"`
}

func (c *Client) UploadImport(ctx context.Context, filename string, content []byte) (ImportResult, error) {
	body, err := multipartBody("file", filename, content)
	if err != nil {
		return ImportResult{}, err
	}
	return c.sendImport(ctx, "/inventory/upload", body)
}

func (c *Client) PasteImport(ctx context.Context, content, format string) (ImportResult, error) {
	body, err := jsonBody(map[string]string{"content": content, "format": format})
	if err != nil {
		return ImportResult{}, err
	}
	return c.sendImport(ctx, "/inventory/paste", body)
}

func (c *Client) sendImport(ctx context.Context, path string, body *requestBody) (ImportResult, error) {
	var resp importResponse
	if err := c.request(ctx, http.MethodPost, path, body, &resp); err != nil {
		return ImportResult{}, err
	}
	return ImportResult{ImportID: resp.ImportID, Preview: resp.Preview.toPreview()}, nil
}

func (c *Client) ExecuteImport(ctx context.Context, id int64) (ExecuteResult, error) {
	var resp ExecuteResult
	if err := c.request(ctx, http.MethodPost, idPath("/inventory/imports", id, "execute"), nil, &resp); err != nil {
		return ExecuteResult{}, err
	}
	return resp, nil
}

func (c *Client) RollbackImport(ctx context.Context, id int64) error {
	return c.request(ctx, http.MethodPost, idPath("/inventory/imports", id, "rollback"), nil, nil)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
