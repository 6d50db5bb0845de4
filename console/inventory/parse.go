package inventory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/itskum47/fleetconsole/console/fault"
	"github.com/itskum47/fleetconsole/console/store"
)

// MaxContentBytes is the largest inventory the server accepts.
const MaxContentBytes = 16 << 20

const (
	FormatYAML = "yaml"
	FormatINI  = "ini"
	FormatJSON = "json"

	defaultUser = "root"
	defaultPort = 22
)

// FormatFromFilename maps an upload's extension onto an inventory format.
func FormatFromFilename(name string) (string, error) {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	switch ext {
	case "yml", "yaml":
		return FormatYAML, nil
	case "ini":
		return FormatINI, nil
	case "json":
		return FormatJSON, nil
	}
	return "", &fault.ValidationError{Field: "file", Message: "Unsupported file format"}
}

// NormalizeFormat accepts the format names used in paste requests.
func NormalizeFormat(format string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "yml", "yaml":
		return FormatYAML, nil
	case "ini":
		return FormatINI, nil
	case "json":
		return FormatJSON, nil
	}
	return "", &fault.ValidationError{Field: "format", Message: fmt.Sprintf("unsupported format %q", format)}
}

// Sniff guesses the format of pasted content with no declared format.
func Sniff(content string) string {
	trimmed := strings.TrimSpace(content)
	switch {
	case strings.HasPrefix(trimmed, "{"):
		return FormatJSON
	case strings.HasPrefix(trimmed, "["):
		// "[webservers]" is an INI section header; a JSON inventory is an object.
		return FormatINI
	default:
		return FormatYAML
	}
}

// CheckContent validates size and emptiness before any request.
func CheckContent(content []byte) error {
	if len(strings.TrimSpace(string(content))) == 0 {
		return &fault.ValidationError{Field: "content", Message: "Content is required"}
	}
	if len(content) > MaxContentBytes {
		return &fault.ValidationError{Field: "content", Message: "File too large"}
	}
	return nil
}

// Parse builds the preview of what importing content would create.
func Parse(content []byte, format string) (*store.Preview, error) {
	var (
		nodes  []store.PreviewNode
		groups map[string][]string
		err    error
	)
	switch format {
	case FormatYAML:
		nodes, groups, err = parseYAML(content)
	case FormatINI:
		nodes, groups, err = parseINI(content)
	case FormatJSON:
		nodes, groups, err = parseJSON(content)
	default:
		return nil, &fault.ValidationError{Field: "format", Message: fmt.Sprintf("unsupported format %q", format)}
	}
	if err != nil {
		return nil, &fault.ValidationError{Field: "content", Message: fmt.Sprintf("Failed to parse %s format: %v", format, err)}
	}

	if groups == nil {
		groups = map[string][]string{}
	}
	return &store.Preview{
		Nodes:       nodes,
		Groups:      groups,
		TotalNodes:  len(nodes),
		TotalGroups: len(groups),
	}, nil
}

type yamlHost struct {
	Host string `yaml:"ansible_host"`
	User string `yaml:"ansible_user"`
	Port int    `yaml:"ansible_port"`
}

type yamlGroup struct {
	Hosts map[string]*yamlHost `yaml:"hosts"`
}

type yamlInventory struct {
	All struct {
		Hosts    map[string]*yamlHost  `yaml:"hosts"`
		Children map[string]*yamlGroup `yaml:"children"`
	} `yaml:"all"`
}

func parseYAML(content []byte) ([]store.PreviewNode, map[string][]string, error) {
	var inv yamlInventory
	if err := yaml.Unmarshal(content, &inv); err != nil {
		return nil, nil, err
	}

	var nodes []store.PreviewNode
	for _, name := range sortedKeys(inv.All.Hosts) {
		nodes = append(nodes, previewNode(name, inv.All.Hosts[name]))
	}

	groups := make(map[string][]string, len(inv.All.Children))
	for name, g := range inv.All.Children {
		members := []string{}
		if g != nil {
			members = sortedKeys(g.Hosts)
		}
		groups[name] = members
	}
	return nodes, groups, nil
}

func previewNode(name string, h *yamlHost) store.PreviewNode {
	n := store.PreviewNode{Name: name, Hostname: name, Username: defaultUser, Port: defaultPort}
	if h == nil {
		return n
	}
	if h.Host != "" {
		n.Hostname = h.Host
	}
	if h.User != "" {
		n.Username = h.User
	}
	if h.Port != 0 {
		n.Port = h.Port
	}
	return n
}

// parseINI reads Ansible INI inventories: [all] lists ungrouped hosts,
// every other section is a group.
func parseINI(content []byte) ([]store.PreviewNode, map[string][]string, error) {
	var nodes []store.PreviewNode
	groups := make(map[string][]string)
	section := ""
	seenSections := make(map[string]bool)

	scanner := bufio.NewScanner(strings.NewReader(string(content)))
	scanner.Buffer(make([]byte, 64*1024), MaxContentBytes)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			if !strings.HasSuffix(line, "]") {
				return nil, nil, fmt.Errorf("line %d: malformed section header %q", lineNo, line)
			}
			section = strings.TrimSpace(line[1 : len(line)-1])
			if seenSections[section] {
				return nil, nil, fmt.Errorf("line %d: section %q already exists", lineNo, section)
			}
			seenSections[section] = true
			if section != "all" {
				groups[section] = []string{}
			}
			continue
		}
		if section == "" {
			return nil, nil, fmt.Errorf("line %d: host %q outside of any section", lineNo, line)
		}

		fields := strings.Fields(line)
		host := strings.ToLower(fields[0])
		if section == "all" {
			nodes = append(nodes, iniNode(host, fields[1:]))
			continue
		}
		groups[section] = append(groups[section], host)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	return nodes, groups, nil
}

// parseJSON reads Ansible dynamic inventory output. Groups are either
// {"hosts": [...]} objects or bare host lists; "_meta" is skipped.
func parseJSON(content []byte) ([]store.PreviewNode, map[string][]string, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(content, &raw); err != nil {
		return nil, nil, err
	}

	groups := make(map[string][]string)
	for name, value := range raw {
		if name == "_meta" {
			continue
		}
		var obj struct {
			Hosts *[]string `json:"hosts"`
		}
		if err := json.Unmarshal(value, &obj); err == nil && obj.Hosts != nil {
			groups[name] = *obj.Hosts
			continue
		}
		var list []string
		if err := json.Unmarshal(value, &list); err == nil {
			groups[name] = list
		}
	}

	seen := make(map[string]bool)
	var hosts []string
	for _, members := range groups {
		for _, h := range members {
			if !seen[h] {
				seen[h] = true
				hosts = append(hosts, h)
			}
		}
	}
	sort.Strings(hosts)

	nodes := make([]store.PreviewNode, 0, len(hosts))
	for _, h := range hosts {
		nodes = append(nodes, store.PreviewNode{Name: h, Hostname: h, Username: defaultUser, Port: defaultPort})
	}
	return nodes, groups, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// iniNode applies inline ansible_host/ansible_user/ansible_port variables.
func iniNode(host string, vars []string) store.PreviewNode {
	n := store.PreviewNode{Name: host, Hostname: host, Username: defaultUser, Port: defaultPort}
	for _, kv := range vars {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch k {
		case "ansible_host":
			n.Hostname = v
		case "ansible_user":
			n.Username = v
		case "ansible_port":
			n.Port = parsePort(v)
		}
	}
	return n
}

func parsePort(s string) int {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || p <= 0 || p > 65535 {
		return defaultPort
	}
	return p
}
