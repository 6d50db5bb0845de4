package inventory

import (
	"reflect"
	"strings"
	"testing"

	"github.com/itskum47/fleetconsole/console/fault"
	"github.com/itskum47/fleetconsole/console/store"
)

func TestParseYAML(t *testing.T) {
	content := `
all:
  hosts:
    web1:
      ansible_host: 10.0.0.1
      ansible_user: deploy
    db1:
      ansible_port: 2222
  children:
    webservers:
      hosts:
        web1:
    databases:
      hosts:
        db1:
`
	p, err := Parse([]byte(content), FormatYAML)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	want := []store.PreviewNode{
		{Name: "db1", Hostname: "db1", Username: "root", Port: 2222},
		{Name: "web1", Hostname: "10.0.0.1", Username: "deploy", Port: 22},
	}
	if !reflect.DeepEqual(p.Nodes, want) {
		t.Errorf("nodes: got %+v", p.Nodes)
	}
	if !reflect.DeepEqual(p.Groups["webservers"], []string{"web1"}) {
		t.Errorf("webservers: got %v", p.Groups["webservers"])
	}
	if p.TotalNodes != 2 || p.TotalGroups != 2 {
		t.Errorf("totals: %d nodes, %d groups", p.TotalNodes, p.TotalGroups)
	}
}

func TestParseINI(t *testing.T) {
	content := `
# fleet
[all]
bastion ansible_host=192.168.1.5 ansible_port=2200

[webservers]
web1
web2 ansible_host=10.0.0.2
`
	p, err := Parse([]byte(content), FormatINI)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	want := []store.PreviewNode{{Name: "bastion", Hostname: "192.168.1.5", Username: "root", Port: 2200}}
	if !reflect.DeepEqual(p.Nodes, want) {
		t.Errorf("nodes: got %+v", p.Nodes)
	}
	if !reflect.DeepEqual(p.Groups["webservers"], []string{"web1", "web2"}) {
		t.Errorf("webservers: got %v", p.Groups["webservers"])
	}
}

func TestParseINIRejectsHostOutsideSection(t *testing.T) {
	_, err := Parse([]byte("web1\n[all]\n"), FormatINI)
	if !fault.IsValidation(err) {
		t.Errorf("expected ValidationError, got %v", err)
	}
}

func TestParseJSON(t *testing.T) {
	content := `{
  "webservers": {"hosts": ["web1", "web2"]},
  "databases": ["db1", "web1"],
  "_meta": {"hostvars": {}}
}`
	p, err := Parse([]byte(content), FormatJSON)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if p.TotalNodes != 3 || p.TotalGroups != 2 {
		t.Errorf("totals: %d nodes, %d groups", p.TotalNodes, p.TotalGroups)
	}
	if _, ok := p.Groups["_meta"]; ok {
		t.Error("_meta must be skipped")
	}
	if p.Nodes[0].Name != "db1" || p.Nodes[0].Port != 22 || p.Nodes[0].Username != "root" {
		t.Errorf("unexpected first node %+v", p.Nodes[0])
	}
}

func TestParseMalformed(t *testing.T) {
	for _, tc := range []struct{ format, content string }{
		{FormatJSON, "{not json"},
		{FormatYAML, "all: [unclosed"},
	} {
		if _, err := Parse([]byte(tc.content), tc.format); !fault.IsValidation(err) {
			t.Errorf("%s: expected ValidationError, got %v", tc.format, err)
		}
	}
}

func TestFormatDetection(t *testing.T) {
	for name, want := range map[string]string{
		"hosts.yml":  FormatYAML,
		"HOSTS.YAML": FormatYAML,
		"hosts.ini":  FormatINI,
		"dyn.json":   FormatJSON,
	} {
		got, err := FormatFromFilename(name)
		if err != nil || got != want {
			t.Errorf("%s: got %q, %v", name, got, err)
		}
	}
	if _, err := FormatFromFilename("hosts.txt"); !fault.IsValidation(err) {
		t.Errorf("expected ValidationError for .txt, got %v", err)
	}

	if Sniff(`{"all": {}}`) != FormatJSON || Sniff("[web]\nweb1") != FormatINI || Sniff("all:\n  hosts:") != FormatYAML {
		t.Error("unexpected sniff result")
	}
}

func TestCheckContent(t *testing.T) {
	if err := CheckContent([]byte("   \n")); !fault.IsValidation(err) {
		t.Errorf("blank content: got %v", err)
	}
	big := []byte(strings.Repeat("a", MaxContentBytes+1))
	if err := CheckContent(big); !fault.IsValidation(err) {
		t.Errorf("oversized content: got %v", err)
	}
	if err := CheckContent([]byte("[all]\nweb1")); err != nil {
		t.Errorf("valid content rejected: %v", err)
	}
}
