package parser

import (
	"strings"
	"testing"

	"github.com/spetr/repograph/pkg/types"
)

const mdSample = `# Architecture

High level overview of the system.

See [the store](docs/store.md) for details.

## Storage

The storage layer persists nodes.

### SQLite

Default local backend.

## Query

Ranking combines [[Storage]] similarity with graph degree.

` + "```" + `
# not a heading inside a fence
` + "```" + `
`

func TestMarkdownSections(t *testing.T) {
	p := NewMarkdown()
	result, err := p.Parse([]byte(mdSample), "docs/arch.md")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	byName := map[string]types.Entity{}
	for _, e := range result.Entities {
		if e.Kind != types.EntitySection {
			t.Errorf("entity %q kind = %q, want section", e.Name, e.Kind)
		}
		byName[e.Name] = e
	}

	tests := []struct {
		name   string
		parent string
	}{
		{"Architecture", ""},
		{"Storage", "Architecture"},
		{"SQLite", "Storage"},
		{"Query", "Architecture"},
	}
	for _, tt := range tests {
		e, ok := byName[tt.name]
		if !ok {
			t.Errorf("missing section %q", tt.name)
			continue
		}
		if e.Parent != tt.parent {
			t.Errorf("section %q parent = %q, want %q", tt.name, e.Parent, tt.parent)
		}
	}

	if arch := byName["Architecture"]; !strings.Contains(arch.Content, "High level overview") {
		t.Errorf("Architecture content = %q, want overview text", arch.Content)
	}
}

func TestMarkdownLinks(t *testing.T) {
	p := NewMarkdown()
	result, err := p.Parse([]byte(mdSample), "docs/arch.md")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	targets := map[string]string{}
	for _, r := range result.Relationships {
		if r.Kind != types.RelLink {
			t.Errorf("relationship kind = %q, want link", r.Kind)
		}
		targets[r.Target] = r.From
	}

	if from, ok := targets["docs/store.md"]; !ok || from != "Architecture" {
		t.Errorf("docs/store.md link from = %q, ok=%v, want Architecture", from, ok)
	}
	if from, ok := targets["Storage"]; !ok || from != "Query" {
		t.Errorf("wiki link from = %q, ok=%v, want Query", from, ok)
	}
}

func TestMarkdownExternalLinksIgnored(t *testing.T) {
	p := NewMarkdown()
	result, err := p.Parse([]byte("# T\n\n[ext](https://example.com/page)\n"), "t.md")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(result.Relationships) != 0 {
		t.Errorf("relationships = %v, want none for external links", result.Relationships)
	}
}

func TestMarkdownHeadingInFenceIgnored(t *testing.T) {
	p := NewMarkdown()
	result, err := p.Parse([]byte(mdSample), "docs/arch.md")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	for _, e := range result.Entities {
		if strings.Contains(e.Name, "not a heading") {
			t.Errorf("fenced heading extracted as section: %q", e.Name)
		}
	}
}
