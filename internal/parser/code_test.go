package parser

import (
	"errors"
	"strings"
	"testing"

	"github.com/spetr/repograph/pkg/types"
)

const goSample = `package sample

import (
	"fmt"
	"strings"
)

// Greeter says hello.
type Greeter struct {
	name string
}

// Greet returns a greeting.
func (g *Greeter) Greet() string {
	return fmt.Sprintf("hello %s", strings.TrimSpace(g.name))
}

// NewGreeter creates a Greeter.
func NewGreeter(name string) *Greeter {
	return &Greeter{name: name}
}
`

const pySample = `import os
from collections import defaultdict


class Tracker:
    """Counts events by name."""

    def record(self, name):
        """Record one event."""
        self.counts[name] += 1


def make_tracker():
    """Build a Tracker."""
    return Tracker()
`

func TestCodeParserCanParse(t *testing.T) {
	p := NewCode()
	tests := []struct {
		path string
		want bool
	}{
		{"main.go", true},
		{"lib/util.py", true},
		{"types.pyi", true},
		{"README.md", false},
		{"config.yaml", false},
		{"binary.bin", false},
	}
	for _, tt := range tests {
		if got := p.CanParse(tt.path); got != tt.want {
			t.Errorf("CanParse(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestCodeParserGo(t *testing.T) {
	p := NewCode()
	result, err := p.Parse([]byte(goSample), "sample.go")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if result.Language != "go" {
		t.Errorf("language = %q, want go", result.Language)
	}

	byName := map[string]types.Entity{}
	for _, e := range result.Entities {
		byName[e.Name] = e
	}

	greeter, ok := byName["Greeter"]
	if !ok {
		t.Fatal("missing Greeter entity")
	}
	if greeter.Kind != types.EntityClass {
		t.Errorf("Greeter kind = %q, want class", greeter.Kind)
	}
	if !strings.Contains(greeter.Doc, "says hello") {
		t.Errorf("Greeter doc = %q, want doc comment", greeter.Doc)
	}

	greet, ok := byName["Greet"]
	if !ok {
		t.Fatal("missing Greet entity")
	}
	if greet.Kind != types.EntityMethod {
		t.Errorf("Greet kind = %q, want method", greet.Kind)
	}
	if greet.Parent != "Greeter" {
		t.Errorf("Greet parent = %q, want Greeter", greet.Parent)
	}

	if _, ok := byName["NewGreeter"]; !ok {
		t.Error("missing NewGreeter entity")
	}

	var imports, calls []string
	for _, r := range result.Relationships {
		switch r.Kind {
		case types.RelImport:
			imports = append(imports, r.Target)
		case types.RelCall:
			calls = append(calls, r.From+"->"+r.Target)
		}
	}
	if len(imports) != 2 {
		t.Errorf("imports = %v, want [fmt strings]", imports)
	}
	wantCall := "Greet->Sprintf"
	found := false
	for _, c := range calls {
		if c == wantCall {
			found = true
		}
	}
	if !found {
		t.Errorf("calls = %v, want %s", calls, wantCall)
	}
}

func TestCodeParserPython(t *testing.T) {
	p := NewCode()
	result, err := p.Parse([]byte(pySample), "tracker.py")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if result.Language != "python" {
		t.Errorf("language = %q, want python", result.Language)
	}

	byName := map[string]types.Entity{}
	for _, e := range result.Entities {
		byName[e.Name] = e
	}

	tracker, ok := byName["Tracker"]
	if !ok {
		t.Fatal("missing Tracker entity")
	}
	if tracker.Kind != types.EntityClass {
		t.Errorf("Tracker kind = %q, want class", tracker.Kind)
	}
	if !strings.Contains(tracker.Doc, "Counts events") {
		t.Errorf("Tracker doc = %q, want docstring", tracker.Doc)
	}

	record, ok := byName["record"]
	if !ok {
		t.Fatal("missing record entity")
	}
	if record.Kind != types.EntityMethod || record.Parent != "Tracker" {
		t.Errorf("record = %+v, want method under Tracker", record)
	}

	if _, ok := byName["make_tracker"]; !ok {
		t.Error("missing make_tracker entity")
	}

	var imports []string
	for _, r := range result.Relationships {
		if r.Kind == types.RelImport {
			imports = append(imports, r.Target)
		}
	}
	if len(imports) == 0 {
		t.Error("no imports extracted")
	}
}

func TestCodeParserSyntaxError(t *testing.T) {
	p := NewCode()
	_, err := p.Parse([]byte("def broken(:\n    pass\n"), "broken.py")
	if err == nil {
		t.Fatal("expected parse error")
	}
	var pe *types.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("error type = %T, want *types.ParseError", err)
	}
	if pe.Path != "broken.py" {
		t.Errorf("path = %q, want broken.py", pe.Path)
	}
	if types.Kind(err) != types.KindParseError {
		t.Errorf("kind = %q, want parse_error", types.Kind(err))
	}
}
