package parser

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/spetr/repograph/pkg/types"
)

// Schema versions this release understands. Anything else is indexed with a
// soft warning instead of being rejected.
var recognizedSchemaVersions = map[string]bool{
	"1.0": true,
	"1.1": true,
}

// YAMLParser indexes structured YAML files as config entities. The top-level
// keys become searchable content and any file references become link
// candidates.
type YAMLParser struct{}

// NewYAML creates a new YAML parser.
func NewYAML() *YAMLParser {
	return &YAMLParser{}
}

// Name returns the parser name.
func (p *YAMLParser) Name() string {
	return "yaml"
}

// CanParse reports whether the file is a YAML document.
func (p *YAMLParser) CanParse(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Parse validates the document and extracts a single config entity.
func (p *YAMLParser) Parse(content []byte, path string) (*types.ParseResult, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, &types.ParseError{Path: path, Reason: err.Error()}
	}

	result := &types.ParseResult{Language: "yaml"}
	if doc == nil {
		return result, nil
	}

	meta := map[string]string{}
	if v, ok := doc["schema_version"]; ok {
		version := fmt.Sprintf("%v", v)
		meta["schema_version"] = version
		if !recognizedSchemaVersions[version] {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("%s: unrecognized schema_version %q", path, version))
		}
	}
	if v, ok := doc["description"].(string); ok {
		meta["description"] = v
	}

	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	meta["keys"] = strings.Join(keys, ",")

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	result.Entities = append(result.Entities, types.Entity{
		Kind:     types.EntityConfig,
		Name:     name,
		Content:  string(content),
		EndLine:  strings.Count(string(content), "\n") + 1,
		Metadata: meta,
	})

	collectFileRefs(doc, result)
	return result, nil
}

// collectFileRefs finds string values that look like repository-relative
// file paths and records them as link candidates.
func collectFileRefs(v any, result *types.ParseResult) {
	switch val := v.(type) {
	case map[string]any:
		for _, child := range val {
			collectFileRefs(child, result)
		}
	case []any:
		for _, child := range val {
			collectFileRefs(child, result)
		}
	case string:
		if looksLikeFileRef(val) {
			result.Relationships = append(result.Relationships, types.Relationship{
				Kind:   types.RelLink,
				Target: val,
			})
		}
	}
}

func looksLikeFileRef(s string) bool {
	if strings.ContainsAny(s, " \n\t") || strings.Contains(s, "://") {
		return false
	}
	switch strings.ToLower(filepath.Ext(s)) {
	case ".md", ".markdown", ".go", ".py", ".yaml", ".yml":
		return true
	}
	return false
}
