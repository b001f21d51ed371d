package parser

import (
	"github.com/spetr/repograph/pkg/provider"
)

// Default returns the built-in parser set in selection order.
func Default() []provider.Parser {
	return []provider.Parser{
		NewCode(),
		NewMarkdown(),
		NewYAML(),
	}
}

// Select returns the first parser claiming the path, or nil when the file
// has no parser and is indexed as an opaque file node.
func Select(parsers []provider.Parser, path string) provider.Parser {
	for _, p := range parsers {
		if p.CanParse(path) {
			return p
		}
	}
	return nil
}
