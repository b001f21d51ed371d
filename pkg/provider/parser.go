package provider

import (
	"github.com/spetr/repograph/pkg/types"
)

// Parser converts raw file content into extracted entities and relationship
// candidates. Implementations are stateless and pure: CanParse looks only at
// the path, Parse only at the content, and Parse either succeeds fully or
// fails with a *types.ParseError.
type Parser interface {
	// Name returns the parser name (e.g., "code", "markdown", "yaml").
	Name() string

	// CanParse reports whether this parser handles the file, by
	// extension/name only.
	CanParse(path string) bool

	// Parse extracts entities and relationships from content. The path is
	// context for error messages, never read from disk.
	Parse(content []byte, path string) (*types.ParseResult, error)
}
