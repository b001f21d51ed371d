package parser

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spetr/repograph/pkg/types"
)

var (
	headingRe    = regexp.MustCompile("^(#{1,6})\\s+(.+?)\\s*#*\\s*$")
	mdLinkRe     = regexp.MustCompile(`\[([^\]]+)\]\(([^)\s]+)\)`)
	wikiLinkRe   = regexp.MustCompile(`\[\[([^\]|]+)(?:\|[^\]]*)?\]\]`)
	fenceStartRe = regexp.MustCompile("^(```|~~~)")
)

// MarkdownParser splits a document into a section hierarchy by heading level
// and extracts embedded links as relationship candidates.
type MarkdownParser struct{}

// NewMarkdown creates a new markdown parser.
func NewMarkdown() *MarkdownParser {
	return &MarkdownParser{}
}

// Name returns the parser name.
func (p *MarkdownParser) Name() string {
	return "markdown"
}

// CanParse reports whether the file is a markdown document.
func (p *MarkdownParser) CanParse(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return true
	}
	return false
}

// openSection is a heading whose section has not been closed by a following
// heading of the same or shallower level.
type openSection struct {
	index int // position in result.Entities
	level int
}

// Parse extracts sections and links. Markdown has no hard failure mode: any
// text is a valid document.
func (p *MarkdownParser) Parse(content []byte, path string) (*types.ParseResult, error) {
	result := &types.ParseResult{Language: "markdown"}
	lines := strings.Split(string(content), "\n")

	var stack []openSection
	var body []string
	inFence := false

	innermost := func() *types.Entity {
		if len(stack) == 0 {
			return nil
		}
		return &result.Entities[stack[len(stack)-1].index]
	}

	flushBody := func() {
		if e := innermost(); e != nil && len(body) > 0 {
			e.Content = strings.TrimSpace(strings.Join(body, "\n"))
		}
		body = nil
	}

	closeSections := func(level, endLine int) {
		for len(stack) > 0 && stack[len(stack)-1].level >= level {
			top := stack[len(stack)-1]
			result.Entities[top.index].EndLine = endLine
			stack = stack[:len(stack)-1]
		}
	}

	for i, line := range lines {
		if fenceStartRe.MatchString(strings.TrimSpace(line)) {
			inFence = !inFence
			if len(stack) > 0 {
				body = append(body, line)
			}
			continue
		}
		if inFence {
			if len(stack) > 0 {
				body = append(body, line)
			}
			continue
		}

		if m := headingRe.FindStringSubmatch(line); m != nil {
			flushBody()
			level := len(m[1])
			closeSections(level, i)

			parent := ""
			if e := innermost(); e != nil {
				parent = e.Name
			}

			result.Entities = append(result.Entities, types.Entity{
				Kind:      types.EntitySection,
				Name:      m[2],
				StartLine: i + 1,
				Parent:    parent,
				Metadata:  map[string]string{"level": strings.Repeat("#", level)},
			})
			stack = append(stack, openSection{
				index: len(result.Entities) - 1,
				level: level,
			})
			continue
		}

		if len(stack) > 0 {
			body = append(body, line)
		}

		from := ""
		if e := innermost(); e != nil {
			from = e.Name
		}
		for _, m := range mdLinkRe.FindAllStringSubmatch(line, -1) {
			target := m[2]
			if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
				continue
			}
			result.Relationships = append(result.Relationships, types.Relationship{
				Kind:   types.RelLink,
				From:   from,
				Target: strings.TrimPrefix(target, "./"),
				Line:   i + 1,
			})
		}
		for _, m := range wikiLinkRe.FindAllStringSubmatch(line, -1) {
			result.Relationships = append(result.Relationships, types.Relationship{
				Kind:   types.RelLink,
				From:   from,
				Target: strings.TrimSpace(m[1]),
				Line:   i + 1,
			})
		}
	}

	flushBody()
	closeSections(1, len(lines))
	return result, nil
}
