package main

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var markdown = goldmark.New()

// summary returns the plain text of the first block of a markdown
// description, for one-line table cells. Soft line breaks become
// spaces; emphasis, code spans and links keep only their text.
func summary(desc string) string {
	src := []byte(desc)
	doc := markdown.Parser().Parse(text.NewReader(src))

	block := doc.FirstChild()
	for block != nil && block.Kind() == ast.KindThematicBreak {
		block = block.NextSibling()
	}
	if block == nil {
		return ""
	}

	var sb strings.Builder
	_ = ast.Walk(block, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n := n.(type) {
		case *ast.Text:
			sb.Write(n.Segment.Value(src))
			if n.SoftLineBreak() || n.HardLineBreak() {
				sb.WriteByte(' ')
			}
		case *ast.String:
			sb.Write(n.Value)
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			// Only the first line of a code block.
			if n.Lines().Len() > 0 {
				line := n.Lines().At(0)
				sb.Write(line.Value(src))
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(sb.String())
}
