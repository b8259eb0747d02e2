// Package speechtext turns model or operator text, which is often
// markdown, into plain sentences a TTS engine can read aloud.
package speechtext

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var md = goldmark.New()

var spaces = regexp.MustCompile(`[ \t]+`)

// Plain renders markdown as speakable text. Emphasis markers, heading
// hashes, link targets, images, HTML and code blocks are dropped. Each
// heading, paragraph and list item becomes its own sentence.
func Plain(markdown string) string {
	src := []byte(markdown)
	doc := md.Parser().Parse(text.NewReader(src))

	var b strings.Builder
	endBlock := func() {
		s := strings.TrimRightFunc(b.String(), unicode.IsSpace)
		if s == "" {
			return
		}
		b.Reset()
		b.WriteString(s)
		if !endsSentence(s) {
			b.WriteByte('.')
		}
		b.WriteByte(' ')
	}

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch n := n.(type) {
		case *ast.FencedCodeBlock, *ast.CodeBlock, *ast.HTMLBlock, *ast.RawHTML, *ast.Image, *ast.ThematicBreak:
			return ast.WalkSkipChildren, nil
		case *ast.Text:
			if entering {
				b.Write(n.Segment.Value(src))
				if n.SoftLineBreak() || n.HardLineBreak() {
					b.WriteByte(' ')
				}
			}
		case *ast.String:
			if entering {
				b.Write(n.Value)
			}
		case *ast.AutoLink:
			if entering {
				b.Write(n.Label(src))
			}
			return ast.WalkSkipChildren, nil
		case *ast.Heading, *ast.Paragraph, *ast.TextBlock:
			if !entering {
				endBlock()
			}
		}
		return ast.WalkContinue, nil
	})

	return strings.TrimSpace(spaces.ReplaceAllString(b.String(), " "))
}

func endsSentence(s string) bool {
	r, _ := utf8.DecodeLastRuneInString(s)
	return strings.ContainsRune(".!?:;…。！？", r)
}
