package generator

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ethpandaops/pagesmith/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
)

// DefaultLayout wraps rendered Markdown when no layout file is configured.
const DefaultLayout = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
</head>
<body>
{{.Content}}
</body>
</html>
`

// The goldmark instance is immutable once configured and safe for
// concurrent use.
var (
	markdownInstance goldmark.Markdown
	markdownOnce     sync.Once
)

func getMarkdown() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdownInstance = goldmark.New(
			goldmark.WithExtensions(
				extension.GFM,
				extension.DefinitionList,
				extension.Footnote,
			),
			goldmark.WithParserOptions(
				parser.WithAutoHeadingID(),
			),
		)
	})

	return markdownInstance
}

// Page is the data a layout is executed with.
type Page struct {
	Title   string
	Source  string
	Content template.HTML
}

// MarkdownRenderer turns the Markdown files of a directory into HTML pages.
type MarkdownRenderer struct {
	log        logrus.FieldLogger
	extensions []string
	layout     *template.Template
}

// NewMarkdownRenderer creates a renderer for the configured extensions,
// using cfg.Layout as page layout when set.
func NewMarkdownRenderer(log logrus.FieldLogger, cfg config.MarkdownConfig) (*MarkdownRenderer, error) {
	layout := cfg.Layout
	if layout == "" {
		layout = DefaultLayout
	}

	tmpl, err := template.New("layout").Parse(layout)
	if err != nil {
		return nil, fmt.Errorf("parsing markdown layout: %w", err)
	}

	extensions := make([]string, 0, len(cfg.Extensions))
	for _, ext := range cfg.Extensions {
		extensions = append(extensions, strings.ToLower(ext))
	}

	return &MarkdownRenderer{
		log:        log.WithField("component", "markdown"),
		extensions: extensions,
		layout:     tmpl,
	}, nil
}

// RenderDir renders every Markdown file directly inside sourceDir to
// targetDir/<lowercased name without extension>.html. Subdirectories are
// not visited. It returns the number of pages written.
func (r *MarkdownRenderer) RenderDir(ctx context.Context, sourceDir, targetDir string) (int, error) {
	entries, err := os.ReadDir(sourceDir)
	if err != nil {
		return 0, &GenerationFailedError{Generator: "markdown", Cause: err}
	}

	var rendered int

	for _, entry := range entries {
		if !entry.Type().IsRegular() || !r.matches(entry.Name()) {
			continue
		}

		if err := ctx.Err(); err != nil {
			return rendered, &GenerationFailedError{Generator: "markdown", Cause: err}
		}

		name := entry.Name()

		source, err := os.ReadFile(filepath.Join(sourceDir, name))
		if err != nil {
			return rendered, &GenerationFailedError{Generator: "markdown", Cause: err}
		}

		page, err := r.Render(name, source)
		if err != nil {
			return rendered, &GenerationFailedError{Generator: "markdown", Cause: fmt.Errorf("rendering %s: %w", name, err)}
		}

		if err := os.WriteFile(filepath.Join(targetDir, PageName(name)), page, 0o644); err != nil {
			return rendered, &GenerationFailedError{Generator: "markdown", Cause: err}
		}

		rendered++
	}

	r.log.WithFields(logrus.Fields{
		"source": sourceDir,
		"pages":  rendered,
	}).Debug("Rendered markdown")

	return rendered, nil
}

// Render converts one Markdown document into a complete HTML page. The
// title is the text of the first heading, or the file name without one.
func (r *MarkdownRenderer) Render(name string, source []byte) ([]byte, error) {
	md := getMarkdown()
	doc := md.Parser().Parse(text.NewReader(source))

	var body bytes.Buffer
	if err := md.Renderer().Render(&body, source, doc); err != nil {
		return nil, err
	}

	title := firstHeading(doc, source)
	if title == "" {
		title = strings.TrimSuffix(name, filepath.Ext(name))
	}

	var out bytes.Buffer

	err := r.layout.Execute(&out, Page{
		Title:   title,
		Source:  name,
		Content: template.HTML(body.String()), //nolint:gosec // goldmark escapes raw HTML by default
	})
	if err != nil {
		return nil, err
	}

	return out.Bytes(), nil
}

func (r *MarkdownRenderer) matches(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return false
	}

	for _, e := range r.extensions {
		if e == ext {
			return true
		}
	}

	return false
}

// PageName maps a Markdown file name to its page name: README.md becomes
// readme.html.
func PageName(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, filepath.Ext(name))) + ".html"
}

func firstHeading(doc ast.Node, source []byte) string {
	var title string

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}

		if heading, ok := n.(*ast.Heading); ok {
			title = strings.TrimSpace(nodeText(heading, source))

			return ast.WalkStop, nil
		}

		return ast.WalkContinue, nil
	})

	return title
}

// nodeText concatenates the text segments below n.
func nodeText(n ast.Node, source []byte) string {
	var b strings.Builder

	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch t := c.(type) {
		case *ast.Text:
			b.Write(t.Segment.Value(source))

			if t.SoftLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(t.Value)
		default:
			b.WriteString(nodeText(c, source))
		}
	}

	return b.String()
}
