package generator

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethpandaops/pagesmith/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	return log
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()

	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	return string(data)
}

// ============================================================================
// Exec generator
// ============================================================================

func TestExecGeneratorRendersDefaultArgs(t *testing.T) {
	g, err := NewExecGenerator(newTestLogger(), "phpdoc", nil)
	require.NoError(t, err)

	argv, err := g.render(Options{
		Title:     "acme/widget",
		SourceDir: "/src",
		TargetDir: "/out",
		Ignore:    []string{"vendor", "tests"},
		Template:  "responsive",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"--title", "acme/widget",
		"--target", "/out",
		"--directory", "/src",
		"--ignore", "vendor,tests",
		"--template", "responsive",
		"--sourcecode",
	}, argv)
}

func TestExecGeneratorDropsEmptyFlags(t *testing.T) {
	g, err := NewExecGenerator(newTestLogger(), "phpdoc", nil)
	require.NoError(t, err)

	argv, err := g.render(Options{Title: "acme/widget", SourceDir: "/src", TargetDir: "/out"})
	require.NoError(t, err)

	assert.NotContains(t, argv, "--ignore")
	assert.NotContains(t, argv, "--template")
	assert.Equal(t, "--sourcecode", argv[len(argv)-1])
}

func TestExecGeneratorRejectsBadConfig(t *testing.T) {
	_, err := NewExecGenerator(newTestLogger(), "", nil)
	assert.Error(t, err)

	_, err = NewExecGenerator(newTestLogger(), "phpdoc", []string{"{{.Title"})
	assert.Error(t, err)
}

func TestExecGeneratorRuns(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	g, err := NewExecGenerator(newTestLogger(), "sh", []string{
		"-c", `echo "$1" > "$2/index.html"`, "sh", "{{.Title}}", "{{.TargetDir}}",
	})
	require.NoError(t, err)

	target := t.TempDir()

	require.NoError(t, g.Generate(context.Background(), Options{
		Title:     "acme/widget",
		SourceDir: t.TempDir(),
		TargetDir: target,
	}))
	assert.Equal(t, "acme/widget\n", readFile(t, filepath.Join(target, "index.html")))
}

func TestExecGeneratorReportsFailure(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	g, err := NewExecGenerator(newTestLogger(), "sh", []string{"-c", "echo parse error >&2; exit 3"})
	require.NoError(t, err)

	err = g.Generate(context.Background(), Options{SourceDir: t.TempDir(), TargetDir: t.TempDir()})

	var genErr *GenerationFailedError

	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, "exec", genErr.Generator)
	assert.Equal(t, "parse error", genErr.Output)
	assert.Contains(t, err.Error(), "parse error")
}

func TestTailBufferKeepsEnd(t *testing.T) {
	var tail tailBuffer

	_, _ = tail.Write([]byte(strings.Repeat("a", outputTailSize)))
	_, _ = tail.Write([]byte("end"))

	assert.Len(t, tail.String(), outputTailSize)
	assert.True(t, strings.HasSuffix(tail.String(), "end"))
}

func TestNewAPIGeneratorSelectsDriver(t *testing.T) {
	g, err := NewAPIGenerator(newTestLogger(), config.APIGeneratorConfig{Driver: "builtin", Style: "github"})
	require.NoError(t, err)
	assert.IsType(t, &SourceBrowser{}, g)

	g, err = NewAPIGenerator(newTestLogger(), config.APIGeneratorConfig{Driver: "exec", Command: "phpdoc"})
	require.NoError(t, err)
	assert.IsType(t, &ExecGenerator{}, g)

	_, err = NewAPIGenerator(newTestLogger(), config.APIGeneratorConfig{Driver: "doxygen"})
	assert.Error(t, err)
}

// ============================================================================
// Source browser
// ============================================================================

func TestSourceBrowserGenerates(t *testing.T) {
	src := t.TempDir()
	target := t.TempDir()

	writeTree(t, src, map[string]string{
		"src/Widget.php":      "<?php\nclass Widget {}\n",
		"README.md":           "# Widget\n",
		"vendor/lib/Dep.php":  "<?php\n",
		".git/config":         "[core]\n",
		"assets/logo.png":     "\x89PNG\x00\x00",
		"tests/WidgetTest.go": "package tests\n",
	})
	writeTree(t, src, map[string]string{"big.txt": strings.Repeat("x", maxSourceSize+1)})

	err := NewSourceBrowser(newTestLogger(), "github").Generate(context.Background(), Options{
		Title:     "acme/widget",
		SourceDir: src,
		TargetDir: target,
		Ignore:    []string{"vendor", "*Test.go"},
	})
	require.NoError(t, err)

	widget := readFile(t, filepath.Join(target, "source", "src", "Widget.php.html"))
	assert.Contains(t, widget, "Widget")
	assert.Contains(t, widget, `href="../../index.html"`)
	assert.FileExists(t, filepath.Join(target, "source", "README.md.html"))

	for _, skipped := range []string{"vendor/lib/Dep.php", ".git/config", "assets/logo.png", "tests/WidgetTest.go", "big.txt"} {
		assert.NoFileExists(t, filepath.Join(target, "source", filepath.FromSlash(skipped)+".html"))
	}

	index := readFile(t, filepath.Join(target, "index.html"))
	assert.Contains(t, index, "<title>acme/widget</title>")
	assert.Contains(t, index, `href="source/src/Widget.php.html"`)
	assert.NotContains(t, index, "logo.png")
}

func TestSourceBrowserHonoursContext(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"main.go": "package main\n"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewSourceBrowser(newTestLogger(), "").Generate(ctx, Options{SourceDir: src, TargetDir: t.TempDir()})

	var genErr *GenerationFailedError

	require.ErrorAs(t, err, &genErr)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIgnored(t *testing.T) {
	patterns := []string{"vendor", "*.min.js", "docs/build"}

	assert.True(t, ignored("vendor", patterns))
	assert.True(t, ignored("lib/vendor/x.php", patterns))
	assert.True(t, ignored("web/app.min.js", patterns))
	assert.True(t, ignored("docs/build", patterns))
	assert.False(t, ignored("docs/index.md", patterns))
	assert.False(t, ignored("src/vendors.php", patterns))
}

// ============================================================================
// Markdown renderer
// ============================================================================

func newTestRenderer(t *testing.T, layout string) *MarkdownRenderer {
	t.Helper()

	r, err := NewMarkdownRenderer(newTestLogger(), config.MarkdownConfig{
		Extensions: []string{".md", ".markdown"},
		Layout:     layout,
	})
	require.NoError(t, err)

	return r
}

func TestRenderDir(t *testing.T) {
	src := t.TempDir()
	target := t.TempDir()

	writeTree(t, src, map[string]string{
		"README.md":         "# Widget *docs*\n\nHello.\n",
		"Guide.MARKDOWN":    "Intro without heading.\n",
		"notes.txt":         "# not markdown\n",
		"docs/nested.md":    "# nested\n",
		"CHANGELOG.md.orig": "# backup\n",
	})

	n, err := newTestRenderer(t, "").RenderDir(context.Background(), src, target)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	readme := readFile(t, filepath.Join(target, "readme.html"))
	assert.Contains(t, readme, "<title>Widget docs</title>")
	assert.Contains(t, readme, `<h1 id="widget-docs">Widget <em>docs</em></h1>`)
	assert.Contains(t, readme, "<p>Hello.</p>")

	guide := readFile(t, filepath.Join(target, "guide.html"))
	assert.Contains(t, guide, "<title>Guide</title>")

	entries, err := os.ReadDir(target)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "only top level markdown files are rendered")
}

func TestRenderExtensions(t *testing.T) {
	source := []byte(`# Features

| a | b |
|---|---|
| 1 | 2 |

Term
: Definition

Text with a note.[^1]

~~gone~~

[^1]: The note.
`)

	page, err := newTestRenderer(t, "").Render("FEATURES.md", source)
	require.NoError(t, err)

	html := string(page)
	assert.Contains(t, html, "<table>")
	assert.Contains(t, html, "<dl>")
	assert.Contains(t, html, `class="footnotes"`)
	assert.Contains(t, html, "<del>gone</del>")
}

func TestRenderEscapesRawHTML(t *testing.T) {
	page, err := newTestRenderer(t, "").Render("x.md", []byte("<script>alert(1)</script>\n"))
	require.NoError(t, err)
	assert.NotContains(t, string(page), "<script>")
}

func TestRenderCustomLayout(t *testing.T) {
	r := newTestRenderer(t, `<main data-source="{{.Source}}">{{.Title}}|{{.Content}}</main>`)

	page, err := r.Render("README.md", []byte("## Setup\n"))
	require.NoError(t, err)
	assert.Equal(t, `<main data-source="README.md">Setup|<h2 id="setup">Setup</h2>
</main>`, string(page))
}

func TestNewMarkdownRendererRejectsBadLayout(t *testing.T) {
	_, err := NewMarkdownRenderer(newTestLogger(), config.MarkdownConfig{Layout: "{{.Title"})
	assert.Error(t, err)
}

func TestPageName(t *testing.T) {
	assert.Equal(t, "readme.html", PageName("README.md"))
	assert.Equal(t, "getting-started.html", PageName("Getting-Started.markdown"))
}
