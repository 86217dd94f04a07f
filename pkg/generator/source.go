package generator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/alecthomas/chroma/v2"
	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/sirupsen/logrus"
)

const (
	maxSourceSize = 1 << 20
	sniffSize     = 8000
	sourceDir     = "source"
)

var sourcePage = template.Must(template.New("source").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Path}} - {{.Title}}</title>
</head>
<body>
<p><a href="{{.Root}}index.html">{{.Title}}</a> / {{.Path}}</p>
{{.Code}}
</body>
</html>
`))

var indexPage = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
</head>
<body>
<h1>{{.Title}}</h1>
<ul>
{{- range .Files}}
<li><a href="source/{{.}}.html">{{.}}</a></li>
{{- end}}
</ul>
</body>
</html>
`))

// SourceBrowser is a built-in API generator that publishes a syntax
// highlighted, browsable copy of the sources.
type SourceBrowser struct {
	log   logrus.FieldLogger
	style *chroma.Style
}

// Ensure SourceBrowser implements APIGenerator.
var _ APIGenerator = (*SourceBrowser)(nil)

// NewSourceBrowser creates a SourceBrowser highlighting with the named
// chroma style, falling back to chroma's default.
func NewSourceBrowser(log logrus.FieldLogger, style string) *SourceBrowser {
	return &SourceBrowser{
		log:   log.WithField("component", "source_browser"),
		style: styles.Get(style),
	}
}

// Generate renders every text file below opts.SourceDir to
// TargetDir/source/<path>.html and writes an index. Dot directories,
// ignored paths, binaries and files over 1MiB are skipped.
func (s *SourceBrowser) Generate(ctx context.Context, opts Options) error {
	files, err := s.collect(ctx, opts)
	if err != nil {
		return &GenerationFailedError{Generator: "builtin", Cause: err}
	}

	formatter := chromahtml.New(
		chromahtml.WithLineNumbers(true),
		chromahtml.LineNumbersInTable(true),
		chromahtml.TabWidth(4),
	)

	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return &GenerationFailedError{Generator: "builtin", Cause: err}
		}

		if err := s.renderFile(formatter, opts, rel); err != nil {
			return &GenerationFailedError{Generator: "builtin", Cause: fmt.Errorf("rendering %s: %w", rel, err)}
		}
	}

	var index bytes.Buffer
	if err := indexPage.Execute(&index, map[string]any{"Title": opts.Title, "Files": files}); err != nil {
		return &GenerationFailedError{Generator: "builtin", Cause: err}
	}

	if err := os.WriteFile(filepath.Join(opts.TargetDir, "index.html"), index.Bytes(), 0o644); err != nil {
		return &GenerationFailedError{Generator: "builtin", Cause: err}
	}

	s.log.WithFields(logrus.Fields{
		"title": opts.Title,
		"files": len(files),
	}).Debug("Generated source browser")

	return nil
}

// collect returns the slash separated paths of all files to render, sorted.
func (s *SourceBrowser) collect(ctx context.Context, opts Options) ([]string, error) {
	var files []string

	err := filepath.WalkDir(opts.SourceDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(opts.SourceDir, p)
		if err != nil {
			return err
		}

		if rel == "." {
			return nil
		}

		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") || ignored(rel, opts.Ignore) {
				return filepath.SkipDir
			}

			return nil
		}

		if !d.Type().IsRegular() || ignored(rel, opts.Ignore) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		if info.Size() > maxSourceSize {
			s.log.WithField("file", rel).Debug("Skipping large file")

			return nil
		}

		binary, err := sniffBinary(p)
		if err != nil {
			return err
		}

		if !binary {
			files = append(files, rel)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(files)

	return files, nil
}

func (s *SourceBrowser) renderFile(formatter *chromahtml.Formatter, opts Options, rel string) error {
	content, err := os.ReadFile(filepath.Join(opts.SourceDir, filepath.FromSlash(rel)))
	if err != nil {
		return err
	}

	lexer := lexers.Match(path.Base(rel))
	if lexer == nil {
		lexer = lexers.Analyse(string(content))
	}

	if lexer == nil {
		lexer = lexers.Fallback
	}

	iterator, err := chroma.Coalesce(lexer).Tokenise(nil, string(content))
	if err != nil {
		return err
	}

	var code bytes.Buffer
	if err := formatter.Format(&code, s.style, iterator); err != nil {
		return err
	}

	var page bytes.Buffer

	err = sourcePage.Execute(&page, map[string]any{
		"Title": opts.Title,
		"Path":  rel,
		"Root":  strings.Repeat("../", strings.Count(rel, "/")+1),
		"Code":  template.HTML(code.String()), //nolint:gosec // produced by chroma, which escapes the source
	})
	if err != nil {
		return err
	}

	target := filepath.Join(opts.TargetDir, sourceDir, filepath.FromSlash(rel)+".html")
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	return os.WriteFile(target, page.Bytes(), 0o644)
}

// ignored reports whether any segment of rel, or rel itself, matches one
// of the patterns.
func ignored(rel string, patterns []string) bool {
	for _, pattern := range patterns {
		if ok, _ := path.Match(pattern, rel); ok {
			return true
		}

		for _, segment := range strings.Split(rel, "/") {
			if ok, _ := path.Match(pattern, segment); ok {
				return true
			}
		}
	}

	return false
}

// sniffBinary reports whether the start of the file contains a NUL byte.
func sniffBinary(name string) (bool, error) {
	f, err := os.Open(name)
	if err != nil {
		return false, err
	}
	defer f.Close()

	head := make([]byte, sniffSize)

	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return false, err
	}

	return bytes.IndexByte(head[:n], 0) >= 0, nil
}
