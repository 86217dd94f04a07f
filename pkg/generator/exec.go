package generator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"text/template"

	"github.com/sirupsen/logrus"
)

const outputTailSize = 4096

// DefaultArgs mirror a phpDocumentor invocation.
var DefaultArgs = []string{
	"--title", "{{.Title}}",
	"--target", "{{.TargetDir}}",
	"--directory", "{{.SourceDir}}",
	"--ignore", "{{.Ignore}}",
	"--template", "{{.Template}}",
	"--sourcecode",
}

// ExecGenerator runs an external documentation tool.
type ExecGenerator struct {
	log     logrus.FieldLogger
	command string
	args    []*template.Template
}

// Ensure ExecGenerator implements APIGenerator.
var _ APIGenerator = (*ExecGenerator)(nil)

// argData is what argument templates are executed against. Ignore patterns
// are joined with commas.
type argData struct {
	Title     string
	SourceDir string
	TargetDir string
	Ignore    string
	Template  string
}

// NewExecGenerator parses the argument templates. Empty args select
// DefaultArgs.
func NewExecGenerator(log logrus.FieldLogger, command string, args []string) (*ExecGenerator, error) {
	if command == "" {
		return nil, errors.New("exec generator requires a command")
	}

	if len(args) == 0 {
		args = DefaultArgs
	}

	parsed := make([]*template.Template, 0, len(args))

	for i, arg := range args {
		tmpl, err := template.New(fmt.Sprintf("arg%d", i)).Option("missingkey=error").Parse(arg)
		if err != nil {
			return nil, fmt.Errorf("parsing argument %q: %w", arg, err)
		}

		parsed = append(parsed, tmpl)
	}

	return &ExecGenerator{
		log:     log.WithField("component", "exec_generator"),
		command: command,
		args:    parsed,
	}, nil
}

// Generate runs the command. A non-zero exit is a GenerationFailedError
// carrying the end of the command's stderr.
func (g *ExecGenerator) Generate(ctx context.Context, opts Options) error {
	argv, err := g.render(opts)
	if err != nil {
		return &GenerationFailedError{Generator: "exec", Cause: err}
	}

	log := g.log.WithFields(logrus.Fields{
		"command": g.command,
		"title":   opts.Title,
	})
	log.WithField("args", argv).Debug("Running generator")

	var stdout, stderr tailBuffer

	cmd := exec.CommandContext(ctx, g.command, argv...)
	cmd.Dir = opts.SourceDir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}

		output := strings.TrimSpace(stderr.String())
		if output == "" {
			output = strings.TrimSpace(stdout.String())
		}

		return &GenerationFailedError{
			Generator: "exec",
			Cause:     err,
			Output:    output,
		}
	}

	log.Debug("Generator finished")

	return nil
}

// render executes the argument templates. An argument that renders empty
// is dropped together with the flag in front of it.
func (g *ExecGenerator) render(opts Options) ([]string, error) {
	data := argData{
		Title:     opts.Title,
		SourceDir: opts.SourceDir,
		TargetDir: opts.TargetDir,
		Ignore:    strings.Join(opts.Ignore, ","),
		Template:  opts.Template,
	}

	argv := make([]string, 0, len(g.args))

	for _, tmpl := range g.args {
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("rendering arguments: %w", err)
		}

		arg := buf.String()
		if arg == "" {
			if n := len(argv); n > 0 && strings.HasPrefix(argv[n-1], "-") {
				argv = argv[:n-1]
			}

			continue
		}

		argv = append(argv, arg)
	}

	return argv, nil
}

// tailBuffer keeps the last outputTailSize bytes written to it.
type tailBuffer struct {
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - outputTailSize; over > 0 {
		t.buf = t.buf[over:]
	}

	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}
