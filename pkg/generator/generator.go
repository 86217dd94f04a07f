package generator

import (
	"context"
	"fmt"

	"github.com/ethpandaops/pagesmith/pkg/config"
	"github.com/sirupsen/logrus"
)

// Options describe one API documentation run.
type Options struct {
	Title     string
	SourceDir string
	TargetDir string
	Ignore    []string
	Template  string
}

// GenerationFailedError is returned when a generator could not produce its
// output.
type GenerationFailedError struct {
	Generator string
	Cause     error
	// Output holds the tail of the tool's error output, if any.
	Output string
}

func (e *GenerationFailedError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("%s generator failed: %v: %s", e.Generator, e.Cause, e.Output)
	}

	return fmt.Sprintf("%s generator failed: %v", e.Generator, e.Cause)
}

func (e *GenerationFailedError) Unwrap() error {
	return e.Cause
}

// APIGenerator produces API documentation for a working copy.
type APIGenerator interface {
	Generate(ctx context.Context, opts Options) error
}

// NewAPIGenerator creates the API generator selected by cfg.Driver.
func NewAPIGenerator(log logrus.FieldLogger, cfg config.APIGeneratorConfig) (APIGenerator, error) {
	switch cfg.Driver {
	case "exec":
		return NewExecGenerator(log, cfg.Command, cfg.Args)
	case "builtin", "":
		return NewSourceBrowser(log, cfg.Style), nil
	default:
		return nil, fmt.Errorf("unsupported api generator driver: %s", cfg.Driver)
	}
}
