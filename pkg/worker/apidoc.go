package worker

import (
	"context"

	"github.com/ethpandaops/pagesmith/pkg/generator"
	"github.com/ethpandaops/pagesmith/pkg/job"
	"github.com/ethpandaops/pagesmith/pkg/queue"
	"github.com/ethpandaops/pagesmith/pkg/stager"
	"github.com/sirupsen/logrus"
)

// APIDocWorker generates API documentation for a tag and publishes it to
// <publish root>/<full name>/<tag>.
type APIDocWorker struct {
	base

	generator generator.APIGenerator
	ignore    []string
	template  string
}

// Ensure APIDocWorker implements Worker.
var _ Worker = (*APIDocWorker)(nil)

// NewAPIDocWorker creates an APIDocWorker.
func NewAPIDocWorker(
	log logrus.FieldLogger,
	deps Deps,
	gen generator.APIGenerator,
	ignore []string,
	template string,
) *APIDocWorker {
	return &APIDocWorker{
		base: base{
			log:  log.WithField("component", "api_doc_worker"),
			kind: job.KindAPIDoc,
			deps: deps,
		},
		generator: gen,
		ignore:    ignore,
		template:  template,
	}
}

// Handle processes one generateApi delivery.
func (w *APIDocWorker) Handle(ctx context.Context, d *queue.Delivery) error {
	return w.handle(ctx, d, w.process)
}

func (w *APIDocWorker) process(ctx context.Context, exec *execution) error {
	j := exec.job

	target, err := publishPath(w.deps.PublishRoot, j.FullName, j.Tag)
	if err != nil {
		return err
	}

	exec.target = target

	wc, err := w.stage(ctx, exec, stager.Tag(j.Tag))
	if err != nil {
		return err
	}

	w.advance(ctx, exec, StageStaged)
	w.advance(ctx, exec, StageCheckedOut)

	err = w.deps.Publisher.Publish(ctx, target, func(dir string) error {
		if err := w.generator.Generate(ctx, generator.Options{
			Title:     j.FullName,
			SourceDir: wc.Path,
			TargetDir: dir,
			Ignore:    w.ignore,
			Template:  w.template,
		}); err != nil {
			return err
		}

		w.advance(ctx, exec, StageGenerated)

		return nil
	})
	if err != nil {
		return err
	}

	w.deps.Metrics.RecordPublish(string(j.Kind))
	w.advance(ctx, exec, StagePublished)

	return nil
}
