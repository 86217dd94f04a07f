package worker

import (
	"context"

	"github.com/ethpandaops/pagesmith/pkg/generator"
	"github.com/ethpandaops/pagesmith/pkg/job"
	"github.com/ethpandaops/pagesmith/pkg/publisher"
	"github.com/ethpandaops/pagesmith/pkg/queue"
	"github.com/ethpandaops/pagesmith/pkg/stager"
	"github.com/sirupsen/logrus"
)

// PageWorker renders the Markdown files of a branch and publishes them to
// <publish root>/<full name>, keeping the API documentation of each tag.
type PageWorker struct {
	base

	renderer *generator.MarkdownRenderer
}

// Ensure PageWorker implements Worker.
var _ Worker = (*PageWorker)(nil)

// NewPageWorker creates a PageWorker.
func NewPageWorker(log logrus.FieldLogger, deps Deps, renderer *generator.MarkdownRenderer) *PageWorker {
	return &PageWorker{
		base: base{
			log:  log.WithField("component", "page_worker"),
			kind: job.KindPage,
			deps: deps,
		},
		renderer: renderer,
	}
}

// Handle processes one generatePage delivery.
func (w *PageWorker) Handle(ctx context.Context, d *queue.Delivery) error {
	return w.handle(ctx, d, w.process)
}

func (w *PageWorker) process(ctx context.Context, exec *execution) error {
	j := exec.job

	target, err := publishPath(w.deps.PublishRoot, j.FullName, "")
	if err != nil {
		return err
	}

	exec.target = target

	wc, err := w.stage(ctx, exec, stager.Branch(j.Branch()))
	if err != nil {
		return err
	}

	w.advance(ctx, exec, StageStaged)

	err = w.deps.Publisher.Publish(ctx, target, func(dir string) error {
		pages, err := w.renderer.RenderDir(ctx, wc.Path, dir)
		if err != nil {
			return err
		}

		exec.log.WithField("pages", pages).Debug("Rendered pages")
		w.advance(ctx, exec, StageRendered)

		return nil
	}, publisher.PreserveSubdirs())
	if err != nil {
		return err
	}

	w.deps.Metrics.RecordPublish(string(j.Kind))
	w.advance(ctx, exec, StagePublished)

	return nil
}
