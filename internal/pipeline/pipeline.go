// Package pipeline extracts many files at once. Every worker owns its own
// session (transport, uploader and temp files) so concurrent extractions
// never share mutable state.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dgallion1/splore/internal/config"
	"github.com/dgallion1/splore/internal/extraction"
	"github.com/dgallion1/splore/internal/logging"
	"github.com/dgallion1/splore/internal/upload"
)

// Worker runs extractions one at a time.
type Worker interface {
	Extract(ctx context.Context, req extraction.Request) (*extraction.Result, error)
	Close()
}

// Factory builds the session for worker n.
type Factory func(ctx context.Context, n int) (Worker, error)

// Outcome is the result of one request, in submission order.
type Outcome struct {
	Job    JobSnapshot
	Result *extraction.Result
	Err    error
}

// Pipeline fans extraction requests out over a fixed set of workers and
// remembers every job until its TTL runs out.
type Pipeline struct {
	jobs    *JobStore
	workers int
	log     *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg config.Config, log *slog.Logger) *Pipeline {
	if log == nil {
		log = logging.Discard()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	ttl := cfg.JobTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Pipeline{
		jobs:    NewJobStore(ttl),
		workers: workers,
		log:     log,
	}
}

// Jobs exposes the job registry.
func (p *Pipeline) Jobs() *JobStore { return p.jobs }

// Start launches the background eviction of expired jobs. ExtractAll works
// without it.
func (p *Pipeline) Start(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := p.jobs.Cleanup(); n > 0 {
					p.log.Debug("evicted jobs", "count", n)
				}
			}
		}
	}()
}

// Stop ends the eviction loop. It is safe to call more than once.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// JanitorInterval is how often Start should run for a given TTL.
func JanitorInterval(ttl time.Duration) time.Duration {
	return max(ttl/4, time.Second)
}

// ExtractAll runs every request on workers built by factory and returns one
// Outcome per request. A failed extraction is reported in its Outcome and
// does not stop the batch; only a worker that cannot be built aborts it.
func (p *Pipeline) ExtractAll(ctx context.Context, factory Factory, reqs []extraction.Request) ([]Outcome, error) {
	out := make([]Outcome, len(reqs))
	if len(reqs) == 0 {
		return out, nil
	}

	jobs := make([]*Job, len(reqs))
	for i, req := range reqs {
		jobs[i] = p.jobs.New(sourceLabel(req.Source))
	}

	queue := make(chan int)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(queue)
		for i := range reqs {
			select {
			case queue <- i:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})

	for n := range min(p.workers, len(reqs)) {
		g.Go(func() error {
			w, err := factory(gctx, n)
			if err != nil {
				return fmt.Errorf("start worker %d: %w", n, err)
			}
			defer w.Close()
			log := p.log.With("worker", n)
			for i := range queue {
				res, err := p.run(gctx, log, w, jobs[i], reqs[i])
				out[i] = Outcome{Result: res, Err: err}
			}
			return nil
		})
	}

	err := g.Wait()
	for i, job := range jobs {
		if err != nil && out[i].Result == nil && out[i].Err == nil {
			job.AddError("not run: " + err.Error())
			job.SetStatus(StatusFailed)
			out[i].Err = err
		}
		out[i].Job = job.Snapshot()
	}
	return out, err
}

func (p *Pipeline) run(ctx context.Context, log *slog.Logger, w Worker, job *Job, req extraction.Request) (*extraction.Result, error) {
	log = log.With("job_id", job.ID, "source", job.Source)
	ctx = logging.NewContext(ctx, log)

	onTransition, progress := req.OnTransition, req.Progress
	req.OnTransition = func(tr extraction.Transition) {
		job.Observe(tr)
		if onTransition != nil {
			onTransition(tr)
		}
	}
	req.Progress = func(pr upload.Progress) {
		job.SetProgress(pr)
		if progress != nil {
			progress(pr)
		}
	}

	start := time.Now()
	res, err := w.Extract(ctx, req)
	if err != nil {
		// Failures before the first transition leave the job queued.
		if job.Snapshot().Status != StatusFailed {
			job.AddError(err.Error())
			job.SetStatus(StatusFailed)
		}
		log.Error("extraction failed", "error", err, "duration", time.Since(start))
		return nil, err
	}
	job.setResult(res)
	log.Info("extraction done", "file_id", res.FileID, "duration", time.Since(start))
	return res, nil
}

func sourceLabel(src upload.Source) string {
	switch {
	case src.Path != "":
		return src.Path
	case src.Name != "":
		return src.Name
	}
	return "stream"
}
