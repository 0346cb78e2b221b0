// Package gateway builds prompts, calls the external code-generation backend
// and cleans its output. Every call runs off the caller's goroutine and can be
// cancelled individually or all at once.
package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/alantheprice/commentgen/pkg/buffer"
	"github.com/alantheprice/commentgen/pkg/utils"
)

var (
	// ErrToolNotFound means the generation executable could not be located.
	ErrToolNotFound = errors.New("generation tool not found")
	// ErrNonZeroExit means the generation command failed.
	ErrNonZeroExit = errors.New("generation command exited with non-zero status")
	// ErrEmptyOutput means the command succeeded but produced no code.
	ErrEmptyOutput = errors.New("generation command produced no output")
	// ErrCancelled means the request was killed before it completed.
	ErrCancelled = errors.New("generation cancelled")
)

// Generator is a code-generation backend. Generate blocks until the backend
// answers or ctx is cancelled.
type Generator interface {
	Name() string
	Generate(ctx context.Context, prompt string) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, prompt string) (string, error)

func (f GeneratorFunc) Name() string { return "func" }

func (f GeneratorFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Job identifies one in-flight generation.
type Job struct {
	ID     string
	Buffer buffer.ID
	Hash   string
}

// Result is delivered once per Execute call.
type Result struct {
	Job      Job
	Code     string
	Raw      string
	Err      error
	Duration time.Duration
}

// Gateway runs generations asynchronously and tracks them for cancellation.
type Gateway struct {
	gen    Generator
	marker string
	logger *utils.Logger

	mu       sync.Mutex
	inflight map[string]*tracked
}

type tracked struct {
	job    Job
	cancel context.CancelFunc
}

// New creates a gateway over gen. marker is stripped from generated output.
func New(gen Generator, marker string, logger *utils.Logger) *Gateway {
	if logger == nil {
		logger = utils.GetLogger()
	}
	return &Gateway{gen: gen, marker: marker, logger: logger, inflight: make(map[string]*tracked)}
}

// Generator returns the backend.
func (g *Gateway) Generator() Generator {
	return g.gen
}

// Execute starts a generation and returns immediately. The channel receives
// exactly one Result and is then closed.
func (g *Gateway) Execute(ctx context.Context, job Job, prompt string) <-chan Result {
	out := make(chan Result, 1)
	ctx, cancel := context.WithCancel(ctx)

	t := &tracked{job: job, cancel: cancel}
	g.mu.Lock()
	if prev, ok := g.inflight[job.ID]; ok {
		prev.cancel()
	}
	g.inflight[job.ID] = t
	g.mu.Unlock()

	go func() {
		defer close(out)
		defer g.untrack(t)
		defer cancel()

		start := time.Now()
		raw, err := g.gen.Generate(ctx, prompt)
		res := Result{Job: job, Raw: raw, Duration: time.Since(start)}
		switch {
		case errors.Is(ctx.Err(), context.Canceled):
			res.Err = errors.Join(ErrCancelled, ctx.Err())
		case err != nil:
			res.Err = err
		default:
			res.Code = CleanOutput(raw, g.marker)
			if res.Code == "" {
				res.Err = utils.NewExecutionError(g.gen.Name(), "generate", ErrEmptyOutput)
			}
		}
		g.logger.Debugf("gateway: job %s finished in %s (err=%v)", job.ID, res.Duration, res.Err)
		out <- res
	}()
	return out
}

func (g *Gateway) untrack(t *tracked) {
	g.mu.Lock()
	if g.inflight[t.job.ID] == t {
		delete(g.inflight, t.job.ID)
	}
	g.mu.Unlock()
}

// Cancel kills one in-flight job.
func (g *Gateway) Cancel(id string) bool {
	g.mu.Lock()
	t, ok := g.inflight[id]
	g.mu.Unlock()
	if ok {
		t.cancel()
	}
	return ok
}

// CancelBuffer kills every job scoped to a buffer and returns them.
func (g *Gateway) CancelBuffer(id buffer.ID) []Job {
	return g.cancelWhere(func(j Job) bool { return j.Buffer == id })
}

// CancelAll kills every tracked job and returns them.
func (g *Gateway) CancelAll() []Job {
	return g.cancelWhere(func(Job) bool { return true })
}

func (g *Gateway) cancelWhere(match func(Job) bool) []Job {
	g.mu.Lock()
	var hit []*tracked
	for _, t := range g.inflight {
		if match(t.job) {
			hit = append(hit, t)
		}
	}
	g.mu.Unlock()

	jobs := make([]Job, 0, len(hit))
	for _, t := range hit {
		t.cancel()
		jobs = append(jobs, t.job)
	}
	return jobs
}

// InFlight returns the number of tracked jobs.
func (g *Gateway) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inflight)
}
