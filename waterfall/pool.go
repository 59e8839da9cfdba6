package waterfall

import (
	"context"
	"sync"

	"github.com/loandocs/cdwaterfall/internal/logger"
)

// RunSink receives a terminal run as a single unit of work. Implementations
// own retry and transactionality; a sink error marks the run as Error but
// the in-memory run is never dropped.
type RunSink interface {
	Persist(ctx context.Context, run *WaterfallRun) error
}

// Task is one loan's processing request.
type Task struct {
	Loan      LoanContext
	Documents []Document
}

// Pool executes loan runs across a fixed set of workers. Runs for different
// loans share no mutable state, so the only coordination is the job channel.
type Pool struct {
	orch    *Orchestrator
	sink    RunSink
	workers int
}

// NewPool creates a pool. workers below 1 is treated as 1.
func NewPool(orch *Orchestrator, sink RunSink, workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{orch: orch, sink: sink, workers: workers}
}

// Process executes every task and persists each terminal run. The returned
// slice is ordered like tasks. A persistence failure after retries sets the
// run's status to Error with the failure message.
func (p *Pool) Process(ctx context.Context, tasks []Task) []*WaterfallRun {
	runs := make([]*WaterfallRun, len(tasks))
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < p.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				runs[i] = p.processOne(ctx, tasks[i])
			}
		}()
	}

	for i := range tasks {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return runs
}

func (p *Pool) processOne(ctx context.Context, task Task) *WaterfallRun {
	run := p.orch.Execute(ctx, task.Loan, task.Documents)

	if p.sink != nil {
		if err := p.sink.Persist(ctx, run); err != nil {
			logger.Error("run persistence failed",
				"run_id", run.ID,
				"loan_id", run.LoanID,
				"error", err.Error(),
			)
			run.Status = StatusError
			run.Message = "persistence failed: " + err.Error()
		}
	}

	return run
}
