package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/drblury/docflow/internal/runtime/document"
	errspkg "github.com/drblury/docflow/internal/runtime/errors"
	idspkg "github.com/drblury/docflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/docflow/internal/runtime/logging"
	"github.com/drblury/docflow/internal/runtime/sizing"
)

type pending struct {
	item   document.ValidatedContent
	result chan error
}

// assembler groups validated documents of one priority class into batches.
// A batch is flushed when it reaches the current target size or when the
// oldest buffered document has waited for linger. At most workers batches
// are processed concurrently.
type assembler struct {
	priority  document.Priority
	processor BatchProcessor
	size      *sizing.State
	linger    time.Duration
	capacity  int
	sem       *semaphore.Weighted
	metrics   *PipelineMetrics
	logger    loggingpkg.ServiceLogger

	in   chan pending
	done chan struct{}
	wg   sync.WaitGroup
}

func newAssembler(priority document.Priority, processor BatchProcessor, size *sizing.State, linger time.Duration, capacity, workers int, metrics *PipelineMetrics, logger loggingpkg.ServiceLogger) *assembler {
	if capacity < 1 {
		capacity = 1
	}
	if workers < 1 {
		workers = 1
	}
	return &assembler{
		priority:  priority,
		processor: processor,
		size:      size,
		linger:    linger,
		capacity:  capacity,
		sem:       semaphore.NewWeighted(int64(workers)),
		metrics:   metrics,
		logger:    logger,
		in:        make(chan pending),
		done:      make(chan struct{}),
	}
}

// Submit hands item to the assembler and blocks until the batch containing
// it was processed. It returns ErrConsumerStopped when the assembler shut
// down before the item reached the processor.
func (a *assembler) Submit(ctx context.Context, item document.ValidatedContent) error {
	p := pending{item: item, result: make(chan error, 1)}
	select {
	case a.in <- p:
	case <-a.done:
		return errspkg.ErrConsumerStopped
	case <-ctx.Done():
		return errspkg.ErrConsumerStopped
	}
	return <-p.result
}

// target is the flush size: the shared batch size bounded by the number of
// documents that can be held unacknowledged at once.
func (a *assembler) target() int {
	n := 1
	if a.size != nil {
		n = a.size.Load()
	}
	if n < 1 {
		n = 1
	}
	if n > a.capacity {
		n = a.capacity
	}
	return n
}

func (a *assembler) run(ctx context.Context) {
	defer close(a.done)

	timer := time.NewTimer(a.linger)
	timer.Stop()
	defer timer.Stop()

	var buf []pending
	for {
		select {
		case <-ctx.Done():
			for _, p := range buf {
				p.result <- errspkg.ErrConsumerStopped
			}
			a.wg.Wait()
			return
		case p := <-a.in:
			buf = append(buf, p)
			if len(buf) == 1 && a.linger > 0 {
				timer.Reset(a.linger)
			}
			if len(buf) >= a.target() || a.linger <= 0 {
				timer.Stop()
				a.flush(ctx, buf)
				buf = nil
			}
		case <-timer.C:
			if len(buf) > 0 {
				a.flush(ctx, buf)
				buf = nil
			}
		}
	}
}

// flush waits for a free worker slot and processes buf in the background.
// Once started, a batch runs to completion even if ctx is cancelled.
func (a *assembler) flush(ctx context.Context, buf []pending) {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		for _, p := range buf {
			p.result <- errspkg.ErrConsumerStopped
		}
		return
	}

	batch := document.Batch{
		ID:       idspkg.CreateULID(),
		Priority: a.priority,
		Items:    make([]document.ValidatedContent, len(buf)),
	}
	for i, p := range buf {
		batch.Items[i] = p.item
	}

	a.metrics.BatchStarted(a.priority)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.sem.Release(1)
		defer a.metrics.BatchFinished(a.priority)

		err := a.processor.ProcessBatch(context.WithoutCancel(ctx), batch)
		if err != nil {
			var perr *errspkg.ProcessingError
			if !errors.As(err, &perr) {
				err = &errspkg.ProcessingError{Err: err}
			}
			a.logger.Error("Batch processing failed", err, loggingpkg.LogFields{
				"batch_id":   batch.ID,
				"priority":   string(a.priority),
				"batch_size": batch.Len(),
			})
		}
		for _, p := range buf {
			p.result <- err
		}
	}()
}
