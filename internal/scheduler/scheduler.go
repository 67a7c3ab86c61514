// Package scheduler owns the background worker pool. Submitted documents
// wait in a priority heap (lower number first, FIFO within a priority) and
// a bounded set of workers pulls them into the pipeline executor. The
// scheduler also owns graceful shutdown: Stop refuses new submissions,
// cancels the run context so in-flight documents exit at their next
// checkpoint, and joins the workers.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/local/idpcore/internal/faults"
	"github.com/local/idpcore/internal/metrics"
)

// Runner processes one document; *pipeline.Executor implements it.
type Runner interface {
	Run(ctx context.Context, docID string) error
}

type item struct {
	docID    string
	priority int
	seq      uint64
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)        { *h = append(*h, x.(*item)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Scheduler is the bounded priority worker pool.
type Scheduler struct {
	runner  Runner
	workers int

	mu     sync.Mutex
	cond   *sync.Cond
	heap   itemHeap
	queued map[string]bool
	seq    uint64
	closed bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
	busy   int32
}

func New(runner Runner, workers int) *Scheduler {
	if workers <= 0 {
		workers = 5
	}
	s := &Scheduler{
		runner:  runner,
		workers: workers,
		queued:  map[string]bool{},
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start launches the worker pool. The given context bounds every pipeline
// run; Stop cancels it.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}
	log.Info().Int("workers", s.workers).Msg("scheduler started")
}

// Submit queues a document. Same doc_id twice while still waiting is a
// silent no-op; a stopped scheduler refuses with a transient error so the
// caller can surface a 503.
func (s *Scheduler) Submit(docID string, priority int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return faults.New(faults.KindTransient, "scheduler is shutting down")
	}
	if s.queued[docID] {
		return nil
	}
	s.seq++
	heap.Push(&s.heap, &item{docID: docID, priority: priority, seq: s.seq})
	s.queued[docID] = true
	metrics.SetQueueDepth(len(s.heap))
	s.cond.Signal()
	return nil
}

// Depth returns the number of waiting documents.
func (s *Scheduler) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heap)
}

// Busy returns the number of workers currently running a document.
func (s *Scheduler) Busy() int { return int(atomic.LoadInt32(&s.busy)) }

// Stop shuts the pool down: no new submissions, cancel in-flight runs,
// join the workers. Cancelled documents are requeued by the pipeline and
// picked up again on the next start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) worker(ctx context.Context, id int) {
	defer s.wg.Done()
	for {
		it, ok := s.next()
		if !ok {
			return
		}
		if ctx.Err() != nil {
			return
		}

		atomic.AddInt32(&s.busy, 1)
		metrics.SetWorkersBusy(s.Busy())
		log.Debug().Int("worker", id).Str("doc_id", it.docID).Int("priority", it.priority).Msg("worker picked document")

		if err := s.runner.Run(ctx, it.docID); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Str("doc_id", it.docID).Msg("pipeline run failed")
		}

		atomic.AddInt32(&s.busy, -1)
		metrics.SetWorkersBusy(s.Busy())
	}
}

// next blocks until an item is available or the scheduler closes.
func (s *Scheduler) next() (*item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.heap) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.heap) == 0 {
		return nil, false
	}
	it := heap.Pop(&s.heap).(*item)
	delete(s.queued, it.docID)
	metrics.SetQueueDepth(len(s.heap))
	return it, true
}
