package websub

import (
	"sync"
	"time"

	"mauve.dev/websub/model"
)

// PublishJob represents a job to deliver content to a subscription.
type PublishJob struct {
	Hub          model.Hub          `json:"hub"`
	Subscription model.Subscription `json:"subscription"`
	ContentType  string             `json:"contentType"`
	Data         []byte             `json:"data"`
}

// Worker is an interface to allow other types of workers to be created.
// Jobs for the same subscription must be processed in the order they were
// added, jobs for different subscriptions must not wait on each other.
type Worker interface {
	Add(job PublishJob)
	Start()
	Stop()
}

const queueIdle = time.Minute

// NewGoWorker creates a goroutine based worker. Each subscription gets
// its own serial queue holding up to queueSize pending jobs, drained by
// a routine that winds down once the queue sits idle.
func NewGoWorker(h *Hub, queueSize int) *GoWorker {
	return &GoWorker{
		hub:       h,
		queueSize: queueSize,
		queues:    make(map[string]*deliveryQueue),
		done:      make(chan struct{}),
	}
}

// GoWorker is a goroutine based worker keyed by subscription.
type GoWorker struct {
	hub       *Hub
	queueSize int

	mu      sync.Mutex
	queues  map[string]*deliveryQueue
	stopped bool

	done chan struct{}
	wg   sync.WaitGroup
}

type deliveryQueue struct {
	jobs chan PublishJob
}

// Start is a no-op, queue routines start on demand.
func (w *GoWorker) Start() {}

// Add queues a job for its subscription. When the subscription's queue
// is full the job is dropped, a slow callback only ever loses its own
// notifications.
func (w *GoWorker) Add(job PublishJob) {
	key := job.Subscription.Key()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}

	q, ok := w.queues[key]

	if !ok {
		q = &deliveryQueue{jobs: make(chan PublishJob, w.queueSize)}
		w.queues[key] = q

		w.wg.Add(1)
		go w.run(key, q)
	}

	select {
	case q.jobs <- job:
	default:
		log.Warnw("delivery queue full, dropping notification", "topic", job.Subscription.Topic, "callback", job.Subscription.Callback)
	}
}

// Stop shuts down all queue routines and waits for them to finish their
// current job. Queued jobs are discarded.
func (w *GoWorker) Stop() {
	w.mu.Lock()

	if w.stopped {
		w.mu.Unlock()
		return
	}

	w.stopped = true
	close(w.done)

	w.mu.Unlock()

	w.wg.Wait()
}

// run drains one subscription's queue in order, retiring it after the
// queue sits idle. The empty check and map delete happen under the same
// lock Add enqueues under, so no job can slip into a retired queue.
func (w *GoWorker) run(key string, q *deliveryQueue) {
	defer w.wg.Done()

	idle := time.NewTimer(queueIdle)
	defer idle.Stop()

	for {
		select {
		case job := <-q.jobs:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}

			idle.Reset(queueIdle)

			w.hub.deliver(job)
		case <-idle.C:
			w.mu.Lock()

			if len(q.jobs) == 0 {
				delete(w.queues, key)
				w.mu.Unlock()
				return
			}

			w.mu.Unlock()

			idle.Reset(queueIdle)
		case <-w.done:
			return
		}
	}
}
