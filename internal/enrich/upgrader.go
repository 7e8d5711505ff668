package enrich

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Probe outcomes reported to Options.OnResult.
const (
	ResultPatched = "patched"
	ResultFailed  = "failed"
	ResultDropped = "dropped"
)

// Patcher applies an embed fragment to every stored body that contains url.
// It returns the number of bodies changed.
type Patcher interface {
	PatchBodies(url, fragment string) int
}

// Options configures an Upgrader.
type Options struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
	// Client defaults to a plain http.Client with Timeout.
	Client *http.Client
	// OnResult is called once per Enqueue with one of the Result constants.
	OnResult func(result string)
}

// Upgrader probes video links in the background and patches the store
// when the link is live. Failed probes are dropped without retry.
type Upgrader struct {
	patcher  Patcher
	client   *http.Client
	onResult func(string)
	jobs     chan job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type job struct {
	url      string
	fragment string
}

// NewUpgrader starts opts.Workers probe workers.
func NewUpgrader(p Patcher, opts Options) *Upgrader {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	ctx, cancel := context.WithCancel(context.Background())
	u := &Upgrader{
		patcher:  p,
		client:   client,
		onResult: opts.OnResult,
		jobs:     make(chan job, opts.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	for i := 0; i < opts.Workers; i++ {
		u.wg.Add(1)
		go u.work()
	}
	return u
}

// Enqueue schedules a liveness probe for url if it is a known video link.
// It never blocks: when the queue is full or the upgrader is closed the job
// is dropped. Returns true if the probe was queued.
func (u *Upgrader) Enqueue(url string) bool {
	fragment, ok := EmbedFragment(url)
	if !ok {
		return false
	}
	if u.ctx.Err() != nil {
		u.report(ResultDropped)
		return false
	}
	select {
	case u.jobs <- job{url: url, fragment: fragment}:
		return true
	default:
		slog.Debug("embed probe queue full, dropping", "url", url)
		u.report(ResultDropped)
		return false
	}
}

// Close stops the workers and waits for in-flight probes to finish.
// Queued jobs that have not started are discarded.
func (u *Upgrader) Close() {
	u.cancel()
	u.wg.Wait()
}

func (u *Upgrader) work() {
	defer u.wg.Done()
	for {
		select {
		case <-u.ctx.Done():
			return
		case j := <-u.jobs:
			u.probe(j)
		}
	}
}

func (u *Upgrader) probe(j job) {
	req, err := http.NewRequestWithContext(u.ctx, http.MethodHead, j.url, nil)
	if err != nil {
		slog.Debug("embed probe request creation failed", "url", j.url, "error", err)
		u.report(ResultFailed)
		return
	}

	resp, err := u.client.Do(req)
	if err != nil {
		slog.Debug("embed probe failed", "url", j.url, "error", err)
		u.report(ResultFailed)
		return
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		slog.Debug("embed probe non-success", "url", j.url, "status", resp.StatusCode)
		u.report(ResultFailed)
		return
	}

	n := u.patcher.PatchBodies(j.url, j.fragment)
	slog.Debug("embed upgrade applied", "url", j.url, "bodies", n)
	u.report(ResultPatched)
}

func (u *Upgrader) report(result string) {
	if u.onResult != nil {
		u.onResult(result)
	}
}
