package upload

import (
	"context"
	"sync"

	"github.com/dnslin/chunkupload/core/errors"
	"github.com/dnslin/chunkupload/core/store"
	"golang.org/x/time/rate"
)

// entry is the pool's bookkeeping for one queued or running task.
type entry struct {
	task     *UploadTask
	uploader *Uploader
	running  bool
	limiter  *rate.Limiter
}

// PoolOption configures a Pool at construction.
type PoolOption func(*Pool)

// WithPoolSize sets the maximum number of concurrently running uploads
// (spec.md §6, pool_size, default 5).
func WithPoolSize(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.poolSize = n
		}
	}
}

// WithSpeedLimit sets the aggregate bandwidth cap in bytes/second. Zero
// means unlimited (spec.md §6, total_speed_limit_bps, default 0).
func WithSpeedLimit(totalBps int64) PoolOption {
	return func(p *Pool) { p.speedLimit = totalBps }
}

// WithTransport sets the RemoteTransport every Uploader in the pool uses.
func WithTransport(t RemoteTransport) PoolOption {
	return func(p *Pool) { p.transport = t }
}

// WithRapidUploadEnabled toggles rapid-upload for every task the pool
// creates (spec.md §6, enable_rapid_upload, default true).
func WithRapidUploadEnabled(enabled bool) PoolOption {
	return func(p *Pool) { p.enableRapidUpload = enabled }
}

// WithPoolDigestCache wires the external metadata cache into every Uploader
// the pool creates.
func WithPoolDigestCache(cache store.DigestCache) PoolOption {
	return func(p *Pool) { p.cache = cache }
}

// WithPoolEncryption turns on the upload-side AES-CTR filter for every
// Uploader the pool creates (spec.md §6, encrypt).
func WithPoolEncryption(cfg EncryptConfig) PoolOption {
	return func(p *Pool) { p.encrypt = &cfg }
}

// Pool is the UploaderPool from spec.md §4.4: a bounded-parallelism
// scheduler over many Uploaders with fair bandwidth apportionment, event
// fan-out, and auto-advance on completion.
type Pool struct {
	mu sync.Mutex

	poolSize          int
	speedLimit        int64
	transport         RemoteTransport
	enableRapidUpload bool
	cache             store.DigestCache
	encrypt           *EncryptConfig

	nextID  int64
	order   []int64 // task ids, in queue order (running tasks occupy the front)
	entries map[int64]*entry

	autoStart bool
	disposed  bool

	observers []Observer
}

// NewPool builds a Pool. A transport must be supplied via WithTransport
// before any task can run.
func NewPool(opts ...PoolOption) *Pool {
	p := &Pool{
		poolSize:          5,
		enableRapidUpload: true,
		cache:             store.NopDigestCache{},
		entries:           make(map[int64]*entry),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Subscribe registers an observer that receives every task's lifecycle
// events, re-emitted with the originating task as sender (spec.md §4.4). A
// panic inside an observer is recovered so it cannot break the pool.
func (p *Pool) Subscribe(obs Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, obs)
}

func (p *Pool) fanOut(ev Event) {
	p.mu.Lock()
	observers := make([]Observer, len(p.observers))
	copy(observers, p.observers)
	p.mu.Unlock()
	for _, obs := range observers {
		safeNotify(obs, ev)
	}
}

// QueueTask creates a new UploadTask in Init, assigns it the next
// monotonic id, and starts it immediately if auto-start is on and a slot
// is free (spec.md §4.4).
func (p *Pool) QueueTask(file TrackedFile) (int64, error) {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return 0, errors.New(errors.ErrCodeInvalidState, "pool: 已释放")
	}
	p.nextID++
	id := p.nextID
	task := &UploadTask{
		id:          id,
		localPath:   file.LocalPath,
		remotePath:  file.RemotePath,
		file:        file,
		onDuplicate: file.OnDuplicate,
		state:       Init,
	}
	if file.HasLength {
		task.contentLength = file.ContentLength
	}
	e := &entry{task: task}
	p.entries[id] = e
	p.order = append(p.order, id)

	shouldStart := p.autoStart && p.runningCountLocked() < p.poolSize
	p.mu.Unlock()

	if shouldStart {
		p.startLocked(id)
	}
	return id, nil
}

// Start sets auto-start = true and starts the first min(pool_size,
// queue_length) queued tasks in queue order (spec.md §4.4).
func (p *Pool) Start() {
	p.mu.Lock()
	p.autoStart = true
	candidates := make([]int64, 0, p.poolSize)
	running := p.runningCountLocked()
	for _, id := range p.order {
		if running >= p.poolSize {
			break
		}
		e := p.entries[id]
		if e.running || e.task.State().Terminal() {
			continue
		}
		candidates = append(candidates, id)
		running++
	}
	p.mu.Unlock()

	for _, id := range candidates {
		p.startLocked(id)
	}
}

// StartTask starts the named task, bypassing the pool_size bound — an
// explicit user override (spec.md §4.4, §9 Open Question 3).
func (p *Pool) StartTask(id int64) error {
	p.mu.Lock()
	_, ok := p.entries[id]
	p.mu.Unlock()
	if !ok {
		return errors.New(errors.ErrCodeNotFound, "pool: 任务不存在")
	}
	p.startLocked(id)
	return nil
}

func (p *Pool) startLocked(id int64) {
	p.mu.Lock()
	e, ok := p.entries[id]
	if !ok || e.running || e.task.State().Terminal() {
		p.mu.Unlock()
		return
	}
	e.running = true
	p.rebalanceLocked()
	if e.uploader == nil {
		observer := p.taskObserver(id)
		opts := []UploaderOption{WithRapidUpload(p.enableRapidUpload), WithDigestCache(p.cache)}
		if e.limiter != nil {
			opts = append(opts, WithRateLimiter(e.limiter))
		}
		if p.encrypt != nil {
			opts = append(opts, WithEncryption(*p.encrypt))
		}
		e.uploader = NewUploader(e.task, p.transport, observer, opts...)
	}
	uploader := e.uploader
	p.mu.Unlock()

	go uploader.Start(context.Background())
}

// taskObserver builds the per-task Observer the Uploader invokes; it
// re-emits onto the pool's subscribers and handles auto-advance/removal
// on terminal events.
func (p *Pool) taskObserver(id int64) Observer {
	return func(ev Event) {
		p.fanOut(ev)
		terminalKind := ev.Kind == EventFinished || ev.Kind == EventCancelled || ev.Kind == EventError
		if terminalKind && ev.Task.State().Terminal() {
			p.onTerminal(id)
		}
		if ev.Kind == EventPaused {
			p.mu.Lock()
			if e, ok := p.entries[id]; ok {
				e.running = false
			}
			p.rebalanceLocked()
			p.mu.Unlock()
		}
	}
}

// onTerminal removes the finishing task and, if auto-start is on and a
// slot is free, promotes the current front of the queue (spec.md §4.4:
// "upon each completion, the next pending task starts").
func (p *Pool) onTerminal(id int64) {
	p.mu.Lock()
	delete(p.entries, id)
	for i, oid := range p.order {
		if oid == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	p.rebalanceLocked()

	var promote int64
	shouldPromote := false
	if p.autoStart && p.runningCountLocked() < p.poolSize {
		for _, oid := range p.order {
			if e := p.entries[oid]; e != nil && !e.running {
				promote = oid
				shouldPromote = true
				break
			}
		}
	}
	p.mu.Unlock()

	if shouldPromote {
		p.startLocked(promote)
	}
}

func (p *Pool) runningCountLocked() int {
	n := 0
	for _, e := range p.entries {
		if e.running {
			n++
		}
	}
	return n
}

// rebalanceLocked recomputes each running task's bandwidth share: each
// running task receives total_limit / min(queue_count, pool_size). Must be
// called with p.mu held. A zero speedLimit means unlimited (spec.md §4.4).
func (p *Pool) rebalanceLocked() {
	limit := rate.Inf
	burst := throttleChunkCap
	if p.speedLimit > 0 {
		denom := len(p.order)
		if denom > p.poolSize {
			denom = p.poolSize
		}
		if denom == 0 {
			denom = 1
		}
		share := p.speedLimit / int64(denom)
		if share <= 0 {
			share = 1
		}
		limit = rate.Limit(share)
		if int(share) > burst {
			burst = int(share)
		}
	}
	for _, e := range p.entries {
		if !e.running {
			continue
		}
		if e.limiter == nil {
			e.limiter = rate.NewLimiter(limit, burst)
		} else {
			e.limiter.SetLimit(limit)
			e.limiter.SetBurst(burst)
		}
	}
}

// Pause pauses every task currently in the map and clears auto-start
// (spec.md §4.4, §9 Open Question 2 — iterate the map, not a dense index).
func (p *Pool) Pause() {
	p.mu.Lock()
	p.autoStart = false
	uploaders := make([]*Uploader, 0, len(p.entries))
	for _, e := range p.entries {
		if e.uploader != nil && e.running {
			uploaders = append(uploaders, e.uploader)
		}
	}
	p.mu.Unlock()

	for _, u := range uploaders {
		u.Pause()
	}
}

// PauseTask pauses a single task.
func (p *Pool) PauseTask(id int64) error {
	p.mu.Lock()
	e, ok := p.entries[id]
	p.mu.Unlock()
	if !ok {
		return errors.New(errors.ErrCodeNotFound, "pool: 任务不存在")
	}
	if e.uploader != nil {
		e.uploader.Pause()
	}
	return nil
}

// Cancel cancels and removes every task; the queue is emptied (spec.md
// §4.4).
func (p *Pool) Cancel() {
	p.mu.Lock()
	ids := append([]int64(nil), p.order...)
	p.mu.Unlock()
	for _, id := range ids {
		_ = p.CancelTask(id)
	}
}

// CancelTask cancels and removes a single task. A no-op on a task already
// in a terminal state (spec.md §5).
func (p *Pool) CancelTask(id int64) error {
	p.mu.Lock()
	e, ok := p.entries[id]
	p.mu.Unlock()
	if !ok {
		return errors.New(errors.ErrCodeNotFound, "pool: 任务不存在")
	}
	if e.task.State().Terminal() {
		return nil
	}
	if e.uploader == nil {
		// Never started: remove directly, no events to emit.
		p.mu.Lock()
		delete(p.entries, id)
		for i, oid := range p.order {
			if oid == id {
				p.order = append(p.order[:i], p.order[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
		return nil
	}
	e.uploader.Cancel()
	return nil
}

// SetSpeedLimit updates the aggregate bandwidth cap and reapportions it
// across running tasks.
func (p *Pool) SetSpeedLimit(totalBps int64) {
	p.mu.Lock()
	p.speedLimit = totalBps
	p.rebalanceLocked()
	p.mu.Unlock()
}

// SetPoolSize updates the maximum concurrency.
func (p *Pool) SetPoolSize(n int) {
	if n <= 0 {
		return
	}
	p.mu.Lock()
	p.poolSize = n
	p.rebalanceLocked()
	p.mu.Unlock()
}

// Task returns the task for id, or false if it is not known to the pool.
func (p *Pool) Task(id int64) (*UploadTask, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok {
		return nil, false
	}
	return e.task, true
}

// Running returns the ids currently running, in queue order.
func (p *Pool) Running() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []int64
	for _, id := range p.order {
		if e := p.entries[id]; e != nil && e.running {
			out = append(out, id)
		}
	}
	return out
}

// Queued returns the ids waiting to run, in queue order.
func (p *Pool) Queued() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []int64
	for _, id := range p.order {
		if e := p.entries[id]; e != nil && !e.running {
			out = append(out, id)
		}
	}
	return out
}

// Dispose cancels and releases every task; the pool becomes unusable. A
// disposed sentinel (rather than nulling the task map, spec.md §9 Open
// Question 4) makes subsequent control operations fail cleanly instead of
// panicking.
func (p *Pool) Dispose() {
	p.Cancel()
	p.mu.Lock()
	p.disposed = true
	p.entries = make(map[int64]*entry)
	p.order = nil
	p.mu.Unlock()
}
