// Package summary implements the Live Summary Broadcaster (spec §4.8): a
// coalesced, versioned snapshot of scheduler state, refreshed on state
// change and served to SSE subscribers with lossy delivery for slow
// observers rather than unbounded buffering.
package summary

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voltask/voltask/internal/apiserver/policy"
	"github.com/voltask/voltask/internal/apperr"
	"github.com/voltask/voltask/internal/cache"
	"github.com/voltask/voltask/internal/logging"
	"github.com/voltask/voltask/internal/model"
	"github.com/voltask/voltask/internal/objstore"
	"github.com/voltask/voltask/internal/storage"
)

// Queue is the queued/running/completed counts shown on the dashboard.
type Queue struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
}

// Dashboard is the aggregate operator-facing view nested in Snapshot.
type Dashboard struct {
	TasksLast24h      []TaskCount `json:"tasks_last_24h"`
	AgentAvailability float64     `json:"agent_availability"`
	StorageIO         StorageIO   `json:"storage_io"`
	Throughput        float64     `json:"throughput"`
	Trust             float64     `json:"trust"`
}

// TaskCount is one bucket of the tasks_last_24h time series.
type TaskCount struct {
	HourStart time.Time `json:"hour_start"`
	Count     int       `json:"count"`
}

// StorageIO summarizes object-storage traffic for the dashboard.
type StorageIO struct {
	BytesUploaded   int64 `json:"bytes_uploaded"`
	BytesDownloaded int64 `json:"bytes_downloaded"`
}

// Snapshot is the full wire shape spec §4.8 defines for GET /v1/summary and
// GET /v1/stream.
type Snapshot struct {
	Agents    []*model.Agent         `json:"agents"`
	Tasks     []*model.Task          `json:"tasks"`
	Queue     Queue                  `json:"queue"`
	Load      map[string]interface{} `json:"load"`
	AIMode    model.AIMode           `json:"ai_mode"`
	Dashboard Dashboard              `json:"dashboard"`
	Version   uint64                 `json:"version"`
}

// Broadcaster owns the current Snapshot and a set of subscriber channels.
// Refreshes are coalesced: a burst of state-change signals inside one
// coalesce window produces exactly one recomputation.
type Broadcaster struct {
	store   storage.Store
	pol     *policy.Engine
	objects *objstore.Client
	log     *logging.Logger

	current  atomic.Pointer[Snapshot]
	version  atomic.Uint64
	coalesce time.Duration

	mu   sync.Mutex
	subs map[chan *Snapshot]struct{}

	refresh chan struct{}

	remoteMu sync.RWMutex
	remote   cache.SummarySignal
}

func New(store storage.Store, pol *policy.Engine, objects *objstore.Client, coalesce time.Duration, log *logging.Logger) *Broadcaster {
	if log == nil {
		log = logging.New(logging.Config{Component: "summary"})
	}
	if coalesce <= 0 {
		coalesce = 500 * time.Millisecond
	}
	b := &Broadcaster{
		store:    store,
		pol:      pol,
		objects:  objects,
		log:      log,
		coalesce: coalesce,
		subs:     make(map[chan *Snapshot]struct{}),
		refresh:  make(chan struct{}, 1),
	}
	b.current.Store(&Snapshot{Load: map[string]interface{}{}})
	return b
}

// Current returns the most recently computed Snapshot without blocking.
func (b *Broadcaster) Current() *Snapshot {
	return b.current.Load()
}

// Signal requests a refresh. Multiple signals inside one coalesce window
// collapse into a single recomputation. It also publishes a cross-replica
// refresh hint (once Run has wired a remote signal in), so other scheduler
// replicas recompute promptly instead of waiting for their own ticker.
func (b *Broadcaster) Signal() {
	select {
	case b.refresh <- struct{}{}:
	default:
	}
	b.publishRemote()
}

func (b *Broadcaster) publishRemote() {
	b.remoteMu.RLock()
	remote := b.remote
	b.remoteMu.RUnlock()
	if remote == nil {
		return
	}
	if err := remote.PublishRefresh(context.Background()); err != nil {
		b.log.Warn("summary: publish refresh failed", "err", err)
	}
}

// Subscribe registers a channel that receives every published Snapshot.
// The channel is buffered size 1 with latest-value-wins semantics: a slow
// subscriber loses intermediate snapshots rather than blocking the
// broadcaster.
func (b *Broadcaster) Subscribe() (<-chan *Snapshot, func()) {
	ch := make(chan *Snapshot, 1)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
	}
	return ch, cancel
}

// Run drives the coalescing loop: an immediate recompute on the first
// signal in a window, then a fixed quiet period before the next one is
// allowed, plus an unconditional periodic refresh so the dashboard stays
// live even with no explicit signals (metrics like uptime still move).
func (b *Broadcaster) Run(ctx context.Context, remoteRefresh cache.SummarySignal) {
	b.remoteMu.Lock()
	b.remote = remoteRefresh
	b.remoteMu.Unlock()

	var remoteCh <-chan struct{}
	if remoteRefresh != nil {
		ch, err := remoteRefresh.SubscribeRefresh(ctx)
		if err != nil {
			b.log.Warn("summary: subscribe remote refresh failed", "err", err)
		} else {
			remoteCh = ch
		}
	}

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.refresh:
			b.recomputeAndPublish(ctx)
			b.drainWithin(b.coalesce)
		case <-remoteCh:
			b.recomputeAndPublish(ctx)
		case <-ticker.C:
			b.recomputeAndPublish(ctx)
		}
	}
}

// drainWithin absorbs further refresh signals for the coalesce window so a
// burst of updates in quick succession only costs one recomputation.
func (b *Broadcaster) drainWithin(window time.Duration) {
	deadline := time.After(window)
	for {
		select {
		case <-b.refresh:
			continue
		case <-deadline:
			return
		}
	}
}

func (b *Broadcaster) recomputeAndPublish(ctx context.Context) {
	snap, err := b.compute(ctx)
	if err != nil {
		b.log.Error("summary: recompute failed", "err", err)
		return
	}
	snap.Version = b.version.Add(1)
	b.current.Store(snap)
	b.publish(snap)
}

func (b *Broadcaster) publish(snap *Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- snap:
		default:
			// slow subscriber: drop the stale value and push the latest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func (b *Broadcaster) compute(ctx context.Context) (*Snapshot, error) {
	agents, err := b.store.ListAgents(ctx)
	if err != nil {
		return nil, apperr.Wrap("list_agents", err)
	}
	tasks, err := b.store.ListBy(ctx, storage.TaskFilter{AllProjects: true, Limit: 500})
	if err != nil {
		return nil, apperr.Wrap("list_tasks", err)
	}

	q := Queue{}
	for _, t := range tasks {
		switch t.Status {
		case model.TaskQueued:
			q.Queued++
		case model.TaskRunning:
			q.Running++
		case model.TaskDone:
			q.Completed++
		}
	}

	now := time.Now()
	online := 0
	for _, a := range agents {
		if a.DeriveStatus(now, cache.TTLHeartbeat) == model.AgentOnline {
			online++
		}
	}
	availability := 0.0
	if len(agents) > 0 {
		availability = float64(online) / float64(len(agents))
	}

	aiMode := model.AIOff
	if b.pol != nil {
		aiMode = b.pol.Config().AIMode
	}

	var storageIO StorageIO
	if b.objects != nil {
		stats := b.objects.Stats()
		storageIO = StorageIO{BytesUploaded: stats.BytesUploaded, BytesDownloaded: stats.BytesDownloaded}
	}

	return &Snapshot{
		Agents: agents,
		Tasks:  tasks,
		Queue:  q,
		Load:   map[string]interface{}{"online_agents": online, "total_agents": len(agents)},
		AIMode: aiMode,
		Dashboard: Dashboard{
			TasksLast24h:      tasksLast24h(tasks, now),
			AgentAvailability: availability,
			StorageIO:         storageIO,
			Throughput:        float64(q.Completed),
			Trust:             b.averageTrust(ctx, agents),
		},
	}, nil
}

// tasksLast24h buckets tasks created in the trailing 24 hours into hourly
// counts, oldest bucket first, for the dashboard's time series panel.
func tasksLast24h(tasks []*model.Task, now time.Time) []TaskCount {
	const buckets = 24
	start := now.Truncate(time.Hour).Add(-(buckets - 1) * time.Hour)
	counts := make([]int, buckets)
	for _, t := range tasks {
		if t.CreatedAt.Before(start) {
			continue
		}
		idx := int(t.CreatedAt.Sub(start) / time.Hour)
		if idx < 0 || idx >= buckets {
			continue
		}
		counts[idx]++
	}
	out := make([]TaskCount, buckets)
	for i := range out {
		out[i] = TaskCount{HourStart: start.Add(time.Duration(i) * time.Hour), Count: counts[i]}
	}
	return out
}

// averageTrust reports the fraction of agent devices that are not
// low-reputation, a coarse system-wide trust signal (spec §4.3's
// low-reputation threshold gates individual assignment; this aggregates
// it for the dashboard). Devices with no reputation row yet count as
// trusted, matching a fresh device's neutral starting score.
func (b *Broadcaster) averageTrust(ctx context.Context, agents []*model.Agent) float64 {
	if len(agents) == 0 {
		return 1.0
	}
	seen := map[string]bool{}
	trusted := 0
	total := 0
	for _, a := range agents {
		if a.DeviceID == "" || seen[a.DeviceID] {
			continue
		}
		seen[a.DeviceID] = true
		total++
		rep, err := b.store.GetReputation(ctx, a.DeviceID)
		if err != nil {
			b.log.Warn("summary: reputation lookup failed", "device_id", a.DeviceID, "err", err)
			trusted++
			continue
		}
		if rep == nil || !rep.LowReputation {
			trusted++
		}
	}
	if total == 0 {
		return 1.0
	}
	return float64(trusted) / float64(total)
}
