// Package parallel decides when a dependency-ready test may start. It enforces
// exclusivity keys (with optional ordinals), capacity limiters and an optional
// global dispatch rate.
package parallel

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/ethereum-optimism/infra/op-scheduler/graph"
	"github.com/ethereum-optimism/infra/op-scheduler/types"
)

const (
	// SessionKey is the derived exclusivity key for session-level not-in-parallel tests.
	SessionKey = "session"
	// ClassKeyPrefix prefixes the derived exclusivity key of a class.
	ClassKeyPrefix = "class:"
)

// ClassKey returns the derived exclusivity key for a class.
func ClassKey(class string) string {
	return ClassKeyPrefix + class
}

// Config holds the controller settings.
type Config struct {
	// Capacities overrides limiter capacities by key.
	Capacities map[string]int
	// DispatchRate bounds test starts per second. Zero disables it.
	DispatchRate float64
	// DispatchBurst is the rate limiter burst, at least 1.
	DispatchBurst int
	Log           log.Logger
}

// keyState is one exclusivity key. It is held by at most one test at a time.
type keyState struct {
	name string

	mu      sync.Mutex
	holder  types.TestID
	held    bool
	wake    chan struct{} // Closed and replaced whenever the key state changes
	tickets []types.TestID
	ticket  map[types.TestID]int
	done    map[types.TestID]bool
	next    int // Index of the first ticket that has not finished
}

func newKeyState(name string) *keyState {
	return &keyState{
		name:   name,
		wake:   make(chan struct{}),
		ticket: make(map[types.TestID]int),
		done:   make(map[types.TestID]bool),
	}
}

// broadcast must be called with mu held.
func (k *keyState) broadcast() {
	close(k.wake)
	k.wake = make(chan struct{})
}

// finish records a terminal member and advances the ticket cursor.
// Must be called with mu held.
func (k *keyState) finish(id types.TestID) {
	k.done[id] = true
	for k.next < len(k.tickets) && k.done[k.tickets[k.next]] {
		k.next++
	}
}

// turn reports whether id may take the key with respect to ordinals.
func (k *keyState) turn(id types.TestID) bool {
	i, ordered := k.ticket[id]
	return !ordered || i == k.next
}

type limiter struct {
	key      string
	capacity int64
	sem      *semaphore.Weighted
	active   atomic.Int64
}

// Controller admits tests subject to their parallelism constraints. All key
// and limiter tables are built once by NewController and only their entries
// are mutated afterwards, each under its own lock.
type Controller struct {
	log      log.Logger
	rate     *rate.Limiter
	keys     map[string]*keyState
	limiters map[string]*limiter
	byTest   map[types.TestID][]*keyState // Sorted by key name
	errs     []*types.ConfigurationError
	g        *graph.Graph
}

// NewController builds the key and limiter tables for every valid test in g.
func NewController(cfg Config, g *graph.Graph) *Controller {
	logger := cfg.Log
	if logger == nil {
		logger = log.Root()
	}
	c := &Controller{
		log:      logger.New("component", "parallel"),
		keys:     make(map[string]*keyState),
		limiters: make(map[string]*limiter),
		byTest:   make(map[types.TestID][]*keyState),
		g:        g,
	}
	if cfg.DispatchRate > 0 {
		c.rate = rate.NewLimiter(rate.Limit(cfg.DispatchRate), max(cfg.DispatchBurst, 1))
	}

	type ordered struct {
		id    types.TestID
		order int
		seq   int
	}
	members := make(map[string][]ordered)
	declared := make(map[string]int)

	for _, d := range g.Descriptors() {
		if g.Invalid(d.ID) != nil {
			continue
		}
		for _, name := range KeysFor(d) {
			k, ok := c.keys[name]
			if !ok {
				k = newKeyState(name)
				c.keys[name] = k
			}
			c.byTest[d.ID] = append(c.byTest[d.ID], k)
			if d.Constraints.Order != nil {
				members[name] = append(members[name], ordered{id: d.ID, order: *d.Constraints.Order, seq: d.Seq})
			}
		}

		ref := d.Constraints.ParallelLimit
		if ref == nil {
			continue
		}
		capacity := ref.Capacity
		if override, ok := cfg.Capacities[ref.Key]; ok {
			capacity = override
		}
		if capacity <= 0 {
			c.errs = append(c.errs, types.NewConfigurationError(d.ID, "parallel limit %q has non-positive capacity %d", ref.Key, capacity))
			continue
		}
		if first, ok := declared[ref.Key]; ok {
			if first != capacity {
				c.errs = append(c.errs, types.NewConfigurationError(d.ID, "parallel limit %q declared with capacity %d, already declared with %d", ref.Key, capacity, first))
			}
			continue
		}
		declared[ref.Key] = capacity
		c.limiters[ref.Key] = &limiter{
			key:      ref.Key,
			capacity: int64(capacity),
			sem:      semaphore.NewWeighted(int64(capacity)),
		}
	}

	for name, ms := range members {
		slices.SortFunc(ms, func(a, b ordered) int {
			return cmp.Or(cmp.Compare(a.order, b.order), cmp.Compare(a.seq, b.seq))
		})
		k := c.keys[name]
		for i, m := range ms {
			k.tickets = append(k.tickets, m.id)
			k.ticket[m.id] = i
		}
	}
	return c
}

// KeysFor returns the sorted, deduplicated exclusivity keys of d, including
// the derived class and session keys.
func KeysFor(d *types.TestDescriptor) []string {
	keys := slices.Clone(d.Constraints.NotInParallel)
	if d.Constraints.ClassNotInParallel {
		keys = append(keys, ClassKey(d.ClassName))
	}
	if d.Constraints.SessionNotInParallel {
		keys = append(keys, SessionKey)
	}
	slices.Sort(keys)
	return slices.Compact(keys)
}

// Lease is the right to run one test. It is held across all attempts and
// must be released exactly once.
type Lease struct {
	c       *Controller
	id      types.TestID
	keys    []*keyState
	limiter *limiter
	once    sync.Once
}

// Release returns the limiter slot and the exclusivity keys. It is safe to
// call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		if l.limiter != nil {
			l.limiter.active.Add(-1)
			l.limiter.sem.Release(1)
		}
		for _, k := range l.keys {
			k.mu.Lock()
			k.held = false
			k.holder = ""
			k.finish(l.id)
			k.broadcast()
			k.mu.Unlock()
		}
	})
}

// Acquire blocks until desc may start, or ctx is done. Exclusivity keys are
// taken all-or-nothing so a waiting test never holds a key.
func (c *Controller) Acquire(ctx context.Context, desc *types.TestDescriptor) (*Lease, error) {
	keys := c.byTest[desc.ID]
	for {
		wait, ok := c.tryKeys(desc.ID, keys)
		if ok {
			break
		}
		c.log.Debug("Waiting for exclusivity key", "test", desc.ID)
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	lease := &Lease{c: c, id: desc.ID, keys: keys}

	if ref := desc.Constraints.ParallelLimit; ref != nil {
		lim, ok := c.limiters[ref.Key]
		if !ok {
			lease.Release()
			return nil, fmt.Errorf("unknown parallel limit %q for test %s", ref.Key, desc.ID)
		}
		if err := lim.sem.Acquire(ctx, 1); err != nil {
			lease.Release()
			return nil, err
		}
		lim.active.Add(1)
		lease.limiter = lim
	}

	if c.rate != nil {
		if err := c.rate.Wait(ctx); err != nil {
			lease.Release()
			return nil, err
		}
	}
	return lease, nil
}

// tryKeys attempts to take every key. On failure it rolls back and returns a
// channel that is closed when the blocking key changes state.
func (c *Controller) tryKeys(id types.TestID, keys []*keyState) (<-chan struct{}, bool) {
	for i, k := range keys {
		k.mu.Lock()
		if k.held || !k.turn(id) {
			wait := k.wake
			k.mu.Unlock()
			for _, taken := range keys[:i] {
				taken.mu.Lock()
				taken.held = false
				taken.holder = ""
				taken.broadcast()
				taken.mu.Unlock()
			}
			return wait, false
		}
		k.held = true
		k.holder = id
		k.mu.Unlock()
	}
	return nil, true
}

// Retire marks desc as finished without running, so ordered members behind
// it may proceed.
func (c *Controller) Retire(desc *types.TestDescriptor) {
	for _, k := range c.byTest[desc.ID] {
		k.mu.Lock()
		k.finish(desc.ID)
		k.broadcast()
		k.mu.Unlock()
	}
}

// Active returns the number of tests currently holding key, either as a
// limiter slot or as an exclusivity key.
func (c *Controller) Active(key string) int {
	if lim, ok := c.limiters[key]; ok {
		return int(lim.active.Load())
	}
	if k, ok := c.keys[key]; ok {
		k.mu.Lock()
		defer k.mu.Unlock()
		if k.held {
			return 1
		}
	}
	return 0
}

// Capacity returns the capacity of a limiter key, or 0 if unknown.
func (c *Controller) Capacity(key string) int {
	if lim, ok := c.limiters[key]; ok {
		return int(lim.capacity)
	}
	return 0
}

// Limiters returns the configured limiter keys in sorted order.
func (c *Controller) Limiters() []string {
	out := make([]string, 0, len(c.limiters))
	for k := range c.limiters {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
