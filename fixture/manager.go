package fixture

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/log"
	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"

	"github.com/ethereum-optimism/infra/op-scheduler/types"
)

const shardCount = 32

// ErrNegativeRefCount is returned when a handle is released more often than
// it was acquired or reserved.
var ErrNegativeRefCount = errors.New("fixture reference count below zero")

type entry struct {
	refs      int
	ready     bool
	instance  any
	nested    []*Ref
	disposing chan struct{} // Non-nil while the instance is being disposed
}

type shard struct {
	mu      sync.Mutex
	entries map[Handle]*entry
}

// Ref is one consumer's hold on a fixture instance.
type Ref struct {
	handle   Handle
	instance any
	nested   []*Ref // Only for unshared instances; shared ones keep them on the entry
	released atomic.Bool
}

// Handle returns the handle the instance was acquired under.
func (r *Ref) Handle() Handle { return r.handle }

// Instance returns the fixture instance.
func (r *Ref) Instance() any { return r.instance }

// Stats is a snapshot of manager activity.
type Stats struct {
	Constructions int64
	Disposals     int64
	Live          int
}

// Manager hands out fixture instances. Shared instances are constructed once
// per handle and disposed once the last reservation or acquisition is gone.
type Manager struct {
	log    log.Logger
	shards [shardCount]*shard
	flight singleflight.Group

	constructions atomic.Int64
	disposals     atomic.Int64
}

// NewManager creates an empty fixture manager.
func NewManager(logger log.Logger) *Manager {
	if logger == nil {
		logger = log.Root()
	}
	m := &Manager{log: logger.New("component", "fixture")}
	for i := range m.shards {
		m.shards[i] = &shard{entries: make(map[Handle]*entry)}
	}
	return m
}

func (m *Manager) shard(h Handle) *shard {
	f := fnv.New32a()
	_, _ = f.Write([]byte(h.String()))
	return m.shards[f.Sum32()%shardCount]
}

// Reserve registers a future consumer of h, keeping a shared instance alive
// between consumers that do not overlap. Each Reserve must be paired with an
// Unreserve. Unshared handles are not tracked.
func (m *Manager) Reserve(h Handle) {
	if !h.Shared() {
		return
	}
	s := m.shard(h)
	s.mu.Lock()
	for {
		e, ok := s.entries[h]
		if !ok {
			e = &entry{}
			s.entries[h] = e
		}
		if e.disposing == nil {
			e.refs++
			s.mu.Unlock()
			return
		}
		ch := e.disposing
		s.mu.Unlock()
		<-ch
		s.mu.Lock()
	}
}

// Unreserve drops a reservation made by Reserve.
func (m *Manager) Unreserve(ctx context.Context, h Handle) error {
	if !h.Shared() {
		return nil
	}
	return m.decref(ctx, h)
}

// Acquire returns the instance for req as seen from desc. Shared instances are
// constructed at most once concurrently; every other acquirer waits for that
// construction. A failed construction is not cached.
func (m *Manager) Acquire(ctx context.Context, desc *types.TestDescriptor, req types.FixtureRequest) (*Ref, error) {
	h, err := HandleFor(req, desc)
	if err != nil {
		return nil, &types.SetupError{Scope: scopeOf(req.Scope), Phase: types.StageBefore, Name: "fixture", Err: err}
	}
	if !h.Shared() {
		inst, nested, err := m.construct(ctx, desc, req.Spec)
		if err != nil {
			return nil, m.setupErr(h, err)
		}
		return &Ref{handle: h, instance: inst, nested: nested}, nil
	}

	s := m.shard(h)
	var e *entry
	for {
		s.mu.Lock()
		cur, ok := s.entries[h]
		if !ok {
			cur = &entry{}
			s.entries[h] = cur
		}
		if cur.disposing != nil {
			ch := cur.disposing
			s.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return nil, m.setupErr(h, ctx.Err())
			}
		}
		cur.refs++
		if cur.ready {
			inst := cur.instance
			s.mu.Unlock()
			return &Ref{handle: h, instance: inst}, nil
		}
		e = cur
		s.mu.Unlock()
		break
	}

	v, err, shared := m.flight.Do(h.String(), func() (any, error) {
		s.mu.Lock()
		if e.ready {
			inst := e.instance
			s.mu.Unlock()
			return inst, nil
		}
		s.mu.Unlock()

		inst, nested, err := m.construct(ctx, desc, req.Spec)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		e.instance, e.nested, e.ready = inst, nested, true
		s.mu.Unlock()
		return inst, nil
	})
	if err != nil {
		m.log.Warn("Fixture construction failed", "fixture", h, "test", desc.ID, "shared", shared, "err", err)
		if relErr := m.decref(ctx, h); relErr != nil {
			err = multierr.Append(err, relErr)
		}
		return nil, m.setupErr(h, err)
	}
	return &Ref{handle: h, instance: v}, nil
}

func (m *Manager) setupErr(h Handle, err error) error {
	var setupErr *types.SetupError
	if errors.As(err, &setupErr) {
		return err
	}
	return &types.SetupError{Scope: scopeOf(h.Scope), Phase: types.StageBefore, Name: "fixture " + h.String(), Err: err}
}

// construct resolves nested requests depth-first, then builds and initializes
// the instance. On failure everything acquired so far is released.
func (m *Manager) construct(ctx context.Context, desc *types.TestDescriptor, spec *types.FixtureSpec) (inst any, nested []*Ref, err error) {
	deps := make([]any, 0, len(spec.Requests))
	for _, req := range spec.Requests {
		ref, err := m.Acquire(ctx, desc, req)
		if err != nil {
			return nil, nil, multierr.Append(fmt.Errorf("nested fixture of %s: %w", spec.Type, err), m.releaseAll(ctx, nested))
		}
		nested = append(nested, ref)
		deps = append(deps, ref.Instance())
	}

	defer func() {
		if r := recover(); r != nil {
			err = multierr.Append(fmt.Errorf("fixture %s constructor panicked: %v", spec.Type, r), m.releaseAll(ctx, nested))
			inst, nested = nil, nil
		}
	}()

	inst, err = spec.New(ctx, deps)
	if err != nil {
		return nil, nil, multierr.Append(fmt.Errorf("construct %s: %w", spec.Type, err), m.releaseAll(ctx, nested))
	}
	if init, ok := inst.(types.Initializer); ok {
		if err := init.Initialize(ctx); err != nil {
			err = fmt.Errorf("initialize %s: %w", spec.Type, err)
			err = multierr.Append(err, disposeInstance(ctx, inst))
			return nil, nil, multierr.Append(err, m.releaseAll(ctx, nested))
		}
	}
	m.constructions.Add(1)
	m.log.Debug("Constructed fixture", "type", spec.Type, "test", desc.ID)
	return inst, nested, nil
}

// Release drops a consumer's hold. Unshared instances are disposed right
// away; shared instances when their reference count reaches zero. Releasing
// the same Ref twice is a no-op.
func (m *Manager) Release(ctx context.Context, ref *Ref) error {
	if ref == nil || !ref.released.CompareAndSwap(false, true) {
		return nil
	}
	if !ref.handle.Shared() {
		return m.dispose(ctx, ref.handle, ref.instance, ref.nested)
	}
	return m.decref(ctx, ref.handle)
}

func (m *Manager) decref(ctx context.Context, h Handle) error {
	s := m.shard(h)
	s.mu.Lock()
	e, ok := s.entries[h]
	if !ok || e.disposing != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNegativeRefCount, h)
	}
	e.refs--
	switch {
	case e.refs < 0:
		e.refs = 0
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNegativeRefCount, h)
	case e.refs > 0:
		s.mu.Unlock()
		return nil
	case !e.ready:
		delete(s.entries, h)
		s.mu.Unlock()
		return nil
	}
	e.disposing = make(chan struct{})
	inst, nested := e.instance, e.nested
	s.mu.Unlock()

	err := m.dispose(ctx, h, inst, nested)

	s.mu.Lock()
	if s.entries[h] == e {
		delete(s.entries, h)
	}
	close(e.disposing)
	s.mu.Unlock()
	return err
}

// dispose tears down one instance, then the nested instances it was built from.
func (m *Manager) dispose(ctx context.Context, h Handle, inst any, nested []*Ref) error {
	m.disposals.Add(1)
	err := disposeInstance(ctx, inst)
	err = multierr.Append(err, m.releaseAll(ctx, nested))
	if err != nil {
		m.log.Warn("Fixture disposal failed", "fixture", h, "err", err)
		return &types.SetupError{Scope: scopeOf(h.Scope), Phase: types.StageAfter, Name: "fixture " + h.String(), Err: err}
	}
	m.log.Debug("Disposed fixture", "fixture", h)
	return nil
}

func disposeInstance(ctx context.Context, inst any) error {
	switch v := inst.(type) {
	case types.Disposer:
		return v.Dispose(ctx)
	case io.Closer:
		return v.Close()
	}
	return nil
}

// releaseAll releases refs in reverse acquisition order.
func (m *Manager) releaseAll(ctx context.Context, refs []*Ref) error {
	var err error
	for i := len(refs) - 1; i >= 0; i-- {
		err = multierr.Append(err, m.Release(ctx, refs[i]))
	}
	return err
}

// Close disposes every instance still alive, regardless of its reference
// count. It is called once all tests are terminal.
func (m *Manager) Close(ctx context.Context) error {
	var err error
	for _, s := range m.shards {
		s.mu.Lock()
		var leftovers []Handle
		for h, e := range s.entries {
			if e.ready && e.disposing == nil {
				leftovers = append(leftovers, h)
			}
		}
		s.mu.Unlock()

		for _, h := range leftovers {
			s.mu.Lock()
			e, ok := s.entries[h]
			if !ok || !e.ready || e.disposing != nil {
				s.mu.Unlock()
				continue
			}
			m.log.Warn("Disposing leaked fixture", "fixture", h, "refs", e.refs)
			e.disposing = make(chan struct{})
			inst, nested := e.instance, e.nested
			s.mu.Unlock()

			err = multierr.Append(err, m.dispose(ctx, h, inst, nested))

			s.mu.Lock()
			delete(s.entries, h)
			close(e.disposing)
			s.mu.Unlock()
		}
	}
	return err
}

// Stats returns construction and disposal counters.
func (m *Manager) Stats() Stats {
	st := Stats{
		Constructions: m.constructions.Load(),
		Disposals:     m.disposals.Load(),
	}
	for _, s := range m.shards {
		s.mu.Lock()
		for _, e := range s.entries {
			if e.ready {
				st.Live++
			}
		}
		s.mu.Unlock()
	}
	return st
}
