package state

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

type options struct {
	policy Policy
}

type Option func(*options)

// WithPolicy replaces DefaultPolicy.
func WithPolicy(p Policy) Option {
	return func(o *options) {
		o.policy = p
	}
}

// Container is a value kept in sync with one storage slot. The in-memory
// value always reflects the latest Set, whatever happened in storage.
type Container[T any] struct {
	key     string
	storage Storage
	codec   Codec[T]
	policy  Policy
	logger  *slog.Logger

	mu       sync.RWMutex
	updateMu sync.Mutex
	value    T

	subsMu  sync.Mutex
	subs    map[int]func(T)
	nextSub int
}

// New reads key from storage once, falling back to def when the slot is
// absent (or unreadable, under UseDefault), then writes the resolved value
// back to the slot.
func New[T any](ctx context.Context, storage Storage, key string, def T, codec Codec[T], opts ...Option) (*Container[T], error) {
	if storage == nil {
		return nil, fmt.Errorf("storage cannot be nil")
	}
	if codec == nil {
		return nil, fmt.Errorf("codec cannot be nil")
	}

	o := options{policy: DefaultPolicy()}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Container[T]{
		key:     key,
		storage: storage,
		codec:   codec,
		policy:  o.policy,
		logger:  o.policy.logger().With("component", "state", "key", key),
		subs:    make(map[int]func(T)),
	}

	value, err := c.load(ctx, def)
	if err != nil {
		return nil, err
	}
	c.value = value

	if err := c.persist(ctx, value); err != nil {
		return nil, err
	}

	return c, nil
}

// NewText binds a raw string slot.
func NewText(ctx context.Context, storage Storage, key, def string, opts ...Option) (*Container[string], error) {
	return New[string](ctx, storage, key, def, TextCodec{}, opts...)
}

// NewJSON binds a slot holding JSON. Text that does not decode into T is
// treated like an absent key.
func NewJSON[T any](ctx context.Context, storage Storage, key string, def T, opts ...Option) (*Container[T], error) {
	return New[T](ctx, storage, key, def, JSONCodec[T]{}, opts...)
}

func (c *Container[T]) Key() string {
	return c.key
}

func (c *Container[T]) Get() T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value
}

// Set replaces the value and writes it to storage. The returned error is
// always nil under the Ignore write policy.
func (c *Container[T]) Set(ctx context.Context, v T) error {
	c.mu.Lock()
	c.value = v
	err := c.persist(ctx, v)
	c.mu.Unlock()

	c.notify(v)
	return err
}

// Update applies fn to the current value and stores the result. Updates
// on one container run one at a time; fn may call Get or Set but must not
// call Update on the same container.
func (c *Container[T]) Update(ctx context.Context, fn func(T) T) error {
	c.updateMu.Lock()
	defer c.updateMu.Unlock()

	return c.Set(ctx, fn(c.Get()))
}

// Subscribe registers fn to run after every change. The returned func
// removes the subscription.
func (c *Container[T]) Subscribe(fn func(T)) func() {
	c.subsMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subsMu.Unlock()

	return func() {
		c.subsMu.Lock()
		delete(c.subs, id)
		c.subsMu.Unlock()
	}
}

func (c *Container[T]) notify(v T) {
	c.subsMu.Lock()
	fns := make([]func(T), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subsMu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

func (c *Container[T]) load(ctx context.Context, def T) (T, error) {
	raw, ok, err := c.storage.Get(ctx, c.key)
	if err != nil {
		if c.policy.OnReadError == FailRead {
			return def, fmt.Errorf("reading %q: %w", c.key, err)
		}
		c.logger.Debug("storage read failed, using default", "error", err)
		return def, nil
	}
	if !ok {
		return def, nil
	}

	v, err := c.codec.Decode(raw)
	if err != nil {
		if c.policy.OnReadError == FailRead {
			return def, fmt.Errorf("decoding %q: %w", c.key, err)
		}
		c.logger.Debug("stored value could not be decoded, using default", "error", err)
		return def, nil
	}

	return v, nil
}

func (c *Container[T]) persist(ctx context.Context, v T) error {
	raw, err := c.codec.Encode(v)
	if err == nil {
		err = c.storage.Set(ctx, c.key, raw)
	}
	if err == nil {
		return nil
	}

	if c.policy.OnWriteError == FailWrite {
		return fmt.Errorf("writing %q: %w", c.key, err)
	}
	c.logger.Debug("storage write failed, keeping in-memory value", "error", err)
	return nil
}
