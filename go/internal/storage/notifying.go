package storage

import (
	"context"
)

// Notifying wraps a KV and publishes every successful Set/Delete on a Bus.
// Components depend on it instead of polling the backend for changes.
type Notifying struct {
	KV
	bus *Bus
}

// NewNotifying wraps kv; a nil bus gets a fresh one
func NewNotifying(kv KV, bus *Bus) *Notifying {
	if bus == nil {
		bus = NewBus()
	}
	return &Notifying{KV: kv, bus: bus}
}

// Bus returns the change bus writes are published on
func (n *Notifying) Bus() *Bus {
	return n.bus
}

func (n *Notifying) Set(ctx context.Context, key, value string) error {
	if err := n.KV.Set(ctx, key, value); err != nil {
		return err
	}
	n.bus.Publish(Change{Key: key, Value: value})
	return nil
}

func (n *Notifying) Delete(ctx context.Context, key string) error {
	if err := n.KV.Delete(ctx, key); err != nil {
		return err
	}
	n.bus.Publish(Change{Key: key, Deleted: true})
	return nil
}

// Apply writes a change received from elsewhere, keeping its Origin so
// bridges do not echo it back.
func (n *Notifying) Apply(ctx context.Context, c Change) error {
	var err error
	if c.Deleted {
		err = n.KV.Delete(ctx, c.Key)
	} else {
		err = n.KV.Set(ctx, c.Key, c.Value)
	}
	if err != nil {
		return err
	}
	n.bus.Publish(c)
	return nil
}
