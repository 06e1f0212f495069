// Package registry wraps an etcd client with exactly the idempotent-write
// and directory-delete primitives the volume placement layer needs, so
// nothing above this package ever does a bare Get-then-Put.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// ErrExists is returned by CreateOnly when key already has a value.
var ErrExists = errors.New("registry: key already exists")

// KV is one entry returned by List.
type KV struct {
	Key   string
	Value string
}

// Client is a thin etcd client wrapper. It holds no placement policy of
// its own.
type Client struct {
	cli *clientv3.Client
}

// Dial connects to an etcd cluster at endpoints.
func Dial(endpoints []string, timeout time.Duration) (*Client, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("registry: dial: %w", err)
	}
	return &Client{cli: cli}, nil
}

// Close releases the underlying etcd connection.
func (c *Client) Close() error { return c.cli.Close() }

// CreateOnly writes val to key only if key does not already exist, using a
// single transaction rather than a racy Get-then-Put. Returns ErrExists on
// conflict.
func (c *Client) CreateOnly(ctx context.Context, key, val string) error {
	resp, err := c.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, val)).
		Else(clientv3.OpGet(key)).
		Commit()
	if err != nil {
		return fmt.Errorf("registry: create-only %s: %w", key, err)
	}
	if !resp.Succeeded {
		return ErrExists
	}
	return nil
}

// Get fetches key's value.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	resp, err := c.cli.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("registry: get %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return "", fmt.Errorf("registry: get %s: %w", key, errNotFound)
	}
	return string(resp.Kvs[0].Value), nil
}

// Put unconditionally writes val to key.
func (c *Client) Put(ctx context.Context, key, val string) error {
	_, err := c.cli.Put(ctx, key, val)
	if err != nil {
		return fmt.Errorf("registry: put %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting an already-absent key is not an error —
// RmVol's reverse-order cleanup relies on that.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.cli.Delete(ctx, key)
	if err != nil {
		return fmt.Errorf("registry: delete %s: %w", key, err)
	}
	return nil
}

// DeleteDir removes every key under prefix. recursive exists for symmetry
// with the source's directory-delete call; etcd prefix deletes are always
// recursive so the flag is only checked for a non-recursive caller mistake.
func (c *Client) DeleteDir(ctx context.Context, prefix string, recursive bool) error {
	if !recursive {
		return fmt.Errorf("registry: delete-dir %s: non-recursive directory delete is not supported", prefix)
	}
	_, err := c.cli.Delete(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("registry: delete-dir %s: %w", prefix, err)
	}
	return nil
}

// List returns every key/value pair under prefix.
func (c *Client) List(ctx context.Context, prefix string) ([]KV, error) {
	resp, err := c.cli.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("registry: list %s: %w", prefix, err)
	}
	out := make([]KV, len(resp.Kvs))
	for i, kv := range resp.Kvs {
		out[i] = KV{Key: string(kv.Key), Value: string(kv.Value)}
	}
	return out, nil
}

// Event is a single key change delivered by Watch.
type Event struct {
	Key   string
	Value string
	Type  clientv3.EventType
}

// Watch streams changes to key. isDiskOnline deliberately does not use
// this — it polls with Get on a timer to match the source's polling
// behavior exactly — but other callers may want real push semantics.
func (c *Client) Watch(ctx context.Context, key string) <-chan Event {
	out := make(chan Event)
	wch := c.cli.Watch(ctx, key)
	go func() {
		defer close(out)
		for resp := range wch {
			for _, ev := range resp.Events {
				select {
				case out <- Event{Key: string(ev.Kv.Key), Value: string(ev.Kv.Value), Type: ev.Type}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

var errNotFound = errors.New("key not found")
