package storage

import (
	"context"
	"encoding/json"

	"github.com/juju/errors"

	"storage-rpc/client"
)

// Collection forwards operations on one named collection to the storage server.
// It is bound to the connection it was built for; after a reconnect, get a fresh
// one from Proxy.DB.
type Collection struct {
	name string
	cli  *client.Client
}

// Name returns the collection name.
func (c *Collection) Name() string {
	return c.name
}

// request sends dbRequest(collection, op, args).
func (c *Collection) request(ctx context.Context, op string, args []any) (json.RawMessage, error) {
	if args == nil {
		args = []any{}
	}
	return c.cli.Call(ctx, "dbRequest", c.name, op, args)
}

func (c *Collection) Find(ctx context.Context, args ...any) (json.RawMessage, error) {
	return c.request(ctx, "find", args)
}

func (c *Collection) FindOne(ctx context.Context, args ...any) (json.RawMessage, error) {
	return c.request(ctx, "findOne", args)
}

func (c *Collection) By(ctx context.Context, args ...any) (json.RawMessage, error) {
	return c.request(ctx, "by", args)
}

func (c *Collection) Clear(ctx context.Context, args ...any) (json.RawMessage, error) {
	return c.request(ctx, "clear", args)
}

func (c *Collection) Count(ctx context.Context, args ...any) (json.RawMessage, error) {
	return c.request(ctx, "count", args)
}

func (c *Collection) EnsureIndex(ctx context.Context, args ...any) (json.RawMessage, error) {
	return c.request(ctx, "ensureIndex", args)
}

func (c *Collection) RemoveWhere(ctx context.Context, args ...any) (json.RawMessage, error) {
	return c.request(ctx, "removeWhere", args)
}

func (c *Collection) Insert(ctx context.Context, args ...any) (json.RawMessage, error) {
	return c.request(ctx, "insert", args)
}

// Update sends dbUpdate(collection, query, update, params).
func (c *Collection) Update(ctx context.Context, query, update, params any) (json.RawMessage, error) {
	return c.cli.Call(ctx, "dbUpdate", c.name, query, update, params)
}

// Bulk sends dbBulk(collection, bulk).
func (c *Collection) Bulk(ctx context.Context, bulk any) (json.RawMessage, error) {
	return c.cli.Call(ctx, "dbBulk", c.name, bulk)
}

// FindEx sends dbFindEx(collection, query, opts).
func (c *Collection) FindEx(ctx context.Context, query, opts any) (json.RawMessage, error) {
	return c.cli.Call(ctx, "dbFindEx", c.name, query, opts)
}

// Decode unmarshals the result of a storage call into a T. It passes a call error
// through unchanged.
//
//	rooms, err := storage.Decode[[]Room](db.Find(ctx, query))
func Decode[T any](raw json.RawMessage, err error) (T, error) {
	var v T
	if err != nil {
		return v, err
	}
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, errors.Annotatef(err, "decoding storage result into %T", v)
	}
	return v, nil
}
