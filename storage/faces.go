package storage

import (
	"context"
	"encoding/json"

	"storage-rpc/client"
)

// Keys of well-known environment entries. Keys ending in ':' are prefixes.
const (
	EnvKeyAccessibleRooms      = "accessibleRooms"
	EnvKeyRoomStatusData       = "roomStatusData"
	EnvKeyMemory               = "memory:"
	EnvKeyGameTime             = "gameTime"
	EnvKeyMapView              = "mapView:"
	EnvKeyTerrainData          = "terrainData"
	EnvKeyScriptCachedData     = "scriptCachedData:"
	EnvKeyUserOnline           = "userOnline:"
	EnvKeyMainLoopPaused       = "mainLoopPaused"
	EnvKeyRoomHistory          = "roomHistory:"
	EnvKeyRoomVisual           = "roomVisual:"
	EnvKeyMemorySegments       = "memorySegments:"
	EnvKeyPublicMemorySegments = "publicMemorySegments:"
	EnvKeyRoomEventLog         = "roomEventLog:"
	EnvKeyActiveRooms          = "activeRooms"
	EnvKeyMainLoopMinDuration  = "tickRate"
)

// Well-known publication channels. Channels ending in ':' are prefixes.
const (
	PubSubKeyQueueDone      = "queueDone:"
	PubSubKeyRuntimeRestart = "runtimeRestart"
	PubSubKeyTickStarted    = "tickStarted"
	PubSubKeyRoomsDone      = "roomsDone"
)

// Env is the key/value face of the storage server.
type Env struct{ p *Proxy }

// Env returns the key/value face.
func (p *Proxy) Env() Env { return Env{p} }

func (e Env) Get(ctx context.Context, key string) (json.RawMessage, error) {
	return e.p.Call(ctx, "dbEnvGet", key)
}

func (e Env) Mget(ctx context.Context, keys []string) (json.RawMessage, error) {
	return e.p.Call(ctx, "dbEnvMget", keys)
}

func (e Env) Set(ctx context.Context, key string, value any) (json.RawMessage, error) {
	return e.p.Call(ctx, "dbEnvSet", key, value)
}

func (e Env) Setex(ctx context.Context, key string, seconds int, value any) (json.RawMessage, error) {
	return e.p.Call(ctx, "dbEnvSetex", key, seconds, value)
}

func (e Env) Expire(ctx context.Context, key string, seconds int) (json.RawMessage, error) {
	return e.p.Call(ctx, "dbEnvExpire", key, seconds)
}

func (e Env) Ttl(ctx context.Context, key string) (json.RawMessage, error) {
	return e.p.Call(ctx, "dbEnvTtl", key)
}

func (e Env) Del(ctx context.Context, key string) (json.RawMessage, error) {
	return e.p.Call(ctx, "dbEnvDel", key)
}

func (e Env) Hmget(ctx context.Context, key string, fields []string) (json.RawMessage, error) {
	return e.p.Call(ctx, "dbEnvHmget", key, fields)
}

func (e Env) Hmset(ctx context.Context, key string, values any) (json.RawMessage, error) {
	return e.p.Call(ctx, "dbEnvHmset", key, values)
}

func (e Env) Hget(ctx context.Context, key, field string) (json.RawMessage, error) {
	return e.p.Call(ctx, "dbEnvHget", key, field)
}

func (e Env) Hset(ctx context.Context, key, field string, value any) (json.RawMessage, error) {
	return e.p.Call(ctx, "dbEnvHset", key, field, value)
}

func (e Env) Sadd(ctx context.Context, key string, values any) (json.RawMessage, error) {
	return e.p.Call(ctx, "dbEnvSadd", key, values)
}

func (e Env) Smembers(ctx context.Context, key string) (json.RawMessage, error) {
	return e.p.Call(ctx, "dbEnvSmembers", key)
}

// Queue is the work queue face of the storage server.
type Queue struct{ p *Proxy }

// Queue returns the work queue face.
func (p *Proxy) Queue() Queue { return Queue{p} }

func (q Queue) Fetch(ctx context.Context, name string) (json.RawMessage, error) {
	return q.p.Call(ctx, "queueFetch", name)
}

func (q Queue) Add(ctx context.Context, name, id string) (json.RawMessage, error) {
	return q.p.Call(ctx, "queueAdd", name, id)
}

func (q Queue) AddMulti(ctx context.Context, name string, ids []string) (json.RawMessage, error) {
	return q.p.Call(ctx, "queueAddMulti", name, ids)
}

func (q Queue) MarkDone(ctx context.Context, name, id string) (json.RawMessage, error) {
	return q.p.Call(ctx, "queueMarkDone", name, id)
}

// WhenAllDone resolves once every item of the queue is marked done.
func (q Queue) WhenAllDone(ctx context.Context, name string) (json.RawMessage, error) {
	return q.p.Call(ctx, "queueWhenAllDone", name)
}

func (q Queue) Reset(ctx context.Context, name string) (json.RawMessage, error) {
	return q.p.Call(ctx, "queueReset", name)
}

// PubSub is the publish/subscribe face of the storage server.
type PubSub struct{ p *Proxy }

// PubSub returns the publish/subscribe face.
func (p *Proxy) PubSub() PubSub { return PubSub{p} }

// Publish sends data to every subscriber of channel.
func (ps PubSub) Publish(ctx context.Context, channel string, data any) error {
	_, err := ps.p.Call(ctx, "publish", channel, data)
	return err
}

// Subscribe calls fn for each publication on channel, or on every channel for the
// wildcard. Subscriptions are kept across reconnects; one made while disconnected
// takes effect on the next connection. fn runs off the connection's read loop and
// may call storage itself; publications reach it one at a time, in order.
func (ps PubSub) Subscribe(channel string, fn client.Listener) error {
	return ps.p.subscribe(channel, fn)
}
