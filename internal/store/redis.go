package store

import (
	"context"
	"errors"
	"iter"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/evgraph/internal/event"
)

// Redis stores events in a Redis hash with two sorted-set indexes:
//
//	{prefix}events  HASH  id -> snappy(canonical body)
//	{prefix}ids     ZSET  score 0, member id (lexicographic iteration)
//	{prefix}ts      ZSET  score timestamp, member id (rotation deletes)
//	{prefix}meta    HASH  genesis_id, boundary, epoch
//
// Multi-key writes go through MULTI/EXEC pipelines. Rotate assumes the
// graph's write lock serializes it against inserts.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
}

var _ EventStore = (*Redis)(nil)

// NewRedis wraps an existing client. Close closes the client.
func NewRedis(rdb redis.UniversalClient, prefix string) *Redis {
	return &Redis{rdb: rdb, prefix: prefix}
}

func (r *Redis) eventsKey() string { return r.prefix + "events" }
func (r *Redis) idsKey() string    { return r.prefix + "ids" }
func (r *Redis) tsKey() string     { return r.prefix + "ts" }
func (r *Redis) metaKey() string   { return r.prefix + "meta" }

func (r *Redis) Get(ctx context.Context, id event.Hash) (event.Event, bool, error) {
	body, err := r.rdb.HGet(ctx, r.eventsKey(), string(id[:])).Bytes()
	if errors.Is(err, redis.Nil) {
		return event.Event{}, false, nil
	}
	if err != nil {
		return event.Event{}, false, wrap("get", err)
	}
	e, err := decodeBody(id, body)
	if err != nil {
		return event.Event{}, false, wrap("get", err)
	}
	return e, true, nil
}

func (r *Redis) Insert(ctx context.Context, e event.Event) error {
	id := e.ID()
	member := string(id[:])
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, r.eventsKey(), member, encodeBody(e))
		pipe.ZAddNX(ctx, r.idsKey(), redis.Z{Score: 0, Member: member})
		pipe.ZAddNX(ctx, r.tsKey(), redis.Z{Score: float64(e.Header.Timestamp), Member: member})
		return nil
	})
	return wrap("insert", err)
}

func (r *Redis) Contains(ctx context.Context, id event.Hash) (bool, error) {
	ok, err := r.rdb.HExists(ctx, r.eventsKey(), string(id[:])).Result()
	if err != nil {
		return false, wrap("contains", err)
	}
	return ok, nil
}

// IterIDs pages through the lexicographic id index.
func (r *Redis) IterIDs(ctx context.Context) iter.Seq2[event.Hash, error] {
	return func(yield func(event.Hash, error) bool) {
		lower := "-"
		for {
			page, err := r.rdb.ZRangeByLex(ctx, r.idsKey(), &redis.ZRangeBy{
				Min:   lower,
				Max:   "+",
				Count: iterPageSize,
			}).Result()
			if err != nil {
				yield(event.NullID, wrap("iterate", err))
				return
			}
			for _, member := range page {
				id, err := event.HashFromBytes([]byte(member))
				if err != nil {
					yield(event.NullID, wrap("iterate", err))
					return
				}
				if !yield(id, nil) {
					return
				}
			}
			if len(page) < iterPageSize {
				return
			}
			lower = "(" + page[len(page)-1]
		}
	}
}

func (r *Redis) Count(ctx context.Context) (int, error) {
	n, err := r.rdb.HLen(ctx, r.eventsKey()).Result()
	if err != nil {
		return 0, wrap("count", err)
	}
	return int(n), nil
}

func (r *Redis) Rotate(ctx context.Context, genesis event.Event, epoch int64) (int, error) {
	boundary := genesis.Header.Timestamp
	stale, err := r.rdb.ZRangeByScore(ctx, r.tsKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatUint(boundary, 10),
	}).Result()
	if err != nil {
		return 0, wrap("rotate: scan", err)
	}

	id := genesis.ID()
	member := string(id[:])
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(stale) > 0 {
			members := make([]any, len(stale))
			for i, s := range stale {
				members[i] = s
			}
			pipe.HDel(ctx, r.eventsKey(), stale...)
			pipe.ZRem(ctx, r.idsKey(), members...)
			pipe.ZRem(ctx, r.tsKey(), members...)
		}
		pipe.HSetNX(ctx, r.eventsKey(), member, encodeBody(genesis))
		pipe.ZAddNX(ctx, r.idsKey(), redis.Z{Score: 0, Member: member})
		pipe.ZAddNX(ctx, r.tsKey(), redis.Z{Score: float64(boundary), Member: member})
		pipe.HSet(ctx, r.metaKey(), map[string]any{
			metaGenesis:  id.String(),
			metaBoundary: strconv.FormatUint(boundary, 10),
			metaEpoch:    strconv.FormatInt(epoch, 10),
		})
		return nil
	})
	if err != nil {
		return 0, wrap("rotate", err)
	}
	return len(stale), nil
}

func (r *Redis) State(ctx context.Context) (RotationState, error) {
	meta, err := r.rdb.HGetAll(ctx, r.metaKey()).Result()
	if err != nil {
		return RotationState{}, wrap("state", err)
	}
	st, err := parseState(meta)
	return st, wrap("state", err)
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
