package internal

import (
	"context"
	"fmt"
	"sort"

	"github.com/palpo-server/palpo/internal/caching"
	"github.com/palpo-server/palpo/roomserver/api"
	"github.com/palpo-server/palpo/roomserver/types"
)

// authChainBuckets splits starting events so one enormous query can't blow
// a single cache entry (spec.md 4.4).
const authChainBuckets = 50

// AuthChainSNs computes the sorted, deduplicated sequence numbers of every
// event transitively reachable from starts via auth_events, excluding the
// starting events themselves. Results are cached in two tiers: an
// in-memory LRU keyed per bucket, and durable rows under the same keys.
func (r *RoomserverAPI) AuthChainSNs(ctx context.Context, roomID string, startIDs []string) ([]types.EventSN, error) {
	starts, err := r.DB.EventsByIDs(ctx, startIDs)
	if err != nil {
		return nil, err
	}
	if len(starts) != len(startIDs) {
		return nil, api.InputError{Kind: api.KindNotFound, Msg: "auth chain start event unknown"}
	}

	buckets := make(map[int64][]*types.Event)
	startSNs := make(map[types.EventSN]struct{}, len(starts))
	for _, event := range starts {
		if event.PDU.RoomID() != roomID {
			return nil, api.InputError{Kind: api.KindAuthFailed, Msg: "auth chain crosses rooms"}
		}
		buckets[int64(event.SN)%authChainBuckets] = append(buckets[int64(event.SN)%authChainBuckets], event)
		startSNs[event.SN] = struct{}{}
	}

	full := map[types.EventSN]struct{}{}
	for _, bucket := range buckets {
		chain, err := r.bucketAuthChain(ctx, roomID, bucket)
		if err != nil {
			return nil, err
		}
		for _, sn := range chain {
			full[sn] = struct{}{}
		}
	}
	out := make([]types.EventSN, 0, len(full))
	for sn := range full {
		if _, isStart := startSNs[sn]; !isStart {
			out = append(out, sn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// bucketAuthChain resolves one bucket, consulting the caches under the
// bucket's sorted-sn key, then per-singleton keys, then BFS.
func (r *RoomserverAPI) bucketAuthChain(ctx context.Context, roomID string, bucket []*types.Event) ([]types.EventSN, error) {
	key := make([]int64, len(bucket))
	for i, event := range bucket {
		key[i] = int64(event.SN)
	}
	sort.Slice(key, func(i, j int) bool { return key[i] < key[j] })

	if chain, ok := r.Caches.GetAuthChain(key); ok {
		return asEventSNs(chain), nil
	}
	cacheKey := caching.AuthChainCacheKey(key)
	if chain, ok, err := r.DB.DurableAuthChain(ctx, cacheKey); err != nil {
		return nil, err
	} else if ok {
		r.Caches.StoreAuthChain(key, asInt64s(chain))
		return chain, nil
	}

	union := map[types.EventSN]struct{}{}
	for _, event := range bucket {
		single, err := r.singleAuthChain(ctx, roomID, event)
		if err != nil {
			return nil, err
		}
		for _, sn := range single {
			union[sn] = struct{}{}
		}
	}
	chain := make([]types.EventSN, 0, len(union))
	for sn := range union {
		chain = append(chain, sn)
	}
	sort.Slice(chain, func(i, j int) bool { return chain[i] < chain[j] })

	if len(bucket) > 1 {
		r.Caches.StoreAuthChain(key, asInt64s(chain))
		if err := r.DB.StoreDurableAuthChain(ctx, cacheKey, chain); err != nil {
			return nil, err
		}
	}
	return chain, nil
}

// singleAuthChain BFSes one event's auth_events closure, caching the result
// under the singleton key [sn].
func (r *RoomserverAPI) singleAuthChain(ctx context.Context, roomID string, start *types.Event) ([]types.EventSN, error) {
	singleKey := []int64{int64(start.SN)}
	if chain, ok := r.Caches.GetAuthChain(singleKey); ok {
		return asEventSNs(chain), nil
	}
	cacheKey := caching.AuthChainCacheKey(singleKey)
	if chain, ok, err := r.DB.DurableAuthChain(ctx, cacheKey); err != nil {
		return nil, err
	} else if ok {
		r.Caches.StoreAuthChain(singleKey, asInt64s(chain))
		return chain, nil
	}

	seen := map[string]types.EventSN{}
	queue := append([]string{}, start.PDU.AuthEventIDs()...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, dup := seen[id]; dup {
			continue
		}
		event, err := r.DB.EventByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if event == nil {
			return nil, fmt.Errorf("internal: auth event %s of %s not stored", id, start.PDU.EventID())
		}
		if event.PDU.RoomID() != roomID {
			return nil, api.InputError{Kind: api.KindAuthFailed, Msg: "auth event belongs to a different room"}
		}
		seen[id] = event.SN
		queue = append(queue, event.PDU.AuthEventIDs()...)
	}

	chain := make([]types.EventSN, 0, len(seen))
	for _, sn := range seen {
		chain = append(chain, sn)
	}
	sort.Slice(chain, func(i, j int) bool { return chain[i] < chain[j] })

	r.Caches.StoreAuthChain(singleKey, asInt64s(chain))
	if err := r.DB.StoreDurableAuthChain(ctx, cacheKey, chain); err != nil {
		return nil, err
	}
	return chain, nil
}

func asEventSNs(in []int64) []types.EventSN {
	out := make([]types.EventSN, len(in))
	for i, v := range in {
		out[i] = types.EventSN(v)
	}
	return out
}

func asInt64s(in []types.EventSN) []int64 {
	out := make([]int64, len(in))
	for i, v := range in {
		out[i] = int64(v)
	}
	return out
}
