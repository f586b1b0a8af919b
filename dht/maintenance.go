package dht

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kutluhann/overlay-dht/constants"
)

func (n *Node) startLoops(ctx context.Context) {
	n.runEvery(ctx, "replicate", n.replicateInterval, func(ctx context.Context) error {
		_, err := n.Replicate(ctx)
		return err
	})
	if n.expire != nil {
		n.runEvery(ctx, "expire", n.expireInterval, func(ctx context.Context) error {
			_, err := n.Expire(ctx)
			return err
		})
	}
	n.runEvery(ctx, "refresh", n.refreshInterval, func(ctx context.Context) error {
		if !n.Connected() {
			return nil
		}
		return n.router.RefreshBucketsBeyondClosest(ctx)
	})
}

// runEvery calls fn each interval until ctx is cancelled.
func (n *Node) runEvery(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	n.loops.Add(1)
	go func() {
		defer n.loops.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := fn(ctx); err != nil && ctx.Err() == nil {
					n.log.Warn("maintenance run failed", "task", name, "err", err)
				}
			}
		}
	}()
}

// Replicate sweeps local storage and stores every item back into the
// network. Items published by this node are only re-announced while they
// are younger than the republish window. It returns how many items were
// sent out.
func (n *Node) Replicate(ctx context.Context) (int, error) {
	now := time.Now()
	sem := semaphore.NewWeighted(constants.ReplicateConcurrency)
	var wg sync.WaitGroup
	issued := 0

	for rec, err := range n.storage.ReadStream(ctx) {
		if err != nil {
			n.log.Warn("replicate: read failed", "key", rec.Key, "err", err)
			continue
		}
		item, err := decodeItem(rec.Value)
		if err != nil {
			n.log.Warn("replicate: bad record", "key", rec.Key, "err", err)
			continue
		}
		if item.Publisher == n.self.ID() && now.After(item.Time().Add(n.republishWindow)) {
			n.log.Trace("republish window passed", "key", item.Key)
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		issued++
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			n.storeItem(ctx, item)
		}()
	}
	wg.Wait()

	n.log.Debug("replication sweep done", "issued", issued)
	return issued, ctx.Err()
}

// Expire sweeps local storage and deletes the items the expire handler
// rejects. It returns how many items were removed.
func (n *Node) Expire(ctx context.Context) (int, error) {
	if n.expire == nil {
		return 0, nil
	}

	removed := 0
	for rec, err := range n.storage.ReadStream(ctx) {
		if err != nil {
			n.log.Warn("expire: read failed", "key", rec.Key, "err", err)
			continue
		}
		item, err := decodeItem(rec.Value)
		if err != nil {
			n.log.Warn("expire: bad record", "key", rec.Key, "err", err)
			continue
		}
		if !n.expire(ctx, item) {
			continue
		}
		if err := n.storage.Del(ctx, rec.Key); err != nil {
			n.log.Warn("expire: delete failed", "key", rec.Key, "err", err)
			continue
		}
		removed++
	}

	n.log.Debug("expiration sweep done", "removed", removed)
	return removed, ctx.Err()
}

// ExpireOlderThan removes items whose timestamp is older than ttl.
func ExpireOlderThan(ttl time.Duration) ExpireHandler {
	return func(_ context.Context, item *Item) bool {
		return time.Since(item.Time()) > ttl
	}
}
