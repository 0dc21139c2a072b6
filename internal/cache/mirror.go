// Package cache mirrors account snapshots into Redis so consumers can pick
// an account without touching the store. The store remains the source of
// truth; mirror writes are best-effort.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/credkeeper/credkeeper/internal/logging"
	"github.com/credkeeper/credkeeper/internal/models"
)

// Partition identifies one of the two cache partitions.
type Partition string

const (
	PartitionFree Partition = "free"
	PartitionPaid Partition = "paid"
)

// PartitionFor returns the partition an account belongs to.
func PartitionFor(acc *models.Account) Partition {
	if acc.IsPaid() {
		return PartitionPaid
	}
	return PartitionFree
}

// Key builds the cache key for an account in a partition.
func Key(partition Partition, accountID string) string {
	return fmt.Sprintf("account:%s:%s", partition, accountID)
}

// Mirror maintains the Redis copy of enabled account snapshots.
// A Mirror with a nil client is disabled: every operation is a no-op.
type Mirror struct {
	client *redis.Client
	logger *logging.Logger
}

// NewMirror connects to Redis at addr. The connection is verified lazily via
// Alive; construction never fails.
func NewMirror(addr, password string, db int) *Mirror {
	return &Mirror{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		logger: logging.NewLogger(),
	}
}

// NewDisabledMirror returns a mirror that ignores every operation.
func NewDisabledMirror() *Mirror {
	return &Mirror{logger: logging.NewLogger()}
}

// Enabled reports whether the mirror has a backing client.
func (m *Mirror) Enabled() bool {
	return m.client != nil
}

// Alive probes the Redis connection.
func (m *Mirror) Alive(ctx context.Context) bool {
	if m.client == nil {
		return false
	}
	if err := m.client.Ping(ctx).Err(); err != nil {
		m.logger.Warn("cache mirror unreachable", "error", err.Error())
		return false
	}
	return true
}

// Put writes the account snapshot into the free partition and, for paid
// accounts, additionally into the paid partition. An account that is no
// longer paid is cleared from the paid partition so a tier downgrade does
// not leave a stale entry behind.
func (m *Mirror) Put(ctx context.Context, acc *models.Account) error {
	if m.client == nil {
		return nil
	}

	snapshot, err := acc.Snapshot().Serialize()
	if err != nil {
		return err
	}

	pipe := m.client.Pipeline()
	pipe.Set(ctx, Key(PartitionFree, acc.ID), snapshot, 0)
	if acc.IsPaid() {
		pipe.Set(ctx, Key(PartitionPaid, acc.ID), snapshot, 0)
	} else {
		pipe.Del(ctx, Key(PartitionPaid, acc.ID))
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Remove deletes the account from both partitions.
func (m *Mirror) Remove(ctx context.Context, accountID string) error {
	if m.client == nil {
		return nil
	}
	return m.client.Del(ctx, Key(PartitionFree, accountID), Key(PartitionPaid, accountID)).Err()
}

// Close releases the Redis connection.
func (m *Mirror) Close() error {
	if m.client == nil {
		return nil
	}
	return m.client.Close()
}

// WaitAlive polls the connection until it answers or the timeout elapses.
// Used at startup so the first batch does not race a slow Redis.
func (m *Mirror) WaitAlive(ctx context.Context, timeout time.Duration) bool {
	if m.client == nil {
		return false
	}

	deadline := time.Now().Add(timeout)
	for {
		if m.Alive(ctx) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Second):
		}
	}
}
