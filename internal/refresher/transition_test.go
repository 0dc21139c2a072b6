package refresher

import (
	"context"
	"fmt"
	"testing"

	"github.com/credkeeper/credkeeper/internal/logging"
	"github.com/credkeeper/credkeeper/internal/metrics"
)

func newTestTransitioner(store Store, mirror Mirror) *Transitioner {
	return NewTransitioner(store, mirror, metrics.NewMetrics("test"))
}

func TestRefreshSucceededMirrorsAccount(t *testing.T) {
	acc := testAccount("acc-1", `{"a":"b"}`)
	acc.Enable = false
	store := newMockStore(acc)
	mirror := newMockMirror()

	newTestTransitioner(store, mirror).RefreshSucceeded(context.Background(), "acc-1")

	if !store.get("acc-1").Enable {
		t.Error("expected account enabled")
	}
	if len(mirror.putIDs()) != 1 || mirror.putIDs()[0] != "acc-1" {
		t.Errorf("expected one cache put for acc-1, got %v", mirror.putIDs())
	}
	if len(store.eventsOfType(logging.AccountEnabled)) != 1 {
		t.Error("expected one ACCOUNT_ENABLED audit event")
	}
}

func TestRefreshFailedRemovesFromCache(t *testing.T) {
	acc := testAccount("acc-1", `{"a":"b"}`)
	store := newMockStore(acc)
	mirror := newMockMirror()

	newTestTransitioner(store, mirror).RefreshFailed(context.Background(), "acc-1")

	if store.get("acc-1").Enable {
		t.Error("expected account disabled")
	}
	if len(mirror.removeIDs()) != 1 || mirror.removeIDs()[0] != "acc-1" {
		t.Errorf("expected one cache remove for acc-1, got %v", mirror.removeIDs())
	}
	if len(store.eventsOfType(logging.AccountDisabled)) != 1 {
		t.Error("expected one ACCOUNT_DISABLED audit event")
	}
}

func TestMirrorOutageSkipsCacheOperations(t *testing.T) {
	acc := testAccount("acc-1", `{"a":"b"}`)
	store := newMockStore(acc)
	mirror := newMockMirror()
	mirror.alive = false

	tr := newTestTransitioner(store, mirror)
	tr.RefreshSucceeded(context.Background(), "acc-1")
	tr.RefreshFailed(context.Background(), "acc-1")

	if len(mirror.putIDs()) != 0 || len(mirror.removeIDs()) != 0 {
		t.Error("cache operations attempted while the probe failed")
	}
	// The enable state still transitioned.
	if store.get("acc-1").Enable {
		t.Error("state machine outcome depends on cache availability")
	}
}

func TestMirrorFailureDoesNotAffectEnableState(t *testing.T) {
	acc := testAccount("acc-1", `{"a":"b"}`)
	acc.Enable = false
	store := newMockStore(acc)
	mirror := newMockMirror()
	mirror.putErr = fmt.Errorf("redis write failed")

	newTestTransitioner(store, mirror).RefreshSucceeded(context.Background(), "acc-1")

	if !store.get("acc-1").Enable {
		t.Error("cache put failure flipped the enable state")
	}
}

func TestDailyReset(t *testing.T) {
	used := testAccount("used", `{"a":"b"}`)
	used.UsageCount = 5

	idle := testAccount("idle", `{"a":"b"}`)
	idle.UsageCount = 0

	disabled := testAccount("disabled", `{"a":"b"}`)
	disabled.Enable = false
	disabled.UsageCount = 9

	store := newMockStore(used, idle, disabled)
	mirror := newMockMirror()

	count, err := newTestTransitioner(store, mirror).DailyReset(context.Background())
	if err != nil {
		t.Fatalf("daily reset failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 account reset, got %d", count)
	}

	if store.get("used").UsageCount != 0 {
		t.Error("usage count not zeroed")
	}
	if store.get("disabled").UsageCount != 9 {
		t.Error("disabled account was touched by the reset")
	}

	// The reset account was re-mirrored.
	if len(mirror.putIDs()) != 1 || mirror.putIDs()[0] != "used" {
		t.Errorf("expected re-mirror of the reset account, got %v", mirror.putIDs())
	}
	if len(store.eventsOfType(logging.UsageReset)) != 1 {
		t.Error("expected one USAGE_RESET audit event")
	}
}

func TestDailyResetError(t *testing.T) {
	store := newMockStore()
	store.listErr = fmt.Errorf("database locked")
	mirror := newMockMirror()

	if _, err := newTestTransitioner(store, mirror).DailyReset(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	events := store.eventsOfType(logging.UsageReset)
	if len(events) != 1 || events[0].Status != logging.StatusFailure {
		t.Error("expected a failure audit event")
	}
}
