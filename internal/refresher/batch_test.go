package refresher

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/credkeeper/credkeeper/internal/authclient"
	"github.com/credkeeper/credkeeper/internal/logging"
	"github.com/credkeeper/credkeeper/internal/metrics"
	"github.com/credkeeper/credkeeper/internal/models"
)

func newTestCoordinator(store Store, client AuthClient, mirror Mirror, config CoordinatorConfig) *Coordinator {
	m := metrics.NewMetrics("test")
	pipeline := NewPipeline(store, client, m, 30*24*time.Hour, 15*time.Minute)
	transitioner := NewTransitioner(store, mirror, m)
	return NewCoordinator(store, pipeline, transitioner, m, config)
}

func TestRunBatchRefreshesAllAccounts(t *testing.T) {
	accounts := make([]*models.Account, 0, 10)
	for i := 0; i < 10; i++ {
		accounts = append(accounts, testAccount(fmt.Sprintf("acc-%d", i), `{"a":"b"}`))
	}
	store := newMockStore(accounts...)
	client := &mockClient{
		refreshFn: func(cred models.Credential) (*authclient.RefreshResult, error) {
			return &authclient.RefreshResult{Credential: cred, AccessToken: "tok"}, nil
		},
	}
	mirror := newMockMirror()

	c := newTestCoordinator(store, client, mirror, CoordinatorConfig{Workers: 4})
	if err := c.RunBatch(context.Background()); err != nil {
		t.Fatalf("batch failed: %v", err)
	}

	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("acc-%d", i)
		if !store.get(id).Enable {
			t.Errorf("account %s not enabled after batch", id)
		}
	}
	if len(mirror.putIDs()) != 10 {
		t.Errorf("expected 10 cache puts, got %d", len(mirror.putIDs()))
	}
	if len(store.eventsOfType(logging.BatchStarted)) != 1 || len(store.eventsOfType(logging.BatchFinished)) != 1 {
		t.Error("expected batch start and finish audit events")
	}
}

func TestRunBatchIsolatesFailures(t *testing.T) {
	good := testAccount("good", `{"a":"b"}`)
	bad := testAccount("bad", `{"a":"b"}`)
	panicky := testAccount("panicky", `{"a":"b"}`)
	store := newMockStore(good, bad, panicky)
	client := &mockClient{
		refreshFn: func(cred models.Credential) (*authclient.RefreshResult, error) {
			return &authclient.RefreshResult{Credential: cred, AccessToken: "tok"}, nil
		},
	}
	mirror := newMockMirror()

	c := newTestCoordinator(store, client, mirror, CoordinatorConfig{Workers: 3})
	// Script per-account behavior through the credential contents.
	bad.SilentCredential = "broken"
	store.get("bad").SilentCredential = "broken"
	client.refreshFn = func(cred models.Credential) (*authclient.RefreshResult, error) {
		if cred["a"] == "panic" {
			panic("network layer exploded")
		}
		return &authclient.RefreshResult{Credential: cred, AccessToken: "tok"}, nil
	}
	store.get("panicky").SilentCredential = `{"a":"panic"}`

	if err := c.RunBatch(context.Background()); err != nil {
		t.Fatalf("batch failed: %v", err)
	}

	if !store.get("good").Enable {
		t.Error("healthy account did not complete despite failures elsewhere")
	}
	if store.get("bad").Enable {
		t.Error("account with a broken credential stayed enabled")
	}
	if store.get("panicky").Enable {
		t.Error("account whose refresh panicked stayed enabled")
	}
	if len(mirror.removeIDs()) == 0 {
		t.Error("disabled accounts were not removed from the cache")
	}
}

func TestRunBatchSkipsDisappearedAccounts(t *testing.T) {
	acc := testAccount("acc-1", `{"a":"b"}`)
	gone := testAccount("gone", `{"a":"b"}`)
	store := newMockStore(acc, gone)
	// "gone" is in the loaded set but not resolvable at dispatch time.
	store.vanished = map[string]bool{"gone": true}

	client := &mockClient{
		refreshFn: func(cred models.Credential) (*authclient.RefreshResult, error) {
			return &authclient.RefreshResult{Credential: cred, AccessToken: "tok"}, nil
		},
	}

	c := newTestCoordinator(store, client, newMockMirror(), CoordinatorConfig{Workers: 2})
	if err := c.RunBatch(context.Background()); err != nil {
		t.Fatalf("batch failed: %v", err)
	}

	if !store.get("acc-1").Enable {
		t.Error("live account not refreshed")
	}
	// Only the resolvable account reached the refresh client.
	if client.refreshes != 1 {
		t.Errorf("expected 1 refresh call, got %d", client.refreshes)
	}
}

func TestRunBatchAbandonedOnFetchError(t *testing.T) {
	store := newMockStore(testAccount("acc-1", `{"a":"b"}`))
	store.listErr = fmt.Errorf("database locked")
	client := &mockClient{}

	c := newTestCoordinator(store, client, newMockMirror(), CoordinatorConfig{Workers: 2})
	if err := c.RunBatch(context.Background()); err == nil {
		t.Fatal("expected the batch to be abandoned")
	}
	if client.refreshes != 0 {
		t.Error("accounts were dispatched despite the fetch failure")
	}
}

func TestRunBatchExpiringOnly(t *testing.T) {
	soon := testAccount("soon", `{"a":"b"}`)
	soon.CredentialExpiresAt = time.Now().UTC().Add(2 * 24 * time.Hour)

	far := testAccount("far", `{"a":"b"}`)
	far.CredentialExpiresAt = time.Now().UTC().Add(60 * 24 * time.Hour)

	store := newMockStore(soon, far)
	var refreshed []string
	client := &mockClient{
		refreshFn: func(cred models.Credential) (*authclient.RefreshResult, error) {
			return &authclient.RefreshResult{Credential: cred, AccessToken: "tok"}, nil
		},
	}
	mirror := newMockMirror()

	c := newTestCoordinator(store, client, mirror, CoordinatorConfig{
		Workers:       2,
		ExpiringOnly:  true,
		ExpiryHorizon: 7 * 24 * time.Hour,
	})
	if err := c.RunBatch(context.Background()); err != nil {
		t.Fatalf("batch failed: %v", err)
	}

	refreshed = mirror.putIDs()
	if len(refreshed) != 1 || refreshed[0] != "soon" {
		t.Errorf("expected only the expiring account to be refreshed, got %v", refreshed)
	}
}
