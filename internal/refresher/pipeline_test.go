package refresher

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/credkeeper/credkeeper/internal/authclient"
	"github.com/credkeeper/credkeeper/internal/metrics"
	"github.com/credkeeper/credkeeper/internal/models"
)

func testAccount(id, blob string) *models.Account {
	return &models.Account{
		ID:                  id,
		Enable:              true,
		SilentCredential:    blob,
		CredentialExpiresAt: time.Now().UTC().Add(24 * time.Hour),
	}
}

func newTestPipeline(store Store, client AuthClient) *Pipeline {
	return NewPipeline(store, client, metrics.NewMetrics("test"), 30*24*time.Hour, 15*time.Minute)
}

func TestRefreshSuccess(t *testing.T) {
	acc := testAccount("acc-1", `{"a":"b"}`)
	store := newMockStore(acc)
	client := &mockClient{
		refreshFn: func(cred models.Credential) (*authclient.RefreshResult, error) {
			if cred["a"] != "b" {
				t.Errorf("client received wrong credential: %v", cred)
			}
			return &authclient.RefreshResult{
				Credential:  models.Credential{"a": "c"},
				AccessToken: "tok123",
			}, nil
		},
	}

	before := time.Now().UTC()
	if !newTestPipeline(store, client).Refresh(context.Background(), acc) {
		t.Fatal("expected refresh to succeed")
	}

	got := store.get("acc-1")
	if !got.Enable {
		t.Error("expected account enabled")
	}
	if got.AccessToken != "tok123" {
		t.Errorf("expected access token tok123, got %q", got.AccessToken)
	}

	cred, err := models.ParseCredential(got.SilentCredential)
	if err != nil {
		t.Fatalf("stored blob does not parse: %v", err)
	}
	if cred["a"] != "c" {
		t.Errorf("expected rotated credential, got %v", cred)
	}
	roundTrip, err := cred.Serialize()
	if err != nil {
		t.Fatalf("serialize failed: %v", err)
	}
	if roundTrip != got.SilentCredential {
		t.Errorf("committed blob does not round-trip: %q vs %q", roundTrip, got.SilentCredential)
	}

	// Validity horizons land at now + TTL within processing latency.
	credExp := got.CredentialExpiresAt.Sub(before)
	if credExp < 30*24*time.Hour-time.Minute || credExp > 30*24*time.Hour+time.Minute {
		t.Errorf("unexpected credential expiry horizon %v", credExp)
	}
	if got.SessionExpiresAt == nil {
		t.Fatal("expected session expiry to be set")
	}
	sessExp := got.SessionExpiresAt.Sub(before)
	if sessExp < 14*time.Minute || sessExp > 16*time.Minute {
		t.Errorf("unexpected session expiry horizon %v", sessExp)
	}
}

func TestRefreshMalformedBlobSkipsClient(t *testing.T) {
	acc := testAccount("acc-1", "not-json")
	store := newMockStore(acc)
	client := &mockClient{
		refreshFn: func(cred models.Credential) (*authclient.RefreshResult, error) {
			t.Error("client must not be called for a malformed blob")
			return nil, fmt.Errorf("unreachable")
		},
	}

	if newTestPipeline(store, client).Refresh(context.Background(), acc) {
		t.Fatal("expected refresh to fail")
	}
	if client.refreshes != 0 {
		t.Error("refresh client was invoked")
	}

	// Account untouched by the pipeline itself.
	got := store.get("acc-1")
	if got.SilentCredential != "not-json" {
		t.Error("credential blob changed")
	}
}

func TestRefreshEmptyBlobFails(t *testing.T) {
	acc := testAccount("acc-1", "")
	store := newMockStore(acc)
	client := &mockClient{}

	if newTestPipeline(store, client).Refresh(context.Background(), acc) {
		t.Fatal("expected refresh to fail for empty blob")
	}
	if client.refreshes != 0 {
		t.Error("refresh client was invoked")
	}
}

func TestRefreshClientRejection(t *testing.T) {
	acc := testAccount("acc-1", `{"a":"b"}`)
	acc.AccessToken = "old-token"
	expiry := acc.CredentialExpiresAt
	store := newMockStore(acc)
	client := &mockClient{
		refreshFn: func(cred models.Credential) (*authclient.RefreshResult, error) {
			return nil, fmt.Errorf("credential revoked")
		},
	}

	if newTestPipeline(store, client).Refresh(context.Background(), acc) {
		t.Fatal("expected refresh to fail")
	}

	// No commit happened: credential and expiry fields are untouched.
	got := store.get("acc-1")
	if got.SilentCredential != `{"a":"b"}` {
		t.Error("credential blob changed without a successful refresh")
	}
	if got.AccessToken != "old-token" {
		t.Error("access token changed without a successful refresh")
	}
	if !got.CredentialExpiresAt.Equal(expiry) {
		t.Error("credential expiry changed without a successful refresh")
	}
}

func TestSessionSignInHappensOnce(t *testing.T) {
	acc := testAccount("acc-1", `{"a":"b"}`)
	store := newMockStore(acc)
	client := &mockClient{
		refreshFn: func(cred models.Credential) (*authclient.RefreshResult, error) {
			return &authclient.RefreshResult{Credential: cred, AccessToken: "tok"}, nil
		},
	}
	p := newTestPipeline(store, client)

	if !p.Refresh(context.Background(), acc) {
		t.Fatal("first refresh failed")
	}
	if client.signInCount() != 1 {
		t.Fatalf("expected 1 sign-in, got %d", client.signInCount())
	}
	if store.get("acc-1").SessionToken != "session-tok" {
		t.Errorf("session token not stored: %q", store.get("acc-1").SessionToken)
	}

	// Second pass: the account already has a session token.
	again, _ := store.GetAccount("acc-1")
	if !p.Refresh(context.Background(), again) {
		t.Fatal("second refresh failed")
	}
	if client.signInCount() != 1 {
		t.Errorf("sign-in repeated for an account with a session token: %d calls", client.signInCount())
	}
}

func TestSignInFailureDoesNotFailPipeline(t *testing.T) {
	acc := testAccount("acc-1", `{"a":"b"}`)
	store := newMockStore(acc)
	client := &mockClient{
		refreshFn: func(cred models.Credential) (*authclient.RefreshResult, error) {
			return &authclient.RefreshResult{Credential: cred, AccessToken: "tok"}, nil
		},
		signInErr: fmt.Errorf("sign-in unavailable"),
	}

	if !newTestPipeline(store, client).Refresh(context.Background(), acc) {
		t.Fatal("refresh must succeed once the commit landed")
	}
	if store.get("acc-1").SessionToken != "" {
		t.Error("session token stored despite sign-in failure")
	}
}

func TestAuthInfoStoredWhenPresent(t *testing.T) {
	acc := testAccount("acc-1", `{"a":"b"}`)
	store := newMockStore(acc)
	client := &mockClient{
		refreshFn: func(cred models.Credential) (*authclient.RefreshResult, error) {
			return &authclient.RefreshResult{Credential: cred, AccessToken: "tok"}, nil
		},
		authInfo: `{"email":"user@example.com"}`,
		authType: models.AccountTypePaid,
	}

	if !newTestPipeline(store, client).Refresh(context.Background(), acc) {
		t.Fatal("refresh failed")
	}

	got := store.get("acc-1")
	if got.AuthInfo != `{"email":"user@example.com"}` {
		t.Errorf("auth info not stored: %q", got.AuthInfo)
	}
	if !got.IsPaid() {
		t.Error("account type not stored")
	}
}

func TestAuthInfoFailureDoesNotFailPipeline(t *testing.T) {
	acc := testAccount("acc-1", `{"a":"b"}`)
	store := newMockStore(acc)
	client := &mockClient{
		refreshFn: func(cred models.Credential) (*authclient.RefreshResult, error) {
			return &authclient.RefreshResult{Credential: cred, AccessToken: "tok"}, nil
		},
		authErr: fmt.Errorf("identity service down"),
	}

	if !newTestPipeline(store, client).Refresh(context.Background(), acc) {
		t.Fatal("refresh must succeed despite identity fetch failure")
	}
	if !store.get("acc-1").Enable {
		t.Error("account disabled by an enrichment failure")
	}
}

func TestCommitFailureFailsPipeline(t *testing.T) {
	acc := testAccount("acc-1", `{"a":"b"}`)
	store := newMockStore(acc)
	store.commitErr = fmt.Errorf("disk full")
	client := &mockClient{
		refreshFn: func(cred models.Credential) (*authclient.RefreshResult, error) {
			return &authclient.RefreshResult{Credential: cred, AccessToken: "tok"}, nil
		},
	}

	if newTestPipeline(store, client).Refresh(context.Background(), acc) {
		t.Fatal("expected refresh to fail when the commit fails")
	}
}

func TestPanicBeforeCommitReturnsFalse(t *testing.T) {
	acc := testAccount("acc-1", `{"a":"b"}`)
	store := newMockStore(acc)
	client := &mockClient{
		refreshFn: func(cred models.Credential) (*authclient.RefreshResult, error) {
			panic("client blew up")
		},
	}

	if newTestPipeline(store, client).Refresh(context.Background(), acc) {
		t.Fatal("expected refresh to fail on a pre-commit panic")
	}
}

func TestPanicAfterCommitStillSucceeds(t *testing.T) {
	acc := testAccount("acc-1", `{"a":"b"}`)
	store := newMockStore(acc)
	client := &mockClient{
		refreshFn: func(cred models.Credential) (*authclient.RefreshResult, error) {
			return &authclient.RefreshResult{Credential: cred, AccessToken: "tok"}, nil
		},
		signInErr: nil,
	}
	// Panic during the identity fetch, after the commit has landed.
	client.authErr = nil
	client.authInfo = ""
	p := newTestPipeline(store, client)

	// Swap in a client whose auth-info call panics.
	panicking := &panicAuthClient{mockClient: client}
	p.client = panicking

	if !p.Refresh(context.Background(), acc) {
		t.Fatal("a post-commit panic must not flip the result to failure")
	}
	if !store.get("acc-1").Enable {
		t.Error("committed enable state did not stand")
	}
}

type panicAuthClient struct {
	*mockClient
}

func (p *panicAuthClient) FetchAuthInfo(ctx context.Context, sessionToken, accessToken string) (string, string, error) {
	panic("identity fetch blew up")
}
