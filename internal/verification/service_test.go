package verification_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gallery-paywall/internal/verification"
)

type doerFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

func (f doerFunc) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

type platformFixture struct {
	hits   atomic.Int32
	answer atomic.Value // verification.Result
	srv    *httptest.Server
}

func newPlatform(t *testing.T) *platformFixture {
	t.Helper()
	f := &platformFixture{}
	f.answer.Store(verification.Result{})
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/internal/v1/subscriptions/verify", r.URL.Path)
		f.hits.Add(1)
		var req verification.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotEmpty(t, req.GalleryID)
		require.NotEmpty(t, req.BuyerID)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(f.answer.Load())
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func newService(t *testing.T, platform *platformFixture) (*verification.Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	client, err := verification.NewClient(platform.srv.URL, doerFunc(func(ctx context.Context, req *http.Request) (*http.Response, error) {
		return http.DefaultClient.Do(req)
	}))
	require.NoError(t, err)

	cache := verification.NewCache(rdb, 15*time.Minute)
	return verification.NewService(client, cache, zerolog.Nop()), mr
}

func activeResult(endsIn time.Duration) verification.Result {
	return verification.Result{
		HasAccess: true,
		Subscription: &verification.Subscription{
			IsActive: true,
			EndDate:  time.Now().Add(endsIn).UTC(),
		},
	}
}

func TestCheckAccessServedFromCache(t *testing.T) {
	platform := newPlatform(t)
	platform.answer.Store(activeResult(time.Hour))
	svc, _ := newService(t, platform)

	ok, err := svc.CheckAccess(context.Background(), "gal-1", "buyer-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 1, platform.hits.Load())

	// Second check is answered from the cache without touching the platform.
	ok, err = svc.CheckAccess(context.Background(), "gal-1", "buyer-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 1, platform.hits.Load())
}

func TestCheckAccessIgnoresLapsedCachedEntry(t *testing.T) {
	platform := newPlatform(t)
	platform.answer.Store(activeResult(50 * time.Millisecond))
	svc, mr := newService(t, platform)

	ok, err := svc.CheckAccess(context.Background(), "gal-1", "buyer-1")
	require.NoError(t, err)
	require.True(t, ok)

	// Let the subscription window lapse; miniredis needs an explicit clock
	// step for the TTL, and the entry's own end date has passed either way.
	time.Sleep(60 * time.Millisecond)
	mr.FastForward(time.Second)

	platform.answer.Store(verification.Result{HasAccess: false, Message: "subscription expired"})
	ok, err = svc.CheckAccess(context.Background(), "gal-1", "buyer-1")
	require.NoError(t, err)
	require.False(t, ok)
	require.EqualValues(t, 2, platform.hits.Load())
}

func TestVerifyNotActiveReplacesCachedPositive(t *testing.T) {
	platform := newPlatform(t)
	platform.answer.Store(activeResult(time.Hour))
	svc, _ := newService(t, platform)

	ok, err := svc.CheckAccess(context.Background(), "gal-1", "buyer-1")
	require.NoError(t, err)
	require.True(t, ok)

	// The platform revokes access; a fresh verify overwrites the cached
	// positive so later checks deny without re-asking.
	platform.answer.Store(verification.Result{HasAccess: false, Message: "refunded"})
	result, err := svc.Verify(context.Background(), verification.Request{GalleryID: "gal-1", BuyerID: "buyer-1"})
	require.NoError(t, err)
	require.False(t, result.HasAccess)

	hits := platform.hits.Load()
	ok, err = svc.CheckAccess(context.Background(), "gal-1", "buyer-1")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, hits, platform.hits.Load())
}

func TestNegativeCacheEntryExpiresQuickly(t *testing.T) {
	platform := newPlatform(t)
	platform.answer.Store(verification.Result{HasAccess: false, Message: "no subscription"})
	svc, mr := newService(t, platform)

	ok, err := svc.CheckAccess(context.Background(), "gal-1", "buyer-1")
	require.NoError(t, err)
	require.False(t, ok)
	require.EqualValues(t, 1, platform.hits.Load())

	// Support grants access out of band. The denial must not stick for the
	// full cache window; after the negative entry's minute it is re-asked.
	platform.answer.Store(activeResult(time.Hour))
	mr.FastForward(2 * time.Minute)

	ok, err = svc.CheckAccess(context.Background(), "gal-1", "buyer-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 2, platform.hits.Load())
}

func TestVerifyPlatformFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	client, err := verification.NewClient(srv.URL, doerFunc(func(ctx context.Context, req *http.Request) (*http.Response, error) {
		return http.DefaultClient.Do(req)
	}))
	require.NoError(t, err)
	svc := verification.NewService(client, verification.NewCache(rdb, time.Minute), zerolog.Nop())

	_, err = svc.Verify(context.Background(), verification.Request{GalleryID: "gal-1", BuyerID: "buyer-1"})
	require.Error(t, err)

	_, err = svc.CheckAccess(context.Background(), "gal-1", "buyer-1")
	require.Error(t, err)
}
