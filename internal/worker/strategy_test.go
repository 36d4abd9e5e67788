package worker

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/folio-edge/folio-cache/internal/cache"
)

func TestCacheFirstHitAvoidsNetwork(t *testing.T) {
	store := cache.NewMemoryStore()
	origin := newFakeOrigin()
	m := activeManager(t, store, origin, testSite("2025.11"))
	seed(t, store, "portfolio-static-v2025.11", "/assets/app.css?v=1", "body{}")

	resp := get(t, m, "/assets/app.css?v=1")

	require.Equal(t, http.StatusOK, resp.Status)
	require.Equal(t, "body{}", string(resp.Body))
	require.Equal(t, "public, max-age=31536000, immutable", resp.Header.Get("Cache-Control"))
	require.Equal(t, StatusHit, resp.Header.Get(CacheStatusHeader))
	require.Zero(t, origin.calls.Load())
}

func TestCacheFirstMissPopulates(t *testing.T) {
	store := cache.NewMemoryStore()
	origin := newFakeOrigin()
	origin.set("/assets/js/main.js?v=2025.11", http.StatusOK, "console.log(1)")
	m := activeManager(t, store, origin, testSite("2025.11"))

	first := get(t, m, "/assets/js/main.js?v=2025.11")
	require.Equal(t, "console.log(1)", string(first.Body))
	require.Equal(t, StatusMiss, first.Header.Get(CacheStatusHeader))

	second := get(t, m, "/assets/js/main.js?v=2025.11")
	require.Equal(t, "console.log(1)", string(second.Body))
	require.Equal(t, StatusHit, second.Header.Get(CacheStatusHeader))
	require.Equal(t, 1, origin.count("/assets/js/main.js?v=2025.11"))

	entry, err := store.Get(context.Background(), "portfolio-static-v2025.11", "GET /assets/js/main.js?v=2025.11")
	require.NoError(t, err)
	require.Empty(t, entry.Header.Get(CacheStatusHeader))
}

func TestCacheFirstDoesNotStoreErrors(t *testing.T) {
	store := cache.NewMemoryStore()
	origin := newFakeOrigin()
	m := activeManager(t, store, origin, testSite("2025.11"))

	resp := get(t, m, "/assets/missing.png")
	require.Equal(t, http.StatusNotFound, resp.Status)

	get(t, m, "/assets/missing.png")
	require.Equal(t, 2, origin.count("/assets/missing.png"))
}

func TestCacheFirstMissOfflineIsServiceUnavailable(t *testing.T) {
	origin := newFakeOrigin()
	m := activeManager(t, cache.NewMemoryStore(), origin, testSite("2025.11"))
	origin.setOffline(true)

	resp := get(t, m, "/assets/app.css")
	require.Equal(t, http.StatusServiceUnavailable, resp.Status)
	require.Equal(t, "Service Unavailable", string(resp.Body))
}

func TestStaleWhileRevalidateReturnsImmediatelyOnHit(t *testing.T) {
	store := cache.NewMemoryStore()
	origin := newFakeOrigin()
	m := activeManager(t, store, origin, testSite("2025.11"))
	seed(t, store, "portfolio-dynamic-v2025.11", "/", "old")
	origin.set("/", http.StatusOK, "new")
	release := origin.block()
	defer release()

	done := make(chan *Response, 1)
	go func() { done <- get(t, m, "/") }()

	select {
	case resp := <-done:
		require.Equal(t, "old", string(resp.Body))
		require.Equal(t, StatusStale, resp.Header.Get(CacheStatusHeader))
	case <-time.After(2 * time.Second):
		t.Fatalf("stale-while-revalidate hit waited on the network")
	}

	// 后台请求完成后，分区内容应与最新网络响应一致。
	release()
	m.Wait()

	entry, err := store.Get(context.Background(), "portfolio-dynamic-v2025.11", "GET /")
	require.NoError(t, err)
	require.Equal(t, "new", string(entry.Body))

	resp := get(t, m, "/")
	require.Equal(t, "new", string(resp.Body))
	m.Wait()
}

func TestStaleWhileRevalidateMissWaitsForNetwork(t *testing.T) {
	store := cache.NewMemoryStore()
	origin := newFakeOrigin()
	origin.set("/about.html", http.StatusOK, "<h1>about</h1>")
	m := activeManager(t, store, origin, testSite("2025.11"))

	resp := get(t, m, "/about.html")
	require.Equal(t, "<h1>about</h1>", string(resp.Body))
	require.Equal(t, StatusMiss, resp.Header.Get(CacheStatusHeader))

	// 等待者收到响应时条目已写入。
	entry, err := store.Get(context.Background(), "portfolio-dynamic-v2025.11", "GET /about.html")
	require.NoError(t, err)
	require.Equal(t, "<h1>about</h1>", string(entry.Body))
	m.Wait()
}

func TestStaleWhileRevalidateSwallowsBackgroundFailures(t *testing.T) {
	store := cache.NewMemoryStore()
	origin := newFakeOrigin()
	m := activeManager(t, store, origin, testSite("2025.11"))
	seed(t, store, "portfolio-dynamic-v2025.11", "/", "cached")
	origin.setOffline(true)

	resp := get(t, m, "/")
	require.Equal(t, "cached", string(resp.Body))
	m.Wait()

	origin.setOffline(false)
	origin.set("/", http.StatusInternalServerError, "boom")
	resp = get(t, m, "/")
	require.Equal(t, "cached", string(resp.Body))
	m.Wait()

	entry, err := store.Get(context.Background(), "portfolio-dynamic-v2025.11", "GET /")
	require.NoError(t, err)
	require.Equal(t, "cached", string(entry.Body))
}

func TestStaleWhileRevalidateMissOfflineIsServiceUnavailable(t *testing.T) {
	origin := newFakeOrigin()
	m := activeManager(t, cache.NewMemoryStore(), origin, testSite("2025.11"))
	origin.setOffline(true)

	resp := get(t, m, "/contact.html")
	require.Equal(t, http.StatusServiceUnavailable, resp.Status)
	m.Wait()
}

func TestStaleWhileRevalidateSurvivesCanceledRequest(t *testing.T) {
	store := cache.NewMemoryStore()
	origin := newFakeOrigin()
	m := activeManager(t, store, origin, testSite("2025.11"))
	seed(t, store, "portfolio-dynamic-v2025.11", "/", "old")
	origin.set("/", http.StatusOK, "new")

	ctx, cancel := context.WithCancel(context.Background())
	req, err := NewRequest("/")
	require.NoError(t, err)
	resp := m.Fetch(ctx, req)
	require.Equal(t, "old", string(resp.Body))
	cancel()
	m.Wait()

	entry, err := store.Get(context.Background(), "portfolio-dynamic-v2025.11", "GET /")
	require.NoError(t, err)
	require.Equal(t, "new", string(entry.Body))
}

func TestNetworkFirstFallsBackOffline(t *testing.T) {
	store := cache.NewMemoryStore()
	origin := newFakeOrigin()
	m := activeManager(t, store, origin, testSite("2025.11"))
	seed(t, store, "portfolio-dynamic-v2025.11", "/api/data.json", `{"cached":true}`)
	origin.setOffline(true)

	resp := get(t, m, "/api/data.json")
	require.Equal(t, http.StatusOK, resp.Status)
	require.Equal(t, `{"cached":true}`, string(resp.Body))
	require.Equal(t, StatusFallback, resp.Header.Get(CacheStatusHeader))
}

func TestNetworkFirstWithoutFallbackIsServiceUnavailable(t *testing.T) {
	origin := newFakeOrigin()
	m := activeManager(t, cache.NewMemoryStore(), origin, testSite("2025.11"))
	origin.setOffline(true)

	resp := get(t, m, "/api/data.json")
	require.Equal(t, http.StatusServiceUnavailable, resp.Status)
	require.Equal(t, "Service Unavailable", string(resp.Body))
}

func TestNetworkFirstStoresAndServesFresh(t *testing.T) {
	store := cache.NewMemoryStore()
	origin := newFakeOrigin()
	origin.set("/api/projects", http.StatusOK, `[1]`)
	m := activeManager(t, store, origin, testSite("2025.11"))

	resp := get(t, m, "/api/projects")
	require.Equal(t, `[1]`, string(resp.Body))
	require.Equal(t, StatusNetwork, resp.Header.Get(CacheStatusHeader))

	origin.set("/api/projects", http.StatusOK, `[1,2]`)
	resp = get(t, m, "/api/projects")
	require.Equal(t, `[1,2]`, string(resp.Body))

	origin.setOffline(true)
	resp = get(t, m, "/api/projects")
	require.Equal(t, `[1,2]`, string(resp.Body))
	require.Equal(t, StatusFallback, resp.Header.Get(CacheStatusHeader))
}

func TestNetworkFirstNon2xxDoesNotFallBack(t *testing.T) {
	store := cache.NewMemoryStore()
	origin := newFakeOrigin()
	m := activeManager(t, store, origin, testSite("2025.11"))
	seed(t, store, "portfolio-dynamic-v2025.11", "/api/data.json", "cached")
	origin.set("/api/data.json", http.StatusInternalServerError, "upstream error")

	resp := get(t, m, "/api/data.json")
	require.Equal(t, http.StatusInternalServerError, resp.Status)
	require.Equal(t, "upstream error", string(resp.Body))

	entry, err := store.Get(context.Background(), "portfolio-dynamic-v2025.11", "GET /api/data.json")
	require.NoError(t, err)
	require.Equal(t, "cached", string(entry.Body))
}

func TestRouteRecoversFromPanics(t *testing.T) {
	panicking := FetcherFunc(func(context.Context, *Request) (*Response, error) {
		panic("fetcher exploded")
	})
	m := activeManager(t, cache.NewMemoryStore(), panicking, testSite("2025.11"))

	resp := get(t, m, "/assets/app.css")
	require.Equal(t, http.StatusServiceUnavailable, resp.Status)

	resp = get(t, m, "/index.html")
	require.Equal(t, http.StatusServiceUnavailable, resp.Status)
	m.Wait()
}

func TestCoalesceMissesSharesOneFetch(t *testing.T) {
	store := cache.NewMemoryStore()
	origin := newFakeOrigin()
	origin.set("/assets/big.js", http.StatusOK, "payload")
	site := testSite("2025.11")
	site.CoalesceMisses = true
	m := activeManager(t, store, origin, site)
	release := origin.block()

	var wg sync.WaitGroup
	results := make([]*Response, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = get(t, m, "/assets/big.js")
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	release()
	wg.Wait()

	require.Equal(t, 1, origin.count("/assets/big.js"))
	for _, resp := range results {
		require.Equal(t, "payload", string(resp.Body))
	}
}

func TestConcurrentMissesWithoutCoalescingBothFetch(t *testing.T) {
	store := cache.NewMemoryStore()
	origin := newFakeOrigin()
	origin.set("/assets/big.js", http.StatusOK, "payload")
	m := activeManager(t, store, origin, testSite("2025.11"))
	release := origin.block()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := get(t, m, "/assets/big.js")
			assert.Equal(t, "payload", string(resp.Body))
		}()
	}
	require.Eventually(t, func() bool {
		return origin.count("/assets/big.js") == 2
	}, 2*time.Second, 5*time.Millisecond)
	release()
	wg.Wait()
}
