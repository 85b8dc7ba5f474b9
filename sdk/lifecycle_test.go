package sdk

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func resetLifecycle(t *testing.T) {
	t.Helper()
	require.NoError(t, Destroy())
}

func TestCreateReturnsSameInstanceAcrossCalls(t *testing.T) {
	resetLifecycle(t)
	defer resetLifecycle(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	cfg, err := New(srv.URL, srv.URL, "secret", WithStoreDir(t.TempDir()))
	require.NoError(t, err)

	a, err := Create(cfg)
	require.NoError(t, err)
	b, err := Create(cfg)
	require.NoError(t, err)
	require.Same(t, a, b)
	require.True(t, IsInitialized())
}

func TestConcurrentCreateSharesOneBuild(t *testing.T) {
	resetLifecycle(t)
	defer resetLifecycle(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	cfg, err := New(srv.URL, srv.URL, "secret", WithStoreDir(t.TempDir()))
	require.NoError(t, err)

	const n = 50
	results := make([]*Engine, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = Create(cfg)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Same(t, results[0], results[i])
	}
}

func TestDestroyClearsSlotForRetry(t *testing.T) {
	resetLifecycle(t)
	defer resetLifecycle(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	cfg, err := New(srv.URL, srv.URL, "secret", WithStoreDir(t.TempDir()))
	require.NoError(t, err)

	first, err := Create(cfg)
	require.NoError(t, err)
	require.NoError(t, Destroy())
	require.False(t, IsInitialized())

	second, err := Create(cfg)
	require.NoError(t, err)
	require.NotSame(t, first, second)
}

func TestIsInitializedFalseBeforeCreate(t *testing.T) {
	resetLifecycle(t)
	require.False(t, IsInitialized())
}
