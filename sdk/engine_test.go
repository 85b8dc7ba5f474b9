package sdk

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/datatrails/go-datatrails-common/logger"
	"github.com/stretchr/testify/require"

	"github.com/vailix-dev/vailix/matcher"
)

func newTestEngine(t *testing.T, reportURL, downloadURL string) *Engine {
	t.Helper()
	cfg, err := New(reportURL, downloadURL, "secret", WithStoreDir(t.TempDir()))
	require.NoError(t, err)

	logger.New("NOOP")
	eng, err := buildEngine(cfg, logger.Sugar)
	require.NoError(t, err)
	t.Cleanup(func() { eng.teardown() })
	return eng
}

func TestBuildEngineWiresIdentityAndDisplayName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	eng := newTestEngine(t, srv.URL, srv.URL)
	require.Contains(t, eng.DisplayName(), "vailix-")
}

func TestEngineReportRoundTrip(t *testing.T) {
	received := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received = true
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	eng := newTestEngine(t, srv.URL, srv.URL)
	ok, err := eng.Report(context.Background(), map[string]any{"x": 1})
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, received)
}

func TestEngineReportFailureEmitsViaOnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	eng := newTestEngine(t, srv.URL, srv.URL)

	var got []error
	unregister := eng.OnError(func(err error) { got = append(got, err) })
	defer unregister()

	ok, err := eng.Report(context.Background(), nil)
	require.NoError(t, err)
	require.False(t, ok)
	require.Len(t, got, 1)
}

func TestEngineLogScanAndCanScan(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	eng := newTestEngine(t, srv.URL, srv.URL)
	require.True(t, eng.CanScan("peer-rpi"))
	require.NoError(t, eng.LogScan(context.Background(), "peer-rpi", "peer-mk", time.Now().UnixMilli()))
}

func TestEngineFetchAndMatchEmptyBatchEmitsNoMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte{0, 0, 0, 0}) // empty batch: count=0
	}))
	defer srv.Close()

	eng := newTestEngine(t, srv.URL, srv.URL)

	var got []matcher.Match
	unregister := eng.OnMatch(func(m matcher.Match) { got = append(got, m) })
	defer unregister()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	eng.FetchAndMatch(ctx)

	time.Sleep(50 * time.Millisecond) // let pumpEvents relay the empty-batch result
	require.Empty(t, got)
}
