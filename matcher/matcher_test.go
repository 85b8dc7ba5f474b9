package matcher

import (
	"context"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vailix-dev/vailix/metacipher"
	"github.com/vailix-dev/vailix/store"
	"github.com/vailix-dev/vailix/wireformat"
)

type memKeyStore struct {
	mu     sync.Mutex
	values map[string]string
}

func newMemKeyStore() *memKeyStore {
	return &memKeyStore{values: make(map[string]string)}
}

func (m *memKeyStore) GetKey(name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[name], nil
}

func (m *memKeyStore) SetKey(name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[name] = value
	return nil
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	key := hex.EncodeToString([]byte("0123456789abcdef0123456789abcdef"[:32]))
	s, err := store.Open(filepath.Join(t.TempDir(), "contacts.db"), key, 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFetchAndMatchSinglePageWithMatch(t *testing.T) {
	contactStore := openTestStore(t)
	ctx := context.Background()

	peerRPI := make([]byte, wireformat.RPIBytes)
	copy(peerRPI, []byte("peer-rpi-1234567"))
	peerRPIHex := hex.EncodeToString(peerRPI)

	mkBytes := make([]byte, metacipher.KeyBytes)
	copy(mkBytes, []byte("metadata-key-0123456789abcdef01"))
	mkHex := hex.EncodeToString(mkBytes)

	require.NoError(t, contactStore.LogScan(ctx, peerRPIHex, mkHex, time.Now().UnixMilli()))

	sealed, err := metacipher.Encrypt([]byte(`{"onset":1}`), mkBytes)
	require.NoError(t, err)

	var rec wireformat.Record
	copy(rec.RPI[:], peerRPI)
	rec.ReportedAtMS = 1700000000000
	rec.Metadata = []byte(sealed)

	encoded, err := wireformat.Encode([]wireformat.Record{rec})
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(encoded)
	}))
	defer srv.Close()

	checkpointStore := newMemKeyStore()
	m := New(contactStore, checkpointStore, Config{DownloadBaseURL: srv.URL}, nil)

	m.FetchAndMatch(ctx)

	select {
	case matches := <-m.Matches():
		require.Len(t, matches, 1)
		require.Equal(t, peerRPIHex, matches[0].RPIHex)
		require.Equal(t, []byte(`{"onset":1}`), matches[0].Metadata)
	case err := <-m.Errors():
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for match")
	}

	checkpoint, err := checkpointStore.GetKey(checkpointKeyName)
	require.NoError(t, err)
	require.Equal(t, "1700000000000", checkpoint)
}

func TestFetchAndMatchNoHitsAdvancesCheckpointEmitsEmpty(t *testing.T) {
	contactStore := openTestStore(t)
	ctx := context.Background()

	var rec wireformat.Record
	copy(rec.RPI[:], []byte("unrelated-rpi-16"))
	rec.ReportedAtMS = 42

	encoded, err := wireformat.Encode([]wireformat.Record{rec})
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(encoded)
	}))
	defer srv.Close()

	checkpointStore := newMemKeyStore()
	m := New(contactStore, checkpointStore, Config{DownloadBaseURL: srv.URL}, nil)

	m.FetchAndMatch(ctx)

	select {
	case matches := <-m.Matches():
		require.Empty(t, matches)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pass completion")
	}

	checkpoint, err := checkpointStore.GetKey(checkpointKeyName)
	require.NoError(t, err)
	require.Equal(t, "42", checkpoint)
}

func TestFetchAndMatchPaginatesAcrossCursor(t *testing.T) {
	contactStore := openTestStore(t)
	ctx := context.Background()

	var recA, recB wireformat.Record
	copy(recA.RPI[:], []byte("page-a-rpi-123456"))
	recA.ReportedAtMS = 1
	copy(recB.RPI[:], []byte("page-b-rpi-123456"))
	recB.ReportedAtMS = 2

	encodedA, err := wireformat.Encode([]wireformat.Record{recA})
	require.NoError(t, err)
	encodedB, err := wireformat.Encode([]wireformat.Record{recB})
	require.NoError(t, err)

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Query().Get("cursor") == "" {
			w.Header().Set("x-vailix-next-cursor", "page2")
			w.Write(encodedA)
			return
		}
		w.Write(encodedB)
	}))
	defer srv.Close()

	checkpointStore := newMemKeyStore()
	m := New(contactStore, checkpointStore, Config{DownloadBaseURL: srv.URL}, nil)
	m.FetchAndMatch(ctx)

	<-m.Matches()
	require.Equal(t, 2, calls)
}

func TestFetchAndMatchNetworkErrorDoesNotAdvanceCheckpoint(t *testing.T) {
	contactStore := openTestStore(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	checkpointStore := newMemKeyStore()
	m := New(contactStore, checkpointStore, Config{DownloadBaseURL: srv.URL}, nil)
	m.FetchAndMatch(ctx)

	select {
	case err := <-m.Errors():
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("expected an error")
	}

	checkpoint, err := checkpointStore.GetKey(checkpointKeyName)
	require.NoError(t, err)
	require.Empty(t, checkpoint)
}
