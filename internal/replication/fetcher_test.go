package replication

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

// fakeServer serves a replication directory from memory.
type fakeServer struct {
	mu      sync.Mutex
	current int64
	states  map[int64]time.Time
	changes map[int64]string
}

func newFakeServer() *fakeServer {
	return &fakeServer{states: map[int64]time.Time{}, changes: map[int64]string{}}
}

// publish adds a sequence and makes it the current one.
func (s *fakeServer) publish(seq int64, ts time.Time, osc string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[seq] = ts
	s.changes[seq] = osc
	s.current = max(s.current, seq)
}

func (s *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/")
	switch {
	case path == "state.txt":
		WriteState(w, &State{SequenceNumber: s.current, Timestamp: s.states[s.current]})
	case strings.HasSuffix(path, ".state.txt"):
		seq, err := PathToSequence(path)
		ts, ok := s.states[seq]
		if err != nil || !ok {
			http.NotFound(w, r)
			return
		}
		WriteState(w, &State{SequenceNumber: seq, Timestamp: ts})
	case strings.HasSuffix(path, ".osc.gz"):
		seq, err := PathToSequence(path)
		body, ok := s.changes[seq]
		if err != nil || !ok {
			http.NotFound(w, r)
			return
		}
		gz := gzip.NewWriter(w)
		gz.Write([]byte(body))
		gz.Close()
	default:
		http.NotFound(w, r)
	}
}

func testSource(t *testing.T, s *fakeServer) *Source {
	t.Helper()
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return &Source{Name: "test", BaseURL: srv.URL, UpdateInterval: time.Minute}
}

func testFetcher(t *testing.T, s *fakeServer) *Fetcher {
	f := NewFetcher(testSource(t, s), t.TempDir())
	f.retryDelay = time.Millisecond
	return f
}

const emptyChange = `<osmChange version="0.6"></osmChange>`

var minute0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func minutely(s *fakeServer, from, to int64) {
	for seq := from; seq <= to; seq++ {
		s.publish(seq, minute0.Add(time.Duration(seq)*time.Minute), emptyChange)
	}
}

func TestFindSequence(t *testing.T) {
	s := newFakeServer()
	minutely(s, 10, 100)
	f := testFetcher(t, s)
	ctx := context.Background()

	tests := []struct {
		name    string
		ts      time.Time
		want    int64
		wantErr bool
	}{
		{"between sequences", minute0.Add(42*time.Minute + 30*time.Second), 42, false},
		{"exact", minute0.Add(57 * time.Minute), 57, false},
		{"first kept", minute0.Add(10 * time.Minute), 10, false},
		{"after current", minute0.Add(5 * time.Hour), 100, false},
		{"before first kept", minute0.Add(5 * time.Minute), 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := f.FindSequence(ctx, tt.ts)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrSequenceNotFound)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, st.SequenceNumber)
			require.False(t, st.Timestamp.After(tt.ts))
		})
	}
}

func TestFetchChange(t *testing.T) {
	s := newFakeServer()
	s.publish(7, minute0, `<osmChange version="0.6">
  <create><node id="5" version="1" lat="1" lon="2"/></create>
  <delete><way id="3" version="4"/></delete>
</osmChange>`)
	f := testFetcher(t, s)
	ctx := context.Background()

	change, st, err := f.FetchChange(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, int64(7), st.SequenceNumber)
	require.True(t, st.Timestamp.Equal(minute0))
	require.Len(t, change.Create.Nodes, 1)
	require.Len(t, change.Delete.Ways, 1)
	require.FileExists(t, f.CachePath(7))

	change, st, err = f.FetchChange(ctx, 8)
	require.NoError(t, err)
	require.Nil(t, change)
	require.Nil(t, st)
}

func TestFetchChangeDropsCorruptCache(t *testing.T) {
	s := newFakeServer()
	s.publish(1, minute0, emptyChange)
	f := testFetcher(t, s)

	_, err := f.FetchSequenceData(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(f.CachePath(1), []byte("not gzip"), 0644))

	_, _, err = f.FetchChange(context.Background(), 1)
	require.Error(t, err)
	require.NoFileExists(t, f.CachePath(1))

	change, _, err := f.FetchChange(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, change)
}

func TestCleanCache(t *testing.T) {
	s := newFakeServer()
	minutely(s, 1, 3)
	f := testFetcher(t, s)
	ctx := context.Background()

	for seq := int64(1); seq <= 3; seq++ {
		_, err := f.FetchSequenceData(ctx, seq)
		require.NoError(t, err)
	}
	removed, err := f.CleanCache(3)
	require.NoError(t, err)
	require.Equal(t, 2, removed)
	require.NoFileExists(t, f.CachePath(1))
	require.FileExists(t, f.CachePath(3))
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		WriteState(w, &State{SequenceNumber: 9, Timestamp: minute0})
	}))
	defer srv.Close()

	f := NewFetcher(&Source{Name: "flaky", BaseURL: srv.URL}, t.TempDir())
	f.retryDelay = time.Millisecond
	st, err := f.FetchCurrentState(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(9), st.SequenceNumber)
	require.Equal(t, int32(3), calls.Load())
}
