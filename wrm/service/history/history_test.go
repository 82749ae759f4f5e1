package history

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-appsec/wrm/wrm/service/httpmsg"
	"github.com/go-appsec/wrm/wrm/service/pipeline"
	"github.com/go-appsec/wrm/wrm/service/sniff"
	"github.com/go-appsec/wrm/wrm/service/store"
)

func newStore(t *testing.T, capacity int) (*Store, store.Storage) {
	t.Helper()
	storage := store.NewMemStorage()
	t.Cleanup(func() { _ = storage.Close() })
	return NewStore(storage, capacity), storage
}

func TestStoreAddGet(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t, 0)
	started := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	off := s.Add(&Record{ConnID: "c1", Protocol: "h2", Method: "GET", Host: "a", Path: "/", Status: 200, Started: started, Duration: time.Second})
	assert.Equal(t, uint32(0), off)
	assert.Equal(t, uint32(1), s.Add(&Record{ConnID: "c2"}))

	rec, ok := s.Get(0)
	require.True(t, ok)
	assert.Equal(t, "c1", rec.ConnID)
	assert.Equal(t, "h2", rec.Protocol)
	assert.Equal(t, 200, rec.Status)
	assert.Equal(t, started, rec.Started)
	assert.Equal(t, time.Second, rec.Duration)

	_, ok = s.Get(9)
	assert.False(t, ok)
	assert.Equal(t, 2, s.Count())
}

func TestStoreCapacity(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t, 3)
	for i := 0; i < 5; i++ {
		s.Add(&Record{Path: "/" + string(rune('a'+i))})
	}

	_, ok := s.Get(1)
	assert.False(t, ok)
	recs := s.List(10, 0)
	require.Len(t, recs, 3)
	assert.Equal(t, "/c", recs[0].Path)
	assert.Equal(t, "/e", recs[2].Path)

	recent := s.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, uint32(3), recent[0].Offset)
	assert.Equal(t, uint32(4), recent[1].Offset)
}

func TestStoreRecoversOffset(t *testing.T) {
	t.Parallel()

	s, storage := newStore(t, 0)
	s.Add(&Record{})
	s.Add(&Record{})

	reloaded := NewStore(storage, 0)
	assert.Equal(t, uint32(2), reloaded.Add(&Record{}))
}

func TestStage(t *testing.T) {
	t.Parallel()

	newContext := func(t *testing.T) *pipeline.Context {
		t.Helper()
		a, b := net.Pipe()
		t.Cleanup(func() { _ = a.Close(); _ = b.Close() })
		cc := pipeline.NewContext("conn-1", a)
		cc.Protocol = sniff.HTTP1
		return cc
	}

	t.Run("records_exchange", func(t *testing.T) {
		t.Parallel()
		s, _ := newStore(t, 0)
		cc := newContext(t)
		req := &httpmsg.Request{Method: http.MethodPost, Path: "/x", Version: httpmsg.Version11}
		req.Headers.Set("Host", "example.com")
		cc.BeginExchange(req)

		err := Stage(s).Serve(t.Context(), cc, func(_ context.Context, cc *pipeline.Context) error {
			cc.Response = httpmsg.NewResponse(http.StatusAccepted, "", nil)
			return nil
		})
		require.NoError(t, err)

		rec, ok := s.Get(0)
		require.True(t, ok)
		assert.Equal(t, "conn-1", rec.ConnID)
		assert.Equal(t, "http/1.1", rec.Protocol)
		assert.Equal(t, http.MethodPost, rec.Method)
		assert.Equal(t, "example.com", rec.Host)
		assert.Equal(t, "/x", rec.Path)
		assert.Equal(t, http.StatusAccepted, rec.Status)
		assert.False(t, rec.Blocked)
	})

	t.Run("records_block_and_error", func(t *testing.T) {
		t.Parallel()
		s, _ := newStore(t, 0)
		cc := newContext(t)
		cc.BeginExchange(&httpmsg.Request{Method: http.MethodGet, Path: "/"})

		errBoom := errors.New("boom")
		err := Stage(s).Serve(t.Context(), cc, func(_ context.Context, cc *pipeline.Context) error {
			cc.Decision = pipeline.Block
			return errBoom
		})
		require.ErrorIs(t, err, errBoom)

		rec, ok := s.Get(0)
		require.True(t, ok)
		assert.True(t, rec.Blocked)
		assert.Zero(t, rec.Status)
	})

	t.Run("no_request", func(t *testing.T) {
		t.Parallel()
		s, _ := newStore(t, 0)
		cc := newContext(t)
		require.NoError(t, Stage(s).Serve(t.Context(), cc, func(context.Context, *pipeline.Context) error { return nil }))
		assert.Zero(t, s.Count())
	})
}
