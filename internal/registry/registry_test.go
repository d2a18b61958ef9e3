package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ChuLiYu/hotpool/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubPool 只記錄呼叫次數
type stubPool struct {
	id       string
	shutdown atomic.Bool
}

func (s *stubPool) ID() string                        { return s.id }
func (s *stubPool) Apply(types.PoolConfig) error      { return nil }
func (s *stubPool) Snapshot() (types.Snapshot, error) { return types.Snapshot{ID: s.id}, nil }
func (s *stubPool) Shutdown()                         { s.shutdown.Store(true) }

func cfg(id string, core, max int) types.PoolConfig {
	return types.PoolConfig{ID: id, CoreSize: core, MaxSize: max, QueueKind: types.QueueUnbounded}
}

func collect(r *Registry) []string {
	var ids []string
	for e := range r.All() {
		ids = append(ids, e.ID)
	}
	return ids
}

func TestRegisterAndGet(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("p1", &stubPool{id: "p1"}, cfg("p1", 2, 4)))

	entry, ok := r.Get("p1")
	require.True(t, ok)
	assert.Equal(t, "p1", entry.ID)
	assert.Equal(t, 2, entry.Config().CoreSize)
	assert.Equal(t, types.PolicyAbort, entry.Config().OverflowPolicy, "defaults filled on register")

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestRegisterDuplicateID(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("p1", &stubPool{id: "p1"}, cfg("p1", 1, 1)))
	err := r.Register("p1", &stubPool{id: "p1"}, cfg("p1", 2, 2))
	assert.ErrorIs(t, err, types.ErrDuplicateID)

	entry, _ := r.Get("p1")
	assert.Equal(t, 1, entry.Config().CoreSize, "first registration wins")
}

func TestRegisterMismatchedID(t *testing.T) {
	r := New()
	assert.ErrorIs(t, r.Register("p1", &stubPool{id: "p2"}, cfg("p1", 1, 1)), types.ErrInvalidConfig)
	assert.ErrorIs(t, r.Register("", &stubPool{}, cfg("", 1, 1)), types.ErrInvalidConfig)
}

func TestAllIsSnapshotOfKeys(t *testing.T) {
	r := New()
	for _, id := range []string{"b", "a", "c"} {
		require.NoError(t, r.Register(id, &stubPool{id: id}, cfg(id, 1, 1)))
	}

	seq := r.All()
	require.NoError(t, r.Register("d", &stubPool{id: "d"}, cfg("d", 1, 1)))
	require.NoError(t, r.Unregister("b", false))

	var ids []string
	for e := range seq {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"a", "c"}, ids, "added pools excluded, removed pools skipped")

	// 可重複迭代
	var again []string
	for e := range seq {
		again = append(again, e.ID)
	}
	assert.Equal(t, ids, again)

	assert.Equal(t, []string{"a", "c", "d"}, collect(r))
}

func TestAllStopsEarly(t *testing.T) {
	r := New()
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("p%d", i)
		require.NoError(t, r.Register(id, &stubPool{id: id}, cfg(id, 1, 1)))
	}
	n := 0
	for range r.All() {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

func TestUpdate(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("p1", &stubPool{id: "p1"}, cfg("p1", 2, 4)))

	require.NoError(t, r.Update("p1", cfg("p1", 6, 8)))
	entry, _ := r.Get("p1")
	assert.Equal(t, 6, entry.Config().CoreSize)
	assert.Equal(t, map[string]types.PoolConfig{"p1": entry.Config()}, r.Configs())

	assert.ErrorIs(t, r.Update("nope", cfg("nope", 1, 1)), types.ErrNotFound)
}

func TestUnregisterNotifiesListeners(t *testing.T) {
	r := New()
	p := &stubPool{id: "p1"}
	require.NoError(t, r.Register("p1", p, cfg("p1", 1, 1)))

	var mu sync.Mutex
	var dropped []string
	r.OnUnregister(func(id string) {
		mu.Lock()
		dropped = append(dropped, id)
		mu.Unlock()
	})

	require.NoError(t, r.Unregister("p1", true))
	assert.True(t, p.shutdown.Load())
	assert.Equal(t, []string{"p1"}, dropped)
	assert.Equal(t, 0, r.Len())

	assert.ErrorIs(t, r.Unregister("p1", true), types.ErrNotFound)
	assert.Len(t, dropped, 1)
}

func TestConcurrentRegister(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	var dup atomic.Int64
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("p%d", i%10)
			if err := r.Register(id, &stubPool{id: id}, cfg(id, 1, 1)); err != nil {
				dup.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 10, r.Len())
	assert.Equal(t, int64(40), dup.Load())
}
