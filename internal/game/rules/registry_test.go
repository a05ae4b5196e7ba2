package rules_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/arena/internal/game/rules"
	"github.com/cory-johannsen/arena/internal/testutil"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := rules.NewRegistry()
	p := testutil.NewCounterPlugin()
	require.NoError(t, r.Register(p))

	got, ok := r.Get("counter")
	require.True(t, ok)
	assert.Same(t, p, got)

	_, ok = r.Get("chess")
	assert.False(t, ok)
}

func TestRegistry_RejectsDuplicateAndEmpty(t *testing.T) {
	r := rules.NewRegistry()
	require.NoError(t, r.Register(testutil.NewCounterPlugin()))
	assert.Error(t, r.Register(testutil.NewCounterPlugin()))
	assert.Error(t, r.Register(&testutil.CounterPlugin{}))
	assert.Error(t, r.Register(nil))
}

func TestRegistry_IDsSorted(t *testing.T) {
	r := rules.NewRegistry()
	for _, id := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, r.Register(&testutil.CounterPlugin{PluginID: id}))
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, r.IDs())
}

func TestRegistry_ConcurrentRegister(t *testing.T) {
	r := rules.NewRegistry()
	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			_ = r.Register(&testutil.CounterPlugin{PluginID: fmt.Sprintf("p%d", i)})
		}(i)
	}
	wg.Wait()
	assert.Len(t, r.IDs(), n)
}
