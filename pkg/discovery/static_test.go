package discovery

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseSeed(t *testing.T) {
	t.Parallel()

	svc, err := ParseSeed("b1@10.0.0.7:2001")
	require.NoError(t, err)
	require.Equal(t, Service{Name: "b1", Host: "10.0.0.7", Port: 2001}, svc)

	svc, err = ParseSeed("b1@[::1]:2001")
	require.NoError(t, err)
	require.Equal(t, "::1", svc.Host)

	for _, bad := range []string{"", "10.0.0.7:2001", "@10.0.0.7:2001", "b1@10.0.0.7", "b1@10.0.0.7:http", "b1@host:70000"} {
		_, err := ParseSeed(bad)
		require.Error(t, err, bad)
	}
}

func TestStatic_BrowseAnnouncesSeeds(t *testing.T) {
	t.Parallel()

	s, err := NewStatic([]string{"b1@127.0.0.1:2001", "c1@127.0.0.1:2002"}, 20*time.Millisecond)
	require.NoError(t, err)

	var mu sync.Mutex
	counts := map[string]int{}
	stop, err := s.Browse(func(c Change) {
		require.True(t, c.Available)
		mu.Lock()
		counts[c.Service.Name]++
		mu.Unlock()
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return counts["b1"] >= 2 && counts["c1"] >= 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, stop.Stop())
	require.NoError(t, stop.Stop())

	mu.Lock()
	after := counts["b1"]
	mu.Unlock()
	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	require.Equal(t, after, counts["b1"])
	mu.Unlock()
}

func TestStatic_RejectsBadSeed(t *testing.T) {
	t.Parallel()

	_, err := NewStatic([]string{"nope"}, 0)
	require.Error(t, err)
}
