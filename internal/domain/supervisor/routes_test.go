package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/maitre/internal/shared/id"
)

func TestRouteTableMatch(t *testing.T) {
	table := NewRouteTable()
	require.NoError(t, table.Add(Route{ID: "status", Path: "/status", Module: "status", WorkerID: "wrk_a"}, nil))
	require.NoError(t, table.Add(Route{ID: "ip", Path: "/ip", Module: "ip", WorkerID: "wrk_b"}, nil))

	tests := []struct {
		path   string
		want   string
		exists bool
	}{
		{"/status", "status", true},
		{"/status/detail", "status", true},
		// Plain string prefix, not segment aware
		{"/statusfoo", "status", true},
		{"/ip?x=1", "ip", true},
		{"/", "", false},
		{"/stat", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			r, ok := table.Match(tt.path)
			assert.Equal(t, tt.exists, ok)
			assert.Equal(t, tt.want, r.ID)
		})
	}
}

func TestRouteTableRegistrationOrderWins(t *testing.T) {
	table := NewRouteTable()
	require.NoError(t, table.Add(Route{ID: "root", Path: "/", WorkerID: "wrk_a"}, nil))
	require.NoError(t, table.Add(Route{ID: "status", Path: "/status", WorkerID: "wrk_b"}, nil))

	r, ok := table.Match("/status/x")
	require.True(t, ok)
	assert.Equal(t, "root", r.ID)
}

func TestRouteTableDuplicateIDs(t *testing.T) {
	live := map[id.WorkerID]bool{"wrk_a": true}
	alive := func(w id.WorkerID) bool { return live[w] }

	table := NewRouteTable()
	require.NoError(t, table.Add(Route{ID: "shared", Path: "/old", WorkerID: "wrk_a"}, alive))
	require.NoError(t, table.Add(Route{ID: "other", Path: "/other", WorkerID: "wrk_a"}, alive))

	err := table.Add(Route{ID: "shared", Path: "/new", WorkerID: "wrk_b"}, alive)
	assert.ErrorIs(t, err, ErrDuplicateRoute)
	assert.Equal(t, 2, table.Len())

	// Once the owner is gone its id can be claimed; the new route goes last.
	live["wrk_a"] = false
	require.NoError(t, table.Add(Route{ID: "shared", Path: "/new", WorkerID: "wrk_b"}, alive))

	routes := table.List()
	require.Len(t, routes, 2)
	assert.Equal(t, "other", routes[0].ID)
	assert.Equal(t, "/new", routes[1].Path)
	assert.Equal(t, id.WorkerID("wrk_b"), routes[1].WorkerID)
}

func TestRouteTablePurgeWorker(t *testing.T) {
	table := NewRouteTable()
	require.NoError(t, table.Add(Route{ID: "a1", Path: "/a1", WorkerID: "wrk_a"}, nil))
	require.NoError(t, table.Add(Route{ID: "b1", Path: "/b1", WorkerID: "wrk_b"}, nil))
	require.NoError(t, table.Add(Route{ID: "a2", Path: "/a2", WorkerID: "wrk_a"}, nil))

	purged := table.PurgeWorker("wrk_a")
	require.Len(t, purged, 2)
	assert.Equal(t, "a1", purged[0].ID)
	assert.Equal(t, "a2", purged[1].ID)

	_, ok := table.Match("/a1")
	assert.False(t, ok)
	r, ok := table.Match("/b1")
	require.True(t, ok)
	assert.Equal(t, "b1", r.ID)

	assert.Empty(t, table.PurgeWorker("wrk_a"))

	// Indexes stay consistent after removal
	require.NoError(t, table.Add(Route{ID: "a1", Path: "/again", WorkerID: "wrk_c"}, nil))
	assert.Equal(t, []string{"b1", "a1"}, routeIDs(table.List()))
}

func TestRouteTableListIsACopy(t *testing.T) {
	table := NewRouteTable()
	require.NoError(t, table.Add(Route{ID: "a", Path: "/a"}, nil))

	routes := table.List()
	routes[0].Path = "/mutated"

	r, ok := table.Match("/a")
	require.True(t, ok)
	assert.Equal(t, "/a", r.Path)
}

func routeIDs(routes []Route) []string {
	ids := make([]string, len(routes))
	for i, r := range routes {
		ids[i] = r.ID
	}
	return ids
}
