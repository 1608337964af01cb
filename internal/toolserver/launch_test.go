package toolserver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivegrid/hivegrid/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	require.NoError(t, err)
	return log
}

func TestResolveExplicitCommand(t *testing.T) {
	spec := LaunchSpec{Command: "./server", Args: []string{"--fast"}}
	cmd, args, err := spec.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "./server", cmd)
	assert.Equal(t, []string{"--fast"}, args)
}

func TestResolvePathLaunch(t *testing.T) {
	spec := LaunchSpec{Path: "tools/server.py", Type: TypePython}
	cmd, args, err := spec.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "python3", cmd)
	assert.Equal(t, []string{"tools/server.py"}, args)

	spec = LaunchSpec{Path: "tools/server.js", Type: TypeNode, Args: []string{"--port", "0"}}
	cmd, args, err = spec.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "node", cmd)
	assert.Equal(t, []string{"tools/server.js", "--port", "0"}, args)
}

func TestResolveRejectsIncompleteSpec(t *testing.T) {
	_, _, err := LaunchSpec{}.Resolve()
	assert.Error(t, err)

	_, _, err = LaunchSpec{Path: "x", Type: TypeCustom}.Resolve()
	assert.Error(t, err)
}

func TestEnvSliceStableOrder(t *testing.T) {
	spec := LaunchSpec{Env: map[string]string{"B": "2", "A": "1", "C": "3"}}
	assert.Equal(t, []string{"A=1", "B=2", "C=3"}, spec.EnvSlice())
	assert.Nil(t, LaunchSpec{}.EnvSlice())
}

func TestAdapterRegisterAndResolve(t *testing.T) {
	a := NewAdapter(0, testLogger(t))

	id, err := a.Register(Config{Name: "search", Spec: LaunchSpec{Command: "./search"}})
	require.NoError(t, err)

	_, err = a.Register(Config{Name: "search", Spec: LaunchSpec{Command: "./other"}})
	assert.ErrorIs(t, err, ErrDuplicateName)

	_, err = a.Register(Config{Name: "", Spec: LaunchSpec{Command: "x"}})
	assert.Error(t, err)

	byID, ok := a.Resolve(id)
	require.True(t, ok)
	assert.Equal(t, id, byID)

	byName, ok := a.Resolve("search")
	require.True(t, ok)
	assert.Equal(t, id, byName)

	_, ok = a.Resolve("missing")
	assert.False(t, ok)

	servers := a.List()
	require.Len(t, servers, 1)
	assert.Equal(t, "search", servers[0].Name)
	assert.Equal(t, string(StatusRegistered), servers[0].Status, "no subprocess before first use")
}

// Concurrent calls against a server whose subprocess cannot start: every
// caller gets an error and none dereferences a client another goroutine
// tore down.
func TestCallToolConcurrentSpawnFailure(t *testing.T) {
	a := NewAdapter(time.Second, testLogger(t))
	id, err := a.Register(Config{Name: "broken", Spec: LaunchSpec{Command: "/nonexistent/hivegrid-tool-server"}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = a.CallTool(ctx, id, "lookup", nil)
		}(i)
	}
	wg.Wait()

	for _, callErr := range errs {
		assert.Error(t, callErr)
	}
	servers := a.List()
	require.Len(t, servers, 1)
	assert.NotEqual(t, string(StatusOnline), servers[0].Status)
}
