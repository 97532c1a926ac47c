package trlog

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSetLogger(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	prev := defaultLogger.Load()
	t.Cleanup(func() { defaultLogger.Store(prev) })

	SetLogger(zap.New(core))
	Debugf("ticket %s removed", "TGT-1")
	Errorf("failed to release lock: %v", "boom")

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, "ticket TGT-1 removed", entries[0].Message)
	require.Equal(t, zap.ErrorLevel, entries[1].Level)
}

func TestWith(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	prev := defaultLogger.Load()
	t.Cleanup(func() { defaultLogger.Store(prev) })

	SetLogger(zap.New(core, zap.AddCaller()))
	cycle := With("owner", "node-a")
	cycle.Infof("ticket cleanup removed %d tickets", 3)
	cycle.With("ticket", "TGT-1").Warnf("logout failed")
	Infof("without fields")

	entries := logs.All()
	require.Len(t, entries, 3)
	require.Equal(t, map[string]interface{}{"owner": "node-a"}, entries[0].ContextMap())
	require.Equal(t, map[string]interface{}{"owner": "node-a", "ticket": "TGT-1"}, entries[1].ContextMap())
	require.Empty(t, entries[2].ContextMap())
	for _, e := range entries {
		require.True(t, e.Caller.Defined)
		require.True(t, strings.HasSuffix(e.Caller.File, "logger_test.go"), e.Caller.File)
	}
}
