package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectors_CountAndExport(t *testing.T) {
	c := New()
	c.ObserveTool("taudem", "PitRemove", "success", 2*time.Second)
	c.ObserveTool("taudem", "PitRemove", "failure", time.Second)
	c.GroupAllocated("SFW")
	c.GroupAllocated("SFW")
	c.GroupReused("SFW")
	c.AllocationRetry()
	c.StepFinished("taudem", "pit-remove", "COMPLETED")
	c.RunFinished("taudem", "failed")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.ToolInvocations.WithLabelValues("taudem", "PitRemove", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.GroupsAllocated.WithLabelValues("SFW")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.GroupsReused.WithLabelValues("SFW")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.AllocationRetries))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Runs.WithLabelValues("taudem", "failed")))

	path := filepath.Join(t.TempDir(), "hydroflow.prom")
	require.NoError(t, c.WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "hydroflow_groups_allocated_total"))
}

func TestCollectors_NilIsInert(t *testing.T) {
	var c *Collectors
	c.ObserveTool("a", "b", "c", time.Second)
	c.GroupAllocated("SFW")
	c.GroupReused("SFW")
	c.AllocationRetry()
	c.StepFinished("p", "s", "FAILED")
	c.RunFinished("p", "ok")
	assert.NoError(t, c.WriteTextfile(filepath.Join(t.TempDir(), "x.prom")))
}
