package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scoky/kssh/internal/worker"
)

func TestDumpMachinesYAMLIncludesEveryHost(t *testing.T) {
	machines := []worker.Config{
		{Hostname: "worker-1", Username: "deploy", WorkingDir: "/srv", PollInterval: 10 * time.Second},
		{Hostname: "worker-2", Username: "deploy", WorkingDir: "/srv", PollInterval: 10 * time.Second},
	}

	out, err := DumpMachinesYAML(machines)
	require.NoError(t, err)
	assert.Contains(t, out, "worker-1")
	assert.Contains(t, out, "worker-2")
	assert.Contains(t, out, "hostname:")
}

func TestDumpMachinesYAMLEmptyList(t *testing.T) {
	out, err := DumpMachinesYAML(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]\n", out)
}
