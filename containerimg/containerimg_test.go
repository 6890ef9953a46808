package containerimg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() DockerNodeConfig {
	return DockerNodeConfig{
		PythonVersion:  "3.10",
		SystemPackages: []string{"curl", "git"},
		PythonPackages: []string{"numpy", "torch"},
		MemoryMB:       2048,
		CPUCores:       2.0,
		ShmSizeMB:      2048,
		EnvVars:        map[string]string{},
	}
}

func TestComputeConfigHashDeterministic(t *testing.T) {
	h1 := ComputeConfigHash(testConfig())
	h2 := ComputeConfigHash(testConfig())
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestComputeConfigHashDifferentConfigs(t *testing.T) {
	c1 := testConfig()
	c2 := testConfig()
	c2.PythonVersion = "3.11"
	assert.NotEqual(t, ComputeConfigHash(c1), ComputeConfigHash(c2))
}

func TestComputeConfigHashPackageOrderIndependent(t *testing.T) {
	c1 := testConfig()
	c1.PythonPackages = []string{"numpy", "torch"}

	c2 := testConfig()
	c2.PythonPackages = []string{"torch", "numpy"}

	assert.Equal(t, ComputeConfigHash(c1), ComputeConfigHash(c2))
}

func TestComputeImageTagUsesFirst12OfHash(t *testing.T) {
	hash := ComputeConfigHash(testConfig())
	tag := ComputeImageTag(hash)
	assert.Equal(t, "streamgraph/node:"+hash[:12], tag)
}

func TestNewImagePopulatesTagFromConfigHash(t *testing.T) {
	hash := ComputeConfigHash(testConfig())
	img := NewImage("sha256:abc", hash, "3.10", 123, time.Unix(5, 0))
	assert.Equal(t, "streamgraph/node:"+hash[:12], img.ImageTag)
	assert.Equal(t, hash, img.ConfigHash)
}

func TestValidateRejectsSmallResources(t *testing.T) {
	c := testConfig()
	c.MemoryMB = 256
	require.Error(t, c.Validate())

	c = testConfig()
	c.CPUCores = 0.05
	require.Error(t, c.Validate())

	c = testConfig()
	c.MemoryMB = 512
	c.CPUCores = 0.1
	require.NoError(t, c.Validate())
}

func TestGenerateDockerfileContainsStages(t *testing.T) {
	df, err := GenerateDockerfile(testConfig())
	require.NoError(t, err)
	assert.Contains(t, df, "FROM python:3.10-slim AS builder")
	assert.Contains(t, df, "FROM python:3.10-slim")
	assert.Contains(t, df, "RUN apt-get update")
	assert.Contains(t, df, "    curl \\\n")
	assert.Contains(t, df, "    git\n")
	assert.Contains(t, df, "RUN pip install --no-cache-dir")
	assert.Contains(t, df, "HEALTHCHECK --interval=30s --timeout=10s --start-period=5s --retries=3 \\\n")
}

func TestGenerateDockerfileCustomBaseImage(t *testing.T) {
	c := testConfig()
	c.BaseImage = "nvidia/cuda:12.2.0-base"
	df, err := GenerateDockerfile(c)
	require.NoError(t, err)
	assert.Contains(t, df, "FROM nvidia/cuda:12.2.0-base AS builder")
}

func TestGenerateDockerfileGPUDevices(t *testing.T) {
	c := testConfig()
	c.GPUDevices = []string{"0", "1"}
	df, err := GenerateDockerfile(c)
	require.NoError(t, err)
	assert.Contains(t, df, "NVIDIA_VISIBLE_DEVICES=0,1")
	assert.Contains(t, df, "NVIDIA_DRIVER_CAPABILITIES=compute,utility")
}

func TestGenerateDockerfileGPUDevicesAll(t *testing.T) {
	c := testConfig()
	c.GPUDevices = []string{"all"}
	df, err := GenerateDockerfile(c)
	require.NoError(t, err)
	assert.Contains(t, df, "NVIDIA_VISIBLE_DEVICES=all")
}

func TestGenerateDockerfileRejectsInvalidConfig(t *testing.T) {
	c := testConfig()
	c.MemoryMB = 10
	_, err := GenerateDockerfile(c)
	require.Error(t, err)
}

func TestImageCacheEvictsOldest(t *testing.T) {
	c := NewCache(150)

	old := Image{ImageID: "a", ConfigHash: "hash-a", SizeBytes: 100, CreatedAt: time.Unix(1, 0)}
	newer := Image{ImageID: "b", ConfigHash: "hash-b", SizeBytes: 100, CreatedAt: time.Unix(2, 0)}

	c.Put(old)
	c.Put(newer)

	_, stillThere := c.Get("hash-a")
	assert.False(t, stillThere, "oldest image should have been evicted to make room")

	got, ok := c.Get("hash-b")
	require.True(t, ok)
	assert.Equal(t, "b", got.ImageID)
}

func TestImageCacheStats(t *testing.T) {
	c := NewCache(0)
	c.Put(Image{ImageID: "a", ConfigHash: "hash-a", SizeBytes: 500, CreatedAt: time.Unix(1, 0)})

	count, size, max := c.Stats()
	assert.Equal(t, 1, count)
	assert.Equal(t, uint64(500), size)
	assert.Equal(t, uint64(defaultMaxCacheBytes), max)
}
