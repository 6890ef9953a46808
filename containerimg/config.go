// Package containerimg synthesizes Dockerfiles for container-backend nodes
// and caches built images by config hash (spec 4.L). Grounded on
// original_source/runtime-core/src/python/multiprocess/container_builder.rs.
package containerimg

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/n0remac/streamgraph/runtimeerr"
)

// VolumeMount is a host-path-to-container-path bind mount.
type VolumeMount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// SecurityConfig carries the container's security posture. Zero value is
// the default: no extra capabilities, not privileged.
type SecurityConfig struct {
	Privileged   bool
	CapAdd       []string
	ReadOnlyRoot bool
}

// DockerNodeConfig is the per-node container build configuration.
type DockerNodeConfig struct {
	PythonVersion   string
	BaseImage       string // empty means derive "python:{version}-slim"
	SystemPackages  []string
	PythonPackages  []string
	MemoryMB        uint64
	CPUCores        float64
	GPUDevices      []string
	ShmSizeMB       uint64
	EnvVars         map[string]string
	Volumes         []VolumeMount
	Security        SecurityConfig
}

// Validate rejects resource limits too small to run a Python node reliably.
func (c DockerNodeConfig) Validate() error {
	if c.PythonVersion == "" {
		return runtimeerr.Validation("python_version", "must not be empty")
	}
	if c.MemoryMB < 512 {
		return runtimeerr.Validation("memory_mb", fmt.Sprintf("must be >= 512, got %d", c.MemoryMB))
	}
	if c.CPUCores < 0.1 {
		return runtimeerr.Validation("cpu_cores", fmt.Sprintf("must be >= 0.1, got %v", c.CPUCores))
	}
	return nil
}

// ComputeConfigHash returns a deterministic, order-independent SHA-256 hash
// of config, used both for image tagging and for cache lookups. Package
// lists are sorted and NUL-separated before hashing so that differently
// ordered but otherwise identical configs collapse to the same hash.
func ComputeConfigHash(c DockerNodeConfig) string {
	h := sha256.New()

	h.Write([]byte(c.PythonVersion))
	if c.BaseImage != "" {
		h.Write([]byte(c.BaseImage))
	}

	sysPkgs := append([]string(nil), c.SystemPackages...)
	sort.Strings(sysPkgs)
	for _, p := range sysPkgs {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}

	pyPkgs := append([]string(nil), c.PythonPackages...)
	sort.Strings(pyPkgs)
	for _, p := range pyPkgs {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], c.MemoryMB)
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(c.CPUCores))
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], c.ShmSizeMB)
	h.Write(buf[:])

	return fmt.Sprintf("%x", h.Sum(nil))
}

// ImageTagRepository is the repository portion of a built image's tag.
const ImageTagRepository = "streamgraph/node"

// ComputeImageTag synthesizes the image tag for a config hash: the
// repository followed by the first 12 hex characters of the hash (spec 4.L:
// "Tag = …/node:{first12(hash)}").
func ComputeImageTag(configHash string) string {
	n := 12
	if len(configHash) < n {
		n = len(configHash)
	}
	return fmt.Sprintf("%s:%s", ImageTagRepository, configHash[:n])
}
