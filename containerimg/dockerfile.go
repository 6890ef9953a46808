package containerimg

import (
	"fmt"
	"sort"
	"strings"
)

// GenerateDockerfile synthesizes a two-stage (builder + runtime) Dockerfile
// for a container-backend node, mirroring
// container_builder.rs::generate_dockerfile byte-for-byte in structure:
// dependency installation happens in the builder stage, only the installed
// packages and pip binaries are copied into the slim runtime stage.
func GenerateDockerfile(c DockerNodeConfig) (string, error) {
	if err := c.Validate(); err != nil {
		return "", err
	}

	baseImage := c.BaseImage
	if baseImage == "" {
		baseImage = fmt.Sprintf("python:%s-slim", c.PythonVersion)
	}

	var b strings.Builder

	b.WriteString("# Builder stage: install dependencies and prepare environment\n")
	b.WriteString("FROM ")
	b.WriteString(baseImage)
	b.WriteString(" AS builder\n\n")

	b.WriteString("WORKDIR /app\n\n")

	b.WriteString("# Enable unbuffered Python output for real-time logging\n")
	b.WriteString("ENV PYTHONUNBUFFERED=1\n\n")

	if len(c.SystemPackages) > 0 {
		sys := append([]string(nil), c.SystemPackages...)
		sort.Strings(sys)

		b.WriteString("# Install system dependencies\n")
		b.WriteString("RUN apt-get update && apt-get install -y --no-install-recommends \\\n")
		for i, pkg := range sys {
			b.WriteString("    ")
			b.WriteString(pkg)
			if i != len(sys)-1 {
				b.WriteString(" \\\n")
			} else {
				b.WriteString("\n")
			}
		}
		b.WriteString(" && rm -rf /var/lib/apt/lists/* \\\n")
		b.WriteString(" && rm -rf /var/cache/apt/*\n\n")
	}

	b.WriteString("# Upgrade pip and install build essentials\n")
	b.WriteString("RUN pip install --upgrade pip setuptools wheel --no-cache-dir\n\n")

	if len(c.PythonPackages) > 0 {
		py := append([]string(nil), c.PythonPackages...)
		sort.Strings(py)

		b.WriteString("# Install Python package dependencies\n")
		b.WriteString("RUN pip install --no-cache-dir \\\n")
		for i, pkg := range py {
			b.WriteString("    ")
			b.WriteString(pkg)
			if i != len(py)-1 {
				b.WriteString(" \\\n")
			} else {
				b.WriteString("\n")
			}
		}
		b.WriteString("\n")
	}

	b.WriteString("# Runtime stage: minimal image with only runtime dependencies\n")
	b.WriteString("FROM ")
	b.WriteString(baseImage)
	b.WriteString("\n\n")

	b.WriteString("WORKDIR /app\n\n")
	b.WriteString("ENV PYTHONUNBUFFERED=1\n")

	b.WriteString("\n# streamgraph runner configuration\n")
	b.WriteString("ENV STREAMGRAPH_RUNNER=true\n")
	b.WriteString("ENV STREAMGRAPH_IPC_TIMEOUT=30000\n\n")

	if len(c.EnvVars) > 0 {
		keys := make([]string, 0, len(c.EnvVars))
		for k := range c.EnvVars {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteString("# Custom environment variables\n")
		for _, k := range keys {
			escaped := strings.ReplaceAll(c.EnvVars[k], `"`, `\"`)
			b.WriteString("ENV ")
			b.WriteString(k)
			b.WriteString(`="`)
			b.WriteString(escaped)
			b.WriteString("\"\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("# Copy installed Python packages from builder stage\n")
	b.WriteString("COPY --from=builder /usr/local/lib/python")
	b.WriteString(c.PythonVersion)
	b.WriteString("/site-packages /usr/local/lib/python")
	b.WriteString(c.PythonVersion)
	b.WriteString("/site-packages\n\n")

	b.WriteString("COPY --from=builder /usr/local/bin /usr/local/bin\n\n")

	b.WriteString("# Health check for container readiness\n")
	b.WriteString("HEALTHCHECK --interval=30s --timeout=10s --start-period=5s --retries=3 \\\n")
	b.WriteString("    CMD python -c \"import sys; sys.exit(0)\" || exit 1\n\n")

	if len(c.GPUDevices) > 0 {
		b.WriteString("# GPU support configuration\n")
		b.WriteString("# Requires the NVIDIA Container Toolkit on the host\n")
		b.WriteString("ENV NVIDIA_VISIBLE_DEVICES=")
		hasAll := false
		for _, d := range c.GPUDevices {
			if d == "all" {
				hasAll = true
				break
			}
		}
		if hasAll {
			b.WriteString("all\n")
		} else {
			b.WriteString(strings.Join(c.GPUDevices, ","))
			b.WriteString("\n")
		}
		b.WriteString("ENV NVIDIA_DRIVER_CAPABILITIES=compute,utility\n\n")
	}

	b.WriteString("# Default command: keep the container alive for node execution over IPC\n")
	b.WriteString("CMD [\"python\", \"-c\", \"import asyncio; asyncio.run(asyncio.sleep(float('inf')))\"]\n")

	return b.String(), nil
}
