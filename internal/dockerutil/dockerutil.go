// Package dockerutil constructs the shared Docker client used by the
// container Engine drivers and the Reconciler (spec.md §4.4, §4.5).
package dockerutil

import (
	"fmt"

	"github.com/docker/docker/client"
)

// NewClient returns a Docker API client against socketPath, or the
// default Docker socket if socketPath is empty.
func NewClient(socketPath string) (*client.Client, error) {
	if socketPath == "" {
		socketPath = "/var/run/docker.sock"
	}

	cli, err := client.NewClientWithOpts(
		client.WithHost("unix://"+socketPath),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("dockerutil: %w", err)
	}
	return cli, nil
}
