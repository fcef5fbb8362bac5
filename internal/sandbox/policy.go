package sandbox

import (
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-units"
)

// Policy defines the resource caps every instance is started with.
type Policy struct {
	Image     string  // Docker image (e.g. "quiche-python")
	Memory    string  // Docker memory limit (e.g. "512m")
	CPUs      float64 // CPU share ceiling in cores
	PidsLimit int64
	Network   string // "none" or a docker network mode such as "bridge"
	Workdir   string // where the run directory is mounted
}

// DefaultPolicy returns the caps used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		Image:     "quiche-python",
		Memory:    "512m",
		CPUs:      1,
		PidsLimit: 128,
		Network:   "bridge",
		Workdir:   "/home/quiche",
	}
}

// Validate checks that the policy can be turned into a container config.
func (p Policy) Validate() error {
	if p.Image == "" {
		return fmt.Errorf("image is required")
	}
	if _, err := units.RAMInBytes(p.Memory); err != nil {
		return fmt.Errorf("invalid memory limit %q: %w", p.Memory, err)
	}
	if p.CPUs <= 0 || p.PidsLimit <= 0 {
		return fmt.Errorf("cpus and pids limit must be positive")
	}
	if p.Workdir == "" || p.Workdir[0] != '/' {
		return fmt.Errorf("workdir %q must be absolute", p.Workdir)
	}
	return nil
}

func (p Policy) containerConfig(name string) *container.Config {
	return &container.Config{
		Image:           p.Image,
		Cmd:             []string{"sleep", "infinity"},
		WorkingDir:      p.Workdir,
		NetworkDisabled: p.Network == "none",
		Labels:          map[string]string{"quiche.session": name},
	}
}

func (p Policy) hostConfig(mountDir string) *container.HostConfig {
	memory, _ := units.RAMInBytes(p.Memory)
	pids := p.PidsLimit
	return &container.HostConfig{
		Binds:       []string{mountDir + ":" + p.Workdir},
		NetworkMode: container.NetworkMode(p.Network),
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
		Resources: container.Resources{
			Memory:    memory,
			NanoCPUs:  int64(p.CPUs * 1e9),
			PidsLimit: &pids,
		},
	}
}
