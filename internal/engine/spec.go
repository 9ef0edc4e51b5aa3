// Package engine is a thin typed shim over the container engine's
// management API (Docker), grounded on jesseduffield-lazydocker's direct
// use of github.com/docker/docker/client. It exposes exactly the
// operations the Container Builder, Readiness Waiter, and Material
// Installer need: create, connect/disconnect network, start, force
// remove + wait, streamed logs, attach-stdin (one hijacked attach through
// the Docker client; there is no separate websocket variant), put archive,
// exec, image inspect, volume remove, and network get.
package engine

import "time"

// Mount describes a single bind/volume mount, translated 1:1 from the
// dojo_plugin docker.types.Mount usage: a target path, a source (host path
// or volume name), a type, and for volume mounts an optional named driver
// with per-mount options (used for the homefs driver).
type Mount struct {
	Target      string
	Source      string
	Type        MountType
	ReadOnly    bool
	Propagation string // "" or "slave", only meaningful for bind mounts
	NoCopy      bool
	Driver      string            // volume driver name, e.g. "homefs"
	DriverOpts  map[string]string // e.g. {"overlay": "<as_user_id>", "trace_id": "..."}
}

// MountType distinguishes bind mounts from named volumes.
type MountType string

const (
	MountTypeBind   MountType = "bind"
	MountTypeVolume MountType = "volume"
)

// ResourceLimits bounds CPU, process count, and memory for a container.
type ResourceLimits struct {
	CPUPeriod time.Duration
	CPUQuota  time.Duration
	PidsLimit int64
	MemoryMB  int64
}

// ContainerSpec is the domain-level description of a workspace container
// the Container Builder (C4) assembles; engine.CreateContainer translates
// it into the Docker API's container.Config/HostConfig/NetworkingConfig.
type ContainerSpec struct {
	Name       string
	Image      string
	Hostname   string
	Entrypoint []string
	User       string
	WorkingDir string
	Env        map[string]string
	Labels     map[string]string
	ExtraHosts map[string]string

	Mounts       []Mount
	Devices      []string // already-formatted "host:container:perms" strings
	CapAdd       []string
	Runtime      string
	SeccompProfile string
	Sysctls      map[string]string
	Resources    ResourceLimits

	StdinOpen  bool
	AutoRemove bool
	Init       bool
}
