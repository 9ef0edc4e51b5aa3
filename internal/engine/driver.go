package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"go.uber.org/zap"
)

// ErrContainerNotFound is returned when a named container doesn't exist
// on the engine, mirrored from the Docker client's own not-found error
// so callers don't need to import the Docker SDK to check it.
var ErrContainerNotFound = errors.New("container not found")

// ContainerSummary is the subset of a container's inspect result the
// Job API needs to answer GET/DELETE /docker without consulting the job
// store, since the container's labels are the source of truth for what
// workspace is actually running.
type ContainerSummary struct {
	ID     string
	Labels map[string]string
	State  string
}

// Driver is a thin typed shim over the Docker engine API, grounded on
// lazydocker's DockerCommand: a single *client.Client built once at
// startup via client.NewClientWithOpts, with every operation taking the
// caller's context directly rather than stashing one on the struct.
type Driver struct {
	cli    *client.Client
	logger *zap.Logger
}

// NewDriver connects to the Docker daemon named by host ("" uses
// DOCKER_HOST / the default socket, matching client.FromEnv).
func NewDriver(host string, logger *zap.Logger) (*Driver, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to docker engine: %w", err)
	}
	return &Driver{cli: cli, logger: logger}, nil
}

// BaseURL identifies the engine this driver talks to, used as the cache
// key for the device probe.
func (d *Driver) BaseURL() string {
	return d.cli.DaemonHost()
}

// Close releases the underlying client's transport.
func (d *Driver) Close() error {
	return d.cli.Close()
}

func toDockerMounts(mounts []Mount) []mount.Mount {
	out := make([]mount.Mount, 0, len(mounts))
	for _, m := range mounts {
		dm := mount.Mount{
			Type:     mount.Type(m.Type),
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		}
		if m.Propagation != "" {
			dm.BindOptions = &mount.BindOptions{Propagation: mount.Propagation(m.Propagation)}
		}
		if m.Type == MountTypeVolume && (m.Driver != "" || len(m.DriverOpts) > 0) {
			dm.VolumeOptions = &mount.VolumeOptions{
				NoCopy: m.NoCopy,
				DriverConfig: &mount.Driver{
					Name:    m.Driver,
					Options: m.DriverOpts,
				},
			}
		}
		out = append(out, dm)
	}
	return out
}

// CreateContainer translates a ContainerSpec into the Docker API's
// container.Config/HostConfig and creates (but does not start) the
// container, returning its id.
func (d *Driver) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	extraHosts := make([]string, 0, len(spec.ExtraHosts))
	for host, ip := range spec.ExtraHosts {
		extraHosts = append(extraHosts, host+":"+ip)
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Hostname:     spec.Hostname,
		Entrypoint:   spec.Entrypoint,
		User:         spec.User,
		WorkingDir:   spec.WorkingDir,
		Env:          env,
		Labels:       spec.Labels,
		OpenStdin:    spec.StdinOpen,
		StdinOnce:    false,
		Tty:          false,
		AttachStdin:  spec.StdinOpen,
		AttachStdout: true,
		AttachStderr: true,
	}

	devices := make([]container.DeviceMapping, 0, len(spec.Devices))
	for _, dev := range spec.Devices {
		parts := strings.SplitN(dev, ":", 3)
		if len(parts) != 3 {
			return "", fmt.Errorf("invalid device mapping %q", dev)
		}
		devices = append(devices, container.DeviceMapping{
			PathOnHost: parts[0], PathInContainer: parts[1], CgroupPermissions: parts[2],
		})
	}

	resources := container.Resources{
		PidsLimit: &spec.Resources.PidsLimit,
		Devices:   devices,
	}
	if spec.Resources.CPUPeriod > 0 {
		resources.CPUPeriod = int64(spec.Resources.CPUPeriod / time.Microsecond)
	}
	if spec.Resources.CPUQuota > 0 {
		resources.CPUQuota = int64(spec.Resources.CPUQuota / time.Microsecond)
	}
	if spec.Resources.MemoryMB > 0 {
		resources.Memory = spec.Resources.MemoryMB * 1024 * 1024
	}

	hostCfg := &container.HostConfig{
		Mounts:      toDockerMounts(spec.Mounts),
		CapAdd:      spec.CapAdd,
		ExtraHosts:  extraHosts,
		Runtime:     spec.Runtime,
		Sysctls:     spec.Sysctls,
		AutoRemove:  spec.AutoRemove,
		Init:        &spec.Init,
		Resources:   resources,
		Privileged:  false,
		SecurityOpt: nil,
	}
	if spec.SeccompProfile != "" {
		hostCfg.SecurityOpt = []string{"seccomp=" + spec.SeccompProfile}
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}
	return resp.ID, nil
}

// ConnectNetwork attaches containerID to networkName with an optional
// fixed IPv4 address and DNS aliases, grounded on the original's explicit
// network.connect(container, ipv4_address=..., aliases=[...]) call.
func (d *Driver) ConnectNetwork(ctx context.Context, networkName, containerID, ipv4 string, aliases []string) error {
	settings := &network.EndpointSettings{Aliases: aliases}
	if ipv4 != "" {
		settings.IPAMConfig = &network.EndpointIPAMConfig{IPv4Address: ipv4}
	}
	if err := d.cli.NetworkConnect(ctx, networkName, containerID, settings); err != nil {
		return fmt.Errorf("failed to connect %s to network %s: %w", containerID, networkName, err)
	}
	return nil
}

// DisconnectNetwork detaches containerID from networkName, used to drop
// the default bridge network once workspace_net is attached.
func (d *Driver) DisconnectNetwork(ctx context.Context, networkName, containerID string, force bool) error {
	if err := d.cli.NetworkDisconnect(ctx, networkName, containerID, force); err != nil {
		return fmt.Errorf("failed to disconnect %s from network %s: %w", containerID, networkName, err)
	}
	return nil
}

// GetNetwork inspects a network by name. Nothing in this repository
// calls it; ConnectNetwork takes the network name directly.
func (d *Driver) GetNetwork(ctx context.Context, name string) (network.Inspect, error) {
	n, err := d.cli.NetworkInspect(ctx, name, network.InspectOptions{})
	if err != nil {
		return network.Inspect{}, fmt.Errorf("failed to inspect network %s: %w", name, err)
	}
	return n, nil
}

// StartContainer starts a previously created container.
func (d *Driver) StartContainer(ctx context.Context, id string) error {
	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", id, err)
	}
	return nil
}

// RemoveContainer force-removes a container and, when wait is true,
// blocks until the engine confirms removal — the same "stop, remove,
// confirm gone" sequence the orchestrator runs before each retry.
func (d *Driver) RemoveContainer(ctx context.Context, id string, wait bool) error {
	if wait {
		waitCh, errCh := d.cli.ContainerWait(ctx, id, container.WaitConditionRemoved)
		if err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
			return fmt.Errorf("failed to remove container %s: %w", id, err)
		}
		select {
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("error waiting for container %s removal: %w", id, err)
			}
		case <-waitCh:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}

	if err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove container %s: %w", id, err)
	}
	return nil
}

// StreamLogs returns a reader over the container's combined stdout/stderr,
// following new output, for the Readiness Waiter to scan for markers.
func (d *Driver) StreamLogs(ctx context.Context, id string) (io.ReadCloser, error) {
	rc, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Timestamps: false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to stream logs for %s: %w", id, err)
	}
	return rc, nil
}

// Exec runs cmd inside a running container as user (""=image default) and
// returns its exit code, grounded on attaching.go's createExec/
// ContainerExecAttach pair, collapsed to a blocking call since the
// Material Installer never needs an interactive session for chown/chmod.
func (d *Driver) Exec(ctx context.Context, id string, cmd []string, user string) (int, error) {
	execCfg := container.ExecOptions{
		Cmd:          cmd,
		User:         user,
		AttachStdout: true,
		AttachStderr: true,
	}
	created, err := d.cli.ContainerExecCreate(ctx, id, execCfg)
	if err != nil {
		return -1, fmt.Errorf("failed to create exec in %s: %w", id, err)
	}

	attachResp, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return -1, fmt.Errorf("failed to attach exec in %s: %w", id, err)
	}
	defer attachResp.Close()

	if _, err := io.Copy(io.Discard, attachResp.Reader); err != nil {
		return -1, fmt.Errorf("failed to read exec output in %s: %w", id, err)
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return -1, fmt.Errorf("failed to inspect exec in %s: %w", id, err)
	}
	return inspect.ExitCode, nil
}

// StdinConn adapts a hijacked Docker attach connection into a plain
// writer, so callers (the Material Installer) don't need to know
// anything about the Docker client's attach response shape.
type StdinConn struct {
	resp types.HijackedResponse
}

// Write streams bytes to the container's stdin.
func (c *StdinConn) Write(p []byte) (int, error) {
	return c.resp.Conn.Write(p)
}

// Close releases the underlying hijacked connection.
func (c *StdinConn) Close() {
	c.resp.Close()
}

// AttachStdin opens a raw hijacked connection to the container's stdin,
// used by the Material Installer to stream the flag into place the same
// way the original's attach_socket write does. Callers must Close the
// returned connection when done writing.
func (d *Driver) AttachStdin(ctx context.Context, id string) (*StdinConn, error) {
	resp, err := d.cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to attach stdin to %s: %w", id, err)
	}
	return &StdinConn{resp: resp}, nil
}

// PutArchive extracts a tar stream into the container at dstPath, used to
// inject challenge material before the workspace is marked ready.
func (d *Driver) PutArchive(ctx context.Context, id, dstPath string, tarReader io.Reader) error {
	if err := d.cli.CopyToContainer(ctx, id, dstPath, tarReader, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("failed to copy archive into %s at %s: %w", id, dstPath, err)
	}
	return nil
}

// InspectContainerByName returns a summary of the named container's
// current state and labels, or ErrContainerNotFound if no such
// container exists. Container names are deterministic per user, so the
// Job API can use this directly instead of tracking container ids.
func (d *Driver) InspectContainerByName(ctx context.Context, name string) (*ContainerSummary, error) {
	info, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, ErrContainerNotFound
		}
		return nil, fmt.Errorf("failed to inspect container %s: %w", name, err)
	}
	state := ""
	if info.State != nil {
		state = info.State.Status
	}
	var labels map[string]string
	if info.Config != nil {
		labels = info.Config.Labels
	}
	return &ContainerSummary{ID: info.ID, Labels: labels, State: state}, nil
}

// InspectImage returns the local inspect result for ref, used by the
// Container Builder to read the image's own PATH. No image is ever
// pulled by this driver.
func (d *Driver) InspectImage(ctx context.Context, ref string) (image.InspectResponse, error) {
	inspect, err := d.cli.ImageInspect(ctx, ref)
	if err != nil {
		return image.InspectResponse{}, fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}
	return inspect, nil
}

// RemoveVolume deletes a named volume, force when in use is not expected
// to succeed and is left to the caller to retry/ignore.
func (d *Driver) RemoveVolume(ctx context.Context, name string, force bool) error {
	if err := d.cli.VolumeRemove(ctx, name, force); err != nil {
		return fmt.Errorf("failed to remove volume %s: %w", name, err)
	}
	return nil
}

// CreateVolume creates a named volume with the given driver and options.
// A no-op if the volume already exists (the engine returns the existing
// volume). Nothing in this repository calls it: the home mounts name
// their homefs volumes directly in the container's mount list.
func (d *Driver) CreateVolume(ctx context.Context, name, driver string, driverOpts, labels map[string]string) error {
	_, err := d.cli.VolumeCreate(ctx, volume.CreateOptions{
		Name:       name,
		Driver:     driver,
		DriverOpts: driverOpts,
		Labels:     labels,
	})
	if err != nil {
		return fmt.Errorf("failed to create volume %s: %w", name, err)
	}
	return nil
}

// RunProbeContainer runs a short-lived privileged container to completion
// and returns its combined output, grounded on the original's use of a
// throwaway container to list /dev entries for the device probe.
func (d *Driver) RunProbeContainer(ctx context.Context, image, user string, cmd []string, timeout time.Duration) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	name := "probe-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	created, err := d.cli.ContainerCreate(runCtx,
		&container.Config{Image: image, Entrypoint: cmd, User: user},
		&container.HostConfig{AutoRemove: true, Privileged: true},
		&network.NetworkingConfig{}, nil, name)
	if err != nil {
		return "", fmt.Errorf("failed to create probe container %s: %w", name, err)
	}
	id := created.ID

	logsCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		rc, err := d.StreamLogs(runCtx, id)
		if err != nil {
			errCh <- err
			return
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			errCh <- err
			return
		}
		logsCh <- string(data)
	}()

	if err := d.StartContainer(runCtx, id); err != nil {
		return "", err
	}

	waitCh, waitErrCh := d.cli.ContainerWait(runCtx, id, container.WaitConditionNotRunning)
	select {
	case <-waitCh:
	case err := <-waitErrCh:
		if err != nil {
			return "", fmt.Errorf("probe container %s failed: %w", id, err)
		}
	case <-runCtx.Done():
		return "", fmt.Errorf("probe container %s timed out: %w", id, runCtx.Err())
	}

	select {
	case out := <-logsCh:
		return out, nil
	case err := <-errCh:
		return "", err
	case <-runCtx.Done():
		return "", runCtx.Err()
	}
}
