// Package build composes and starts workspace containers, grounded on
// dojo_plugin/api/v1/docker.py's start_container: hostname, environment,
// entrypoint, mounts, devices, capabilities, resource limits, runtime,
// seccomp, sysctls, labels, extra_hosts, then the connect-bridge-drop-
// start networking sequence.
package build

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/pwncollege/workspace-core/internal/config"
	"github.com/pwncollege/workspace-core/internal/devices"
	"github.com/pwncollege/workspace-core/internal/engine"
	"github.com/pwncollege/workspace-core/internal/jobstore"
	"go.uber.org/zap"
)

const (
	// WorkspaceNetwork is the bridge every workspace container joins
	// before its default network is dropped, matching the original's
	// dedicated workspace_net.
	WorkspaceNetwork = "workspace_net"
	defaultBridge    = "bridge"
	runtimeRunc      = "runc"
	runtimeGVisor    = "runsc"

	homeVolumeDriver = "homefs"

	dojoInitPath = "/nix/var/nix/profiles/dojo-workspace/bin/dojo-init"
	shellBash    = "/run/dojo/bin/bash"
	challengeBin = "/run/challenge/bin:/run/dojo/bin"
	defaultPATH  = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
)

var hostnameSanitizer = regexp.MustCompile(`[^a-z0-9-]+`)

// Request carries everything the Builder needs to assemble one job's
// workspace container. HomeMounts is built by the Provisioning
// Orchestrator (C7 step 3b) and passed through rather than computed by
// the Builder, since only C7 knows the impersonation distinction.
type Request struct {
	Job           *jobstore.Job
	Image         string
	DevicesWanted []string // glob patterns from the challenge's device list, e.g. "/dev/nvidia*"
	Privileged    bool     // the challenge's privileged flag: adds SYS_ADMIN and NET_ADMIN and sets DOJO_PRIVILEGED
	GVisor        bool
	HomeMounts    []engine.Mount
}

// Builder assembles and starts a workspace container for a job.
type Builder struct {
	drv     *engine.Driver
	devices *devices.Cache
	cfg     *config.Config
	logger  *zap.Logger
}

// New constructs a Builder.
func New(drv *engine.Driver, devCache *devices.Cache, cfg *config.Config, logger *zap.Logger) *Builder {
	return &Builder{drv: drv, devices: devCache, cfg: cfg, logger: logger}
}

// HomeMounts builds the home-volume mount set per spec step 3b: without
// impersonation, a single /home/hacker mount from volume <user_id>; with
// impersonation, an overlay /home/hacker mount plus a read-write
// /home/me mount onto the operator's own home, both carrying a trace-id
// driver option for correlated logging.
func HomeMounts(job *jobstore.Job) []engine.Mount {
	ownerID := fmt.Sprintf("%d", job.UserID)
	traceID := job.ID

	if !job.Impersonating() {
		return []engine.Mount{
			{
				Target:     "/home/hacker",
				Source:     ownerID,
				Type:       engine.MountTypeVolume,
				Driver:     homeVolumeDriver,
				DriverOpts: map[string]string{"trace_id": traceID},
			},
		}
	}

	asUserID := fmt.Sprintf("%d", *job.AsUserID)
	return []engine.Mount{
		{
			Target:     "/home/hacker",
			Source:     ownerID + "-overlay",
			Type:       engine.MountTypeVolume,
			Driver:     homeVolumeDriver,
			DriverOpts: map[string]string{"overlay": asUserID, "trace_id": traceID},
		},
		{
			Target:     "/home/me",
			Source:     ownerID,
			Type:       engine.MountTypeVolume,
			Driver:     homeVolumeDriver,
			DriverOpts: map[string]string{"trace_id": traceID},
		},
	}
}

// Build composes the full container specification, creates the
// container, joins it to the workspace network, drops its default
// bridge membership (kept only for practice jobs or when
// INTERNET_FOR_ALL is set), and starts it.
func (b *Builder) Build(ctx context.Context, req Request) (string, error) {
	job := req.Job
	name := ContainerName(job.UserID)

	moduleID := ""
	if job.ModuleID != nil {
		moduleID = *job.ModuleID
	}
	hostname := BuildHostname(moduleID, job.ChallengeName, job.Practice)

	matched, err := b.matchDevices(ctx, req.DevicesWanted)
	if err != nil {
		return "", err
	}

	authToken, err := generateAuthToken()
	if err != nil {
		return "", err
	}

	ip := AllocateIP(job.EffectiveUserID())

	spec := engine.ContainerSpec{
		Name:       name,
		Image:      req.Image,
		Hostname:   hostname,
		Entrypoint: []string{"/bin/sh", "-c", dojoInitPath + "; " + shellBash + " -c 'exec " + "/run/dojo/bin/sleep 6h'"},
		User:       "root",
		WorkingDir: "/",
		Env:        b.environment(req, authToken, b.imagePATH(ctx, req.Image)),
		Labels:     b.labels(req, authToken),
		ExtraHosts: b.extraHosts(hostname, ip),
		Mounts:     b.mounts(req),
		Devices:    matched,
		CapAdd:     b.capabilities(req),
		Runtime:    b.runtime(req),
		SeccompProfile: b.cfg.Seccomp,
		Sysctls: map[string]string{
			"net.ipv4.ip_unprivileged_port_start": "1024",
		},
		Resources: engine.ResourceLimits{
			CPUPeriod: 100 * time.Millisecond,
			CPUQuota:  400 * time.Millisecond,
			PidsLimit: 1024,
			MemoryMB:  4096,
		},
		StdinOpen:  true,
		AutoRemove: false,
		Init:       true,
	}

	id, err := b.drv.CreateContainer(ctx, spec)
	if err != nil {
		return "", err
	}

	if err := b.drv.ConnectNetwork(ctx, WorkspaceNetwork, id, ip, []string{name}); err != nil {
		return "", err
	}
	if !job.Practice && !b.cfg.InternetForAll {
		if err := b.drv.DisconnectNetwork(ctx, defaultBridge, id, false); err != nil {
			b.logger.Warn("failed to disconnect default bridge, continuing",
				zap.String("container", id), zap.Error(err))
		}
	}

	if err := b.drv.StartContainer(ctx, id); err != nil {
		return "", err
	}

	b.logger.Info("started workspace container",
		zap.String("job_id", job.ID), zap.String("container_id", id), zap.String("image", req.Image))
	return id, nil
}

// ContainerName derives a workspace container's name deterministically
// from the owning user's id, per spec §4.2: at most one active
// container per user, always addressable without consulting the job
// store. Provisioning a new workspace always tears down whatever
// container currently holds this name first.
func ContainerName(userID int64) string {
	return fmt.Sprintf("dojo_job_%d", userID)
}

// normalizeHostnameComponent lowercases s and collapses any run of
// characters outside [a-z0-9-] to a single hyphen, trimming leading and
// trailing hyphens.
func normalizeHostnameComponent(s string) string {
	h := strings.ToLower(s)
	h = hostnameSanitizer.ReplaceAllString(h, "-")
	return strings.Trim(h, "-")
}

// SanitizeHostname mirrors the original's hostname normalization:
// lowercase, non [a-z0-9-] runs collapsed to a single hyphen, truncated
// to the 63-byte DNS label limit.
func SanitizeHostname(challengeName string) string {
	h := normalizeHostnameComponent(challengeName)
	if h == "" {
		h = "challenge"
	}
	if len(h) > 63 {
		h = h[:63]
	}
	return h
}

// BuildHostname composes the full container hostname per spec §4.4: an
// optional "practice~" prefix, the module id, and the normalized
// challenge name, joined with "~" and truncated to the 64-byte hostname
// limit.
func BuildHostname(moduleID, challengeName string, practice bool) string {
	parts := make([]string, 0, 3)
	if practice {
		parts = append(parts, "practice")
	}
	if moduleID != "" {
		parts = append(parts, normalizeHostnameComponent(moduleID))
	}
	parts = append(parts, SanitizeHostname(challengeName))

	h := strings.Join(parts, "~")
	if len(h) > 64 {
		h = h[:64]
	}
	return h
}

// AllocateIP deterministically maps a user id to a fixed 10.x.y.z
// address (second octet in 200-254, so not confined to a single /16),
// so a user's workspace always lands at the same address and
// extra_hosts entries referencing it stay valid across jobs. Distinct
// user ids are not guaranteed distinct addresses.
func AllocateIP(userID int64) string {
	third := (userID / 254) % 254
	fourth := (userID % 254) + 1
	return fmt.Sprintf("10.%d.%d.%d", 200+third%55, fourth, (userID%250)+2)
}

// generateAuthToken produces the 32-random-byte, hex-encoded
// DOJO_AUTH_TOKEN spec §4.4 requires, shared between the container's
// environment and its dojo.auth_token label.
func generateAuthToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate auth token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// imagePATH reads the challenge image's own PATH environment entry so
// it can be appended after the dojo/challenge bin directories, falling
// back to a conventional PATH if the image can't be inspected.
func (b *Builder) imagePATH(ctx context.Context, ref string) string {
	info, err := b.drv.InspectImage(ctx, ref)
	if err != nil {
		b.logger.Warn("failed to inspect image for PATH, using default", zap.String("image", ref), zap.Error(err))
		return defaultPATH
	}
	if info.Config != nil {
		for _, kv := range info.Config.Env {
			if strings.HasPrefix(kv, "PATH=") {
				return strings.TrimPrefix(kv, "PATH=")
			}
		}
	}
	return defaultPATH
}

// extraHosts merges the self-referential host entries the original sets
// (hostname, vm, vm_<hostname>, challenge.localhost, hacker.localhost,
// dojo-user, all resolving to the container's own workspace_net address)
// with the configured USER_FIREWALL_ALLOWED map.
func (b *Builder) extraHosts(hostname, ip string) map[string]string {
	hosts := map[string]string{
		hostname:              ip,
		"vm":                  ip,
		"vm_" + hostname:      ip,
		"challenge.localhost":  ip,
		"hacker.localhost":     ip,
		"dojo-user":           ip,
	}
	for name, addr := range b.cfg.UserFirewallAllowed() {
		hosts[name] = addr
	}
	return hosts
}

func (b *Builder) environment(req Request, authToken, imagePath string) map[string]string {
	job := req.Job
	env := map[string]string{
		"HOME":            "/home/hacker",
		"USER":            "hacker",
		"SHELL":           shellBash,
		"PATH":            challengeBin + ":" + imagePath,
		"DOJO_AUTH_TOKEN": authToken,
		"DOJO_USER_ID":    fmt.Sprintf("%d", job.EffectiveUserID()),
		"DOJO_USERNAME":   job.UserName,
		"DOJO_ID":         job.DojoReference,
		"CHALLENGE_ID":    fmt.Sprintf("%d", job.ChallengeID),
		"CHALLENGE_NAME":  job.ChallengeName,
	}
	if job.ModuleID != nil {
		env["MODULE_ID"] = *job.ModuleID
	}
	if job.Practice {
		env["DOJO_PRACTICE"] = "1"
	}
	if req.Privileged {
		env["DOJO_PRIVILEGED"] = "1"
	}
	return env
}

// labels emits the stable container labels external tooling reads per
// spec §6: dojo/module/challenge coordinates, the operator and
// impersonation target user ids, the auth token, and the privileged/
// standard mode.
func (b *Builder) labels(req Request, authToken string) map[string]string {
	job := req.Job
	mode := "standard"
	if job.Practice {
		mode = "privileged"
	}
	labels := map[string]string{
		"dojo.job_id":                job.ID,
		"dojo.dojo_id":               job.DojoReference,
		"dojo.challenge_id":          fmt.Sprintf("%d", job.ChallengeID),
		"dojo.challenge_description": job.ChallengeName,
		"dojo.user_id":               fmt.Sprintf("%d", job.UserID),
		"dojo.auth_token":            authToken,
		"dojo.mode":                  mode,
	}
	if job.ModuleID != nil {
		labels["dojo.module_id"] = *job.ModuleID
	}
	if job.Impersonating() {
		labels["dojo.as_user_id"] = fmt.Sprintf("%d", *job.AsUserID)
	}
	return labels
}

// mounts composes the read-only Nix store bind plus the home-volume
// mounts C7 built via HomeMounts and attached to the request.
func (b *Builder) mounts(req Request) []engine.Mount {
	mounts := []engine.Mount{
		{Target: "/nix", Source: b.cfg.HostDataPath + "/nix", Type: engine.MountTypeBind, ReadOnly: true},
	}
	return append(mounts, req.HomeMounts...)
}

func (b *Builder) capabilities(req Request) []string {
	caps := []string{"SYS_PTRACE"}
	if req.Privileged {
		caps = append(caps, "SYS_ADMIN", "NET_ADMIN")
	}
	return caps
}

func (b *Builder) runtime(req Request) string {
	if req.GVisor {
		return runtimeGVisor
	}
	return runtimeRunc
}

func (b *Builder) matchDevices(ctx context.Context, wanted []string) ([]string, error) {
	if len(wanted) == 0 {
		return nil, nil
	}

	available, err := b.devices.Get(ctx, b.drv.BaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve available devices: %w", err)
	}

	var matched []string
	for _, pattern := range wanted {
		for _, dev := range available {
			ok, err := filepath.Match(pattern, dev)
			if err != nil {
				return nil, fmt.Errorf("invalid device pattern %q: %w", pattern, err)
			}
			if ok {
				matched = append(matched, fmt.Sprintf("%s:%s:rwm", dev, dev))
			}
		}
	}
	return matched, nil
}
