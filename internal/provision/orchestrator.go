// Package provision drives a job from pending to ready or error,
// grounded on dojo_plugin's _run_challenge_job: three attempts, a fixed
// backoff between them, a teardown before each retry, and a fixed
// terminal error message once attempts are exhausted.
package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pwncollege/workspace-core/internal/engine"
	"github.com/pwncollege/workspace-core/internal/events"
	"github.com/pwncollege/workspace-core/internal/handoff"
	"github.com/pwncollege/workspace-core/internal/jobstore"
	"github.com/pwncollege/workspace-core/internal/workspace/build"
	"github.com/pwncollege/workspace-core/internal/workspace/install"
	"github.com/pwncollege/workspace-core/internal/workspace/ready"
	"go.uber.org/zap"
)

const terminalErrorMessage = "Failed to start workspace after multiple attempts. Please contact an administrator."

const invalidRequestMessage = "Workspace request is no longer valid."

// ChallengeSpec is everything the orchestrator needs to know about a
// challenge to build and populate its workspace container, independent
// of how the catalog resolves it (database, filesystem, API call). Flag
// is non-empty when the challenge expects a flag installed at all; its
// actual value is never used as the flag content (see install.FlagContent) —
// the content is always derived locally from the job and the shared
// secret key, matching the original's practice/support_flag/
// serialize_user_flag selection.
type ChallengeSpec struct {
	Image         string
	DevicesWanted []string
	Materials     install.MaterialFS // nil when the challenge ships no extra material
	Options       []string
	Flag          string
	Privileged    bool
	GVisor        bool
}

// ChallengeCatalog resolves a job's challenge reference into a
// ChallengeSpec. The collaborator boundary between this repo and
// whatever stores challenge definitions (dojo YAML, a database, ...).
type ChallengeCatalog interface {
	Resolve(ctx context.Context, job *jobstore.Job) (ChallengeSpec, error)
}

// Orchestrator runs the full build -> wait -> install -> wait -> sign
// pipeline for one job at a time, called once per job from its own
// goroutine by the Job API.
type Orchestrator struct {
	store     *jobstore.Store
	drv       *engine.Driver
	builder   *build.Builder
	waiter    *ready.Waiter
	installer *install.Installer
	signer    *handoff.Signer
	catalog   ChallengeCatalog
	publisher events.Publisher
	logger    *zap.Logger

	attempts     int
	retryDelay   time.Duration
	stageTimeout time.Duration
	nodeCount    int
	secretKey    string
}

// Config bundles the orchestrator's tunables, read from the process
// configuration at wiring time. NodeCount is the number of engine
// shards workspaces are spread across; 0 means unsharded (every job
// signs with node index 0). SecretKey is the shared HMAC key used for
// both deterministic option selection and per-user flag derivation.
type Config struct {
	Attempts     int
	RetryDelay   time.Duration
	StageTimeout time.Duration
	NodeCount    int
	SecretKey    string
}

// New constructs an Orchestrator.
func New(
	store *jobstore.Store,
	drv *engine.Driver,
	builder *build.Builder,
	waiter *ready.Waiter,
	installer *install.Installer,
	signer *handoff.Signer,
	catalog ChallengeCatalog,
	publisher events.Publisher,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 2 * time.Minute
	}
	return &Orchestrator{
		store: store, drv: drv, builder: builder, waiter: waiter, installer: installer,
		signer: signer, catalog: catalog, publisher: publisher, logger: logger,
		attempts: cfg.Attempts, retryDelay: cfg.RetryDelay, stageTimeout: cfg.StageTimeout,
		nodeCount: cfg.NodeCount, secretKey: cfg.SecretKey,
	}
}

// nodeForUser derives a per-user engine shard index, grounded the same
// way build.AllocateIP pins a user to a fixed workspace_net address: the
// same user always lands on the same node across jobs.
func nodeForUser(userID int64, count int) int {
	if count <= 0 {
		return 0
	}
	return int(userID % int64(count))
}

// Run provisions jobID, mutating its stored state as it progresses.
// Intended to be called in its own goroutine, with a context derived
// from a long-lived base context rather than the originating HTTP
// request's, so provisioning survives the request that triggered it.
func (o *Orchestrator) Run(ctx context.Context, jobID string) {
	log := o.logger.With(zap.String("job_id", jobID))

	job, err := o.store.Update(ctx, jobID, func(j *jobstore.Job) {
		j.State = jobstore.StateRunning
	})
	if err != nil {
		log.Error("failed to mark job running", zap.Error(err))
		return
	}

	spec, err := o.catalog.Resolve(ctx, job)
	if err != nil {
		log.Error("failed to resolve challenge", zap.Error(err))
		o.fail(ctx, jobID, invalidRequestMessage, log)
		return
	}

	var lastErr error
	for attempt := 1; attempt <= o.attempts; attempt++ {
		containerID, err := o.attempt(ctx, job, spec, log.With(zap.Int("attempt", attempt)))
		if err == nil {
			o.succeed(ctx, jobID, containerID, job, log)
			return
		}

		lastErr = err
		log.Warn("provisioning attempt failed", zap.Error(err))

		if attempt < o.attempts {
			select {
			case <-time.After(o.retryDelay):
			case <-ctx.Done():
				o.fail(ctx, jobID, terminalErrorMessage, log)
				return
			}
		}
	}

	log.Error("provisioning exhausted all attempts", zap.Error(lastErr))
	o.fail(ctx, jobID, terminalErrorMessage, log)
}

// teardownPrevious force-removes whatever container currently holds
// this user's deterministic name, unconditionally, before every attempt
// (not just a failed one) — per spec, a user's second "create workspace"
// call must never fail with a Docker name conflict against their first.
// Not-found is the common case and is swallowed along with everything
// else: this is best-effort cleanup, not a precondition check.
func (o *Orchestrator) teardownPrevious(ctx context.Context, job *jobstore.Job, log *zap.Logger) {
	tctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	name := build.ContainerName(job.UserID)
	if err := o.drv.RemoveContainer(tctx, name, true); err != nil {
		log.Debug("no previous container torn down", zap.String("container", name), zap.Error(err))
	}
}

// attempt runs one build/wait/install/wait cycle. If a step after Build
// fails, the container is torn down here; a failure inside Build itself
// leaves any partly created container to the next attempt's
// teardownPrevious.
func (o *Orchestrator) attempt(ctx context.Context, job *jobstore.Job, spec ChallengeSpec, log *zap.Logger) (string, error) {
	o.teardownPrevious(ctx, job, log)

	containerID, err := o.builder.Build(ctx, build.Request{
		Job:           job,
		Image:         spec.Image,
		DevicesWanted: spec.DevicesWanted,
		Privileged:    spec.Privileged,
		GVisor:        spec.GVisor,
		HomeMounts:    build.HomeMounts(job),
	})
	if err != nil {
		return "", fmt.Errorf("build failed: %w", err)
	}

	teardown := func() {
		tctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if rmErr := o.drv.RemoveContainer(tctx, containerID, true); rmErr != nil {
			log.Warn("teardown after failed attempt encountered an error", zap.Error(rmErr))
		}
	}

	if err := o.waiter.Wait(ctx, containerID, o.stageTimeout, ready.StageInitialized, nil); err != nil {
		teardown()
		return "", fmt.Errorf("container did not initialize: %w", err)
	}

	if spec.Materials != nil {
		option := ""
		if len(spec.Options) > 0 {
			option = install.SelectOption(o.secretKey, fmt.Sprintf("%d_%d", job.EffectiveUserID(), job.ChallengeID), spec.Options)
		}
		if err := o.installer.InstallChallenge(ctx, containerID, spec.Materials, option); err != nil {
			teardown()
			return "", fmt.Errorf("material install failed: %w", err)
		}
	}

	if spec.Flag != "" {
		content := install.FlagContent(o.secretKey, job)
		if err := o.installer.InstallFlag(ctx, containerID, content); err != nil {
			teardown()
			return "", fmt.Errorf("flag install failed: %w", err)
		}
	}

	if err := o.waiter.Wait(ctx, containerID, o.stageTimeout, ready.StageReady, nil); err != nil {
		teardown()
		return "", fmt.Errorf("container did not become ready: %w", err)
	}

	return containerID, nil
}

// shortenContainerID truncates a full container id to Docker's
// conventional 12-character short form used in handoff URLs.
func shortenContainerID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func (o *Orchestrator) succeed(ctx context.Context, jobID, containerID string, job *jobstore.Job, log *zap.Logger) {
	shortID := shortenContainerID(containerID)
	node := nodeForUser(job.EffectiveUserID(), o.nodeCount)
	url := o.signer.BuildURL(shortID, node)

	now := time.Now().Unix()
	_, err := o.store.Update(ctx, jobID, func(j *jobstore.Job) {
		j.State = jobstore.StateReady
		j.WorkspaceURL = url
		j.FinishedAt = &now
	})
	if err != nil {
		log.Error("failed to persist ready state", zap.Error(err))
		return
	}

	log.Info("workspace ready", zap.String("container_id", shortID))
	o.notify(ctx, job, jobstore.StateReady, log)
}

func (o *Orchestrator) fail(ctx context.Context, jobID, message string, log *zap.Logger) {
	now := time.Now().Unix()
	job, err := o.store.Update(ctx, jobID, func(j *jobstore.Job) {
		j.State = jobstore.StateError
		j.Error = message
		j.FinishedAt = &now
	})
	if err != nil {
		log.Error("failed to persist error state", zap.Error(err))
		return
	}
	o.notify(ctx, job, jobstore.StateError, log)
}

// notify publishes a lifecycle event best-effort: delivery failure is
// logged and never turns a successful or already-failed job outcome
// into something else.
func (o *Orchestrator) notify(ctx context.Context, job *jobstore.Job, state jobstore.State, log *zap.Logger) {
	evt := events.Event{
		JobID:         job.ID,
		UserID:        job.EffectiveUserID(),
		DojoReference: job.DojoReference,
		ChallengeID:   job.ChallengeID,
		State:         string(state),
		Timestamp:     time.Now().Unix(),
	}
	if err := o.publisher.Publish(ctx, evt); err != nil {
		log.Warn("event publish failed", zap.Error(err))
	}
}

// ErrNoSuchChallenge is a sentinel catalogs can wrap to signal a missing
// challenge reference, distinguished from transport/lookup errors.
var ErrNoSuchChallenge = errors.New("challenge not found")
