// Package api implements the Job API: create, poll, and tear down a
// user's workspace provisioning job, plus a next-challenge convenience
// lookup, grounded on dojo_plugin/api/v1/docker.py's RunDocker and
// NextChallenge resources.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pwncollege/workspace-core/internal/engine"
	"github.com/pwncollege/workspace-core/internal/jobstore"
	"github.com/pwncollege/workspace-core/internal/workspace/build"
	"go.uber.org/zap"
)

const workspaceTokenHeader = "Workspace-Token"

// Orchestrator is the subset of *provision.Orchestrator the API needs:
// fire-and-forget kickoff of a job's provisioning in its own goroutine.
type Orchestrator interface {
	Run(ctx context.Context, jobID string)
}

// ContainerInspector is the subset of *engine.Driver the API needs to
// answer GET/DELETE /docker against the live container rather than the
// (TTL-bound) job record.
type ContainerInspector interface {
	InspectContainerByName(ctx context.Context, name string) (*engine.ContainerSummary, error)
	RemoveContainer(ctx context.Context, id string, wait bool) error
}

// Handlers implements the Job API's gin handler functions.
type Handlers struct {
	store        *jobstore.Store
	lock         *UserLock
	orchestrator Orchestrator
	drv          ContainerInspector
	directory    UserDirectory
	challenges   ChallengeDirectory
	baseCtx      context.Context
	logger       *zap.Logger
}

// NewHandlers constructs Handlers. baseCtx is used as the parent context
// for provisioning goroutines spawned outside the lifetime of any single
// HTTP request — canceling it (on process shutdown) cancels all
// in-flight provisioning.
func NewHandlers(
	store *jobstore.Store,
	lock *UserLock,
	orchestrator Orchestrator,
	drv ContainerInspector,
	directory UserDirectory,
	challenges ChallengeDirectory,
	baseCtx context.Context,
	logger *zap.Logger,
) *Handlers {
	return &Handlers{
		store: store, lock: lock, orchestrator: orchestrator, drv: drv,
		directory: directory, challenges: challenges, baseCtx: baseCtx, logger: logger,
	}
}

// newJobID generates the job's opaque, 128-bit, hex-encoded identifier.
// Unlike the container name (deterministic per user, see
// build.ContainerName), a job's id must never be guessable or reused
// across provisioning attempts for the same user.
func newJobID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate job id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

type createDockerRequest struct {
	DojoReference string  `json:"dojo_reference" binding:"required"`
	ModuleID      *string `json:"module_id"`
	ChallengeID   int64   `json:"challenge_id" binding:"required"`
	Practice      bool    `json:"practice"`
	AsUser        string  `json:"as_user"`
}

type jobResponse struct {
	ID            string  `json:"id"`
	State         string  `json:"state"`
	DojoReference string  `json:"dojo_reference"`
	ModuleID      *string `json:"module_id,omitempty"`
	ChallengeID   int64   `json:"challenge_id"`
	ChallengeName string  `json:"challenge_name"`
	Practice      bool    `json:"practice"`
	WorkspaceURL  string  `json:"workspace_url,omitempty"`
	Error         string  `json:"error,omitempty"`
	CreatedAt     int64   `json:"created_at"`
	UpdatedAt     int64   `json:"updated_at"`
}

func toJobResponse(j *jobstore.Job) jobResponse {
	return jobResponse{
		ID: j.ID, State: string(j.State), DojoReference: j.DojoReference,
		ModuleID: j.ModuleID, ChallengeID: j.ChallengeID, ChallengeName: j.ChallengeName,
		Practice: j.Practice, WorkspaceURL: j.WorkspaceURL, Error: j.Error,
		CreatedAt: j.CreatedAt, UpdatedAt: j.UpdatedAt,
	}
}

// workspaceResponse reports a currently-running workspace's coordinates
// as read from its container's own labels, not from the (possibly
// expired or overwritten) job record that started it.
type workspaceResponse struct {
	State         string  `json:"state"`
	DojoReference string  `json:"dojo_reference,omitempty"`
	ModuleID      *string `json:"module_id,omitempty"`
	ChallengeID   int64   `json:"challenge_id,omitempty"`
	ChallengeName string  `json:"challenge_name,omitempty"`
	UserID        int64   `json:"user_id,omitempty"`
	AsUserID      *int64  `json:"as_user_id,omitempty"`
	Mode          string  `json:"mode,omitempty"`
}

func workspaceResponseFromContainer(info *engine.ContainerSummary) workspaceResponse {
	labels := info.Labels
	resp := workspaceResponse{
		State:         info.State,
		DojoReference: labels["dojo.dojo_id"],
		ChallengeName: labels["dojo.challenge_description"],
		Mode:          labels["dojo.mode"],
	}
	if v := labels["dojo.module_id"]; v != "" {
		resp.ModuleID = &v
	}
	if v, err := strconv.ParseInt(labels["dojo.challenge_id"], 10, 64); err == nil {
		resp.ChallengeID = v
	}
	if v, err := strconv.ParseInt(labels["dojo.user_id"], 10, 64); err == nil {
		resp.UserID = v
	}
	if raw, ok := labels["dojo.as_user_id"]; ok {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			resp.AsUserID = &v
		}
	}
	return resp
}

// identity resolves the caller's workspace-token header. 401s the
// request and returns ok=false if absent or invalid.
func (h *Handlers) identity(c *gin.Context) (UserIdentity, bool) {
	token := c.GetHeader(workspaceTokenHeader)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing workspace token"})
		return UserIdentity{}, false
	}
	id, err := h.directory.ResolveToken(c.Request.Context(), token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid workspace token"})
		return UserIdentity{}, false
	}
	return id, true
}

// resolveAsUser applies the original's impersonation rule: only an admin
// may act as_user; a non-admin naming anyone but themselves is rejected.
func resolveAsUser(caller UserIdentity, asUser string) (effectiveUserName string, impersonating bool, forbidden bool) {
	if asUser == "" || asUser == caller.UserName {
		return caller.UserName, false, false
	}
	if !caller.IsAdmin {
		return "", false, true
	}
	return asUser, true, false
}

// CreateDocker handles POST /docker: validates the caller's access to
// the requested challenge, takes the per-user lock, creates a pending
// job, and kicks off provisioning in the background. The lock is held
// only across this synchronous handler: it covers job creation and the
// launch of the provisioning goroutine, and is released when the handler
// returns, not held across the goroutine's lifetime.
func (h *Handlers) CreateDocker(c *gin.Context) {
	caller, ok := h.identity(c)
	if !ok {
		return
	}

	var req createDockerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	asUserName, impersonating, forbidden := resolveAsUser(caller, req.AsUser)
	if forbidden {
		c.JSON(http.StatusForbidden, gin.H{"error": "only an admin may start a workspace as another user"})
		return
	}

	ctx := c.Request.Context()

	accessible, err := h.directory.DojoAccessible(ctx, caller.UserID, req.DojoReference)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check dojo access"})
		return
	}
	if !accessible {
		c.JSON(http.StatusForbidden, gin.H{"error": "dojo not accessible"})
		return
	}

	ref := ChallengeRef{DojoReference: req.DojoReference, ModuleID: req.ModuleID, ChallengeID: req.ChallengeID}
	visible, err := h.challenges.Visible(ctx, ref, req.Practice)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check challenge visibility"})
		return
	}
	if !visible {
		c.JSON(http.StatusNotFound, gin.H{"error": "challenge not found"})
		return
	}

	lockUserID := caller.UserID
	token, err := h.lock.Acquire(ctx, lockUserID)
	if err != nil {
		if errors.Is(err, ErrLockNotAcquired) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to acquire lock"})
		return
	}
	defer h.lock.Release(ctx, lockUserID, token)

	dojoName, _, challengeName, err := h.challenges.Name(ctx, ref)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve challenge name"})
		return
	}

	jobID, err := newJobID()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create job"})
		return
	}

	now := time.Now().Unix()
	job := &jobstore.Job{
		ID:            jobID,
		Token:         uuid.NewString(),
		UserID:        caller.UserID,
		UserName:      caller.UserName,
		DojoReference: req.DojoReference,
		DojoName:      dojoName,
		ModuleID:      req.ModuleID,
		ChallengeID:   req.ChallengeID,
		ChallengeName: challengeName,
		Practice:      req.Practice,
		State:         jobstore.StatePending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if impersonating {
		// caller started the workspace, but it runs "as" another user's
		// home/state — mirrors the original's admin-only as_user support.
		asID := caller.UserID
		job.AsUserID = &asID
		job.AsUserName = &asUserName
	}

	if err := h.store.PutWithUserIndex(ctx, job); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create job"})
		return
	}

	// baseCtx, not ctx: provisioning must survive past this request's
	// lifetime, and the lock is released (deferred above) as soon as this
	// handler returns — the orchestrator's own per-user container naming
	// and pre-attempt teardown are what keep concurrent provisioning
	// attempts safe after that.
	go h.orchestrator.Run(h.baseCtx, job.ID)

	c.JSON(http.StatusAccepted, toJobResponse(job))
}

// GetDocker handles GET /docker: reports the caller's currently running
// workspace by inspecting its container's own labels, since the job
// record's TTL (or a later DELETE) can expire or be overwritten while
// the container itself is still up.
func (h *Handlers) GetDocker(c *gin.Context) {
	caller, ok := h.identity(c)
	if !ok {
		return
	}

	name := build.ContainerName(caller.UserID)
	info, err := h.drv.InspectContainerByName(c.Request.Context(), name)
	if err != nil {
		if errors.Is(err, engine.ErrContainerNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no active workspace"})
			return
		}
		h.logger.Error("failed to inspect workspace container", zap.String("container", name), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to look up workspace"})
		return
	}

	c.JSON(http.StatusOK, workspaceResponseFromContainer(info))
}

// DeleteDocker handles DELETE /docker: tears down the caller's
// container, best-effort, and marks the caller's indexed job record (if
// it has not expired) as errored with "stopped by user".
func (h *Handlers) DeleteDocker(c *gin.Context) {
	caller, ok := h.identity(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	name := build.ContainerName(caller.UserID)
	if err := h.drv.RemoveContainer(ctx, name, false); err != nil {
		h.logger.Warn("best-effort workspace teardown failed", zap.String("container", name), zap.Error(err))
	}

	if job, err := h.store.GetByUser(ctx, caller.UserID); err == nil {
		now := time.Now().Unix()
		job.State = jobstore.StateError
		job.Error = "stopped by user"
		job.FinishedAt = &now
		if err := h.store.Put(ctx, job); err != nil {
			h.logger.Warn("failed to record stopped job", zap.Error(err))
		}
	}

	c.Status(http.StatusNoContent)
}

type nextChallengeResponse struct {
	DojoReference string  `json:"dojo_reference"`
	ModuleID      *string `json:"module_id,omitempty"`
	ChallengeID   int64   `json:"challenge_id"`
	Found         bool    `json:"found"`
}

// NextChallenge handles GET /docker/next: given the current challenge
// reference in query params, reports the next challenge in sequence,
// spilling into the next module when the current one is exhausted.
func (h *Handlers) NextChallenge(c *gin.Context) {
	dojoRef := c.Query("dojo_reference")
	challengeIDStr := c.Query("challenge_id")
	if dojoRef == "" || challengeIDStr == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "dojo_reference and challenge_id are required"})
		return
	}
	challengeID, err := strconv.ParseInt(challengeIDStr, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid challenge_id"})
		return
	}

	var moduleID *string
	if m := c.Query("module_id"); m != "" {
		moduleID = &m
	}

	ref := ChallengeRef{DojoReference: dojoRef, ModuleID: moduleID, ChallengeID: challengeID}
	next, found, err := h.challenges.Next(c.Request.Context(), ref)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to resolve next challenge: %v", err)})
		return
	}

	c.JSON(http.StatusOK, nextChallengeResponse{
		DojoReference: next.DojoReference, ModuleID: next.ModuleID, ChallengeID: next.ChallengeID, Found: found,
	})
}
