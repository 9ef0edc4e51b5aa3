// Package jobstore persists provisioning Job records in Redis, shared
// between the Job API (which creates and is read back by the proxy) and
// the Provisioning Orchestrator (which is the only later writer).
package jobstore

// State is one of a Job's four lifecycle states. Transitions are monotone:
// pending -> running -> {ready | error}. ready and error are terminal.
type State string

const (
	StatePending State = "pending"
	StateRunning State = "running"
	StateReady   State = "ready"
	StateError   State = "error"
)

// Job is the central entity shared across the Job API, the Provisioning
// Orchestrator, and the Job Proxy via the shared store.
type Job struct {
	ID         string  `json:"id"`
	Token      string  `json:"token"`
	UserID     int64   `json:"user_id"`
	AsUserID   *int64  `json:"as_user_id,omitempty"`
	UserName   string  `json:"user_name"`
	AsUserName *string `json:"as_user_name,omitempty"`

	DojoID        int64   `json:"dojo_id"`
	DojoReference string  `json:"dojo_reference"`
	DojoName      string  `json:"dojo_name"`
	ModuleID      *string `json:"module_id,omitempty"`
	ModuleName    *string `json:"module_name,omitempty"`
	ChallengeID   int64   `json:"challenge_id"`
	ChallengeName string  `json:"challenge_name"`

	Practice bool  `json:"practice"`
	State    State `json:"state"`

	WorkspaceURL string `json:"workspace_url,omitempty"`
	Error        string `json:"error,omitempty"`

	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`
	FinishedAt *int64 `json:"finished_at,omitempty"`
}

// EffectiveUserID returns AsUserID when impersonating, else UserID.
func (j *Job) EffectiveUserID() int64 {
	if j.AsUserID != nil {
		return *j.AsUserID
	}
	return j.UserID
}

// Impersonating reports whether this job was started on behalf of another user.
func (j *Job) Impersonating() bool {
	return j.AsUserID != nil
}
