// Package jobproxy serves the transitional HTML page a browser sees
// while its workspace job provisions, and 302s to the signed workspace
// URL once ready, grounded on workspace_job_proxy/job_proxy.py's
// handle_workspace_job: a single route keyed by job id and token, with
// 404/503/302/502/200 outcomes depending on job state.
package jobproxy

import (
	"errors"
	"html/template"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pwncollege/workspace-core/internal/jobstore"
	"go.uber.org/zap"
)

const waitingPageSource = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="{{.RefreshSeconds}}">
<title>Starting your workspace&hellip;</title>
<style>
body { font-family: sans-serif; background: #1b1b1b; color: #eee; display: flex;
       align-items: center; justify-content: center; height: 100vh; margin: 0; }
.spinner { width: 2.5rem; height: 2.5rem; border: 4px solid #444; border-top-color: #4caf50;
           border-radius: 50%; animation: spin 1s linear infinite; margin-right: 1rem; }
@keyframes spin { to { transform: rotate(360deg); } }
.row { display: flex; align-items: center; }
</style>
</head>
<body>
<div class="row"><div class="spinner"></div><div>Starting workspace for {{.ChallengeName}}&hellip;</div></div>
</body>
</html>`

const errorPageSource = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Workspace error</title></head>
<body style="font-family: sans-serif; background: #1b1b1b; color: #eee; padding: 3rem;">
<h1>Something went wrong starting your workspace</h1>
<p>{{.Message}}</p>
</body>
</html>`

var (
	waitingPage = template.Must(template.New("waiting").Parse(waitingPageSource))
	errorPage   = template.Must(template.New("error").Parse(errorPageSource))
)

// Server serves the job-proxy holding/redirect page.
type Server struct {
	store    *jobstore.Store
	refresh  time.Duration
	logger   *zap.Logger
	router   *gin.Engine
}

// New constructs a jobproxy Server. refresh is the meta-refresh interval
// shown to the browser while polling a pending/running job.
func New(store *jobstore.Store, refresh time.Duration, logger *zap.Logger) *Server {
	if refresh <= 0 {
		refresh = 3 * time.Second
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{store: store, refresh: refresh, logger: logger, router: router}
	router.GET("/workspace/job/:id/:token", s.handle)
	return s
}

// Router exposes the underlying gin router for tests and for Run.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run starts the server listening on addr.
func (s *Server) Run(addr string) error {
	s.logger.Info("starting job proxy", zap.String("addr", addr))
	return s.router.Run(addr)
}

func (s *Server) handle(c *gin.Context) {
	id := c.Param("id")
	token := c.Param("token")

	// Every outcome below is a point-in-time snapshot of job state; none
	// of them may be cached by the browser or an intermediary proxy.
	c.Header("Cache-Control", "no-store")

	job, err := s.store.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			c.Status(http.StatusNotFound)
			return
		}
		s.logger.Error("failed to load job for proxy", zap.String("job_id", id), zap.Error(err))
		c.Status(http.StatusServiceUnavailable)
		return
	}

	switch decideResponse(job, token) {
	case outcomeNotFound:
		c.Status(http.StatusNotFound)

	case outcomeWaiting:
		// Pending/running is not an error: render the holding page with
		// a normal 200 so the meta-refresh keeps the browser polling.
		c.Status(http.StatusOK)
		s.renderWaiting(c, job)

	case outcomeRedirect:
		c.Redirect(http.StatusFound, job.WorkspaceURL)

	case outcomeError:
		message := job.Error
		if message == "" {
			message = "Failed to start workspace. Please contact an administrator."
		}
		s.renderError(c, http.StatusBadGateway, message)

	default:
		s.renderError(c, http.StatusBadGateway, "Workspace is in an unexpected state.")
	}
}

type outcome int

const (
	outcomeNotFound outcome = iota
	outcomeWaiting
	outcomeRedirect
	outcomeError
	outcomeUnknown
)

// decideResponse maps a loaded job and the caller's token to the
// response class to send, isolated from gin so it can be tested without
// an HTTP request or a live store. A token mismatch is reported as
// outcomeNotFound rather than forbidden, so the job's existence isn't
// revealed to a caller guessing ids.
func decideResponse(job *jobstore.Job, token string) outcome {
	if token != job.Token {
		return outcomeNotFound
	}

	switch job.State {
	case jobstore.StatePending, jobstore.StateRunning:
		return outcomeWaiting
	case jobstore.StateReady:
		if job.WorkspaceURL == "" {
			return outcomeError
		}
		return outcomeRedirect
	case jobstore.StateError:
		return outcomeError
	default:
		return outcomeUnknown
	}
}

func (s *Server) renderWaiting(c *gin.Context, job *jobstore.Job) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	data := struct {
		RefreshSeconds int
		ChallengeName  string
	}{
		RefreshSeconds: int(s.refresh.Seconds()),
		ChallengeName:  job.ChallengeName,
	}
	if err := waitingPage.Execute(c.Writer, data); err != nil {
		s.logger.Error("failed to render waiting page", zap.Error(err))
	}
}

func (s *Server) renderError(c *gin.Context, status int, message string) {
	c.Status(status)
	c.Header("Content-Type", "text/html; charset=utf-8")
	data := struct{ Message string }{Message: message}
	if err := errorPage.Execute(c.Writer, data); err != nil {
		s.logger.Error("failed to render error page", zap.Error(err))
	}
}
