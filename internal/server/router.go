package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/bugexd/internal/monitor"
	"github.com/loykin/bugexd/internal/process"
	"github.com/loykin/bugexd/internal/request"
	"github.com/loykin/bugexd/internal/result"
)

// FactStore serves ingested facts per request token and drops them when the
// request is deleted.
type FactStore interface {
	Facts(ctx context.Context, token string) ([]result.Fact, error)
	Purge(ctx context.Context, token string) error
}

// Router provides embeddable HTTP handlers for analysis requests.
// Endpoints:
//
//	POST   {basePath}/requests               body: {"archive_path","test_case","token"?}
//	GET    {basePath}/requests               list of request snapshots
//	GET    {basePath}/requests/:token        request snapshot (+ job when supervised)
//	GET    {basePath}/requests/:token/facts  facts of a finished request
//	DELETE {basePath}/requests/:token        cancel supervision and mark deleted
//	GET    {basePath}/jobs                   active supervision jobs
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	reqs     *request.Store
	reg      *monitor.Registry
	facts    FactStore
	basePath string
}

// NewRouter constructs a Router. Example basePath: "/api" results in /api/requests.
func NewRouter(reqs *request.Store, reg *monitor.Registry, facts FactStore, basePath string) *Router {
	return &Router{reqs: reqs, reg: reg, facts: facts, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.POST("/requests", r.handleSubmit)
	group.GET("/requests", r.handleList)
	group.GET("/requests/:token", r.handleGet)
	group.GET("/requests/:token/facts", r.handleFacts)
	group.DELETE("/requests/:token", r.handleDelete)
	group.GET("/jobs", r.handleJobs)
	return g
}

// NewServer builds the HTTP server for r; it is not started.
func NewServer(addr string, r *Router) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Run serves srv until ctx is done, then shuts it down gracefully. A non-nil
// srv.TLSConfig switches the listener to HTTPS.
func Run(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		if srv.TLSConfig != nil {
			errCh <- srv.ListenAndServeTLS("", "")
			return
		}
		errCh <- srv.ListenAndServe()
	}()
	slog.Info("http api listening", "addr", srv.Addr, "tls", srv.TLSConfig != nil)
	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type submitReq struct {
	ArchivePath string `json:"archive_path"`
	TestCase    string `json:"test_case"`
	Token       string `json:"token,omitempty"`
}

type submitResp struct {
	Token  string         `json:"token"`
	Status request.Status `json:"status"`
}

type requestResp struct {
	Request request.Snapshot  `json:"request"`
	Job     *monitor.Snapshot `json:"job,omitempty"`
}

func (r *Router) handleSubmit(c *gin.Context) {
	var in submitReq
	if err := c.ShouldBindJSON(&in); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if in.ArchivePath == "" || in.TestCase == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "archive_path and test_case required"})
		return
	}
	if !isSafeArchivePath(in.ArchivePath) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid archive_path: must be absolute path without traversal"})
		return
	}
	if !isSafeTestCase(in.TestCase) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid test_case: must not contain whitespace or control characters"})
		return
	}
	if in.Token != "" && !isSafeToken(in.Token) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid token: allowed [A-Za-z0-9._-] and no '..' or path separators"})
		return
	}
	req, err := r.reqs.Create(in.Token, in.ArchivePath, in.TestCase)
	if err != nil {
		writeJSON(c, http.StatusConflict, errorResp{Error: err.Error()})
		return
	}

	ctx := c.Request.Context()
	if _, err := r.reg.Submit(ctx, req); err != nil {
		switch {
		case errors.Is(err, process.ErrMissingInput):
			_ = req.UpdateStatus(ctx, request.StatusInvalid, err.Error())
			writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		case errors.Is(err, monitor.ErrShutdown):
			_ = r.reqs.Delete(ctx, req.Token(), "server shutting down")
			writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
		case errors.Is(err, monitor.ErrAlreadySupervised), errors.Is(err, monitor.ErrCanceled):
			writeJSON(c, http.StatusConflict, errorResp{Error: err.Error()})
		default:
			writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		}
		return
	}
	writeJSON(c, http.StatusAccepted, submitResp{Token: req.Token(), Status: req.Status()})
}

func (r *Router) handleList(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.reqs.List())
}

func (r *Router) handleGet(c *gin.Context) {
	req, ok := r.lookup(c)
	if !ok {
		return
	}
	out := requestResp{Request: req.Snapshot()}
	if j, ok := r.reg.Get(req.Token()); ok {
		s := j.Snapshot()
		out.Job = &s
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleFacts(c *gin.Context) {
	req, ok := r.lookup(c)
	if !ok {
		return
	}
	if st := req.Status(); st != request.StatusFinished {
		writeJSON(c, http.StatusConflict, errorResp{Error: "request is " + st.String() + ", facts are available once finished"})
		return
	}
	facts, err := r.facts.Facts(c.Request.Context(), req.Token())
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, result.ErrNoResults) {
			code = http.StatusNotFound
		}
		writeJSON(c, code, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, facts)
}

func (r *Router) handleDelete(c *gin.Context) {
	req, ok := r.lookup(c)
	if !ok {
		return
	}
	if err := r.reg.Cancel(req.Token(), "deleted by user"); err != nil && !errors.Is(err, request.ErrNotFound) {
		slog.Warn("cancel on delete failed", "token", req.Token(), "error", err)
	}
	if err := r.reqs.Delete(c.Request.Context(), req.Token(), "deleted by user"); err != nil {
		writeJSON(c, http.StatusConflict, errorResp{Error: err.Error()})
		return
	}
	if err := r.facts.Purge(c.Request.Context(), req.Token()); err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: "purge facts: " + err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleJobs(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.reg.Jobs())
}

func (r *Router) lookup(c *gin.Context) (*request.Request, bool) {
	token := c.Param("token")
	if !isSafeToken(token) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid token"})
		return nil, false
	}
	req, err := r.reqs.Get(token)
	if err != nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return nil, false
	}
	return req, true
}
