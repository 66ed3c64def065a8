package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/bugexd/internal/monitor"
	"github.com/loykin/bugexd/internal/request"
	"github.com/loykin/bugexd/internal/result"
)

const resultDoc = `<facts>
  <fact><className>org.example.Stack</className><methodName>pop</methodName><lineNumber>42</lineNumber><explanation>size is zero</explanation><factType>STATE</factType></fact>
</facts>`

type fixture struct {
	h     http.Handler
	reqs  *request.Store
	reg   *monitor.Registry
	store *result.MemoryStore
	dir   string
}

func setupRouter(t *testing.T, base, toolBody string) *fixture {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	tool := filepath.Join(dir, "bugex.sh")
	if err := os.WriteFile(tool, []byte("#!/bin/sh\n"+toolBody+"\n"), 0o755); err != nil {
		t.Fatalf("write tool: %v", err)
	}
	cfg := monitor.DefaultConfig()
	cfg.Executable = tool
	cfg.WorkingDir = filepath.Join(dir, "work")
	cfg.CheckInterval = 20 * time.Millisecond
	cfg.MaxLifeTime = time.Minute

	store := result.NewMemoryStore()
	reg, err := monitor.NewRegistry(cfg, store)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })
	reqs := request.NewStore(cfg.WorkingDir)
	return &fixture{
		h:     NewRouter(reqs, reg, store, base).Handler(),
		reqs:  reqs,
		reg:   reg,
		store: store,
		dir:   dir,
	}
}

func (fx *fixture) archive(t *testing.T) string {
	t.Helper()
	p := filepath.Join(fx.dir, "program.zip")
	if err := os.WriteFile(p, []byte("PK"), 0o644); err != nil {
		t.Fatalf("write archive: %v", err)
	}
	return p
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return v
}

func TestSubmitAndFetchFacts(t *testing.T) {
	fx := setupRouter(t, "/api", `sleep 0.05
cat > "$3/bugex-results.xml" <<'XML'
`+resultDoc+`
XML`)
	rec := doReq(t, fx.h, http.MethodPost, "/api/requests", submitReq{ArchivePath: fx.archive(t), TestCase: "StackTest#testPop"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	sub := decode[submitResp](t, rec)
	assert.NotEmpty(t, sub.Token)
	assert.Equal(t, request.StatusProcessing, sub.Status)

	rec = doReq(t, fx.h, http.MethodGet, "/api/requests/"+sub.Token+"/facts", nil)
	assert.Contains(t, []int{http.StatusConflict, http.StatusOK}, rec.Code)

	require.Eventually(t, func() bool {
		r, err := fx.reqs.Get(sub.Token)
		return err == nil && r.Status() == request.StatusFinished
	}, 10*time.Second, 20*time.Millisecond)

	rec = doReq(t, fx.h, http.MethodGet, "/api/requests/"+sub.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[requestResp](t, rec)
	assert.Equal(t, request.StatusFinished, got.Request.Status)
	assert.NotEmpty(t, got.Request.ResultRef)

	rec = doReq(t, fx.h, http.MethodGet, "/api/requests/"+sub.Token+"/facts", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	facts := decode[[]result.Fact](t, rec)
	require.Len(t, facts, 1)
	assert.Equal(t, "pop", facts[0].MethodName)
	assert.Equal(t, 42, facts[0].LineNumber)

	rec = doReq(t, fx.h, http.MethodGet, "/api/requests", nil)
	assert.Len(t, decode[[]request.Snapshot](t, rec), 1)
}

func TestSubmitValidation(t *testing.T) {
	fx := setupRouter(t, "", `exit 0`)
	cases := []struct {
		name string
		body any
	}{
		{"missing fields", submitReq{TestCase: "T#m"}},
		{"relative archive", submitReq{ArchivePath: "rel/a.zip", TestCase: "T#m"}},
		{"traversal", submitReq{ArchivePath: "/tmp/../etc/a.zip", TestCase: "T#m"}},
		{"bad token", submitReq{ArchivePath: "/tmp/a.zip", TestCase: "T#m", Token: "../x"}},
		{"split test case", submitReq{ArchivePath: "/tmp/a.zip", TestCase: "T#m extra"}},
		{"not json", "plain"},
	}
	for _, c := range cases {
		rec := doReq(t, fx.h, http.MethodPost, "/requests", c.body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, c.name)
	}
	assert.Empty(t, fx.reqs.List())
}

func TestSubmitMissingArchiveMarksInvalid(t *testing.T) {
	fx := setupRouter(t, "", `exit 0`)
	rec := doReq(t, fx.h, http.MethodPost, "/requests", submitReq{
		ArchivePath: filepath.Join(fx.dir, "absent.zip"),
		TestCase:    "T#m",
		Token:       "tok-missing",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	r, err := fx.reqs.Get("tok-missing")
	require.NoError(t, err)
	assert.Equal(t, request.StatusInvalid, r.Status())
	assert.Equal(t, 0, fx.reg.Active())
}

func TestSubmitDuplicateToken(t *testing.T) {
	fx := setupRouter(t, "", `sleep 30`)
	body := submitReq{ArchivePath: fx.archive(t), TestCase: "T#m", Token: "dup"}
	require.Equal(t, http.StatusAccepted, doReq(t, fx.h, http.MethodPost, "/requests", body).Code)
	assert.Equal(t, http.StatusConflict, doReq(t, fx.h, http.MethodPost, "/requests", body).Code)
}

func TestFactsBeforeFinished(t *testing.T) {
	fx := setupRouter(t, "", `sleep 30`)
	rec := doReq(t, fx.h, http.MethodPost, "/requests", submitReq{ArchivePath: fx.archive(t), TestCase: "T#m", Token: "slow"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doReq(t, fx.h, http.MethodGet, "/requests/slow/facts", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doReq(t, fx.h, http.MethodGet, "/requests/slow", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[requestResp](t, rec)
	require.NotNil(t, got.Job)
	assert.Equal(t, "job-slow", got.Job.Name)

	rec = doReq(t, fx.h, http.MethodGet, "/jobs", nil)
	assert.Len(t, decode[[]monitor.Snapshot](t, rec), 1)
}

func TestDeleteCancelsJob(t *testing.T) {
	fx := setupRouter(t, "", `sleep 30`)
	var seen []request.Status
	rec := doReq(t, fx.h, http.MethodPost, "/requests", submitReq{ArchivePath: fx.archive(t), TestCase: "T#m", Token: "gone"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	r, err := fx.reqs.Get("gone")
	require.NoError(t, err)
	r.Subscribe(request.ObserverFunc(func(_ context.Context, c request.Change) { seen = append(seen, c.To) }))

	rec = doReq(t, fx.h, http.MethodDelete, "/requests/gone", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, request.StatusDeleted, r.Status())
	assert.Equal(t, []request.Status{request.StatusDeleted}, seen)
	assert.Equal(t, 0, fx.reg.Active())

	assert.Equal(t, http.StatusNotFound, doReq(t, fx.h, http.MethodGet, "/requests/gone", nil).Code)
	assert.Equal(t, http.StatusNotFound, doReq(t, fx.h, http.MethodDelete, "/requests/gone", nil).Code)
}

func TestDeleteThenResubmitSameToken(t *testing.T) {
	fx := setupRouter(t, "", `cat > "$3/bugex-results.xml" <<'XML'
`+resultDoc+`
XML`)
	finish := func() {
		t.Helper()
		rec := doReq(t, fx.h, http.MethodPost, "/requests", submitReq{ArchivePath: fx.archive(t), TestCase: "T#m", Token: "again"})
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		require.Eventually(t, func() bool {
			r, err := fx.reqs.Get("again")
			_, supervised := fx.reg.Get("again")
			return err == nil && r.Status().IsTerminal() && !supervised
		}, 10*time.Second, 20*time.Millisecond)
		r, err := fx.reqs.Get("again")
		require.NoError(t, err)
		require.Equal(t, request.StatusFinished, r.Status())
	}

	finish()
	rec := doReq(t, fx.h, http.MethodDelete, "/requests/again", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	_, err := fx.store.Facts(context.Background(), "again")
	assert.ErrorIs(t, err, result.ErrNoResults)

	finish()
	rec = doReq(t, fx.h, http.MethodGet, "/requests/again/facts", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decode[[]result.Fact](t, rec), 1)
}

func TestUnknownAndInvalidToken(t *testing.T) {
	fx := setupRouter(t, "/api", `exit 0`)
	assert.Equal(t, http.StatusNotFound, doReq(t, fx.h, http.MethodGet, "/api/requests/nope", nil).Code)
	assert.Equal(t, http.StatusNotFound, doReq(t, fx.h, http.MethodGet, "/api/requests/nope/facts", nil).Code)
	assert.Equal(t, http.StatusBadRequest, doReq(t, fx.h, http.MethodGet, "/api/requests/a..b", nil).Code)
}

func TestSubmitAfterShutdown(t *testing.T) {
	fx := setupRouter(t, "", `exit 0`)
	require.NoError(t, fx.reg.Shutdown(context.Background()))
	rec := doReq(t, fx.h, http.MethodPost, "/requests", submitReq{ArchivePath: fx.archive(t), TestCase: "T#m"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Empty(t, fx.reqs.List())
}
