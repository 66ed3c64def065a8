package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeTool(t *testing.T, dir, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	p := filepath.Join(dir, "bugex.sh")
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return p
}

// writeConfig writes a config with a fast check interval below dir.
func writeConfig(t *testing.T, dir, tool string) string {
	t.Helper()
	p := filepath.Join(dir, "bugexd.toml")
	body := fmt.Sprintf(`[bugex]
executable = %q

[monitoring]
check_interval = "20ms"
max_life_time = "1m"

[server]
working_dir = %q

[log]
level = "error"
`, tool, filepath.Join(dir, "work"))
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestHelp(t *testing.T) {
	out, err := execRoot(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "bugexd")
	assert.Contains(t, out, "serve")
	assert.Contains(t, out, "run")
}

func TestConfigInit(t *testing.T) {
	p := filepath.Join(t.TempDir(), "bugexd.toml")
	out, err := execRoot(t, "config", "init", "--config", p)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote "+p)

	b, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Contains(t, string(b), "check_interval")

	_, err = execRoot(t, "config", "init", p)
	assert.Error(t, err, "refuses to overwrite")
	_, err = execRoot(t, "config", "init", p, "--force")
	assert.NoError(t, err)
}

func TestRunPrintsFacts(t *testing.T) {
	dir := t.TempDir()
	tool := writeTool(t, dir, `cat > "$3/bugex-results.xml" <<'XML'
<facts><fact><className>a.B</className><methodName>m</methodName><lineNumber>5</lineNumber><explanation>e</explanation><factType>T</factType></fact></facts>
XML`)
	cfgPath := writeConfig(t, dir, tool)
	archive := filepath.Join(dir, "program.zip")
	require.NoError(t, os.WriteFile(archive, []byte("PK"), 0o644))

	out, err := execRoot(t, "run", "--config", cfgPath, "--archive", archive, "--test-case", "T#m", "--token", "cli-1")
	require.NoError(t, err, out)

	var rep runReport
	require.NoError(t, json.Unmarshal([]byte(out), &rep), out)
	assert.Equal(t, "cli-1", rep.Token)
	require.Len(t, rep.Facts, 1)
	assert.Equal(t, 5, rep.Facts[0].LineNumber)
}

func TestRunFailure(t *testing.T) {
	dir := t.TempDir()
	tool := writeTool(t, dir, `exit 3`)
	cfgPath := writeConfig(t, dir, tool)
	archive := filepath.Join(dir, "program.zip")
	require.NoError(t, os.WriteFile(archive, []byte("PK"), 0o644))

	_, err := execRoot(t, "run", "--config", cfgPath, "--archive", archive, "--test-case", "T#m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit code 3")

	_, err = execRoot(t, "run", "--config", cfgPath, "--archive", archive+".nope", "--test-case", "T#m")
	assert.Error(t, err)

	_, err = execRoot(t, "run", "--config", cfgPath, "--archive", archive)
	assert.Error(t, err, "test-case is required")
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestServeAcceptsRequestsAndStops(t *testing.T) {
	dir := t.TempDir()
	tool := writeTool(t, dir, `sleep 30`)
	cfgPath := writeConfig(t, dir, tool)
	archive := filepath.Join(dir, "program.zip")
	require.NoError(t, os.WriteFile(archive, []byte("PK"), 0o644))

	addr, metricsAddr := freeAddr(t), freeAddr(t)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- runServe(ctx, &ServeFlags{ConfigPath: cfgPath, Listen: addr, MetricsListen: metricsAddr})
	}()

	base := "http://" + addr + "/api"
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/jobs")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	body := fmt.Sprintf(`{"archive_path":%q,"test_case":"T#m","token":"srv-1"}`, archive)
	resp, err := http.Post(base+"/requests", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
}
