// Package e2e exercises the built mediacraft binary over HTTP. The engine
// binaries are replaced with stub shell scripts so the full submit → dispatch
// → engine → download path runs without a real ffmpeg install.
package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

const (
	startupTimeout = 10 * time.Second
	pollInterval   = 100 * time.Millisecond
)

// logSink collects subprocess output; the test goroutine reads it while the
// server process writes.
type logSink struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *logSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	n, err := s.buf.Write(p)
	s.mu.Unlock()
	return n, err
}

func (s *logSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

// serverProc holds a running server subprocess and its output.
type serverProc struct {
	cmd     *exec.Cmd
	stdout  *logSink
	url     string
	dataDir string
}

var (
	builtBinary string
	buildOnce   sync.Once
	buildErr    error
)

// getBinary builds cmd/mediacraft once per test run. The binary lands outside
// any t.TempDir so later tests can reuse it.
func getBinary(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "mediacraft-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		bin := filepath.Join(dir, "mediacraft")
		build := exec.Command("go", "build", "-o", bin, "./cmd/mediacraft")
		build.Dir = moduleRoot(t)
		if out, err := build.CombinedOutput(); err != nil {
			buildErr = fmt.Errorf("go build failed: %w\n%s", err, out)
			return
		}
		builtBinary = bin
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return builtBinary
}

// moduleRoot walks up from the test's working directory to the go.mod.
func moduleRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for ; ; dir = filepath.Dir(dir) {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		if dir == filepath.Dir(dir) {
			t.Fatal("no go.mod above the test directory")
		}
	}
}

// writeStubEngine drops fake ffmpeg/ffprobe scripts into dir. The ffmpeg stub
// answers -version, optionally sleeps (STUB_FFMPEG_SLEEP seconds) or fails
// (STUB_FFMPEG_FAIL), and otherwise writes a small artifact to the output
// path, which ffmpeg argument lists put last. The ffprobe stub reports a
// fixed duration for any input.
func writeStubEngine(t *testing.T, dir string) (ffmpeg, ffprobe string) {
	t.Helper()

	ffmpegBody := `#!/bin/sh
case "$1" in
-version)
	echo "ffmpeg version 6.0-stub"
	exit 0
	;;
esac
if [ -n "$STUB_FFMPEG_SLEEP" ]; then
	sleep "$STUB_FFMPEG_SLEEP"
fi
if [ -n "$STUB_FFMPEG_FAIL" ]; then
	echo "stub: simulated encoder failure" >&2
	exit 1
fi
for out do :; done
printf 'stub video data' > "$out"
`
	ffprobeBody := `#!/bin/sh
echo "3.500000"
`

	ffmpeg = filepath.Join(dir, "ffmpeg")
	ffprobe = filepath.Join(dir, "ffprobe")
	if err := os.WriteFile(ffmpeg, []byte(ffmpegBody), 0o755); err != nil {
		t.Fatalf("write ffmpeg stub: %v", err)
	}
	if err := os.WriteFile(ffprobe, []byte(ffprobeBody), 0o755); err != nil {
		t.Fatalf("write ffprobe stub: %v", err)
	}
	return ffmpeg, ffprobe
}

// serverOpts tweaks one server launch. A zero value gets a fresh data dir
// and default configuration.
type serverOpts struct {
	dataDir string
	env     map[string]string
}

// freeAddr reserves an ephemeral port and immediately releases it for the
// server to bind.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().String()
}

func startServer(t *testing.T, binary string, opts serverOpts) *serverProc {
	t.Helper()

	addr := freeAddr(t)
	dataDir := opts.dataDir
	if dataDir == "" {
		dataDir = t.TempDir()
	}
	ffmpeg, ffprobe := writeStubEngine(t, t.TempDir())

	stdout := &logSink{}
	cmd := exec.Command(binary)
	cmd.Env = append(os.Environ(),
		"MEDIACRAFT_LISTEN_ADDR="+addr,
		"MEDIACRAFT_DATA_DIR="+dataDir,
		"MEDIACRAFT_LOG_LEVEL=info",
		"MEDIACRAFT_FFMPEG_BIN="+ffmpeg,
		"MEDIACRAFT_FFPROBE_BIN="+ffprobe,
	)
	for k, v := range opts.env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	sp := &serverProc{
		cmd:     cmd,
		stdout:  stdout,
		url:     "http://" + addr,
		dataDir: dataDir,
	}

	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	waitReady(t, sp)
	return sp
}

// waitReady blocks until /healthz answers 200 or the startup window closes.
func waitReady(t *testing.T, sp *serverProc) {
	t.Helper()
	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(sp.url + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("server not ready after %v\noutput:\n%s", startupTimeout, sp.stdout.String())
}

// rawServerCommand builds a server process with the usual stub-engine
// environment but does not start it or wait for readiness. Tests that expect
// startup to fail use this instead of startServer. Entries in extraEnv win
// over the defaults.
func rawServerCommand(t *testing.T, binary, dataDir string, extraEnv map[string]string) (*exec.Cmd, *logSink) {
	t.Helper()

	ffmpeg, ffprobe := writeStubEngine(t, t.TempDir())
	stdout := &logSink{}
	cmd := exec.Command(binary)
	cmd.Env = append(os.Environ(),
		"MEDIACRAFT_LISTEN_ADDR=127.0.0.1:0",
		"MEDIACRAFT_DATA_DIR="+dataDir,
		"MEDIACRAFT_LOG_LEVEL=info",
		"MEDIACRAFT_FFMPEG_BIN="+ffmpeg,
		"MEDIACRAFT_FFPROBE_BIN="+ffprobe,
	)
	for k, v := range extraEnv {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stdout
	return cmd, stdout
}

// kill terminates the server immediately, simulating a crash.
func (sp *serverProc) kill(t *testing.T) {
	t.Helper()
	if err := sp.cmd.Process.Kill(); err != nil {
		t.Fatalf("kill server: %v", err)
	}
	sp.cmd.Wait()
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == 200 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	} else {
		io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode
}

// submitTask posts a task and returns its ID, failing the test on anything
// but 202.
func submitTask(t *testing.T, sp *serverProc, body string) string {
	t.Helper()
	resp := postJSON(t, sp.url+"/v1/tasks", body)
	defer resp.Body.Close()

	if resp.StatusCode != 202 {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("submit status = %d, want 202\nbody: %s", resp.StatusCode, raw)
	}
	var task map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	id, ok := task["id"].(string)
	if !ok || len(id) != 26 {
		t.Fatalf("id = %v, expected 26-char ULID", task["id"])
	}
	if task["status"] != "queued" {
		t.Fatalf("status = %v, want queued on submit", task["status"])
	}
	return id
}

// mergeBody builds a minimal merge submission over two throwaway input paths.
func mergeBody(owner string) string {
	return fmt.Sprintf(`{"type":"merge","owner":%q,"input_refs":["/in/a.mp4","/in/b.mp4"]}`, owner)
}

// getTask fetches one task record as a generic map.
func getTask(t *testing.T, sp *serverProc, id string) map[string]any {
	t.Helper()
	var task map[string]any
	if code := getJSON(t, sp.url+"/v1/tasks/"+id, &task); code != 200 {
		t.Fatalf("GET task %s: status %d", id, code)
	}
	return task
}

// waitTaskStatus polls a task until it reaches the wanted status.
func waitTaskStatus(t *testing.T, sp *serverProc, id, want string, timeout time.Duration) map[string]any {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last string
	for time.Now().Before(deadline) {
		task := getTask(t, sp, id)
		last, _ = task["status"].(string)
		if last == want {
			return task
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("task %s stuck in %q, want %q within %v\nserver output:\n%s",
		id, last, want, timeout, sp.stdout.String())
	return nil
}

// stats fetches /v1/stats and returns the by-status counts.
func stats(t *testing.T, sp *serverProc) map[string]int {
	t.Helper()
	var body struct {
		ByStatus map[string]int `json:"by_status"`
	}
	if code := getJSON(t, sp.url+"/v1/stats", &body); code != 200 {
		t.Fatalf("GET /v1/stats: status %d", code)
	}
	return body.ByStatus
}

// waitStats polls /v1/stats until cond is satisfied.
func waitStats(t *testing.T, sp *serverProc, timeout time.Duration, cond func(map[string]int) bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond(stats(t, sp)) {
			return
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("%s\nlast stats: %v", msg, stats(t, sp))
}
