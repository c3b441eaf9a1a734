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
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	startupTimeout = 10 * time.Second
	loadTimeout    = 30 * time.Second
	pollInterval   = 100 * time.Millisecond
)

// moduleScript is the native "module" test instances run: it prints one line
// and parks. exec replaces the shell so the guest agent's kill reaches the
// real process.
const moduleScript = "#!/bin/sh\necho \"module online\"\nexec sleep 300\n"

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

// serverProc holds the running daemon subprocess and its output.
type serverProc struct {
	cmd    *exec.Cmd
	stdout *lockedBuffer
	url    string
}

var (
	binDir    string
	buildOnce sync.Once
	buildErr  error
)

// buildBinaries compiles the daemon and the guest agent once per test run
// and returns their paths.
func buildBinaries(t *testing.T) (daemon, guest string) {
	t.Helper()
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "kiln-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		root := findRepoRoot(t)
		for _, target := range []struct{ bin, pkg string }{
			{"kilnd", "./cmd/kilnd"},
			{"kiln-guest", "./cmd/kiln-guest"},
		} {
			cmd := exec.Command("go", "build", "-o", filepath.Join(dir, target.bin), target.pkg)
			cmd.Dir = root
			out, err := cmd.CombinedOutput()
			if err != nil {
				buildErr = fmt.Errorf("go build %s failed: %w\n%s", target.pkg, err, out)
				return
			}
		}
		binDir = dir
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return filepath.Join(binDir, "kilnd"), filepath.Join(binDir, "kiln-guest")
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

// startServer launches a daemon on a free port with the proc runtime wired
// to the built guest agent. extraEnv entries override the defaults.
func startServer(t *testing.T, extraEnv ...string) *serverProc {
	t.Helper()
	daemon, guest := buildBinaries(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	workDir := t.TempDir()

	stdout := &lockedBuffer{}
	cmd := exec.Command(daemon)
	cmd.Env = append(os.Environ(),
		"KILN_LISTEN_ADDR="+addr,
		"KILN_DB_PATH="+filepath.Join(workDir, "kiln.db"),
		"KILN_LOG_LEVEL=info",
		"KILN_ARTIFACT_CACHE_DIR="+filepath.Join(workDir, "artifacts"),
		"KILN_PROC_GUEST_BIN="+guest,
		"KILN_PROC_WORK_DIR="+workDir,
		// Keep the microvm runtime unregistered even when the host
		// environment carries a kernel path.
		"KILN_FC_KERNEL_PATH=",
	)
	cmd.Env = append(cmd.Env, extraEnv...)
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	sp := &serverProc{
		cmd:    cmd,
		stdout: stdout,
		url:    "http://" + addr,
	}

	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(sp.url + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == 200 {
				return sp
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("server did not become ready within %v\nstdout:\n%s", startupTimeout, stdout.String())
	return nil
}

// writeExecutable writes an artifact with the executable bit set and returns
// its absolute path.
func writeExecutable(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

// writeManifest marshals a manifest document into dir and returns its file
// locator. Program entries with relative locators resolve against it.
func writeManifest(t *testing.T, dir, name string, doc map[string]any) string {
	t.Helper()
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return "file://" + path
}

// nativeManifest writes a runnable module plus a manifest whose program
// entry matches the host architecture, returning the manifest locator.
func nativeManifest(t *testing.T, dir string) string {
	t.Helper()
	writeExecutable(t, dir, "module.sh", moduleScript)
	return writeManifest(t, dir, "manifest.json", map[string]any{
		"name": "e2e-module",
		"program": map[string]any{
			runtime.GOARCH: map[string]any{"locator": "module.sh"},
		},
	})
}

// createInstance posts a load request for the manifest under the
// non-isolated runtime and returns the created snapshot.
func createInstance(t *testing.T, sp *serverProc, manifest string) map[string]any {
	t.Helper()
	payload := fmt.Sprintf(`{"manifest":%q,"isolation":"none"}`, manifest)
	resp, err := http.Post(sp.url+"/api/v1/instances", "application/json", bytes.NewBufferString(payload))
	if err != nil {
		t.Fatalf("POST /api/v1/instances: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 201 {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("create instance: status = %d, want 201\nbody: %s", resp.StatusCode, body)
	}
	var inst map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&inst); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	return inst
}

// getJSON fetches url and decodes the JSON body, returning it with the
// response status.
func getJSON(t *testing.T, url string) (map[string]any, int) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()

	var doc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return doc, resp.StatusCode
}

// waitForTerminal polls the instance until its pipeline settles and returns
// the terminal snapshot.
func waitForTerminal(t *testing.T, sp *serverProc, id string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(loadTimeout)
	for time.Now().Before(deadline) {
		doc, status := getJSON(t, sp.url+"/api/v1/instances/"+id)
		if status == 200 {
			switch doc["state"] {
			case "loaded", "failed", "canceled":
				return doc
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("instance %s did not settle within %v\nserver output:\n%s", id, loadTimeout, sp.stdout.String())
	return nil
}

// outcomeCode digs the attempt outcome's error code out of a snapshot.
func outcomeCode(doc map[string]any) string {
	outcome, ok := doc["outcome"].(map[string]any)
	if !ok {
		return ""
	}
	code, _ := outcome["error_code"].(string)
	return code
}

// historyStates extracts the state-transition sequence from an event history
// response.
func historyStates(doc map[string]any) []string {
	events, _ := doc["events"].([]any)
	var states []string
	for _, raw := range events {
		evt, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if evt["kind"] == "state" {
			state, _ := evt["state"].(string)
			states = append(states, state)
		}
	}
	return states
}

// waitForGuestLog polls the instance's event history until a guest log line
// containing substr shows up.
func waitForGuestLog(t *testing.T, sp *serverProc, id, substr string) {
	t.Helper()
	deadline := time.Now().Add(loadTimeout)
	var lastDoc map[string]any
	for time.Now().Before(deadline) {
		doc, status := getJSON(t, sp.url+"/api/v1/instances/"+id+"/events/history")
		if status == 200 {
			lastDoc = doc
			events, _ := doc["events"].([]any)
			for _, raw := range events {
				evt, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				detail, _ := evt["detail"].(string)
				if evt["kind"] == "guest_log" && strings.Contains(detail, substr) {
					return
				}
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("guest log %q never appeared for instance %s\nlast history: %v", substr, id, lastDoc)
}
