package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kilnproc/kiln/internal/artifact"
	"github.com/kilnproc/kiln/internal/guestproto"
	"github.com/kilnproc/kiln/internal/loader"
	"github.com/kilnproc/kiln/internal/manifest"
	"github.com/kilnproc/kiln/internal/model"
	"github.com/kilnproc/kiln/internal/sandbox"
	"github.com/kilnproc/kiln/internal/store"
	"github.com/kilnproc/kiln/internal/translate"
)

// stubResolver resolves manifests without any I/O. Locators with a fail://
// scheme produce a resolution error; everything else resolves to a native
// artifact whose locator carries through to the stub fetcher.
type stubResolver struct{}

func (stubResolver) Resolve(_ context.Context, manifestLocator string) (*manifest.Resolution, error) {
	if strings.HasPrefix(manifestLocator, "fail://") {
		return nil, fmt.Errorf("no program entry for architecture")
	}
	return &manifest.Resolution{
		Program: model.ArtifactDescriptor{
			Locator: manifestLocator,
			Kind:    model.ArtifactNative,
			Role:    model.RoleMain,
		},
	}, nil
}

// stubFetcher materializes the locator string as the artifact bytes.
// Locators with a missing:// scheme produce a fetch error.
type stubFetcher struct {
	dir string
}

func (f stubFetcher) Fetch(_ context.Context, locator string) (*model.ArtifactHandle, error) {
	if strings.HasPrefix(locator, "missing://") {
		return nil, fmt.Errorf("fetch %s: connection refused", locator)
	}
	file, err := os.CreateTemp(f.dir, "artifact-*")
	if err != nil {
		return nil, err
	}
	if _, err := file.WriteString(locator); err != nil {
		file.Close()
		return nil, err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		file.Close()
		return nil, err
	}
	return model.NewArtifactHandle(file, file.Name()), nil
}

// stubEngine rejects every translation; API tests exercise the native path.
type stubEngine struct{}

func (stubEngine) Translate(context.Context, sandbox.Process, model.TranslationOptions) (*model.ArtifactHandle, error) {
	return nil, fmt.Errorf("translation not supported in stub")
}

// stubRuntime launches stubProcess instances. Artifacts whose bytes contain
// "crash" fail the launch, mimicking a module the guest refuses to exec.
type stubRuntime struct {
	isolation string
}

func (r *stubRuntime) Launch(_ context.Context, spec sandbox.LaunchSpec) (sandbox.Process, error) {
	data, err := sandbox.ReadArtifact(spec.Artifact)
	if err != nil {
		return nil, err
	}
	if strings.Contains(string(data), "crash") {
		return nil, fmt.Errorf("exec module: exec format error")
	}
	return &stubProcess{}, nil
}

func (r *stubRuntime) Capabilities() sandbox.Capabilities {
	return sandbox.Capabilities{
		Name:           "stub",
		Isolation:      r.isolation,
		SupportedRoles: []string{model.RoleMain, model.RoleTranslator},
	}
}

type stubProcess struct{}

func (*stubProcess) Terminate()          {}
func (*stubProcess) JoinServiceThreads() {}
func (*stubProcess) Call(context.Context, guestproto.Command) (*guestproto.Result, error) {
	return nil, fmt.Errorf("no guest channel in stub")
}

// compile-time interface checks for the stubs.
var (
	_ manifest.Resolver = stubResolver{}
	_ artifact.Fetcher  = stubFetcher{}
	_ translate.Engine  = stubEngine{}
	_ sandbox.Runtime   = (*stubRuntime)(nil)
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	// File-backed store: handlers read it while the loader loop writes, and
	// a shared :memory: database does not survive a second pool connection.
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "kiln.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	reg := sandbox.NewRegistry()
	reg.Register(model.IsolationMicroVM, &stubRuntime{isolation: model.IsolationMicroVM})
	reg.Register(model.IsolationNone, &stubRuntime{isolation: model.IsolationNone})

	mgr := loader.NewManager(loader.Deps{
		Registry: reg,
		Resolver: stubResolver{},
		Fetcher:  stubFetcher{dir: t.TempDir()},
		Engine:   stubEngine{},
		Reporter: loader.NewSlogReporter(logger),
		Store:    s,
		Logger:   logger,
	})
	t.Cleanup(mgr.Close)

	return NewServer(":0", s, reg, mgr, logger)
}

// createInstance posts a create request and decodes the snapshot response.
func createInstance(t *testing.T, ts *httptest.Server, body string) instanceResponse {
	t.Helper()
	resp, err := http.Post(ts.URL+"/api/v1/instances", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /api/v1/instances: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var created instanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return created
}

// getInstance fetches the instance detail view.
func getInstance(t *testing.T, ts *httptest.Server, id string) (instanceResponse, int) {
	t.Helper()
	resp, err := http.Get(ts.URL + "/api/v1/instances/" + id)
	if err != nil {
		t.Fatalf("GET /api/v1/instances/%s: %v", id, err)
	}
	defer resp.Body.Close()

	var got instanceResponse
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return got, resp.StatusCode
}

// waitForState polls the instance until it reaches the wanted pipeline state.
func waitForState(t *testing.T, ts *httptest.Server, id, want string) instanceResponse {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last instanceResponse
	for time.Now().Before(deadline) {
		got, status := getInstance(t, ts, id)
		if status == http.StatusOK {
			last = got
			if got.State == want {
				return got
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("instance %s never reached state %q (last state %q)", id, want, last.State)
	return instanceResponse{}
}

func TestPanicRecovery(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/panic")
	if err != nil {
		t.Fatalf("GET /panic: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestCORSHeaders(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest("OPTIONS", ts.URL+"/test", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS /test: %v", err)
	}
	defer resp.Body.Close()

	if v := resp.Header.Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "*")
	}
}

func TestHealthzReportsLiveInstances(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	check := func(want int) {
		t.Helper()
		resp, err := http.Get(ts.URL + "/healthz")
		if err != nil {
			t.Fatalf("GET /healthz: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		var hr healthResponse
		if err := json.NewDecoder(resp.Body).Decode(&hr); err != nil {
			t.Fatalf("decode healthz: %v", err)
		}
		if hr.Status != "ok" {
			t.Errorf("status = %q, want ok", hr.Status)
		}
		if hr.Instances != want {
			t.Errorf("instances = %d, want %d", hr.Instances, want)
		}
	}

	check(0)
	createInstance(t, ts, `{"manifest":"file:///mod/manifest.json"}`)
	check(1)
}

func TestListRuntimes(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/runtimes")
	if err != nil {
		t.Fatalf("GET /api/v1/runtimes: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var runtimes []sandbox.RuntimeInfo
	if err := json.NewDecoder(resp.Body).Decode(&runtimes); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(runtimes) != 2 {
		t.Fatalf("got %d runtimes, want 2", len(runtimes))
	}
	// Sorted by name.
	if runtimes[0].Name != model.IsolationMicroVM || runtimes[1].Name != model.IsolationNone {
		t.Errorf("runtime order = %q, %q", runtimes[0].Name, runtimes[1].Name)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	// Generate at least one counted request first.
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "kiln_http_requests_total") {
		t.Error("metrics output missing kiln_http_requests_total")
	}
}
