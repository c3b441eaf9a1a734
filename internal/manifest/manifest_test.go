package manifest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/kilnproc/kiln/internal/model"
)

// mapFetcher serves manifest documents from an in-memory map, writing each
// fetch to a temp file so handle ownership works like the real cache.
type mapFetcher struct {
	dir  string
	docs map[string]string
	err  error
}

func (f *mapFetcher) Fetch(ctx context.Context, locator string) (*model.ArtifactHandle, error) {
	if f.err != nil {
		return nil, f.err
	}
	doc, ok := f.docs[locator]
	if !ok {
		return nil, errors.New("open artifact: no such manifest")
	}
	tmp, err := os.CreateTemp(f.dir, "manifest-*")
	if err != nil {
		return nil, err
	}
	if _, err := tmp.WriteString(doc); err != nil {
		tmp.Close()
		return nil, err
	}
	if _, err := tmp.Seek(0, 0); err != nil {
		tmp.Close()
		return nil, err
	}
	return model.NewArtifactHandle(tmp, tmp.Name()), nil
}

// newTestResolver pins the architecture so the tests behave the same on any
// host.
func newTestResolver(t *testing.T, docs map[string]string) *JSONResolver {
	t.Helper()
	return &JSONResolver{
		fetcher: &mapFetcher{dir: t.TempDir(), docs: docs},
		logger:  slog.New(slog.NewJSONHandler(io.Discard, nil)),
		arch:    "amd64",
	}
}

func TestResolveNativeEntry(t *testing.T) {
	r := newTestResolver(t, map[string]string{
		"https://mods.example.com/app/manifest.json": `{
			"name": "app",
			"program": {
				"amd64": {"locator": "module.bin"}
			}
		}`,
	})

	res, err := r.Resolve(context.Background(), "https://mods.example.com/app/manifest.json")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Program.Kind != model.ArtifactNative {
		t.Errorf("kind = %q, want %q", res.Program.Kind, model.ArtifactNative)
	}
	if res.Program.Role != model.RoleMain {
		t.Errorf("role = %q, want %q", res.Program.Role, model.RoleMain)
	}
	if res.Translate {
		t.Error("native entry requested translation")
	}
	if want := "https://mods.example.com/app/module.bin"; res.Program.Locator != want {
		t.Errorf("locator = %q, want %q", res.Program.Locator, want)
	}
}

func TestResolvePortableFallback(t *testing.T) {
	r := newTestResolver(t, map[string]string{
		"file:///srv/mods/manifest.json": `{
			"name": "app",
			"program": {
				"portable": {
					"locator": "module.pexe",
					"translate": {"apply_whole_program_opt": true, "debug_info_level": 2}
				}
			}
		}`,
	})

	res, err := r.Resolve(context.Background(), "file:///srv/mods/manifest.json")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Program.Kind != model.ArtifactPortable {
		t.Errorf("kind = %q, want %q", res.Program.Kind, model.ArtifactPortable)
	}
	if !res.Translate {
		t.Error("portable entry did not request translation")
	}
	if !res.Options.ApplyWholeProgramOpt || res.Options.DebugInfoLevel != 2 {
		t.Errorf("options = %+v, want the manifest's translate knobs", res.Options)
	}
	if want := "file:///srv/mods/module.pexe"; res.Program.Locator != want {
		t.Errorf("locator = %q, want %q", res.Program.Locator, want)
	}
}

func TestResolvePrefersNativeOverPortable(t *testing.T) {
	r := newTestResolver(t, map[string]string{
		"file:///srv/manifest.json": `{
			"program": {
				"amd64": {"locator": "module.bin"},
				"portable": {"locator": "module.pexe"}
			}
		}`,
	})

	res, err := r.Resolve(context.Background(), "file:///srv/manifest.json")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Program.Kind != model.ArtifactNative || res.Translate {
		t.Errorf("resolution = %+v, want the native entry without translation", res)
	}
}

func TestResolveNoEntryForArchitecture(t *testing.T) {
	r := newTestResolver(t, map[string]string{
		"file:///srv/manifest.json": `{
			"program": {
				"s390x": {"locator": "module.bin"}
			}
		}`,
	})

	_, err := r.Resolve(context.Background(), "file:///srv/manifest.json")
	if err == nil || !strings.Contains(err.Error(), "no entry for architecture") {
		t.Fatalf("err = %v, want the missing-architecture diagnostic", err)
	}
}

func TestResolveEmptyProgram(t *testing.T) {
	r := newTestResolver(t, map[string]string{
		"file:///srv/manifest.json": `{"name": "app", "program": {}}`,
	})

	_, err := r.Resolve(context.Background(), "file:///srv/manifest.json")
	if err == nil || !strings.Contains(err.Error(), "no program entries") {
		t.Fatalf("err = %v, want the empty-program diagnostic", err)
	}
}

func TestResolveEmptyLocator(t *testing.T) {
	r := newTestResolver(t, map[string]string{
		"file:///srv/manifest.json": `{
			"program": {
				"amd64": {"locator": ""}
			}
		}`,
	})

	_, err := r.Resolve(context.Background(), "file:///srv/manifest.json")
	if err == nil || !strings.Contains(err.Error(), "empty locator") {
		t.Fatalf("err = %v, want the empty-locator diagnostic", err)
	}
}

func TestResolveAbsoluteLocatorUnchanged(t *testing.T) {
	r := newTestResolver(t, map[string]string{
		"file:///srv/manifest.json": `{
			"program": {
				"amd64": {"locator": "https://cdn.example.com/module.bin"}
			}
		}`,
	})

	res, err := r.Resolve(context.Background(), "file:///srv/manifest.json")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if want := "https://cdn.example.com/module.bin"; res.Program.Locator != want {
		t.Errorf("locator = %q, want %q", res.Program.Locator, want)
	}
}

func TestResolveInvalidJSON(t *testing.T) {
	r := newTestResolver(t, map[string]string{
		"file:///srv/manifest.json": `{not json`,
	})

	_, err := r.Resolve(context.Background(), "file:///srv/manifest.json")
	if err == nil || !strings.Contains(err.Error(), "parse manifest") {
		t.Fatalf("err = %v, want a parse diagnostic", err)
	}
}

func TestResolveFetchFailure(t *testing.T) {
	r := &JSONResolver{
		fetcher: &mapFetcher{err: errors.New("connection refused")},
		logger:  slog.New(slog.NewJSONHandler(io.Discard, nil)),
		arch:    "amd64",
	}

	_, err := r.Resolve(context.Background(), "https://mods.example.com/manifest.json")
	if err == nil || !strings.Contains(err.Error(), "fetch manifest") {
		t.Fatalf("err = %v, want a fetch diagnostic", err)
	}
}

func TestResolveNonIsolated(t *testing.T) {
	r := newTestResolver(t, map[string]string{
		"file:///srv/manifest.json": `{
			"program": {
				"amd64": {"locator": "module.bin"}
			},
			"non_isolated": true
		}`,
	})

	res, err := r.Resolve(context.Background(), "file:///srv/manifest.json")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !res.NonIsolated {
		t.Error("non_isolated flag was dropped")
	}
}
