// Package manifest resolves which artifact an instance should run. A
// manifest is a JSON document mapping host architectures to native artifact
// entries, with an optional portable entry that requires ahead-of-time
// translation when no native match exists.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"runtime"

	"github.com/kilnproc/kiln/internal/artifact"
	"github.com/kilnproc/kiln/internal/model"
)

// maxManifestSize bounds how much of a manifest document is read (1 MiB).
const maxManifestSize = 1 << 20

// PortableKey is the program key for the architecture-independent entry.
const PortableKey = "portable"

// Resolver turns a manifest locator into the artifact the attempt should
// run. One call per load attempt.
type Resolver interface {
	Resolve(ctx context.Context, manifestLocator string) (*Resolution, error)
}

// Resolution is the immutable outcome of manifest resolution.
type Resolution struct {
	// Program describes the artifact to load.
	Program model.ArtifactDescriptor
	// Translate is set when Program is portable and must be translated
	// before it can start.
	Translate bool
	// Options carry the manifest's translation knobs; meaningful only when
	// Translate is set.
	Options model.TranslationOptions
	// NonIsolated is the manifest's request to run without hardware
	// isolation, used for diagnostics and bootstrapping.
	NonIsolated bool
}

// Document is the on-disk manifest format.
type Document struct {
	Name        string                  `json:"name"`
	Program     map[string]ProgramEntry `json:"program"`
	NonIsolated bool                    `json:"non_isolated,omitempty"`
}

// ProgramEntry is one artifact choice within a manifest. Architecture keys
// (amd64, arm64, ...) name native artifacts; the portable key may carry
// translation options.
type ProgramEntry struct {
	Locator   string                    `json:"locator"`
	Translate *model.TranslationOptions `json:"translate,omitempty"`
}

// JSONResolver fetches and parses JSON manifests through the artifact
// fetcher, so manifests cache and age out the same way artifacts do.
type JSONResolver struct {
	fetcher artifact.Fetcher
	logger  *slog.Logger
	arch    string
}

// NewResolver creates a resolver selecting entries for the host architecture.
func NewResolver(fetcher artifact.Fetcher, logger *slog.Logger) *JSONResolver {
	return &JSONResolver{fetcher: fetcher, logger: logger, arch: runtime.GOARCH}
}

// Resolve implements Resolver.
func (r *JSONResolver) Resolve(ctx context.Context, manifestLocator string) (*Resolution, error) {
	h, err := r.fetcher.Fetch(ctx, manifestLocator)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	f := h.Take()
	if f == nil {
		return nil, fmt.Errorf("manifest %s: handle already consumed", manifestLocator)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxManifestSize))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	res, err := r.resolve(manifestLocator, &doc)
	if err != nil {
		return nil, err
	}

	r.logger.Debug("manifest resolved",
		"manifest", manifestLocator,
		"name", doc.Name,
		"kind", res.Program.Kind,
		"locator", res.Program.Locator,
	)
	return res, nil
}

// resolve picks the program entry for the host: an exact architecture match
// wins, otherwise the portable entry with translation requested.
func (r *JSONResolver) resolve(base string, doc *Document) (*Resolution, error) {
	if len(doc.Program) == 0 {
		return nil, fmt.Errorf("manifest has no program entries")
	}

	if entry, ok := doc.Program[r.arch]; ok {
		loc, err := resolveLocator(base, entry.Locator)
		if err != nil {
			return nil, err
		}
		return &Resolution{
			Program: model.ArtifactDescriptor{
				Locator: loc,
				Kind:    model.ArtifactNative,
				Role:    model.RoleMain,
			},
			NonIsolated: doc.NonIsolated,
		}, nil
	}

	entry, ok := doc.Program[PortableKey]
	if !ok {
		return nil, fmt.Errorf("manifest has no entry for architecture %s and no portable fallback", r.arch)
	}
	loc, err := resolveLocator(base, entry.Locator)
	if err != nil {
		return nil, err
	}
	res := &Resolution{
		Program: model.ArtifactDescriptor{
			Locator: loc,
			Kind:    model.ArtifactPortable,
			Role:    model.RoleMain,
		},
		Translate:   true,
		NonIsolated: doc.NonIsolated,
	}
	if entry.Translate != nil {
		res.Options = *entry.Translate
	}
	return res, nil
}

// resolveLocator resolves a possibly-relative program locator against the
// manifest's own locator, so manifests can ship next to their artifacts.
func resolveLocator(base, loc string) (string, error) {
	if loc == "" {
		return "", fmt.Errorf("program entry has an empty locator")
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse manifest locator: %w", err)
	}
	ref, err := url.Parse(loc)
	if err != nil {
		return "", fmt.Errorf("parse program locator %q: %w", loc, err)
	}
	return baseURL.ResolveReference(ref).String(), nil
}
