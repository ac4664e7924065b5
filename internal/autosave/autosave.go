// Package autosave implements the Auto-Save Layer (§4.6): it converts an
// atom's in-memory CSV result into a stored file via the BlobStore,
// synthesizes the output filename, and returns the path and alias in an
// Outcome; the engine, not this package, registers the alias → path mapping
// the rest of the engine resolves through. The filename sanitizer reuses
// the teacher's SanitizeName idiom from common/llm/llm.go (a regex-based
// character filter), adapted from "valid OpenAI participant name" to
// "valid blob-store key segment".
package autosave

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/basegraph-relay/reactor/internal/atom"
	"github.com/basegraph-relay/reactor/internal/domain"
	"github.com/basegraph-relay/reactor/internal/store"
)

const dataUploadValidateAtomID = "data-upload-validate"

var keySanitizer = regexp.MustCompile(`[^a-zA-Z0-9_.\-/]`)

// SanitizeKey adapts an arbitrary alias/description into a safe blob-store
// key segment, collapsing anything outside the safe character set to `_`.
func SanitizeKey(s string) string {
	return keySanitizer.ReplaceAllString(s, "_")
}

// Clock is injected so filename timestamps are deterministic under test,
// per the §9 design note on hidden global singletons.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the production Clock.
var SystemClock Clock = systemClock{}

// Outcome is the result of an auto-save attempt.
type Outcome struct {
	Path     string
	Alias    string
	Degraded bool // true if save failed; step is still considered executed
}

// AutoSaver persists an atom's dataset output and reports the path and alias
// it saved under; it does not register the alias itself.
type AutoSaver struct {
	blobs    store.BlobStore
	registry *atom.Registry
	clock    Clock
}

// New builds an AutoSaver.
func New(blobs store.BlobStore, registry *atom.Registry, clock Clock) *AutoSaver {
	if clock == nil {
		clock = SystemClock
	}
	return &AutoSaver{blobs: blobs, registry: registry, clock: clock}
}

// Save persists the atom's produced dataset, if any, and returns the
// registered path/alias. Atoms that do not produce a dataset (per the Atom
// Registry capability) are a no-op returning a zero Outcome. The special
// case for data-upload-validate preserves its reported path verbatim
// instead of synthesizing a new one.
func (s *AutoSaver) Save(ctx context.Context, plan domain.StepPlan, result domain.AtomResult) (Outcome, error) {
	if !s.registry.ProducesDataset(plan.AtomID) {
		return Outcome{}, nil
	}

	if plan.AtomID == dataUploadValidateAtomID {
		path := result.ExtractOutputFile(plan.AtomID)
		if path == "" {
			return Outcome{Degraded: true}, fmt.Errorf("data-upload-validate result carried no saved path")
		}
		return Outcome{Path: path, Alias: plan.OutputAlias}, nil
	}

	payload := result.ExtractCSVPayload()
	if payload == nil {
		return Outcome{Degraded: true}, fmt.Errorf("atom %q result carried no savable payload", plan.AtomID)
	}

	key := synthesizeKey(plan.OutputAlias, s.clock.Now())
	if err := s.blobs.Put(ctx, key, payload); err != nil {
		return Outcome{Degraded: true}, fmt.Errorf("auto-save %q: %w", key, err)
	}

	return Outcome{Path: key, Alias: plan.OutputAlias}, nil
}

// synthesizeKey builds `<output_alias>_<UTC timestamp>.arrow`, sanitized to
// a safe blob-store key segment (§4.6).
func synthesizeKey(alias string, now time.Time) string {
	base := strings.TrimSpace(alias)
	if base == "" {
		base = "output"
	}
	stamp := now.UTC().Format("20060102T150405Z")
	return SanitizeKey(fmt.Sprintf("%s_%s.arrow", base, stamp))
}
