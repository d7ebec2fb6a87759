package reindex

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/pkg/errors"

	"github.com/vdimir/esmigrate/app/reindex/engine"
	"github.com/vdimir/esmigrate/app/reindex/types"
)

// Generation is a physical index holding one version of the mapping
type Generation struct {
	Name      string        `json:"name"`
	Mapping   types.Mapping `json:"mapping,omitempty"`
	CreatedAt time.Time     `json:"created_at,omitempty"`
	DocCount  int64         `json:"doc_count"` // observed, not authoritative
}

// GenerationManager is the only component creating and deleting generations
type GenerationManager struct {
	engine engine.Interface
}

// NewGenerationManager makes GenerationManager on top of engine client
func NewGenerationManager(e engine.Interface) *GenerationManager {
	return &GenerationManager{engine: e}
}

// Create makes empty generation with exactly the given mapping and analysis settings, analysis may be nil.
// Name used by another index or alias is ErrAlreadyExists, caller should pick another name.
func (g *GenerationManager) Create(ctx context.Context, name string, mapping types.Mapping, analysis json.RawMessage) (Generation, error) {
	if name == "" {
		return Generation{}, errors.Wrap(types.ErrInvalidRequest, "empty generation name")
	}
	if len(mapping) == 0 {
		return Generation{}, errors.Wrapf(types.ErrInvalidRequest, "explicit mapping is required for %s", name)
	}
	for field, spec := range mapping {
		if spec.Type == "" {
			return Generation{}, errors.Wrapf(types.ErrInvalidRequest, "field %q of %s has no type", field, name)
		}
	}

	exists, err := g.engine.IndexExists(ctx, name)
	if err != nil {
		return Generation{}, errors.Wrapf(err, "can't check generation %s", name)
	}
	if exists {
		return Generation{}, errors.Wrapf(types.ErrAlreadyExists, "generation %s", name)
	}

	if err = g.engine.CreateIndex(ctx, name, mapping, analysis); err != nil {
		return Generation{}, errors.Wrapf(err, "can't create generation %s", name)
	}
	log.Printf("[INFO] generation %s created with fields %v", name, mapping.Fields())
	return Generation{Name: name, Mapping: mapping.Clone(), CreatedAt: time.Now()}, nil
}

// Delete removes generation. Missing generation is not an error, so retries after
// partial failure are safe. Names of aliases are refused, only physical generations can be deleted.
func (g *GenerationManager) Delete(ctx context.Context, name string) error {
	isAlias, err := g.engine.AliasExists(ctx, name)
	if err != nil {
		return errors.Wrapf(err, "can't check alias %s", name)
	}
	if isAlias {
		return errors.Wrapf(types.ErrPrecondition, "%s is an alias, not a generation", name)
	}

	err = g.engine.DeleteIndex(ctx, name)
	if errors.Is(err, types.ErrNotFound) {
		log.Printf("[DEBUG] generation %s already deleted", name)
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "can't delete generation %s", name)
	}
	log.Printf("[INFO] generation %s deleted", name)
	return nil
}

// Exists checks if generation exists
func (g *GenerationManager) Exists(ctx context.Context, name string) (bool, error) {
	return g.engine.IndexExists(ctx, name)
}

// Describe returns mapping and current document count of the generation
func (g *GenerationManager) Describe(ctx context.Context, name string) (Generation, error) {
	mapping, err := g.engine.GetMapping(ctx, name)
	if err != nil {
		return Generation{}, errors.Wrapf(err, "can't get mapping of %s", name)
	}
	cnt, err := g.engine.Count(ctx, name, nil)
	if err != nil {
		return Generation{}, errors.Wrapf(err, "can't count documents of %s", name)
	}
	return Generation{Name: name, Mapping: mapping, DocCount: cnt}, nil
}

// List returns generations of the logical name ordered by version.
// Legacy index named exactly as logical name is the first one.
func (g *GenerationManager) List(ctx context.Context, logical string) ([]string, error) {
	names, err := g.engine.ListIndices(ctx, logical+"_v*")
	if err != nil {
		return nil, errors.Wrapf(err, "can't list generations of %s", logical)
	}

	res := make([]string, 0, len(names)+1)
	for _, n := range names {
		if base, _, ok := parseGeneration(n); ok && base == logical {
			res = append(res, n)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		_, vi, _ := parseGeneration(res[i])
		_, vj, _ := parseGeneration(res[j])
		return vi < vj
	})

	legacy, err := g.isConcreteIndex(ctx, logical)
	if err != nil {
		return nil, err
	}
	if legacy {
		res = append([]string{logical}, res...)
	}
	return res, nil
}

func (g *GenerationManager) isConcreteIndex(ctx context.Context, name string) (bool, error) {
	exists, err := g.engine.IndexExists(ctx, name)
	if err != nil || !exists {
		return false, errors.Wrapf(err, "can't check index %s", name)
	}
	isAlias, err := g.engine.AliasExists(ctx, name)
	if err != nil {
		return false, errors.Wrapf(err, "can't check alias %s", name)
	}
	return !isAlias, nil
}

var generationRe = regexp.MustCompile(`^(.+)_v(\d+)$`)

// parseGeneration splits "posts_v3" to ("posts", 3)
func parseGeneration(name string) (base string, version int, ok bool) {
	m := generationRe.FindStringSubmatch(name)
	if m == nil {
		return name, 1, false
	}
	v, err := strconv.Atoi(m[2])
	if err != nil {
		return name, 1, false
	}
	return m[1], v, true
}

// generationName makes physical name of the version
func generationName(logical string, version int) string {
	return fmt.Sprintf("%s_v%d", logical, version)
}

// nextGeneration picks the name following source and all existing generations of the logical name.
// Unversioned source counts as version 1, so "posts" is followed by "posts_v2".
func nextGeneration(logical, source string, existing []string) string {
	base, version, ok := parseGeneration(source)
	if logical == "" {
		logical = base
	}
	if !ok || base != logical {
		version = 1
		if source == "" {
			version = 0
		}
	}
	for _, name := range existing {
		if b, v, ok := parseGeneration(name); ok && b == logical && v > version {
			version = v
		}
	}
	return generationName(logical, version+1)
}
