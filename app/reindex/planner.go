package reindex

import (
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/vdimir/esmigrate/app/reindex/types"
)

// transformSource fills missing fields with defaults and drops removed fields while copying
const transformSource = `for (entry in params.defaults.entrySet()) {
  if (ctx._source[entry.getKey()] == null) { ctx._source[entry.getKey()] = entry.getValue(); }
}
for (field in params.remove) { ctx._source.remove(field); }`

// PlanRequest is the input of Planner
type PlanRequest struct {
	Logical        string
	Source         string // generation holding the live data
	CurrentMapping types.Mapping
	Requested      map[string]types.FieldChange
	Strategy       types.Strategy // override, empty to decide by mapping diff
	Existing       []string       // generations to avoid as destination
}

// Planner decides how mapping change can be applied. It never touches the engine.
//
// Additive-only changes are applied in place with lazy backfill. Any change of
// existing field type or analyzer, or field removal, requires full regeneration,
// because the engine can't retype already indexed data.
type Planner struct{}

// Plan computes migration plan for requested field changes
func (Planner) Plan(req PlanRequest) (types.MigrationPlan, error) {
	if req.Source == "" {
		return types.MigrationPlan{}, errors.Wrap(types.ErrInvalidRequest, "source generation is not set")
	}
	logical := req.Logical
	if logical == "" {
		logical, _, _ = parseGeneration(req.Source)
	}

	plan := types.MigrationPlan{
		Logical:       logical,
		Source:        req.Source,
		TargetMapping: req.CurrentMapping.Clone(),
	}

	names := make([]string, 0, len(req.Requested))
	for name := range req.Requested {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		change := req.Requested[name]
		current, has := req.CurrentMapping[name]
		switch {
		case change.Remove:
			removed := removeField(plan.TargetMapping, name)
			if !has && !removed {
				continue // nothing to remove
			}
			if strings.Contains(name, ".") {
				return types.MigrationPlan{}, errors.Wrapf(types.ErrInvalidRequest,
					"can't remove nested field %q, remove its top-level object instead", name)
			}
			plan.RemovedFields = append(plan.RemovedFields, name)
		case change.Type == "":
			return types.MigrationPlan{}, errors.Wrapf(types.ErrInvalidRequest, "field %q has no type", name)
		case !has:
			if change.Default != nil && strings.Contains(name, ".") {
				return types.MigrationPlan{}, errors.Wrapf(types.ErrInvalidRequest,
					"default value for nested field %q is not supported", name)
			}
			plan.FieldsToAdd = append(plan.FieldsToAdd, types.FieldAddition{Name: name, Spec: change.FieldSpec, Default: change.Default})
			plan.TargetMapping[name] = change.FieldSpec
		case current.Equal(inheritParams(change.FieldSpec, current)):
			continue // already there
		default:
			plan.ChangedFields = append(plan.ChangedFields, name)
			plan.TargetMapping[name] = inheritParams(change.FieldSpec, current)
		}
	}

	if len(plan.FieldsToAdd)+len(plan.ChangedFields)+len(plan.RemovedFields) == 0 {
		return types.MigrationPlan{}, errors.Wrapf(types.ErrNothingToDo, "mapping of %s already matches", req.Source)
	}

	additive := len(plan.ChangedFields) == 0 && len(plan.RemovedFields) == 0
	switch {
	case req.Strategy == types.StrategyLazyBackfill && !additive:
		return types.MigrationPlan{}, errors.Wrapf(types.ErrInvalidRequest,
			"lazy backfill can't change %v or remove %v, full regeneration is required", plan.ChangedFields, plan.RemovedFields)
	case additive && req.Strategy != types.StrategyFullRegeneration:
		for _, f := range plan.FieldsToAdd {
			if f.Default == nil {
				return types.MigrationPlan{}, errors.Wrapf(types.ErrInvalidRequest, "field %q needs default value for lazy backfill", f.Name)
			}
		}
		plan.Strategy = types.StrategyLazyBackfill
		plan.Reason = "additive-only change"
		return plan, nil
	}

	plan.Strategy = types.StrategyFullRegeneration
	plan.Dest = nextGeneration(logical, req.Source, req.Existing)
	plan.TransformScript = transformScript(plan.FieldsToAdd, plan.RemovedFields)
	switch {
	case len(plan.ChangedFields) > 0:
		plan.Reason = "existing fields changed: " + strings.Join(plan.ChangedFields, ", ")
	case len(plan.RemovedFields) > 0:
		plan.Reason = "fields removed: " + strings.Join(plan.RemovedFields, ", ")
	default:
		plan.Reason = "full regeneration requested"
	}
	return plan, nil
}

// inheritParams keeps multi-fields and other attributes of the current field
// unless the type changes or the request sets its own params
func inheritParams(requested, current types.FieldSpec) types.FieldSpec {
	if requested.Params == nil && requested.Type == current.Type {
		requested.Params = current.Params
	}
	return requested
}

// transformScript returns nil if documents can be copied as is
func transformScript(added []types.FieldAddition, removed []string) *types.Script {
	defaults := map[string]interface{}{}
	for _, f := range added {
		if f.Default != nil {
			defaults[f.Name] = f.Default
		}
	}
	if len(defaults) == 0 && len(removed) == 0 {
		return nil
	}
	remove := make([]string, len(removed))
	copy(remove, removed)
	return &types.Script{
		Source: transformSource,
		Lang:   "painless",
		Params: map[string]interface{}{"defaults": defaults, "remove": remove},
	}
}

// removeField drops field and all its nested fields, returns true if something was dropped
func removeField(m types.Mapping, name string) bool {
	removed := false
	for field := range m {
		if field == name || strings.HasPrefix(field, name+".") {
			delete(m, field)
			removed = true
		}
	}
	return removed
}
