package reindex

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/vdimir/esmigrate/app/reindex/engine"
	"github.com/vdimir/esmigrate/app/reindex/types"
)

// fakeEngine is in-memory engine with strict mappings, atomic alias updates and polled tasks
type fakeEngine struct {
	mu      sync.Mutex
	indices map[string]*fakeIndex
	aliases map[string]map[string]bool // alias -> indices
	tasks   map[string]*fakeTask
	taskSeq int

	pollsToComplete int   // polls reporting running state before completion
	neverComplete   bool  // tasks stay running forever
	statusFailures  int   // number of next TaskStatus calls failing with statusErr
	statusErr       error // error returned by failing TaskStatus
	taskFailure     string
	failOn          map[string]error // method or "method index" -> error returned instead of doing anything
	failOnce        map[string]error // same as failOn, for a single call
	beforeAliases   func()           // called before UpdateAliases applies actions

	statusCalls  int
	aliasUpdates [][]engine.AliasAction
}

type fakeIndex struct {
	mapping  types.Mapping
	analysis json.RawMessage
	docs    map[string]map[string]interface{}
}

type fakeTask struct {
	info  engine.TaskInfo
	polls int
	apply func() engine.TaskInfo
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		indices:   map[string]*fakeIndex{},
		aliases:   map[string]map[string]bool{},
		tasks:     map[string]*fakeTask{},
		failOn:    map[string]error{},
		statusErr: errors.Wrap(types.ErrNotFound, "task not tracked yet"),
		failOnce:  map[string]error{},
	}
}

// addIndex seeds index with documents, doc ids are "1", "2", ...
func (f *fakeEngine) addIndex(name string, mapping types.Mapping, docs ...map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := &fakeIndex{mapping: mapping.Clone(), docs: map[string]map[string]interface{}{}}
	for i, d := range docs {
		idx.docs[fmt.Sprintf("%d", i+1)] = d
	}
	f.indices[name] = idx
}

func (f *fakeEngine) setAlias(alias string, indices ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aliases[alias] = map[string]bool{}
	for _, idx := range indices {
		f.aliases[alias][idx] = true
	}
}

func (f *fakeEngine) hasIndex(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.indices[name]
	return ok
}

func (f *fakeEngine) doc(index, id string) map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.indices[index].docs[id]
}

func (f *fakeEngine) taskCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

func (f *fakeEngine) fail(method string) error {
	if err, ok := f.failOnce[method]; ok {
		delete(f.failOnce, method)
		return err
	}
	if err, ok := f.failOn[method]; ok {
		return err
	}
	return nil
}

// resolve returns concrete index for index or single-target alias name
func (f *fakeEngine) resolve(name string) (*fakeIndex, error) {
	if idx, ok := f.indices[name]; ok {
		return idx, nil
	}
	if targets, ok := f.aliases[name]; ok && len(targets) == 1 {
		for t := range targets {
			return f.indices[t], nil
		}
	}
	return nil, errors.Wrapf(types.ErrNotFound, "no such index [%s]", name)
}

func (f *fakeEngine) CreateIndex(_ context.Context, name string, mapping types.Mapping, analysis json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("CreateIndex"); err != nil {
		return err
	}
	if err := f.fail("CreateIndex " + name); err != nil {
		return err
	}
	if _, ok := f.indices[name]; ok {
		return errors.Wrapf(types.ErrAlreadyExists, "index [%s]", name)
	}
	if _, ok := f.aliases[name]; ok {
		return errors.Wrapf(types.ErrAlreadyExists, "alias [%s]", name)
	}
	f.indices[name] = &fakeIndex{mapping: mapping.Clone(), analysis: analysis, docs: map[string]map[string]interface{}{}}
	return nil
}

func (f *fakeEngine) DeleteIndex(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("DeleteIndex"); err != nil {
		return err
	}
	if _, ok := f.indices[name]; !ok {
		return errors.Wrapf(types.ErrNotFound, "no such index [%s]", name)
	}
	delete(f.indices, name)
	for alias, targets := range f.aliases {
		delete(targets, name)
		if len(targets) == 0 {
			delete(f.aliases, alias)
		}
	}
	return nil
}

func (f *fakeEngine) IndexExists(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("IndexExists"); err != nil {
		return false, err
	}
	_, isIndex := f.indices[name]
	_, isAlias := f.aliases[name]
	return isIndex || isAlias, nil
}

func (f *fakeEngine) ListIndices(_ context.Context, pattern string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	res := []string{}
	for name := range f.indices {
		if strings.HasPrefix(name, prefix) {
			res = append(res, name)
		}
	}
	sort.Strings(res)
	return res, nil
}

func (f *fakeEngine) AliasExists(_ context.Context, alias string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.aliases[alias]
	return ok, nil
}

func (f *fakeEngine) ResolveAlias(_ context.Context, alias string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("ResolveAlias"); err != nil {
		return nil, err
	}
	res := []string{}
	for idx := range f.aliases[alias] {
		res = append(res, idx)
	}
	sort.Strings(res)
	return res, nil
}

// UpdateAliases validates and applies all actions on a copy, nothing changes on error
func (f *fakeEngine) UpdateAliases(_ context.Context, actions []engine.AliasAction) error {
	if f.beforeAliases != nil {
		f.beforeAliases()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("UpdateAliases"); err != nil {
		return err
	}
	f.aliasUpdates = append(f.aliasUpdates, actions)

	aliases := map[string]map[string]bool{}
	for a, targets := range f.aliases {
		aliases[a] = map[string]bool{}
		for t := range targets {
			aliases[a][t] = true
		}
	}
	removedIndices := map[string]bool{}

	for _, act := range actions {
		switch act.Op {
		case engine.AliasRemoveIndex:
			if _, ok := f.indices[act.Index]; !ok || removedIndices[act.Index] {
				return errors.Wrapf(types.ErrNotFound, "no such index [%s]", act.Index)
			}
			removedIndices[act.Index] = true
		case engine.AliasRemove:
			if !aliases[act.Alias][act.Index] {
				return errors.Wrapf(types.ErrNotFound, "aliases [%s] missing on [%s]", act.Alias, act.Index)
			}
			delete(aliases[act.Alias], act.Index)
		case engine.AliasAdd:
			if _, ok := f.indices[act.Index]; !ok || removedIndices[act.Index] {
				return errors.Wrapf(types.ErrNotFound, "no such index [%s]", act.Index)
			}
			if _, ok := f.indices[act.Alias]; ok && !removedIndices[act.Alias] {
				return errors.Wrapf(types.ErrEngineRejected, "alias [%s] conflicts with index", act.Alias)
			}
			if aliases[act.Alias] == nil {
				aliases[act.Alias] = map[string]bool{}
			}
			aliases[act.Alias][act.Index] = true
		}
	}

	for idx := range removedIndices {
		delete(f.indices, idx)
	}
	for a, targets := range aliases {
		if len(targets) == 0 {
			delete(aliases, a)
		}
	}
	f.aliases = aliases
	return nil
}

func (f *fakeEngine) GetMapping(_ context.Context, index string) (types.Mapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx, err := f.resolve(index)
	if err != nil {
		return nil, err
	}
	return idx.mapping.Clone(), nil
}

func (f *fakeEngine) GetAnalysis(_ context.Context, index string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("GetAnalysis"); err != nil {
		return nil, err
	}
	idx, err := f.resolve(index)
	if err != nil {
		return nil, err
	}
	return idx.analysis, nil
}

func (f *fakeEngine) setAnalysis(index, analysis string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indices[index].analysis = json.RawMessage(analysis)
}

func (f *fakeEngine) PutMapping(_ context.Context, index string, mapping types.Mapping) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx, err := f.resolve(index)
	if err != nil {
		return err
	}
	for name, spec := range mapping {
		if cur, ok := idx.mapping[name]; ok && !cur.Equal(spec) {
			return errors.Wrapf(types.ErrEngineRejected, "mapper [%s] cannot be changed", name)
		}
	}
	for name, spec := range mapping {
		idx.mapping[name] = spec
	}
	return nil
}

func (f *fakeEngine) Reindex(_ context.Context, r engine.ReindexRequest) (engine.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("Reindex"); err != nil {
		return engine.TaskInfo{}, err
	}
	src, err := f.resolve(r.Source)
	if err != nil {
		return engine.TaskInfo{}, err
	}
	dst, err := f.resolve(r.Dest)
	if err != nil {
		return engine.TaskInfo{}, err
	}

	apply := func() engine.TaskInfo {
		info := engine.TaskInfo{Completed: true, HasStatus: true, Total: int64(len(src.docs))}
		for id, d := range src.docs {
			doc := applyScript(r.Script, copyDoc(d))
			if field, ok := strictViolation(dst.mapping, doc); !ok {
				info.Failures = append(info.Failures,
					fmt.Sprintf("%s/%s: strict_dynamic_mapping_exception: field [%s] not allowed", r.Dest, id, field))
				continue
			}
			dst.docs[id] = doc
			info.Created++
		}
		return info
	}
	return f.submit(apply, r.Wait, int64(len(src.docs))), nil
}

func (f *fakeEngine) UpdateByQuery(_ context.Context, r engine.UpdateByQueryRequest) (engine.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("UpdateByQuery"); err != nil {
		return engine.TaskInfo{}, err
	}
	idx, err := f.resolve(r.Index)
	if err != nil {
		return engine.TaskInfo{}, err
	}
	total := int64(0)
	for _, d := range idx.docs {
		if matches(r.Query, d) {
			total++
		}
	}

	apply := func() engine.TaskInfo {
		info := engine.TaskInfo{Completed: true, HasStatus: true}
		for _, d := range idx.docs {
			if !matches(r.Query, d) {
				continue
			}
			info.Total++
			field, _ := r.Script.Params["field"].(string)
			if d[field] != nil {
				info.Noops++
				continue
			}
			d[field] = r.Script.Params["value"]
			info.Updated++
		}
		return info
	}
	return f.submit(apply, r.Wait, total), nil
}

// submit applies the task now if wait is set, otherwise registers it for polling
func (f *fakeEngine) submit(apply func() engine.TaskInfo, wait bool, total int64) engine.TaskInfo {
	f.taskSeq++
	id := fmt.Sprintf("node-1:%d", f.taskSeq)
	if wait {
		info := apply()
		info.ID = id
		if f.taskFailure != "" {
			info.Error = f.taskFailure
		}
		return info
	}
	f.tasks[id] = &fakeTask{info: engine.TaskInfo{ID: id, HasStatus: true, Total: total}, apply: apply}
	return engine.TaskInfo{ID: id}
}

func (f *fakeEngine) TaskStatus(_ context.Context, taskID string) (engine.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if f.statusFailures > 0 {
		f.statusFailures--
		return engine.TaskInfo{}, f.statusErr
	}
	t, ok := f.tasks[taskID]
	if !ok {
		return engine.TaskInfo{}, errors.Wrapf(types.ErrNotFound, "task [%s] isn't running", taskID)
	}
	if t.info.Completed {
		return t.info, nil
	}
	t.polls++
	if f.neverComplete || t.polls <= f.pollsToComplete {
		t.info.Created = t.info.Total * int64(t.polls) / int64(f.pollsToComplete+2)
		return t.info, nil
	}
	info := t.apply()
	info.ID = taskID
	if f.taskFailure != "" {
		info.Error = f.taskFailure
	}
	t.info = info
	return info, nil
}

func (f *fakeEngine) Count(_ context.Context, index string, query types.Query) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("Count"); err != nil {
		return 0, err
	}
	idx, err := f.resolve(index)
	if err != nil {
		return 0, err
	}
	res := int64(0)
	for _, d := range idx.docs {
		if matches(query, d) {
			res++
		}
	}
	return res, nil
}

func (f *fakeEngine) Refresh(context.Context, string) error { return nil }

func (f *fakeEngine) BulkIndex(_ context.Context, index string, docs []types.Document) (engine.BulkStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("BulkIndex"); err != nil {
		return engine.BulkStats{}, err
	}
	idx, err := f.resolve(index)
	if err != nil {
		return engine.BulkStats{}, err
	}
	res := engine.BulkStats{}
	var errs []string
	for _, d := range docs {
		if field, ok := strictViolation(idx.mapping, d.Source); !ok {
			res.Failed++
			errs = append(errs, fmt.Sprintf("document %s: field [%s] not allowed", d.ID, field))
			continue
		}
		idx.docs[d.ID] = copyDoc(d.Source)
		res.Indexed++
	}
	if len(errs) > 0 {
		return res, errors.New(strings.Join(errs, "; "))
	}
	return res, nil
}

func (f *fakeEngine) PutDocument(_ context.Context, index, id string, doc interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("PutDocument"); err != nil {
		return err
	}
	idx, err := f.resolve(index)
	if err != nil {
		return err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	m := map[string]interface{}{}
	if err = json.Unmarshal(data, &m); err != nil {
		return err
	}
	if field, ok := strictViolation(idx.mapping, m); !ok {
		return errors.Wrapf(types.ErrEngineRejected, "field [%s] not allowed", field)
	}
	idx.docs[id] = m
	return nil
}

func (f *fakeEngine) GetDocument(_ context.Context, index, id string, dst interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx, err := f.resolve(index)
	if err != nil {
		return err
	}
	d, ok := idx.docs[id]
	if !ok {
		return errors.Wrapf(types.ErrNotFound, "document %s/%s", index, id)
	}
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func (f *fakeEngine) SearchDocuments(_ context.Context, r engine.SearchRequest) ([]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx, err := f.resolve(r.Index)
	if err != nil {
		return nil, err
	}
	found := []map[string]interface{}{}
	for _, d := range idx.docs {
		if matches(r.Query, d) {
			found = append(found, d)
		}
	}
	for i := len(r.Sort) - 1; i >= 0; i-- {
		parts := strings.SplitN(r.Sort[i], ":", 2)
		field, desc := parts[0], len(parts) == 2 && parts[1] == "desc"
		sort.SliceStable(found, func(a, b int) bool {
			less := sortKey(found[a][field]) < sortKey(found[b][field])
			if desc {
				return sortKey(found[a][field]) > sortKey(found[b][field])
			}
			return less
		})
	}
	if r.Size > 0 && len(found) > r.Size {
		found = found[:r.Size]
	}
	res := make([]json.RawMessage, 0, len(found))
	for _, d := range found {
		data, err := json.Marshal(d)
		if err != nil {
			return nil, err
		}
		res = append(res, data)
	}
	return res, nil
}

// sortKey makes dates comparable as strings
func sortKey(v interface{}) string {
	s := fmt.Sprint(v)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC().Format("2006-01-02T15:04:05.000000000")
	}
	return s
}

func matches(q types.Query, doc map[string]interface{}) bool {
	if q == nil {
		return true
	}
	if _, ok := q["match_all"]; ok {
		return true
	}
	if term, ok := q["term"].(map[string]interface{}); ok {
		for field, v := range term {
			if fmt.Sprint(doc[field]) != fmt.Sprint(v) {
				return false
			}
		}
		return true
	}
	if b, ok := q["bool"].(map[string]interface{}); ok {
		mustNot, _ := b["must_not"].(map[string]interface{})
		exists, _ := mustNot["exists"].(map[string]interface{})
		field, _ := exists["field"].(string)
		return doc[field] == nil
	}
	panic(fmt.Sprintf("unsupported query %v", q))
}

// applyScript interprets transform script params
func applyScript(s *types.Script, doc map[string]interface{}) map[string]interface{} {
	if s == nil {
		return doc
	}
	if defaults, ok := s.Params["defaults"].(map[string]interface{}); ok {
		for k, v := range defaults {
			if doc[k] == nil {
				doc[k] = v
			}
		}
	}
	if remove, ok := s.Params["remove"].([]string); ok {
		for _, k := range remove {
			delete(doc, k)
		}
	}
	return doc
}

// strictViolation checks every top-level field is mapped, returns offending field
func strictViolation(m types.Mapping, doc map[string]interface{}) (string, bool) {
	for field := range doc {
		if _, ok := m[field]; ok {
			continue
		}
		nested := false
		for name := range m {
			if strings.HasPrefix(name, field+".") {
				nested = true
				break
			}
		}
		if !nested {
			return field, false
		}
	}
	return "", true
}

func copyDoc(d map[string]interface{}) map[string]interface{} {
	res := make(map[string]interface{}, len(d))
	for k, v := range d {
		res[k] = v
	}
	return res
}
