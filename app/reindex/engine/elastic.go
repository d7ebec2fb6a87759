package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/elastic/go-elasticsearch/v7/esutil"
	log "github.com/go-pkgz/lgr"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/vdimir/esmigrate/app/reindex/types"
)

// ErrMalformed returned when engine response can't be interpreted
var ErrMalformed = errors.New("malformed engine response")

const maxBulkErrors = 20

// Elastic implements Interface with Elasticsearch REST API
type Elastic struct {
	client      *elasticsearch.Client
	timeout     time.Duration
	bulkWorkers int
}

// Params to configure Elastic
type Params struct {
	Endpoints   []string
	Secret      string
	Timeout     time.Duration // applied to every call except blocking reindex
	BulkWorkers int
	Transport   http.RoundTripper
}

type mappingProperty struct {
	Type           string                      `json:"type,omitempty"`
	Analyzer       string                      `json:"analyzer,omitempty"`
	SearchAnalyzer string                      `json:"search_analyzer,omitempty"`
	Format         string                      `json:"format,omitempty"`
	Index          *bool                       `json:"index,omitempty"`
	Properties     map[string]*mappingProperty `json:"properties,omitempty"`
	Params         map[string]json.RawMessage  `json:"-"` // fields, ignore_above, scaling_factor and the rest
}

type plainProperty mappingProperty

var knownPropertyKeys = []string{"type", "analyzer", "search_analyzer", "format", "index", "properties"}

// MarshalJSON writes params next to the known attributes, known ones win
func (p mappingProperty) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(plainProperty(p))
	if err != nil || len(p.Params) == 0 {
		return known, err
	}
	res := map[string]json.RawMessage{}
	if err = json.Unmarshal(known, &res); err != nil {
		return nil, err
	}
	for k, v := range p.Params {
		if _, ok := res[k]; !ok {
			res[k] = v
		}
	}
	return json.Marshal(res)
}

// UnmarshalJSON keeps attributes it doesn't know in Params
func (p *mappingProperty) UnmarshalJSON(data []byte) error {
	var known plainProperty
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	all := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range knownPropertyKeys {
		delete(all, k)
	}
	*p = mappingProperty(known)
	p.Params = nil
	if len(all) > 0 {
		p.Params = all
	}
	return nil
}

type elasticMappings struct {
	Dynamic    interface{}                 `json:"dynamic,omitempty"`
	Properties map[string]*mappingProperty `json:"properties"`
}

type elasticIndexSettings struct {
	Analysis json.RawMessage `json:"analysis,omitempty"`
}

type elasticCreateIndexSettings struct {
	Settings *elasticIndexSettings `json:"settings,omitempty"`
	Mappings elasticMappings       `json:"mappings"`
}

type elasticErrorResponse struct {
	Error  json.RawMessage `json:"error"`
	Status int             `json:"status"`
}

type elasticCause struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type bulkFailure struct {
	Index  string        `json:"index"`
	ID     string        `json:"id"`
	Status int           `json:"status"`
	Cause  *elasticCause `json:"cause"`
	Reason *elasticCause `json:"reason"`
}

func (f bulkFailure) String() string {
	cause := f.Cause
	if cause == nil {
		cause = f.Reason
	}
	if cause == nil {
		return fmt.Sprintf("%s/%s: status %d", f.Index, f.ID, f.Status)
	}
	return fmt.Sprintf("%s/%s: %s: %s", f.Index, f.ID, cause.Type, cause.Reason)
}

type bulkByScrollResponse struct {
	Task             string        `json:"task"`
	TimedOut         bool          `json:"timed_out"`
	Total            int64         `json:"total"`
	Created          int64         `json:"created"`
	Updated          int64         `json:"updated"`
	Deleted          int64         `json:"deleted"`
	Noops            int64         `json:"noops"`
	VersionConflicts int64         `json:"version_conflicts"`
	Failures         []bulkFailure `json:"failures"`
}

type taskResponse struct {
	Completed bool `json:"completed"`
	Task      *struct {
		Action string                `json:"action"`
		Status *bulkByScrollResponse `json:"status"`
	} `json:"task"`
	Response *bulkByScrollResponse `json:"response"`
	Error    *elasticCause         `json:"error"`
}

func parseSecret(secret string, cfg *elasticsearch.Config) error {
	switch {
	case secret == "":
		return nil
	case strings.HasPrefix(secret, "basic:"):
		userpass := strings.SplitN(strings.TrimPrefix(secret, "basic:"), ":", 2)
		if len(userpass) != 2 {
			return errors.Errorf("secret for basic auth should have format 'basic:user:pass'")
		}
		cfg.Username, cfg.Password = userpass[0], userpass[1]
		return nil
	case strings.HasPrefix(secret, "token:"):
		cfg.APIKey = strings.TrimPrefix(secret, "token:")
		return nil
	}
	allowed := []string{"basic:", "token:"}
	return errors.Errorf("secret should starts with one of prefixes: %v", allowed)
}

// NewElastic creates engine client for Elasticsearch
func NewElastic(params Params) (*Elastic, error) {
	if len(params.Endpoints) == 0 {
		return nil, errors.Errorf("elasticsearch endpoint is not set")
	}

	cfg := elasticsearch.Config{
		Addresses: params.Endpoints,
		Transport: params.Transport,
	}
	if err := parseSecret(params.Secret, &cfg); err != nil {
		return nil, err
	}

	client, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create elastic client")
	}

	workers := params.BulkWorkers
	if workers <= 0 {
		workers = 2
	}
	return &Elastic{client: client, timeout: params.Timeout, bulkWorkers: workers}, nil
}

// CreateIndex creates index with exact mapping and analysis settings. Dynamic mapping is disabled,
// so a document with unknown field is rejected instead of silently defining the schema.
func (e *Elastic) CreateIndex(ctx context.Context, name string, mapping types.Mapping, analysis json.RawMessage) error {
	props, err := buildProperties(mapping)
	if err != nil {
		return errors.Wrapf(types.ErrInvalidRequest, "mapping of %s: %v", name, err)
	}
	settings := elasticCreateIndexSettings{}
	settings.Mappings.Dynamic = "strict"
	settings.Mappings.Properties = props
	if len(analysis) > 0 && string(analysis) != "null" {
		settings.Settings = &elasticIndexSettings{Analysis: analysis}
	}

	req := esapi.IndicesCreateRequest{Index: name, Body: encodeBody(settings)}
	return e.do(ctx, "create index "+name, req, nil, true)
}

// DeleteIndex removes index
func (e *Elastic) DeleteIndex(ctx context.Context, name string) error {
	req := esapi.IndicesDeleteRequest{Index: []string{name}}
	return e.do(ctx, "delete index "+name, req, nil, true)
}

// IndexExists checks for concrete index or alias with the name
func (e *Elastic) IndexExists(ctx context.Context, name string) (bool, error) {
	return e.exists(ctx, "index exists "+name, esapi.IndicesExistsRequest{Index: []string{name}})
}

// ListIndices returns sorted names of indices matching wildcard pattern
func (e *Elastic) ListIndices(ctx context.Context, pattern string) ([]string, error) {
	var rows []struct {
		Index string `json:"index"`
	}
	req := esapi.CatIndicesRequest{Index: []string{pattern}, Format: "json", H: []string{"index"}}
	if err := e.do(ctx, "list indices "+pattern, req, &rows, true); err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	res := make([]string, 0, len(rows))
	for _, r := range rows {
		res = append(res, r.Index)
	}
	sort.Strings(res)
	return res, nil
}

// AliasExists checks if alias with the name exists
func (e *Elastic) AliasExists(ctx context.Context, alias string) (bool, error) {
	return e.exists(ctx, "alias exists "+alias, esapi.IndicesExistsAliasRequest{Name: []string{alias}})
}

// ResolveAlias returns sorted indices the alias points to, empty if there is no such alias
func (e *Elastic) ResolveAlias(ctx context.Context, alias string) ([]string, error) {
	resp := map[string]struct {
		Aliases map[string]json.RawMessage `json:"aliases"`
	}{}
	req := esapi.IndicesGetAliasRequest{Name: []string{alias}}
	if err := e.do(ctx, "resolve alias "+alias, req, &resp, true); err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	res := make([]string, 0, len(resp))
	for idx, v := range resp {
		if _, ok := v.Aliases[alias]; ok {
			res = append(res, idx)
		}
	}
	sort.Strings(res)
	return res, nil
}

// UpdateAliases applies all actions in a single request, engine guarantees atomicity
func (e *Elastic) UpdateAliases(ctx context.Context, actions []AliasAction) error {
	if len(actions) == 0 {
		return nil
	}
	acts := make([]map[string]interface{}, 0, len(actions))
	for _, a := range actions {
		switch a.Op {
		case AliasRemoveIndex:
			acts = append(acts, map[string]interface{}{string(a.Op): map[string]string{"index": a.Index}})
		case AliasAdd, AliasRemove:
			acts = append(acts, map[string]interface{}{string(a.Op): map[string]string{"index": a.Index, "alias": a.Alias}})
		default:
			return errors.Wrapf(types.ErrInvalidRequest, "unknown alias action %q", a.Op)
		}
	}

	var resp struct {
		Acknowledged bool `json:"acknowledged"`
	}
	body := map[string]interface{}{"actions": acts}
	if err := e.do(ctx, "update aliases", esapi.IndicesUpdateAliasesRequest{Body: encodeBody(body)}, &resp, true); err != nil {
		return err
	}
	if !resp.Acknowledged {
		return &Error{Op: "update aliases", Status: http.StatusOK, Reason: "not acknowledged", cause: types.ErrEngineUnavailable}
	}
	return nil
}

// GetMapping returns flattened mapping of the index
func (e *Elastic) GetMapping(ctx context.Context, index string) (types.Mapping, error) {
	resp := map[string]struct {
		Mappings elasticMappings `json:"mappings"`
	}{}
	if err := e.do(ctx, "get mapping "+index, esapi.IndicesGetMappingRequest{Index: []string{index}}, &resp, true); err != nil {
		return nil, err
	}
	if len(resp) != 1 {
		return nil, errors.Wrapf(ErrMalformed, "expected mapping of one index for %q, got %d", index, len(resp))
	}
	res := types.Mapping{}
	for _, v := range resp {
		if err := flattenProperties("", v.Mappings.Properties, res); err != nil {
			return nil, errors.Wrapf(ErrMalformed, "mapping of %s: %v", index, err)
		}
	}
	return res, nil
}

// GetAnalysis returns raw analysis settings of the index, nil if the index defines none
func (e *Elastic) GetAnalysis(ctx context.Context, index string) (json.RawMessage, error) {
	resp := map[string]struct {
		Settings struct {
			Index elasticIndexSettings `json:"index"`
		} `json:"settings"`
	}{}
	if err := e.do(ctx, "get settings "+index, esapi.IndicesGetSettingsRequest{Index: []string{index}}, &resp, true); err != nil {
		return nil, err
	}
	if len(resp) != 1 {
		return nil, errors.Wrapf(ErrMalformed, "expected settings of one index for %q, got %d", index, len(resp))
	}
	for _, v := range resp {
		return v.Settings.Index.Analysis, nil
	}
	return nil, nil
}

// PutMapping adds fields to mapping of existing index
func (e *Elastic) PutMapping(ctx context.Context, index string, mapping types.Mapping) error {
	props, err := buildProperties(mapping)
	if err != nil {
		return errors.Wrapf(types.ErrInvalidRequest, "mapping of %s: %v", index, err)
	}
	body := map[string]interface{}{"properties": props}
	req := esapi.IndicesPutMappingRequest{Index: []string{index}, Body: encodeBody(body)}
	return e.do(ctx, "put mapping "+index, req, nil, true)
}

// Reindex copies documents between indices. Blocking call is not limited by timeout.
func (e *Elastic) Reindex(ctx context.Context, r ReindexRequest) (TaskInfo, error) {
	body := struct {
		Source struct {
			Index string `json:"index"`
		} `json:"source"`
		Dest struct {
			Index string `json:"index"`
		} `json:"dest"`
		Script *types.Script `json:"script,omitempty"`
	}{Script: r.Script}
	body.Source.Index, body.Dest.Index = r.Source, r.Dest

	refresh := true
	req := esapi.ReindexRequest{Body: encodeBody(body), WaitForCompletion: &r.Wait, Refresh: &refresh}
	if r.Slices > 0 {
		req.Slices = r.Slices
	}
	if r.RequestsPerSecond > 0 {
		req.RequestsPerSecond = &r.RequestsPerSecond
	}

	var resp bulkByScrollResponse
	op := fmt.Sprintf("reindex %s->%s", r.Source, r.Dest)
	if err := e.do(ctx, op, req, &resp, !r.Wait); err != nil {
		return TaskInfo{}, err
	}
	return taskFromResponse(resp, r.Wait), nil
}

// UpdateByQuery runs script against documents matching query, version conflicts don't stop it
func (e *Elastic) UpdateByQuery(ctx context.Context, r UpdateByQueryRequest) (TaskInfo, error) {
	body := map[string]interface{}{}
	if r.Query != nil {
		body["query"] = r.Query
	}
	if r.Script != nil {
		body["script"] = r.Script
	}

	refresh := true
	req := esapi.UpdateByQueryRequest{
		Index:             []string{r.Index},
		Body:              encodeBody(body),
		Conflicts:         "proceed",
		Refresh:           &refresh,
		WaitForCompletion: &r.Wait,
	}
	var resp bulkByScrollResponse
	if err := e.do(ctx, "update by query "+r.Index, req, &resp, !r.Wait); err != nil {
		return TaskInfo{}, err
	}
	return taskFromResponse(resp, r.Wait), nil
}

// TaskStatus returns current state of engine task
func (e *Elastic) TaskStatus(ctx context.Context, taskID string) (TaskInfo, error) {
	var resp taskResponse
	if err := e.do(ctx, "task status "+taskID, esapi.TasksGetRequest{TaskID: taskID}, &resp, true); err != nil {
		return TaskInfo{}, err
	}
	if resp.Task == nil {
		return TaskInfo{}, errors.Wrapf(ErrMalformed, "no task description for %s", taskID)
	}

	res := TaskInfo{ID: taskID, Action: resp.Task.Action, Completed: resp.Completed}
	status := resp.Task.Status
	if resp.Completed && resp.Response != nil {
		status = resp.Response
	}
	if status != nil {
		res.HasStatus = true
		fillCounters(&res, *status)
	}
	if resp.Error != nil {
		res.Error = resp.Error.Type + ": " + resp.Error.Reason
	}
	return res, nil
}

// Count returns number of documents matching query, all documents for nil query
func (e *Elastic) Count(ctx context.Context, index string, query types.Query) (int64, error) {
	req := esapi.CountRequest{Index: []string{index}}
	if query != nil {
		req.Body = encodeBody(map[string]interface{}{"query": query})
	}
	var resp struct {
		Count int64 `json:"count"`
	}
	if err := e.do(ctx, "count "+index, req, &resp, true); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// Refresh makes recent writes visible for search
func (e *Elastic) Refresh(ctx context.Context, index string) error {
	return e.do(ctx, "refresh "+index, esapi.IndicesRefreshRequest{Index: []string{index}}, nil, true)
}

// BulkIndex writes documents with bulk indexer and waits for all of them to be flushed
func (e *Elastic) BulkIndex(ctx context.Context, index string, docs []types.Document) (BulkStats, error) {
	bi, err := esutil.NewBulkIndexer(esutil.BulkIndexerConfig{
		Index:      index,
		Client:     e.client,
		NumWorkers: e.bulkWorkers,
		Refresh:    "true",
	})
	if err != nil {
		return BulkStats{}, errors.Wrap(err, "failed to create bulk indexer")
	}

	var errsLock sync.Mutex
	errs := new(multierror.Error)
	onFailure := func(ctx context.Context, item esutil.BulkIndexerItem, res esutil.BulkIndexerResponseItem, err error) {
		if err == nil {
			err = errors.Errorf("%s: %s", res.Error.Type, res.Error.Reason)
		}
		log.Printf("[ERROR] failed to index document %s: %v", item.DocumentID, err)
		errsLock.Lock()
		if errs.Len() < maxBulkErrors {
			errs = multierror.Append(errs, errors.Wrapf(err, "document %s", item.DocumentID))
		}
		errsLock.Unlock()
	}

	for _, doc := range docs {
		data, err := json.Marshal(doc.Source)
		if err != nil {
			onFailure(ctx, esutil.BulkIndexerItem{DocumentID: doc.ID}, esutil.BulkIndexerResponseItem{}, err)
			continue
		}
		item := esutil.BulkIndexerItem{
			Action:     "index",
			DocumentID: doc.ID,
			Body:       bytes.NewReader(data),
			OnFailure:  onFailure,
		}
		if err = bi.Add(ctx, item); err != nil {
			errsLock.Lock()
			errs = multierror.Append(errs, errors.Wrap(err, "failed to add document to batch"))
			errsLock.Unlock()
			break
		}
	}

	closeErr := bi.Close(ctx)
	errsLock.Lock()
	defer errsLock.Unlock()
	if closeErr != nil {
		errs = multierror.Append(errs, errors.Wrapf(closeErr, "cannot close bulk indexer for %s", index))
	}
	st := bi.Stats()
	return BulkStats{Indexed: st.NumFlushed, Failed: st.NumFailed}, errs.ErrorOrNil()
}

// PutDocument indexes a single document and makes it visible immediately
func (e *Elastic) PutDocument(ctx context.Context, index, id string, doc interface{}) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrapf(err, "cannot encode document %s", id)
	}
	req := esapi.IndexRequest{Index: index, DocumentID: id, Body: bytes.NewReader(data), Refresh: "true"}
	return e.do(ctx, "put document "+index+"/"+id, req, nil, true)
}

// GetDocument decodes source of the document into dst
func (e *Elastic) GetDocument(ctx context.Context, index, id string, dst interface{}) error {
	var resp struct {
		Found  bool            `json:"found"`
		Source json.RawMessage `json:"_source"`
	}
	op := "get document " + index + "/" + id
	if err := e.do(ctx, op, esapi.GetRequest{Index: index, DocumentID: id}, &resp, true); err != nil {
		return err
	}
	if !resp.Found {
		return &Error{Op: op, Status: http.StatusNotFound, Reason: "document not found", cause: types.ErrNotFound}
	}
	return errors.Wrapf(json.Unmarshal(resp.Source, dst), "%s: can't decode source", op)
}

// SearchDocuments returns raw sources of matching documents
func (e *Elastic) SearchDocuments(ctx context.Context, r SearchRequest) ([]json.RawMessage, error) {
	query := r.Query
	if query == nil {
		query = types.MatchAll()
	}
	req := esapi.SearchRequest{
		Index: []string{r.Index},
		Body:  encodeBody(map[string]interface{}{"query": query}),
		Sort:  r.Sort,
	}
	if r.Size > 0 {
		req.Size = &r.Size
	}
	var resp struct {
		Hits struct {
			Hits []struct {
				Source json.RawMessage `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := e.do(ctx, "search "+r.Index, req, &resp, true); err != nil {
		return nil, err
	}
	res := make([]json.RawMessage, 0, len(resp.Hits.Hits))
	for _, h := range resp.Hits.Hits {
		res = append(res, h.Source)
	}
	return res, nil
}

// do performs request, converts error response and decodes body into dst if it is not nil
func (e *Elastic) do(ctx context.Context, op string, req esapi.Request, dst interface{}, bounded bool) error {
	if bounded && e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	resp, err := req.Do(ctx, e.client)
	if err != nil {
		return &Error{Op: op, Reason: err.Error(), cause: types.ErrEngineUnavailable}
	}
	defer closeBody(resp)

	if err := checkElasticResponseErr(op, resp); err != nil {
		return err
	}
	if dst == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return errors.Wrapf(ErrMalformed, "%s: error parsing the response body: %v", op, err)
	}
	return nil
}

func (e *Elastic) exists(ctx context.Context, op string, req esapi.Request) (bool, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	resp, err := req.Do(ctx, e.client)
	if err != nil {
		return false, &Error{Op: op, Reason: err.Error(), cause: types.ErrEngineUnavailable}
	}
	defer closeBody(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	}
	return false, checkElasticResponseErr(op, resp)
}

func closeBody(resp *esapi.Response) {
	if resp.Body == nil {
		return
	}
	if err := resp.Body.Close(); err != nil {
		log.Printf("[WARN] error to close response body %v", err)
	}
}

func checkElasticResponseErr(op string, resp *esapi.Response) error {
	if !resp.IsError() {
		return nil
	}
	var body []byte
	if resp.Body != nil {
		var err error
		if body, err = io.ReadAll(resp.Body); err != nil {
			return errors.Wrapf(err, "%s: error reading the response body", op)
		}
	}

	res := &Error{Op: op, Status: resp.StatusCode, cause: errorKind(resp.StatusCode)}
	var er elasticErrorResponse
	if json.Unmarshal(body, &er) == nil && len(er.Error) > 0 {
		var cause elasticCause
		if json.Unmarshal(er.Error, &cause) == nil {
			res.Type, res.Reason = cause.Type, cause.Reason
		} else {
			_ = json.Unmarshal(er.Error, &res.Reason)
		}
	}
	if res.Reason == "" {
		res.Reason = strings.TrimSpace(string(body))
	}

	switch res.Type {
	case "resource_already_exists_exception":
		res.cause = types.ErrAlreadyExists
	case "invalid_index_name_exception":
		if strings.Contains(res.Reason, "already exists") {
			res.cause = types.ErrAlreadyExists
		}
	case "index_not_found_exception", "resource_not_found_exception", "aliases_not_found_exception":
		res.cause = types.ErrNotFound
	}
	return res
}

func errorKind(status int) error {
	switch {
	case status == http.StatusNotFound:
		return types.ErrNotFound
	case status == http.StatusTooManyRequests, status >= http.StatusInternalServerError:
		return types.ErrEngineUnavailable
	}
	return types.ErrEngineRejected
}

func taskFromResponse(resp bulkByScrollResponse, completed bool) TaskInfo {
	res := TaskInfo{ID: resp.Task, Completed: completed, HasStatus: completed}
	if completed {
		fillCounters(&res, resp)
		if resp.TimedOut {
			res.Failures = append(res.Failures, "engine reported timed_out")
		}
	}
	return res
}

func fillCounters(t *TaskInfo, r bulkByScrollResponse) {
	t.Total, t.Created, t.Updated, t.Deleted = r.Total, r.Created, r.Updated, r.Deleted
	t.Noops, t.VersionConflicts = r.Noops, r.VersionConflicts
	for _, f := range r.Failures {
		t.Failures = append(t.Failures, f.String())
	}
}

// buildProperties converts flat dotted field names into nested mapping properties
func buildProperties(m types.Mapping) (map[string]*mappingProperty, error) {
	res := map[string]*mappingProperty{}
	for _, name := range m.Fields() {
		spec := m[name]
		parts := strings.Split(name, ".")
		props := res
		for _, p := range parts[:len(parts)-1] {
			node, ok := props[p]
			if !ok {
				node = &mappingProperty{}
				props[p] = node
			}
			if node.Properties == nil {
				node.Properties = map[string]*mappingProperty{}
			}
			props = node.Properties
		}
		leaf := parts[len(parts)-1]
		node, ok := props[leaf]
		if !ok {
			node = &mappingProperty{}
			props[leaf] = node
		}
		node.Type, node.Analyzer, node.SearchAnalyzer = spec.Type, spec.Analyzer, spec.SearchAnalyzer
		node.Format, node.Index = spec.Format, spec.Index
		if len(spec.Params) > 0 {
			node.Params = make(map[string]json.RawMessage, len(spec.Params))
			for k, v := range spec.Params {
				raw, err := json.Marshal(v)
				if err != nil {
					return nil, errors.Wrapf(err, "parameter %s of %s", k, name)
				}
				node.Params[k] = raw
			}
		}
	}
	return res, nil
}

// flattenProperties converts nested mapping properties into dotted field names.
// Plain objects are not fields by themselves, only their leaves are.
func flattenProperties(prefix string, props map[string]*mappingProperty, res types.Mapping) error {
	for name, p := range props {
		if p == nil {
			continue
		}
		full := name
		if prefix != "" {
			full = prefix + "." + name
		}
		if len(p.Properties) > 0 {
			if err := flattenProperties(full, p.Properties, res); err != nil {
				return err
			}
			if p.Type == "" || p.Type == "object" {
				continue
			}
		}
		spec := types.FieldSpec{
			Type:           p.Type,
			Analyzer:       p.Analyzer,
			SearchAnalyzer: p.SearchAnalyzer,
			Format:         p.Format,
			Index:          p.Index,
		}
		if len(p.Params) > 0 {
			spec.Params = make(map[string]interface{}, len(p.Params))
			for k, raw := range p.Params {
				var v interface{}
				if err := json.Unmarshal(raw, &v); err != nil {
					return errors.Wrapf(err, "parameter %s of %s", k, full)
				}
				spec.Params[k] = v
			}
		}
		res[full] = spec
	}
	return nil
}

func encodeBody(v interface{}) io.Reader {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		// all bodies are built from plain maps and structs
		log.Printf("[ERROR] error encoding request body: %v", err)
	}
	return &buf
}
