package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdimir/esmigrate/app/reindex/engine"
	"github.com/vdimir/esmigrate/app/reindex/types"
)

// statusEngine serves read-only calls of status command, other calls panic
type statusEngine struct {
	engine.Interface
}

func (statusEngine) ResolveAlias(context.Context, string) ([]string, error) {
	return []string{"posts_v2"}, nil
}
func (statusEngine) IndexExists(_ context.Context, name string) (bool, error) {
	return name == "posts_v1" || name == "posts_v2" || name == "posts", nil
}
func (statusEngine) AliasExists(_ context.Context, name string) (bool, error) { return name == "posts", nil }
func (statusEngine) ListIndices(context.Context, string) ([]string, error) {
	return []string{"posts_v1", "posts_v2"}, nil
}
func (statusEngine) GetMapping(context.Context, string) (types.Mapping, error) {
	return types.Mapping{"title": {Type: "keyword"}}, nil
}
func (statusEngine) Count(context.Context, string, types.Query) (int64, error) { return 42, nil }
func (statusEngine) SearchDocuments(context.Context, engine.SearchRequest) ([]json.RawMessage, error) {
	return nil, errors.Wrap(types.ErrNotFound, "no such index [.esmigrate-journal]")
}

func withEngine(t *testing.T, e engine.Interface, err error) {
	orig := newEngine
	newEngine = func(ESGroup) (engine.Interface, error) { return e, err }
	t.Cleanup(func() { newEngine = orig })
}

func writeFile(t *testing.T, content string) string {
	dir, err := os.MkdirTemp("", "esmigrate-cmd")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	fileName := filepath.Join(dir, "migration.yml")
	require.NoError(t, os.WriteFile(fileName, []byte(content), 0o600))
	return fileName
}

func TestLoadDescriptor(t *testing.T) {
	fileName := writeFile(t, `
logical: " posts "
strategy: auto
fields:
  title: {type: keyword}
  category: {type: keyword, default: general}
  views: {type: long, default: 0}
  body: {type: text, analyzer: english}
  legacy: {remove: true}
cutover:
  auto: true
  delete_old: true
  grace: 10m
`)
	desc, err := LoadDescriptor(fileName)
	require.NoError(t, err)
	assert.Equal(t, "posts", desc.Logical)
	assert.Equal(t, "", desc.Strategy, "auto means planner decides")
	assert.Equal(t, time.Hour, desc.Wait, "auto cutover waits for the migration")
	assert.Equal(t, 10*time.Minute, desc.Cutover.Grace)
	assert.True(t, desc.Cutover.DeleteOld)
	require.Len(t, desc.Fields, 5)
	assert.Equal(t, "general", desc.Fields["category"].Default)
	assert.Equal(t, 0, desc.Fields["views"].Default)
	assert.Equal(t, "english", desc.Fields["body"].Analyzer)
	assert.True(t, desc.Fields["legacy"].Remove)

	assert.Equal(t, types.Mapping{
		"title":    {Type: "keyword"},
		"category": {Type: "keyword"},
		"views":    {Type: "long"},
		"body":     {Type: "text", Analyzer: "english"},
	}, desc.Mapping())
}

func TestLoadDescriptor_Invalid(t *testing.T) {
	tbl := []struct {
		name, content string
	}{
		{"no logical", "fields:\n  title: {type: keyword}\n"},
		{"no fields", "logical: posts\n"},
		{"bad strategy", "logical: posts\nstrategy: magic\nfields:\n  title: {type: keyword}\n"},
		{"no type", "logical: posts\nfields:\n  title: {default: x}\n"},
		{"negative wait", "logical: posts\nwait: -1m\nfields:\n  title: {type: keyword}\n"},
		{"not yaml", "logical: [posts\n"},
	}
	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadDescriptor(writeFile(t, tt.content))
			assert.Error(t, err)
		})
	}

	_, err := LoadDescriptor("/no/such/file.yml")
	assert.Error(t, err)
}

func TestRetireCommand_NeedsConfirm(t *testing.T) {
	withEngine(t, nil, errors.New("must not be called"))
	cmd := RetireCommand{Logical: "posts", Generation: "posts_v1"}
	err := cmd.Execute(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--confirm")

	cmd.Confirm = true
	err = cmd.Execute(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must not be called")
}

func TestCommands_EngineFailure(t *testing.T) {
	withEngine(t, nil, errors.New("connection refused"))
	fileName := writeFile(t, "logical: posts\nfields:\n  title: {type: keyword}\n")

	cmds := []CommonOptionsCommander{
		&MigrateCommand{File: fileName},
		&AwaitCommand{Task: "node:1", Timeout: time.Second},
		&CutoverCommand{Logical: "posts", Candidate: "posts_v2"},
		&RollbackCommand{Logical: "posts"},
		&StatusCommand{Logical: "posts"},
		&ServerCommand{Port: 0},
	}
	for _, c := range cmds {
		c.SetCommon(CommonOpts{ES: ESGroup{CutoverStrategy: "alias"}, out: &bytes.Buffer{}})
		err := c.Execute(nil)
		require.Error(t, err, "%T", c)
		assert.Contains(t, err.Error(), "connection refused", "%T", c)
	}
}

func TestMigrateCommand_BadDescriptor(t *testing.T) {
	withEngine(t, nil, errors.New("must not be called"))
	cmd := MigrateCommand{File: writeFile(t, "logical: posts\n")}
	err := cmd.Execute(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no fields")
}

func TestStatusCommand(t *testing.T) {
	withEngine(t, statusEngine{}, nil)
	out := &bytes.Buffer{}
	cmd := StatusCommand{Logical: "posts"}
	cmd.SetCommon(CommonOpts{ES: ESGroup{CutoverStrategy: "alias"}, out: out})
	require.NoError(t, cmd.Execute(nil))

	var res struct {
		Logical     string `json:"logical"`
		Live        string `json:"live"`
		Generations []struct {
			Name     string `json:"name"`
			DocCount int64  `json:"doc_count"`
		} `json:"generations"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &res), out.String())
	assert.Equal(t, "posts", res.Logical)
	assert.Equal(t, "posts_v2", res.Live)
	require.Len(t, res.Generations, 2)
	assert.Equal(t, "posts_v1", res.Generations[0].Name)
	assert.Equal(t, int64(42), res.Generations[1].DocCount)
}

func TestOrchestratorOptions(t *testing.T) {
	withEngine(t, statusEngine{}, nil)
	c := CommonOpts{ES: ESGroup{CutoverStrategy: "rename"}}
	_, err := c.orchestrator()
	assert.True(t, errors.Is(err, types.ErrInvalidRequest))

	c.ES.CutoverStrategy = "copy_back"
	o, err := c.orchestrator()
	require.NoError(t, err)
	assert.NotNil(t, o)
}
