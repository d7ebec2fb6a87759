// Package cmd has all top-level commands dispatched by main's flag.Parse
// The primary reason for this is to split main and make it testable
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/vdimir/esmigrate/app/reindex"
	"github.com/vdimir/esmigrate/app/reindex/engine"
)

// CommonOptionsCommander extends flags.Commander with SetCommon
// All commands should implement this interfaces
type CommonOptionsCommander interface {
	SetCommon(commonOpts CommonOpts)
	Execute(args []string) error
}

// CommonOpts sets externally from main, shared across all commands
type CommonOpts struct {
	ES       ESGroup
	Revision string

	out io.Writer
}

// ESGroup defines options group for elasticsearch and migration tasks
type ESGroup struct {
	URLs            []string      `long:"url" env:"URL" env-delim:"," default:"http://localhost:9200" description:"elasticsearch url"`
	Secret          string        `long:"secret" env:"SECRET" description:"basic:user:pass or token:api-key"`
	Timeout         time.Duration `long:"timeout" env:"TIMEOUT" default:"30s" description:"timeout of a single engine call"`
	Journal         string        `long:"journal" env:"JOURNAL" default:".esmigrate-journal" description:"migration journal index"`
	CutoverStrategy string        `long:"cutover" env:"CUTOVER" choice:"alias" choice:"copy_back" default:"alias" description:"cutover strategy"` // nolint
	PollInterval    time.Duration `long:"poll-interval" env:"POLL_INTERVAL" default:"2s" description:"task poll interval"`
	PollRetries     int           `long:"poll-retries" env:"POLL_RETRIES" default:"5" description:"attempts of a single task poll"`
	CopyTimeout     time.Duration `long:"copy-timeout" env:"COPY_TIMEOUT" default:"1h" description:"copy timeout of copy-back cutover"`
	Slices          int           `long:"slices" env:"SLICES" default:"0" description:"reindex slices, 0 for engine default"`
	RPS             int           `long:"rps" env:"RPS" default:"0" description:"reindex throttling, requests per second"`
}

// SetCommon satisfies CommonOptionsCommander interface and sets common option fields
// The method called by main for each command
func (c *CommonOpts) SetCommon(commonOpts CommonOpts) {
	c.ES = commonOpts.ES
	c.Revision = commonOpts.Revision
	c.out = commonOpts.out
}

// newEngine is replaced in tests
var newEngine = func(es ESGroup) (engine.Interface, error) {
	return engine.NewElastic(engine.Params{Endpoints: es.URLs, Secret: es.Secret, Timeout: es.Timeout})
}

func (c *CommonOpts) orchestrator() (*reindex.Orchestrator, error) {
	e, err := newEngine(c.ES)
	if err != nil {
		return nil, errors.Wrap(err, "can't make engine client")
	}
	strategy, err := reindex.ParseCutoverStrategy(c.ES.CutoverStrategy)
	if err != nil {
		return nil, err
	}
	return reindex.New(e, reindex.Params{
		CutoverStrategy:   strategy,
		PollInterval:      c.ES.PollInterval,
		CopyTimeout:       c.ES.CopyTimeout,
		Monitor:           reindex.MonitorParams{PollRetries: c.ES.PollRetries},
		Slices:            c.ES.Slices,
		RequestsPerSecond: c.ES.RPS,
		JournalIndex:      c.ES.Journal,
	}), nil
}

// print writes v as indented json to the command output
func (c *CommonOpts) print(v interface{}) error {
	out := c.out
	if out == nil {
		out = os.Stdout
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "can't encode result")
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}
