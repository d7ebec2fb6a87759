package cmd

import (
	log "github.com/go-pkgz/lgr"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/vdimir/esmigrate/app/reindex"
	"github.com/vdimir/esmigrate/app/store/source"
)

// ImportCommand set of flags and command for import
type ImportCommand struct {
	Mapping   string   `short:"m" long:"mapping" required:"true" description:"descriptor with logical name and fields"`
	Source    string   `short:"s" long:"source" required:"true" description:"bolt file with source records"`
	Project   []string `long:"project" description:"top-level fields to keep, all if not set"`
	ChunkSize int      `long:"chunk" default:"500" description:"records per bulk request"`
	Workers   int      `long:"workers" default:"4" description:"parallel bulk requests"`
	MaxErrors int      `long:"max-errors" default:"20" description:"abort after this many failed documents"`
	CommonOpts
}

// Execute import command
func (ic *ImportCommand) Execute(_ []string) (err error) {
	desc, err := LoadDescriptor(ic.Mapping)
	if err != nil {
		return err
	}
	src, err := source.NewBoltSource(ic.Source, bolt.Options{ReadOnly: true})
	if err != nil {
		return err
	}
	defer func() {
		if e := src.Close(); e != nil {
			err = multierror.Append(err, e).ErrorOrNil()
		}
	}()

	orch, err := ic.orchestrator()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	log.Printf("[INFO] import %s from %s", desc.Logical, ic.Source)
	analysis, err := desc.AnalysisJSON()
	if err != nil {
		return err
	}
	report, err := orch.Import(ctx, reindex.ImportRequest{
		Logical:   desc.Logical,
		Mapping:   desc.Mapping(),
		Analysis:  analysis,
		Source:    src,
		Project:   source.IdentityProjector(ic.Project...),
		ChunkSize: ic.ChunkSize,
		Workers:   ic.Workers,
		MaxErrors: ic.MaxErrors,
	})
	_ = ic.print(report)
	return errors.Wrapf(err, "import of %s failed", desc.Logical)
}
