package main

import (
	"fmt"
	"os"

	log "github.com/go-pkgz/lgr"
	"github.com/umputun/go-flags"

	"github.com/vdimir/esmigrate/app/cmd"
)

// Opts with all cli commands and flags
type Opts struct {
	MigrateCmd  cmd.MigrateCommand  `command:"migrate"`
	AwaitCmd    cmd.AwaitCommand    `command:"await"`
	CutoverCmd  cmd.CutoverCommand  `command:"cutover"`
	RollbackCmd cmd.RollbackCommand `command:"rollback"`
	RetireCmd   cmd.RetireCommand   `command:"retire"`
	StatusCmd   cmd.StatusCommand   `command:"status"`
	ImportCmd   cmd.ImportCommand   `command:"import"`
	ServerCmd   cmd.ServerCommand   `command:"server"`

	ES  cmd.ESGroup `group:"es" namespace:"es" env-namespace:"ES"`
	Dbg bool        `long:"dbg" env:"DEBUG" description:"debug mode"`
}

var revision = "unknown"

func main() {
	fmt.Printf("esmigrate %s\n", revision)

	var opts Opts
	p := flags.NewParser(&opts, flags.Default)
	p.CommandHandler = func(command flags.Commander, args []string) error {
		setupLog(opts.Dbg)
		// commands implement CommonOptionsCommander to allow passing set of extra options defined for all commands
		c := command.(cmd.CommonOptionsCommander)
		c.SetCommon(cmd.CommonOpts{
			ES:       opts.ES,
			Revision: revision,
		})
		err := c.Execute(args)
		if err != nil {
			log.Printf("[ERROR] failed with %+v", err)
		}
		return err
	}

	if _, err := p.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		} else {
			os.Exit(1)
		}
	}
}

func setupLog(dbg bool) {
	if dbg {
		log.Setup(log.Debug, log.CallerFile, log.CallerFunc, log.Msec, log.LevelBraces)
		return
	}
	log.Setup(log.Msec, log.LevelBraces)
}
