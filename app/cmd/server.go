package cmd

import (
	"time"

	"github.com/vdimir/esmigrate/app/rest/api"
)

// ServerCommand with command line flags and env
type ServerCommand struct {
	Address   string        `long:"address" env:"ADDRESS" default:"*" description:"listening address"`
	Port      int           `long:"port" env:"PORT" default:"8080" description:"port"`
	AwaitMax  time.Duration `long:"await-max" env:"AWAIT_MAX" default:"5m" description:"max wait of a single api request"`
	RateLimit float64       `long:"rate-limit" env:"RATE_LIMIT" default:"10" description:"requests per second per client"`
	CommonOpts
}

// Execute runs admin api until interrupted
func (s *ServerCommand) Execute(_ []string) error {
	orch, err := s.orchestrator()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	srv := &api.Rest{
		Migrator:  orch,
		Version:   s.Revision,
		AwaitMax:  s.AwaitMax,
		RateLimit: s.RateLimit,
	}
	return srv.Run(ctx, s.Address, s.Port)
}
