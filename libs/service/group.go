package service

import (
	"context"
	"fmt"

	"github.com/tendermint/bloomsync/libs/log"
)

type groupImpl struct {
	*BaseService
	logger   log.Logger
	services []Service
}

// NewGroup returns a service that starts each of services in order and
// stops them in reverse order. A replica process uses it to bring up its
// transport before the replicated filter that depends on it.
func NewGroup(logger log.Logger, name string, services ...Service) Service {
	srv := &groupImpl{
		logger:   logger,
		services: services,
	}
	srv.BaseService = NewBaseService(logger, name, srv)
	return srv
}

func (gs *groupImpl) OnStart(ctx context.Context) error {
	for idx, srv := range gs.services {
		if err := srv.Start(ctx); err != nil {
			gs.stopFrom(idx - 1)
			return fmt.Errorf("starting %s: %w", srv, err)
		}
	}
	return nil
}

func (gs *groupImpl) OnStop() { gs.stopFrom(len(gs.services) - 1) }

func (gs *groupImpl) stopFrom(last int) {
	for idx := last; idx >= 0; idx-- {
		srv := gs.services[idx]
		if !srv.IsRunning() {
			continue
		}
		if err := srv.Stop(); err != nil {
			gs.logger.Error(
				fmt.Sprintf("problem stopping service %d of %d", idx+1, len(gs.services)),
				"service", srv.String(), "err", err)
		}
	}
}
