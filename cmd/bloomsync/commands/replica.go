package commands

import (
	"github.com/google/uuid"

	"github.com/tendermint/bloomsync/bloom"
	"github.com/tendermint/bloomsync/config"
	"github.com/tendermint/bloomsync/internal/relay"
	"github.com/tendermint/bloomsync/libs/log"
	"github.com/tendermint/bloomsync/libs/service"
	"github.com/tendermint/bloomsync/replication"
)

// newReplica builds a replicated filter from conf that exchanges updates
// over ch. A nil ch connects to the relay at conf.Relay.Address. The
// returned service starts the transport before the filter.
func newReplica(
	conf *config.Config,
	logger log.Logger,
	id string,
	ch replication.Channel,
	metrics *replication.Metrics,
) (*replication.Filter, service.Service, error) {
	scheme, err := conf.Filter.Scheme()
	if err != nil {
		return nil, nil, err
	}
	if id == "" {
		id = uuid.NewString()
	}

	var services []service.Service
	if ch == nil {
		client := relay.NewClient(logger, conf.Relay.Address, scheme.Fingerprint(), conf.Relay.ClientOptions(id)...)
		services = append(services, client)
		ch = client
	}

	opts := append(conf.Replication.Options(),
		replication.WithOrigin(id),
		replication.WithMetrics(metrics),
	)
	filter := replication.NewFilter(logger, bloom.NewFilter(scheme), ch, opts...)
	services = append(services, filter)

	return filter, service.NewGroup(logger, "Replica", services...), nil
}
