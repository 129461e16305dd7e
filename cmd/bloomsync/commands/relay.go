package commands

import (
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"

	"github.com/tendermint/bloomsync/config"
	"github.com/tendermint/bloomsync/internal/relay"
	"github.com/tendermint/bloomsync/libs/log"
)

// MakeRelayCommand returns the command that runs the websocket relay
// replicas publish through.
func MakeRelayCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the websocket relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			metrics := relay.NopMetrics()
			if conf.Instrumentation.Prometheus {
				metrics = relay.PrometheusMetrics(conf.Instrumentation.Namespace)
				startPrometheusServer(ctx, logger, conf.Instrumentation)
			}

			ln, err := listen(conf.Relay.ListenAddress)
			if err != nil {
				return err
			}
			if n := conf.Relay.MaxOpenConnections; n > 0 {
				ln = netutil.LimitListener(ln, n)
			}
			srv := relay.NewServer(logger, conf.Relay.ServerConfig(), metrics)
			return srv.Serve(ctx, ln, conf.Relay.Endpoint)
		},
	}
	cmd.Flags().String("relay.laddr", conf.Relay.ListenAddress, "relay listen address")
	return cmd
}
