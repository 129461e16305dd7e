package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tendermint/bloomsync/config"
	"github.com/tendermint/bloomsync/libs/log"
	"github.com/tendermint/bloomsync/libs/service"
	"github.com/tendermint/bloomsync/replication"
)

// MakeStartCommand returns the command that runs a replica connected to the
// relay. The replica reads commands from stdin:
//
//	set <key>
//	check <key>
//	stats
func MakeStartCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "start",
		Aliases: []string{"run"},
		Short:   "Run a replica",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			metrics := replication.NopMetrics()
			if conf.Instrumentation.Prometheus {
				metrics = replication.PrometheusMetrics(conf.Instrumentation.Namespace, "replica_id", conf.ReplicaID)
				startPrometheusServer(ctx, logger, conf.Instrumentation)
			}

			filter, replica, err := newReplica(conf, logger, conf.ReplicaID, nil, metrics)
			if err != nil {
				return err
			}
			if err := replica.Start(ctx); err != nil {
				return fmt.Errorf("failed to start replica: %w", err)
			}
			logger.Info("started replica", "replica_id", filter.Origin(), "relay", conf.Relay.Address)

			err = serveConsole(ctx, filter, cmd.InOrStdin(), cmd.OutOrStdout())
			if serr := replica.Stop(); serr != nil && !errors.Is(serr, service.ErrAlreadyStopped) {
				logger.Error("failed to stop replica", "err", serr)
			}
			replica.Wait()
			return err
		},
	}
	cmd.Flags().String("replica_id", conf.ReplicaID, "identity stamped on published updates")
	cmd.Flags().String("relay.address", conf.Relay.Address, "websocket URL of the relay")
	return cmd
}

// serveConsole executes the commands read from in until in is exhausted or
// ctx ends.
func serveConsole(ctx context.Context, f *replication.Filter, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			execute(f, line, out)
		}
	}
}

func execute(f *replication.Filter, line string, out io.Writer) {
	op, key, _ := strings.Cut(line, " ")
	switch op {
	case "set":
		if err := f.Set(key); err != nil {
			fmt.Fprintf(out, "set %q locally, not replicated: %v\n", key, err)
			return
		}
		fmt.Fprintln(out, "ok")
	case "check":
		fmt.Fprintln(out, f.Check(key))
	case "stats":
		local := f.Local()
		fmt.Fprintf(out, "sequence=%d fill_ratio=%.4f estimated_keys=%.0f false_positive_rate=%.3g\n",
			f.Sequence(), local.FillRatio(), local.EstimateCount(), local.EstimatedFalsePositiveRate())
	case "":
	default:
		fmt.Fprintf(out, "unknown command %q (want set, check or stats)\n", op)
	}
}
