package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/tendermint/bloomsync/bloom"
	"github.com/tendermint/bloomsync/config"
	"github.com/tendermint/bloomsync/internal/pubsub"
	"github.com/tendermint/bloomsync/libs/log"
	"github.com/tendermint/bloomsync/libs/service"
	"github.com/tendermint/bloomsync/replication"
)

type demoOptions struct {
	keys          int
	probe         string
	relayAddress  string
	duplicateRate float64
	reorder       bool
	timeout       time.Duration
}

// MakeDemoCommand returns the command that runs two replicas in one
// process, sets keys on the first and checks them on the second.
func MakeDemoCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	opts := demoOptions{}
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Replicate keys between two replicas in one process",
		Long: `Start replicas demo-a and demo-b, set --keys keys on demo-a, wait for
demo-b to receive them and report what demo-b sees.

The replicas are connected by an in-process hub unless --relay names a
running relay.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd.Context(), conf, logger, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&opts.keys, "keys", 10000, "number of keys set on demo-a")
	cmd.Flags().StringVar(&opts.probe, "probe", "boo", "key demo-b checks once caught up")
	cmd.Flags().StringVar(&opts.relayAddress, "relay", "", "websocket URL of a relay; empty uses an in-process hub")
	cmd.Flags().Float64Var(&opts.duplicateRate, "duplicate-rate", 0, "probability the in-process hub delivers an update twice")
	cmd.Flags().BoolVar(&opts.reorder, "reorder", false, "let the in-process hub reorder updates")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "how long to wait for demo-b to catch up")
	return cmd
}

func runDemo(ctx context.Context, conf *config.Config, logger log.Logger, opts demoOptions, out io.Writer) error {
	if opts.keys < 0 {
		return errors.New("--keys can't be negative")
	}

	var ch replication.Channel
	if opts.relayAddress == "" {
		hub := pubsub.NewHub(logger, pubsub.WithFaults(pubsub.Faults{
			DuplicateRate: opts.duplicateRate,
			Reorder:       opts.reorder,
		}))
		defer hub.Close()
		ch = hub
	} else {
		conf.Relay.Address = opts.relayAddress
	}

	a, replicaA, err := newReplica(conf, logger, "demo-a", ch, replication.NopMetrics())
	if err != nil {
		return err
	}
	b, replicaB, err := newReplica(conf, logger, "demo-b", ch, replication.NopMetrics())
	if err != nil {
		return err
	}

	group := service.NewGroup(logger, "Demo", replicaA, replicaB)
	if err := group.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := group.Stop(); err != nil && !errors.Is(err, service.ErrAlreadyStopped) {
			logger.Error("failed to stop replicas", "err", err)
		}
		group.Wait()
	}()

	start := time.Now()
	keys := make([]string, opts.keys)
	var degraded int
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%d", i)
		if err := a.Set(keys[i]); err != nil {
			degraded++
		}
	}
	fmt.Fprintf(out, "set %d keys on %s in %s (%d not replicated)\n", len(keys), a.Origin(), time.Since(start), degraded)

	wctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	if err := b.WaitForProgress(wctx, a.Origin(), a.Sequence()); err != nil {
		return fmt.Errorf("waiting for %s to catch up: %w", b.Origin(), err)
	}

	// with reordering or several apply workers the last update may be
	// applied before earlier ones
	missing := countMissing(b, keys)
	for missing > 0 && wctx.Err() == nil {
		time.Sleep(10 * time.Millisecond)
		missing = countMissing(b, keys)
	}
	fmt.Fprintf(out, "%s caught up in %s (%d keys missing)\n", b.Origin(), time.Since(start), missing)
	fmt.Fprintf(out, "%s check %q: %t\n", b.Origin(), opts.probe, b.Check(opts.probe))

	var falsePositives int
	for i := range keys {
		if b.Check(fmt.Sprintf("absent-%d", i)) {
			falsePositives++
		}
	}
	scheme := b.Local().Scheme()
	fmt.Fprintf(out, "false positives: %d/%d, expected rate %.3g, estimated keys %.0f\n",
		falsePositives, len(keys),
		bloom.FalsePositiveRate(scheme.M(), scheme.K(), uint64(len(keys))),
		b.Local().EstimateCount())
	return nil
}

func countMissing(f *replication.Filter, keys []string) int {
	var n int
	for _, k := range keys {
		if !f.Check(k) {
			n++
		}
	}
	return n
}
