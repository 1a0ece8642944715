package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync/atomic"
	"text/tabwriter"

	"github.com/pingcap/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/objrt/manifest"
	"github.com/chazu/objrt/rc"
	"github.com/chazu/objrt/stress"
)

func newStressCommand(flags *globalFlags) *cobra.Command {
	cfg := stress.DefaultConfig()
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Run the concurrent retain/release and weak-reference scenarios",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := loadConfig(flags)
			if err != nil {
				return err
			}
			return runStress(cmd, m, cfg)
		},
	}
	cmd.Flags().IntVarP(&cfg.Workers, "workers", "w", cfg.Workers, "concurrent goroutines per scenario")
	cmd.Flags().IntVarP(&cfg.Iterations, "iterations", "n", cfg.Iterations, "operations per goroutine")
	cmd.Flags().IntVar(&cfg.WeakRefs, "weak-refs", cfg.WeakRefs, "weak locations in the weak-clear scenario")
	cmd.Flags().IntVar(&cfg.Races, "races", cfg.Races, "rounds of the release/try-retain race")
	return cmd
}

// newRuntime builds a runtime from the manifest with metrics registered on a
// fresh registry. The returned counter tracks usage violations, which are
// logged instead of aborting so the run can report them all.
func newRuntime(m *manifest.Manifest) (*rc.Runtime, *prometheus.Registry, *atomic.Int64) {
	reg := prometheus.NewRegistry()
	violations := new(atomic.Int64)
	opts := m.RuntimeOptions()
	opts.Registerer = reg
	opts.FatalHandler = func(v *rc.UsageViolation) {
		violations.Add(1)
		log.Errorf("%v\n%s", v, v.Stack())
	}
	return rc.New(opts), reg, violations
}

func runStress(cmd *cobra.Command, m *manifest.Manifest, cfg stress.Config) error {
	rt, reg, violations := newRuntime(m)

	ctx, cancel := context.WithCancel(cmd.Context())
	g, gctx := errgroup.WithContext(ctx)
	if m.Monitor.Enabled {
		mon := rc.NewMonitor(rt, m.Monitor.Interval.Duration)
		g.Go(func() error {
			mon.Run(gctx)
			return nil
		})
	}

	results, err := stress.Run(ctx, rt, cfg)
	cancel()
	_ = g.Wait()
	out := cmd.OutOrStdout()
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SCENARIO\tOPS\tDURATION")
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%d\t%s\n", r.Scenario, r.Ops, r.Duration)
	}
	w.Flush()
	if err != nil {
		return err
	}

	fmt.Fprintln(out)
	if err := printMetrics(out, reg); err != nil {
		return err
	}
	if n := violations.Load(); n > 0 {
		return errors.Errorf("%d usage violations", n)
	}
	return nil
}

// printMetrics writes the current value of every counter and gauge in reg.
func printMetrics(out io.Writer, reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return errors.Trace(err)
	}
	sort.Slice(families, func(i, j int) bool { return families[i].GetName() < families[j].GetName() })

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "METRIC\tLABELS\tVALUE")
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			labels := ""
			for _, lp := range metric.GetLabel() {
				labels += lp.GetName() + "=" + lp.GetValue() + " "
			}
			value := metric.GetCounter().GetValue() + metric.GetGauge().GetValue()
			fmt.Fprintf(w, "%s\t%s\t%g\n", mf.GetName(), labels, value)
		}
	}
	return errors.Trace(w.Flush())
}
