package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/Swind/go-script-launcher/core"
	"github.com/Swind/go-script-launcher/internal/scriptlang"
	"github.com/spf13/cobra"
)

func newResolveCmd(a *app) *cobra.Command {
	var affinity string
	cmd := &cobra.Command{
		Use:   "resolve [scripts...]",
		Short: "Show where each script would run, without running it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pref, err := core.ParseAffinityMode(affinity)
			if err != nil {
				return err
			}
			return a.resolve(cmd.OutOrStdout(), args, pref)
		},
	}
	cmd.Flags().StringVar(&affinity, "affinity", "auto", "preferred affinity: auto, main or background")
	return cmd
}

func (a *app) resolve(out io.Writer, paths []string, pref core.AffinityMode) error {
	introspector := core.NewCachedIntrospector(core.NewMarkerScanner(a.fs, nilIfEmpty(a.cfg.UnsafeMarkers)))
	rules, err := a.cfg.BuildRules(introspector)
	if err != nil {
		return err
	}
	resolver := core.NewThreadAffinityResolver(rules, core.WithResolverLogger(a.logger))

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SCRIPT\tKIND\tMODE\tFORCED\tREASON")
	for _, p := range paths {
		s, err := scriptlang.Load(a.fs, p)
		if err != nil {
			return err
		}
		d := s.Descriptor(pref, 0)
		decision := resolver.Resolve(d)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", d.ID, d.Kind, decision.Mode, decision.Forced, decision.Reason)
	}
	return tw.Flush()
}

func nilIfEmpty(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	return s
}
