// Package main implements ptdump, a cobra-based CLI that decodes a raw
// Intel PT trace file packet-by-packet and prints the stream. It
// exercises the packet codec and packet decoder layers directly,
// without the query or instruction-flow layers.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"ptdecode/config"
	"ptdecode/perr"
	"ptdecode/pktdec"
	"ptdecode/plog"
	"ptdecode/version"
)

type options struct {
	family   uint16
	model    uint8
	stepping uint8
	bdm70    bool
	bdm64    bool
	debug    bool
}

// NewCommand builds the ptdump root command.
func NewCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:     "ptdump <trace-file>",
		Short:   "Dump the raw Intel PT packet stream of a trace file",
		Version: version.Current.String(),
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDump(cmd, args[0], opts)
		},
		SilenceUsage: true,
	}
	cmd.Flags().Uint16Var(&opts.family, "cpu-family", 6, "traced CPU family")
	cmd.Flags().Uint8Var(&opts.model, "cpu-model", 0, "traced CPU model")
	cmd.Flags().Uint8Var(&opts.stepping, "cpu-stepping", 0, "traced CPU stepping")
	cmd.Flags().BoolVar(&opts.bdm70, "bdm70", false, "enable BDM70 errata handling")
	cmd.Flags().BoolVar(&opts.bdm64, "bdm64", false, "enable BDM64 errata handling")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "enable debug-level logging")
	return cmd
}

func runDump(cmd *cobra.Command, path string, opts *options) error {
	level := plog.SeverityInfo
	if opts.debug {
		level = plog.SeverityDebug
	}
	logger := plog.NewStderr(level)

	buf, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var errata config.Errata
	if opts.bdm70 {
		errata |= config.ErrataBDM70
	}
	if opts.bdm64 {
		errata |= config.ErrataBDM64
	}

	cfg, err := config.New(buf, config.CPU{
		Vendor:   config.VendorIntel,
		Family:   opts.family,
		Model:    opts.model,
		Stepping: opts.stepping,
	}, errata, nil, nil)
	if err != nil {
		return fmt.Errorf("building config: %w", err)
	}
	logger.Logf(plog.SeverityInfo, "decoding %s (%d bytes)", path, len(buf))

	dec := pktdec.New(cfg)
	out := cmd.OutOrStdout()

	if err := dec.SyncForward(); err != nil {
		if perr.Code(err) == perr.ErrEOS {
			logger.Warning("no PSB found: empty or unsynchronized trace")
			return nil
		}
		return fmt.Errorf("initial sync: %w", err)
	}

	for {
		offset := dec.Cursor()
		p, err := dec.Next()
		if err != nil {
			if perr.Code(err) == perr.ErrEOS {
				return nil
			}
			return fmt.Errorf("at offset %d: %w", offset, err)
		}
		fmt.Fprintf(out, "%08x  %s\n", offset, p.String())
	}
}

func main() {
	if err := NewCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
