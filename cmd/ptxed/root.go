// Package main implements ptxed, a cobra-based CLI that drives the
// query decoder and a traced-image store to reconstruct an instruction
// stream from a raw Intel PT trace file. It uses a placeholder
// instruction classifier (see classifier.go) since the real x86
// classifier is an external collaborator this module doesn't ship.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"ptdecode/config"
	"ptdecode/image"
	"ptdecode/insn"
	"ptdecode/perr"
	"ptdecode/plog"
	"ptdecode/query"
	"ptdecode/version"
)

type options struct {
	rawMaps []string
	cr3     uint64
	bdm70   bool
	bdm64   bool
	debug   bool
}

// NewCommand builds the ptxed root command.
func NewCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:     "ptxed <trace-file>",
		Short:   "Reconstruct the instruction stream of an Intel PT trace",
		Version: version.Current.String(),
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runXed(cmd, args[0], opts)
		},
		SilenceUsage: true,
	}
	cmd.Flags().StringArrayVar(&opts.rawMaps, "raw", nil, "map a raw binary into the image as file:vaddr (hex), repeatable")
	cmd.Flags().Uint64Var(&opts.cr3, "cr3", image.UnknownCR3, "address-space CR3 to decode under (default: match any)")
	cmd.Flags().BoolVar(&opts.bdm70, "bdm70", false, "enable BDM70 errata handling")
	cmd.Flags().BoolVar(&opts.bdm64, "bdm64", false, "enable BDM64 errata handling")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "enable debug-level logging")
	return cmd
}

func buildImage(rawMaps []string, asid image.ASID) (*image.Image, error) {
	img := image.New()
	for _, arg := range rawMaps {
		parts := strings.SplitN(arg, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("--raw %q: expected file:vaddr", arg)
		}
		vaddr, err := strconv.ParseUint(strings.TrimPrefix(parts[1], "0x"), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("--raw %q: invalid vaddr: %w", arg, err)
		}
		st, err := os.Stat(parts[0])
		if err != nil {
			return nil, fmt.Errorf("--raw %q: %w", arg, err)
		}
		if err := img.AddFile(parts[0], 0, uint64(st.Size()), asid, vaddr); err != nil {
			return nil, fmt.Errorf("--raw %q: %w", arg, err)
		}
	}
	return img, nil
}

func runXed(cmd *cobra.Command, path string, opts *options) error {
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

	cfg, err := config.New(buf, config.CPU{Vendor: config.VendorIntel}, errata, nil, nil)
	if err != nil {
		return fmt.Errorf("building config: %w", err)
	}

	asid := image.ASID{CR3: opts.cr3}
	img, err := buildImage(opts.rawMaps, asid)
	if err != nil {
		return err
	}
	if !img.HasSections() {
		logger.Warning("no --raw image sections mapped; every instruction read will fail with nomap")
	}

	qd := query.New(cfg)
	if err := qd.SyncForward(); err != nil {
		if perr.Code(err) == perr.ErrEOS {
			logger.Warning("no PSB found: empty or unsynchronized trace")
			return nil
		}
		return fmt.Errorf("initial sync: %w", err)
	}

	dec := insn.New(cfg, qd, img, stubClassifier{})
	dec.SetASID(asid)

	out := cmd.OutOrStdout()
	for {
		in, err := dec.Next()
		if err != nil {
			if perr.Code(err) == perr.ErrEOS {
				return nil
			}
			return fmt.Errorf("decoding instruction: %w", err)
		}
		fmt.Fprintln(out, in.String())
	}
}

func main() {
	if err := NewCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
