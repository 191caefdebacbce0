package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	units "github.com/docker/go-units"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/tetratelabs/jitcore"
	"github.com/tetratelabs/jitcore/internal/heap"
	"github.com/tetratelabs/jitcore/internal/masm"
	"github.com/tetratelabs/jitcore/internal/masm/sim"
)

func main() {
	os.Exit(doMain(os.Stdout, os.Stderr, os.Args[1:]))
}

// doMain is separated out for the purpose of unit testing.
func doMain(stdOut, stdErr io.Writer, args []string) int {
	cmd := newRootCmd(stdOut, stdErr)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func newRootCmd(stdOut, stdErr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "jitc",
		Short:         "jitc CLI",
		Long:          "jitc compiles sample graphs with the jitcore backends and prints what they produce.",
		Version:       jitcore.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.SetOut(stdOut)
	root.SetErr(stdErr)

	flags := root.PersistentFlags()
	flags.String("config", "", "path to a TOML configuration file")
	flags.String("color", "auto", "colorize output (auto|on|off)")
	flags.String("cache-dir", "", "directory of the code cache, in memory when empty")
	flags.String("cache-size", "", "size limit of the code cache, for example 64MiB")
	flags.StringSlice("log-scopes", nil, "scopes to log: selection,codegen,deopt,dispatcher,cache or all")
	flags.String("log-level", "", "minimum level logged, for example debug")

	root.AddCommand(newSelectCmd(), newMaglevCmd(), newConfigCmd(), newVersionCmd())
	return root
}

// loadConfig returns the configuration file, or the defaults, overridden by the flags set on
// the command line.
func loadConfig(cmd *cobra.Command) (*jitcore.Config, error) {
	flags := cmd.Flags()
	c := jitcore.NewConfig()
	if path, _ := flags.GetString("config"); path != "" {
		var err error
		if c, err = jitcore.LoadConfigFile(path); err != nil {
			return nil, err
		}
	}
	if flags.Changed("cache-dir") {
		dir, _ := flags.GetString("cache-dir")
		c = c.WithCacheDir(dir)
	}
	if flags.Changed("cache-size") {
		size, _ := flags.GetString("cache-size")
		limit, err := units.RAMInBytes(size)
		if err != nil {
			return nil, fmt.Errorf("invalid cache size: %w", err)
		}
		c = c.WithCacheSizeLimit(limit)
	}
	if flags.Changed("log-scopes") {
		scopes, _ := flags.GetStringSlice("log-scopes")
		c = c.WithLogScopes(scopes...)
	}
	if flags.Changed("log-level") {
		level, _ := flags.GetString("log-level")
		c = c.WithLogLevel(level)
	}
	return c, nil
}

func newEngine(cmd *cobra.Command, c *jitcore.Config) (*jitcore.Engine, error) {
	ctx := jitcore.WithLogOutput(context.Background(), cmd.ErrOrStderr())
	return jitcore.NewEngine(ctx, c)
}

// palette colors the sections of the output.
type palette struct {
	header, ok, bad *color.Color
}

func newPalette(cmd *cobra.Command) (*palette, error) {
	p := &palette{
		header: color.New(color.FgCyan, color.Bold),
		ok:     color.New(color.FgGreen),
		bad:    color.New(color.FgRed, color.Bold),
	}
	mode, _ := cmd.Flags().GetString("color")
	switch mode {
	case "auto":
	case "on":
		p.each((*color.Color).EnableColor)
	case "off":
		p.each((*color.Color).DisableColor)
	default:
		return nil, fmt.Errorf("invalid color mode %q", mode)
	}
	return p, nil
}

func (p *palette) each(f func(*color.Color)) {
	f(p.header)
	f(p.ok)
	f(p.bad)
}

func newSelectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "select",
		Short: "Print the RISC-V instruction sequence selected for a sample IR graph",
		Args:  cobra.NoArgs,
		RunE:  runSelect,
	}
	cmd.Flags().String("sample", "switch", "sample graph: "+strings.Join(sampleNames(selectSamples), ", "))
	cmd.Flags().Bool("no-jump-table", false, "lower switches with a binary search only")
	return cmd
}

func runSelect(cmd *cobra.Command, _ []string) error {
	name, _ := cmd.Flags().GetString("sample")
	build, ok := selectSamples[name]
	if !ok {
		return fmt.Errorf("unknown sample %q", name)
	}
	c, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if noTable, _ := cmd.Flags().GetBool("no-jump-table"); noTable {
		c = c.WithSwitchJumpTable(false)
	}
	p, err := newPalette(cmd)
	if err != nil {
		return err
	}
	e, err := newEngine(cmd, c)
	if err != nil {
		return err
	}
	defer e.Close(cmd.Context())

	seq := e.SelectInstructions(build())
	out := cmd.OutOrStdout()
	p.header.Fprintf(out, "%s (riscv64)\n", name)
	fmt.Fprint(out, seq.Format())
	return nil
}

func newMaglevCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maglev",
		Short: "Compile a sample node graph to arm64 and run it in the simulator",
		Args:  cobra.NoArgs,
		RunE:  runMaglev,
	}
	cmd.Flags().String("sample", "checkmaps", "sample graph: "+strings.Join(sampleNames(maglevSamples), ", "))
	cmd.Flags().Bool("hex", true, "dump the arm64 machine code")
	return cmd
}

func runMaglev(cmd *cobra.Command, _ []string) error {
	name, _ := cmd.Flags().GetString("sample")
	build, ok := maglevSamples[name]
	if !ok {
		return fmt.Errorf("unknown sample %q", name)
	}
	c, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	p, err := newPalette(cmd)
	if err != nil {
		return err
	}
	e, err := newEngine(cmd, c)
	if err != nil {
		return err
	}
	defer e.Close(cmd.Context())

	h := heap.New()
	sample := build(h)
	code, err := e.CompileMaglev(sample.graph, h)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	p.header.Fprintln(out, "graph")
	fmt.Fprintln(out, strings.TrimPrefix(sample.graph.Format(), "\n"))
	p.header.Fprintln(out, "masm")
	fmt.Fprintln(out, masm.FormatListing(code.Instructions))
	if dump, _ := cmd.Flags().GetBool("hex"); dump {
		p.header.Fprintln(out, "arm64")
		fmt.Fprint(out, hex.Dump(code.Code))
	}
	fmt.Fprintf(out, "size: %s, stack slots: %d, deopt exits: %d\n",
		units.BytesSize(float64(len(code.Code))), code.StackSlots, len(code.DeoptExits))

	m := sim.New(h)
	m.LazyDeopts = code.LazyDeoptCalls
	for i, arg := range sample.args {
		m.SetRegister(masm.GeneralRegister(i), uint64(arg))
	}
	res, err := m.Run(code.Instructions)
	if err != nil {
		return fmt.Errorf("simulation: %w", err)
	}
	switch res.Outcome {
	case sim.Returned:
		p.ok.Fprintf(out, "returned %s\n", formatTagged(res.Value))
	case sim.Deopted:
		exit := code.DeoptExits[res.DeoptExit]
		p.bad.Fprintf(out, "deopted at exit %d: %s\n", res.DeoptExit, exit.Reason)
	}
	return nil
}

func formatTagged(v heap.Tagged) string {
	if v.IsSmi() {
		return fmt.Sprintf("smi %d", v.SmiValue())
	}
	return fmt.Sprintf("%#x", uint64(v))
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as TOML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), c.String())
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the engine version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), jitcore.Version)
		},
	}
}
