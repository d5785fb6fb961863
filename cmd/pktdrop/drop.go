package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/annp1987/bpf-progs/internal/config"
	"github.com/annp1987/bpf-progs/internal/engine"
	"github.com/annp1987/bpf-progs/internal/model"
	"github.com/annp1987/bpf-progs/internal/probe"
	"github.com/annp1987/bpf-progs/pkg/ksym"
)

var (
	dropCfg     = config.Default()
	dropCfgFile string
)

var dropCmd = &cobra.Command{
	Use:   "drop",
	Short: "Monitor packets dropped by the kernel",
	Long: `Trace kfree_skb and report dropped packets.

Without -s every drop is dumped as it happens. With -s drops are
aggregated over the display interval and summarized per namespace, MAC
address, IP address or flow, with the kernel functions they came from.`,
	Args: cobra.NoArgs,
	RunE: runDrop,
}

func init() {
	f := dropCmd.Flags()
	f.StringVarP(&dropCfg.ObjectFile, "file", "f", dropCfg.ObjectFile, "BPF object file to load")
	f.StringVarP(&dropCfg.Dimension, "sort", "s", "", "aggregate drops by dimension (netns, dmac, smac, dip, sip or flow)")
	f.IntVarP(&dropCfg.Rate, "rate", "r", dropCfg.Rate, "seconds between summaries")
	f.IntVarP(&dropCfg.Threshold, "threshold", "t", dropCfg.Threshold, "hide buckets with fewer drops per interval")
	f.IntVarP(&dropCfg.PerfPages, "pages", "m", dropCfg.PerfPages, "perf buffer size in pages per cpu")
	f.StringVarP(&dropCfg.Kallsyms, "kallsyms", "k", "", "kernel symbol file (default /proc/kallsyms)")
	f.BoolVarP(&dropCfg.SkipTCP, "skip-tcp", "T", false, "ignore drops in tcp functions")
	f.BoolVarP(&dropCfg.SkipUnix, "skip-unix", "U", false, "ignore drops in unix socket functions")
	f.BoolVarP(&dropCfg.SkipOVS, "skip-ovs-upcalls", "O", false, "ignore drops in OVS upcalls")
	f.BoolVarP(&dropCfg.IgnoreKprobeErr, "ignore-kprobe-error", "i", false, "continue when the namespace exit kprobe cannot attach")
	f.StringVarP(&dropCfgFile, "config", "c", "", "YAML config file")
}

// dropConfig merges defaults, the optional config file and the flags the
// user actually set, in that order.
func dropConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := dropCfg
	if dropCfgFile != "" {
		fileCfg, err := config.Load(dropCfgFile)
		if err != nil {
			return nil, err
		}
		applyFlagOverrides(cmd, fileCfg)
		cfg = fileCfg
	}
	cfg.Debug = cfg.Debug || debug

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("file") {
		cfg.ObjectFile = dropCfg.ObjectFile
	}
	if f.Changed("sort") {
		cfg.Dimension = dropCfg.Dimension
	}
	if f.Changed("rate") {
		cfg.Rate = dropCfg.Rate
	}
	if f.Changed("threshold") {
		cfg.Threshold = dropCfg.Threshold
	}
	if f.Changed("pages") {
		cfg.PerfPages = dropCfg.PerfPages
	}
	if f.Changed("kallsyms") {
		cfg.Kallsyms = dropCfg.Kallsyms
	}
	if f.Changed("skip-tcp") {
		cfg.SkipTCP = dropCfg.SkipTCP
	}
	if f.Changed("skip-unix") {
		cfg.SkipUnix = dropCfg.SkipUnix
	}
	if f.Changed("skip-ovs-upcalls") {
		cfg.SkipOVS = dropCfg.SkipOVS
	}
	if f.Changed("ignore-kprobe-error") {
		cfg.IgnoreKprobeErr = dropCfg.IgnoreKprobeErr
	}
}

func runDrop(cmd *cobra.Command, args []string) error {
	cfg, err := dropConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Debug {
		debug = true
	}

	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	syms, err := ksym.Load(cfg.Kallsyms)
	if err != nil {
		return err
	}

	ref, err := probe.NewTimeRef()
	if err != nil {
		return err
	}

	p, err := probe.New(probe.Options{
		ObjectFile:        cfg.ObjectFile,
		PerfPages:         cfg.PerfPages,
		AttachNetnsKprobe: cfg.Dim == model.DimNetns,
		IgnoreKprobeErr:   cfg.IgnoreKprobeErr,
	}, log)
	if err != nil {
		return err
	}
	defer p.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng := engine.New(cfg, syms, ref, os.Stdout, log)
	return eng.Run(ctx, p)
}
