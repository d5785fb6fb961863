package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/annp1987/bpf-progs/internal/netrx"
	"github.com/annp1987/bpf-progs/internal/probe"
)

var (
	netrxObjFile string
	netrxRate    int
)

var netrxCmd = &cobra.Command{
	Use:   "netrx",
	Short: "Report net_rx_action softirq latency",
	Long: `Time each net_rx_action run with a kprobe and kretprobe pair and
dump the latency distribution every interval.`,
	Args: cobra.NoArgs,
	RunE: runNetRx,
}

func init() {
	f := netrxCmd.Flags()
	f.StringVarP(&netrxObjFile, "file", "f", "net_rx_action.o", "BPF object file to load")
	f.IntVarP(&netrxRate, "rate", "r", 10, "seconds between histogram dumps")
}

func runNetRx(cmd *cobra.Command, args []string) error {
	if netrxRate <= 0 {
		return fmt.Errorf("display rate must be a positive number of seconds, got %d", netrxRate)
	}

	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	p, err := probe.NewNetRx(netrxObjFile, log)
	if err != nil {
		return err
	}
	defer p.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mon := netrx.NewMonitor(p, os.Stdout, time.Duration(netrxRate)*time.Second, log)
	return mon.Run(ctx)
}
