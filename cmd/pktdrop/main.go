package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var debug bool

var rootCmd = &cobra.Command{
	Use:   "pktdrop",
	Short: "Monitor kernel packet drops and softirq latency",
	Long: `pktdrop watches where and why the kernel drops packets.

The drop subcommand traces kfree_skb and either dumps each dropped packet
or aggregates drops by namespace, MAC address, IP address or flow. The
netrx subcommand times net_rx_action softirq runs and reports a latency
histogram. Both need a matching BPF object file built from the ksrc tree.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.AddCommand(dropCmd)
	rootCmd.AddCommand(netrxCmd)
}

func newLogger() (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "pktdrop: %v\n", err)
		os.Exit(1)
	}
}
