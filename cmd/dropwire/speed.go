package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/runZeroInc/dropwire/pkg/peer"
	"github.com/runZeroInc/dropwire/pkg/speed"
)

var speedCmd = &cobra.Command{
	Use:   "speed",
	Short: "Measure latency and throughput to a serving peer",
	RunE:  runSpeed,
}

func init() {
	fl := speedCmd.Flags()
	fl.String("rid", "", "serving peer to probe (default: the only advertiser)")
	fl.Int("size", speed.DefaultPayloadSize, "probe payload size in bytes")
	rootCmd.AddCommand(speedCmd)
}

func runSpeed(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log := logrus.StandardLogger()
	fl := cmd.Flags()

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	cli := peer.NewClient(store, peerID("speed"), peer.WithClientLogger(log))
	rid, _ := fl.GetString("rid")
	if rid, err = pickServer(ctx, cli, rid, speed.Capability); err != nil {
		return err
	}

	sess, err := cli.OpenSession(ctx, rid, speed.Capability)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = sess.Close(closeCtx)
	}()

	size, _ := fl.GetInt("size")
	report, err := speed.Probe(ctx, sess, speed.WithPayloadSize(size), speed.WithProbeLogger(log))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "latency:      %s\n", report.Latency)
	fmt.Fprintf(out, "clock offset: %s\n", report.ClockOffset)
	fmt.Fprintf(out, "payload:      %d bytes\n", report.PayloadSize)
	fmt.Fprintf(out, "upload:       %s (%s)\n", report.Upload, formatRate(report.UploadRate()))
	fmt.Fprintf(out, "download:     %s (%s)\n", report.Download, formatRate(report.DownloadRate()))
	return nil
}

func formatRate(bytesPerSecond float64) string {
	switch {
	case bytesPerSecond >= 1<<20:
		return fmt.Sprintf("%.1f MiB/s", bytesPerSecond/(1<<20))
	case bytesPerSecond >= 1<<10:
		return fmt.Sprintf("%.1f KiB/s", bytesPerSecond/(1<<10))
	default:
		return fmt.Sprintf("%.0f B/s", bytesPerSecond)
	}
}
