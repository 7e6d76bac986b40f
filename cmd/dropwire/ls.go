package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/runZeroInc/dropwire/pkg/peer"
)

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List serving peers and their capabilities",
	RunE:  runLs,
}

func init() {
	rootCmd.AddCommand(lsCmd)
}

func runLs(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	log := logrus.StandardLogger()

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	cli := peer.NewClient(store, peerID("ls"), peer.WithClientLogger(log))
	rids, err := cli.Servers(ctx)
	if err != nil {
		return err
	}
	if len(rids) == 0 {
		log.Info("no serving peers on the medium")
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
	for _, rid := range rids {
		names, err := cli.Capabilities(ctx, rid)
		if err != nil {
			log.WithError(err).WithField("rid", rid).Warn("capability record unreadable")
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\n", rid, strings.Join(names, ","))
	}
	return tw.Flush()
}
