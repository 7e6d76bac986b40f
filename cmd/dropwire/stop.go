package main

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/runZeroInc/dropwire/pkg/peer"
)

var stopCmd = &cobra.Command{
	Use:   "stop [rid]",
	Short: "Ask a serving peer to shut down",
	Long: `stop leaves a stop request on the medium. The named peer consumes it
on its next poll and leaves its serve loop; --all broadcasts the request to
every listener instead.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStop,
}

func init() {
	stopCmd.Flags().Bool("all", false, "stop every serving peer on the medium")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := logrus.StandardLogger()

	all, _ := cmd.Flags().GetBool("all")
	if !all && len(args) == 0 {
		return errors.New("name the peer to stop, or use --all")
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	cli := peer.NewClient(store, peerID("stop"), peer.WithClientLogger(log))
	if all {
		if err := cli.StopAll(ctx); err != nil {
			return err
		}
		log.Info("stop broadcast sent")
		return nil
	}
	if err := cli.StopServer(ctx, args[0]); err != nil {
		return err
	}
	log.WithField("rid", args[0]).Info("stop sent")
	return nil
}
