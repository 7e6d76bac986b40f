package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/runZeroInc/dropwire/pkg/peer"
	"github.com/runZeroInc/dropwire/pkg/pipe"
	"github.com/runZeroInc/dropwire/pkg/session"
)

var pipeCmd = &cobra.Command{
	Use:   "pipe [command...]",
	Short: "Run a command on a serving peer, wired to this terminal",
	Long: `pipe starts the given command line on a peer serving the pipe
capability and bridges it to this terminal: stdin lines feed the remote
process, its stdout and stderr come back to the matching streams here. A
server pinning its commands (--pipe-command on dropwire serve) is addressed
with --capability pipe-{name} and the command line is left empty.`,
	Args: cobra.ArbitraryArgs,
	RunE: runPipe,
}

func init() {
	fl := pipeCmd.Flags()
	fl.String("rid", "", "serving peer to run on (default: the only advertiser)")
	fl.String("capability", pipe.Capability, "pipe capability to open")
	rootCmd.AddCommand(pipeCmd)
}

func runPipe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log := logrus.StandardLogger()
	fl := cmd.Flags()

	capability, _ := fl.GetString("capability")
	command := strings.Join(args, " ")
	if capability == pipe.Capability && command == "" {
		return errors.New("a command line is required, or --capability pipe-{name} for a pinned one")
	}
	if capability != pipe.Capability && command != "" {
		return errors.Errorf("%s runs a pinned command, drop the command line", capability)
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	cli := peer.NewClient(store, peerID("pipe"), peer.WithClientLogger(log))
	rid, _ := fl.GetString("rid")
	if rid, err = pickServer(ctx, cli, rid, capability); err != nil {
		return err
	}

	var sess *session.Session
	if capability == pipe.Capability {
		sess, err = pipe.OpenCommand(ctx, cli, rid, command)
	} else {
		sess, err = cli.OpenSession(ctx, rid, capability)
	}
	if err != nil {
		return err
	}

	pc := pipe.NewClient(sess, pipe.WithClientLogger(log))
	if err := pc.Run(ctx); err != nil {
		return err
	}
	if code, ok := pc.ExitCode(); ok && code != 0 {
		return errors.Errorf("remote process exited with code %d", code)
	}
	return nil
}
