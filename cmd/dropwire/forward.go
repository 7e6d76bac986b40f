package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/runZeroInc/dropwire"
	"github.com/runZeroInc/dropwire/pkg/forward"
	"github.com/runZeroInc/dropwire/pkg/peer"
)

var forwardCmd = &cobra.Command{
	Use:   "forward",
	Short: "Forward a local TCP port to a host the serving peer can reach",
	Long: `forward listens on localhost and carries each accepted connection over
its own session to a peer serving the socket capability, which dials the
target on its side. With --fixed the target must have been pinned on the
server (--target on dropwire serve) and is addressed by its own capability
name instead of being sent over the wire.`,
	RunE: runForward,
}

func init() {
	fl := forwardCmd.Flags()
	fl.String("rid", "", "serving peer to tunnel through (default: the only advertiser)")
	fl.Int("port", 0, "local port to listen on (default: a free one)")
	fl.String("target", "", "host:port to reach from the serving peer")
	fl.Bool("fixed", false, "use the server's pinned socket-{host}:{port} capability")
	rootCmd.AddCommand(forwardCmd)
}

func runForward(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log := logrus.StandardLogger()
	fl := cmd.Flags()

	target, _ := fl.GetString("target")
	if target == "" {
		return errors.New("--target host:port is required")
	}
	host, tport, err := splitTarget(target)
	if err != nil {
		return errors.Wrapf(err, "bad --target %q", target)
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	cli := peer.NewClient(store, peerID("forward"), peer.WithClientLogger(log))

	capability := forward.Capability
	if fixed, _ := fl.GetBool("fixed"); fixed {
		capability = forward.FixedCapability(host, tport)
	}
	rid, _ := fl.GetString("rid")
	if rid, err = pickServer(ctx, cli, rid, capability); err != nil {
		return err
	}
	var open forward.OpenFunc
	if capability == forward.Capability {
		open = forward.OpenGeneric(cli, rid, host, tport)
	} else {
		open = forward.OpenFixed(cli, rid, host, tport)
	}

	port, _ := fl.GetInt("port")
	if port == 0 {
		if port, err = dropwire.FindFreePort("localhost"); err != nil {
			return err
		}
	}
	ln, err := dropwire.Listen(ctx, net.JoinHostPort("localhost", strconv.Itoa(port)))
	if err != nil {
		return errors.Wrap(err, "forward listener")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "localhost:%d -> %s via %s\n", port, target, rid)

	err = forward.NewListener(open, forward.WithListenerLogger(log)).Serve(ctx, ln)
	if ctx.Err() != nil {
		log.Info("interrupted")
		return nil
	}
	return err
}
