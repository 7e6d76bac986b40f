package main

import (
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/runZeroInc/dropwire/pkg/exporter"
	"github.com/runZeroInc/dropwire/pkg/forward"
	"github.com/runZeroInc/dropwire/pkg/peer"
	"github.com/runZeroInc/dropwire/pkg/pipe"
	"github.com/runZeroInc/dropwire/pkg/socks"
	"github.com/runZeroInc/dropwire/pkg/speed"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Advertise services on the medium and answer sessions",
	Long: `serve publishes this peer's capability record on the medium and runs
the registered services until a stop request arrives or the process is
interrupted. SOCKS and the bandwidth probe are on by default; echo, pipe,
and socket forwarding are opt-in because they execute or dial whatever a
client asks for.`,
	RunE: runServe,
}

func init() {
	fl := serveCmd.Flags()
	fl.Bool("socks", true, "answer SOCKS4/4a/5 handshakes (capabilities socks, socks5)")
	fl.Bool("speed", true, "answer bandwidth probes (capability speed)")
	fl.Bool("echo", false, "register the echo and echo2 test services")
	fl.Bool("pipe", false, "run command lines sent by clients (capability pipe)")
	fl.StringArray("pipe-command", nil, "pinned command exposed as pipe-{name}, repeatable")
	fl.Bool("socket", false, "dial origins named by clients (capability socket)")
	fl.StringArray("target", nil, "pinned host:port exposed as socket-{host}:{port}, repeatable")
	fl.Bool("clean", false, "purge leftover blobs addressed to this id before serving")
	fl.String("metrics", "", "expose prometheus metrics on this address")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log := logrus.StandardLogger()
	fl := cmd.Flags()

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	id := peerID("serve")

	var reg *prometheus.Registry
	var connWrap func(net.Conn) net.Conn
	if addr, _ := fl.GetString("metrics"); addr != "" {
		reg = prometheus.NewRegistry()
		store = exporter.NewInstrumentedStore(store, reg)
		connWrap = exporter.NewConnReporter(reg).Wrap
		if err := startMetrics(ctx, addr, reg, log); err != nil {
			return err
		}
	}

	if clean, _ := fl.GetBool("clean"); clean {
		log.WithField("id", id).Info("purging leftover blobs")
		if err := store.Purge(ctx, id); err != nil {
			return errors.Wrap(err, "purge")
		}
	}

	srv := peer.NewServer(store, id, peer.WithServerLogger(log))

	if on, _ := fl.GetBool("socks"); on {
		backend := socks.NewBackend(socks.WithBackendLogger(log), socks.WithBackendConnWrap(connWrap))
		srv.Register(socks.Capability4, backend.Socks4())
		srv.Register(socks.Capability5, backend.Socks5())
	}
	if on, _ := fl.GetBool("speed"); on {
		srv.Register(speed.Capability, speed.NewSpeed(speed.WithLogger(log)).Action())
	}
	if on, _ := fl.GetBool("echo"); on {
		srv.Register("echo", peer.Echo())
		srv.Register("echo2", peer.LineEcho())
	}

	runner := pipe.NewRunner(pipe.WithLogger(log))
	if on, _ := fl.GetBool("pipe"); on {
		srv.Register(pipe.Capability, runner.Generic())
	}
	pinned, _ := fl.GetStringArray("pipe-command")
	for _, command := range pinned {
		argv, err := pipe.SplitCommand(command)
		if err != nil {
			return errors.Wrapf(err, "bad --pipe-command %q", command)
		}
		if len(argv) == 0 {
			return errors.New("empty --pipe-command")
		}
		srv.Register(pipe.FixedCapability(argv[0]), runner.Fixed(argv...))
	}

	fwd := forward.NewForwarder(forward.WithLogger(log), forward.WithConnWrap(connWrap))
	if on, _ := fl.GetBool("socket"); on {
		srv.Register(forward.Capability, fwd.Generic())
	}
	targets, _ := fl.GetStringArray("target")
	for _, target := range targets {
		host, port, err := splitTarget(target)
		if err != nil {
			return errors.Wrapf(err, "bad --target %q", target)
		}
		srv.Register(forward.FixedCapability(host, port), fwd.Fixed(host, port))
	}

	if len(srv.Capabilities()) == 0 {
		return errors.New("nothing to serve, every service is disabled")
	}
	if reg != nil {
		reg.MustRegister(exporter.NewSessionCollector(srv, prometheus.Labels{"id": id}))
	}

	err = srv.Serve(ctx)
	switch {
	case errors.Is(err, peer.ErrStopped):
		log.Info("stop request honored")
		return nil
	case ctx.Err() != nil:
		log.Info("interrupted")
		return nil
	}
	return err
}

func splitTarget(target string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, errors.Errorf("bad port %q", portStr)
	}
	return host, port, nil
}
