package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/runZeroInc/dropwire"
	"github.com/runZeroInc/dropwire/pkg/exporter"
	"github.com/runZeroInc/dropwire/pkg/peer"
	"github.com/runZeroInc/dropwire/pkg/session"
	"github.com/runZeroInc/dropwire/pkg/socks"
)

var socksCmd = &cobra.Command{
	Use:   "socks",
	Short: "Run a local SOCKS proxy tunneled through a serving peer",
	Long: `socks listens on localhost and carries each accepted SOCKS connection
over its own session to a peer serving the socks/socks5 capability. The
printed environment snippet points the usual proxy variables at the
listener; --env-file also writes it to a file you can source.`,
	RunE: runSocks,
}

func init() {
	fl := socksCmd.Flags()
	fl.String("rid", "", "serving peer to tunnel through (default: the only advertiser)")
	fl.Int("port", 1080, "local port to listen on, 0 picks a free one")
	fl.Bool("socks4", false, "speak SOCKS4/4a instead of SOCKS5")
	fl.String("env-file", "", "also write the environment snippet to this file")
	fl.String("metrics", "", "expose prometheus metrics on this address")
	rootCmd.AddCommand(socksCmd)
}

func runSocks(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log := logrus.StandardLogger()
	fl := cmd.Flags()

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	var connWrap func(net.Conn) net.Conn
	if addr, _ := fl.GetString("metrics"); addr != "" {
		reg := prometheus.NewRegistry()
		store = exporter.NewInstrumentedStore(store, reg)
		connWrap = exporter.NewConnReporter(reg).Wrap
		if err := startMetrics(ctx, addr, reg, log); err != nil {
			return err
		}
	}

	capability, version := socks.Capability5, 5
	if v4, _ := fl.GetBool("socks4"); v4 {
		capability, version = socks.Capability4, 4
	}

	cli := peer.NewClient(store, peerID("socks"), peer.WithClientLogger(log))
	rid, _ := fl.GetString("rid")
	if rid, err = pickServer(ctx, cli, rid, capability); err != nil {
		return err
	}

	port, _ := fl.GetInt("port")
	if port == 0 {
		if port, err = dropwire.FindFreePort("localhost"); err != nil {
			return err
		}
	}
	ln, err := dropwire.Listen(ctx, net.JoinHostPort("localhost", strconv.Itoa(port)))
	if err != nil {
		return errors.Wrap(err, "proxy listener")
	}

	snippet := proxyEnv(version, port)
	fmt.Fprint(cmd.OutOrStdout(), snippet)
	if path, _ := fl.GetString("env-file"); path != "" {
		if err := os.WriteFile(path, []byte(snippet), 0o644); err != nil {
			return errors.Wrap(err, "write env file")
		}
		log.WithField("path", path).Info("source the environment file to use the proxy")
	}

	front := socks.NewFrontend(func(ctx context.Context) (*session.Session, error) {
		return cli.OpenSession(ctx, rid, capability)
	}, socks.WithFrontendLogger(log), socks.WithFrontendConnWrap(connWrap))
	err = front.Serve(ctx, ln)
	if ctx.Err() != nil {
		log.Info("interrupted")
		return nil
	}
	return err
}

// proxyEnv renders the shell snippet pointing the common proxy variables at
// the local listener. The brace expansions assume a bash-like shell.
func proxyEnv(version, port int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "export http_proxy=socks%dh://localhost:%d\n", version, port)
	b.WriteString("export {https,ftp,rsync,all}_proxy=$http_proxy\n")
	b.WriteString("export {HTTP,HTTPS,FTP,RSYNC,ALL}_PROXY=$http_proxy\n")
	if version == 5 {
		fmt.Fprintf(&b, "export MAVEN_OPTS=\"-DsocksProxyHost=127.0.0.1 -DsocksProxyPort=%d\"\n", port)
		b.WriteString("echo \"MAVEN_OPTS set to '$MAVEN_OPTS'\"\n")
	} else {
		fmt.Fprintf(&b, "echo \"MAVEN_OPTS not set as socks protocol %d\"\n", version)
	}
	fmt.Fprintf(&b, "echo \"For curl: curl -k --socks%d localhost:%d http://something\"\n", version, port)
	b.WriteString("echo \"For git: git config --global http.sslVerify false; git config --global http.proxy '$http_proxy'\"\n")
	fmt.Fprintf(&b, "echo \"For ssh: ssh -o ProxyCommand='/usr/bin/nc -X %d -x 127.0.0.1:%d %%h %%p' user@hostip\"\n", version, port)
	return b.String()
}
