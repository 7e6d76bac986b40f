package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/runZeroInc/dropwire"
	"github.com/runZeroInc/dropwire/pkg/blobstore"
	"github.com/runZeroInc/dropwire/pkg/cred"
	"github.com/runZeroInc/dropwire/pkg/peer"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "dropwire",
	Short: "Tunnel TCP through store-and-forward media",
	Long: `dropwire moves TCP streams over media that only pass files around:
a shared folder, an FTP directory, or an IMAP mailbox. A serving peer
advertises its services on the medium; client peers discover it there and
tunnel SOCKS connections, port forwards, remote commands, and bandwidth
probes through it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// flagKeys maps persistent flag names onto the config keys they override.
var flagKeys = map[string]string{
	"transport":     "transport",
	"folder-path":   "folder.path",
	"ftp-host":      "ftp.host",
	"ftp-port":      "ftp.port",
	"ftp-dir":       "ftp.dir",
	"ftp-tls":       "ftp.tls",
	"imap-host":     "imap.host",
	"imap-port":     "imap.port",
	"imap-mailbox":  "imap.mailbox",
	"imap-ssl":      "imap.ssl",
	"credentials":   "credentials",
	"user":          "user",
	"password":      "password",
	"poll-interval": "poll-interval",
	"id":            "id",
	"log-level":     "log-level",
}

func init() {
	rootCmd.PersistentPreRunE = initConfig
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default ~/.dropwire.yaml)")
	pf.String("transport", "folder", "medium to communicate over: folder, ftp, or imap")
	pf.String("folder-path", defaultFolder(), "directory holding the blobs")
	pf.String("ftp-host", "", "FTP server host")
	pf.Int("ftp-port", 21, "FTP control port")
	pf.String("ftp-dir", "", "FTP directory holding the blobs (default login directory)")
	pf.Bool("ftp-tls", false, "upgrade the FTP connection with AUTH TLS")
	pf.String("imap-host", "", "IMAP server host")
	pf.Int("imap-port", 993, "IMAP port")
	pf.String("imap-mailbox", "INBOX", "mailbox holding the blobs")
	pf.Bool("imap-ssl", true, "connect to IMAP over TLS")
	pf.String("credentials", "", "credential file for FTP/IMAP logins")
	pf.String("user", "", "FTP/IMAP login, bypassing the credential file")
	pf.String("password", "", "FTP/IMAP password for --user")
	pf.Duration("poll-interval", 0, "minimum pause between medium polls (default per transport)")
	pf.String("id", "", "this peer's id on the medium (default {role}-{hostname})")
	pf.String("log-level", "info", "log level: trace, debug, info, warn, or error")
}

func defaultFolder() string {
	return filepath.Join(os.TempDir(), "dropwire")
}

// initConfig resolves the configuration stack: flags over environment over
// the YAML file, then applies the logging settings.
func initConfig(_ *cobra.Command, _ []string) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home)
		viper.SetConfigName(".dropwire")
		viper.SetConfigType("yaml")
	}
	viper.SetEnvPrefix("DROPWIRE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	for flag, key := range flagKeys {
		if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			return err
		}
	}
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return errors.Wrap(err, "read config")
		}
	}

	level, err := logrus.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		return errors.Wrap(err, "bad log level")
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return nil
}

// openStore builds the transport binding the configuration names.
func openStore() (blobstore.Store, error) {
	log := logrus.StandardLogger()
	poll := viper.GetDuration("poll-interval")
	switch transport := viper.GetString("transport"); transport {
	case "folder":
		return blobstore.NewFolderStore(viper.GetString("folder.path"),
			blobstore.WithFolderLogger(log), blobstore.WithFolderPoll(poll))
	case "ftp":
		host := viper.GetString("ftp.host")
		if host == "" {
			return nil, errors.New("ftp transport needs ftp.host")
		}
		return blobstore.NewFTPStore(blobstore.FTPConfig{
			Addr:        net.JoinHostPort(host, strconv.Itoa(viper.GetInt("ftp.port"))),
			Dir:         viper.GetString("ftp.dir"),
			ExplicitTLS: viper.GetBool("ftp.tls"),
			Creds:       credManager(),
			Poll:        poll,
			Log:         log,
		})
	case "imap":
		host := viper.GetString("imap.host")
		if host == "" {
			return nil, errors.New("imap transport needs imap.host")
		}
		return blobstore.NewIMAPStore(blobstore.IMAPConfig{
			Addr:     net.JoinHostPort(host, strconv.Itoa(viper.GetInt("imap.port"))),
			Mailbox:  viper.GetString("imap.mailbox"),
			Insecure: !viper.GetBool("imap.ssl"),
			Creds:    credManager(),
			Poll:     poll,
			Log:      log,
		})
	default:
		return nil, errors.Errorf("unknown transport %q (folder, ftp, imap)", transport)
	}
}

// credManager picks the login source: explicit user/password, then the
// credential file (which falls back to the terminal and remembers the
// answers), then the bare terminal prompt.
func credManager() cred.Manager {
	if user := viper.GetString("user"); user != "" {
		return cred.Static{User: user, Password: viper.GetString("password")}
	}
	if path := viper.GetString("credentials"); path != "" {
		return cred.NewFile(path, true, true)
	}
	return &cred.Prompt{}
}

// peerID returns the configured id or derives one from the hostname. Ids
// land in blob names and mail subjects, so everything after the role prefix
// sticks to letters and digits; an all-digit host would be ambiguous against
// the numeric session field in mail subjects and falls back to a generated
// id, like a missing hostname.
func peerID(role string) string {
	if id := viper.GetString("id"); id != "" {
		return id
	}
	host, err := os.Hostname()
	if err != nil {
		host = ""
	} else {
		host = alnum(strings.SplitN(host, ".", 2)[0])
	}
	if host == "" || allDigits(host) {
		host = xid.New().String()
	}
	return role + "-" + host
}

func alnum(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// pickServer resolves which advertiser to talk to. An explicit rid wins;
// otherwise the capability has to identify exactly one server.
func pickServer(ctx context.Context, cli *peer.Client, rid, capability string) (string, error) {
	if rid != "" {
		return rid, nil
	}
	servers, err := cli.Servers(ctx)
	if err != nil {
		return "", errors.Wrap(err, "list servers")
	}
	var offering []string
	for _, cand := range servers {
		names, err := cli.Capabilities(ctx, cand)
		if err != nil {
			logrus.WithError(err).WithField("rid", cand).Debug("capability record unreadable")
			continue
		}
		if slices.Contains(names, capability) {
			offering = append(offering, cand)
		}
	}
	switch len(offering) {
	case 0:
		return "", errors.Errorf("no server advertises %s", capability)
	case 1:
		logrus.WithFields(logrus.Fields{"rid": offering[0], "capability": capability}).Info("server found")
		return offering[0], nil
	default:
		return "", errors.Errorf("%d servers advertise %s (%s), pick one with --rid",
			len(offering), capability, strings.Join(offering, ", "))
	}
}

// startMetrics serves reg on addr under /metrics until ctx ends.
func startMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log logrus.FieldLogger) error {
	ln, err := dropwire.Listen(ctx, addr)
	if err != nil {
		return errors.Wrap(err, "metrics listener")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Warn("metrics server failed")
		}
	}()
	log.WithField("addr", addr).Info("metrics listening")
	return nil
}
