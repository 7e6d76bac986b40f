// Command dropwire tunnels TCP through store-and-forward media: a shared
// folder, an FTP directory, or an IMAP mailbox. One invocation is one peer;
// `dropwire serve` answers on the medium, the other subcommands talk to it.
package main

import (
	"github.com/sirupsen/logrus"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		logrus.Fatal(err)
	}
}
