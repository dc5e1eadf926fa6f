// Command etherlinkd runs the peer-to-peer file transfer engine as a
// single non-interactive process: it resolves configuration, starts the
// engine, logs its event bus, and blocks until interrupted.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logrus.WithError(err).Error("etherlinkd exited with error")
		os.Exit(1)
	}
}
