// Package logging configures the process-wide structured logger. Every
// other package takes a *logrus.Entry rather than reaching for a global,
// but main wires them all to the single logger built here.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds the server's logger: text output with full timestamps, at
// the given level, matching the level names Redis's own "-h/-v" style
// tooling would accept (debug, info, warn, error).
func New(level string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	return log
}
