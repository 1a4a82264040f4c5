// Package corelog centralizes structured logging for the core, following
// the same package-level-logger-plus-WithFields pattern kata-containers'
// runtime uses around sirupsen/logrus, replacing plain `log.Printf` calls
// gated by a Debug bool.
package corelog

import (
	"os"

	"github.com/sirupsen/logrus"
)

var base = logrus.New()

func init() {
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	base.SetLevel(logrus.InfoLevel)
}

// SetDebug toggles every component logger between Info and Debug level.
func SetDebug(debug bool) {
	if debug {
		base.SetLevel(logrus.DebugLevel)
	} else {
		base.SetLevel(logrus.InfoLevel)
	}
}

// For returns a component-scoped logger, e.g. corelog.For("vcpu", fields)
// tags every entry with component=vcpu, the structured analogue of a
// `log.Printf("VCPU %d: ...", id)` call site.
func For(component string, fields logrus.Fields) *logrus.Entry {
	if fields == nil {
		fields = logrus.Fields{}
	}
	fields["component"] = component
	return base.WithFields(fields)
}
