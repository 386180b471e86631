package ext

import "github.com/sirupsen/logrus"

// Logger is the engine's single optional debug trace sink (spec's "engine
// does no logging beyond counters and a single optional debug trace sink").
// Quiet by default; a freestanding caller replaces it with SetLogger to
// install a hook backed by a serial console or ring buffer instead of
// os.Stderr.
var Logger = logrus.New()

func init() {
	Logger.SetLevel(logrus.WarnLevel)
}

// SetLogger installs l as the package-wide trace sink.
func SetLogger(l *logrus.Logger) {
	Logger = l
}

func logOp(op string, ino uint32) {
	Logger.WithFields(logrus.Fields{"op": op, "ino": ino}).Debug("operation")
}

func logErr(op string, ino uint32, err error) {
	Logger.WithFields(logrus.Fields{"op": op, "ino": ino}).Warn(err)
}
