package ext4

import "github.com/sirupsen/logrus"

// log is the package-level logger. It defaults to logrus's standard
// logger, so the Debug-level tracing is silent by default (logrus
// defaults to info level) while warnings are still emitted; it can be
// pointed at an application's own logger via SetLogger.
var log logrus.FieldLogger = logrus.StandardLogger()

// SetLogger overrides the logger used for debug/warn/error events
// emitted while parsing and manipulating the filesystem. Passing nil
// restores the standard logrus logger.
func SetLogger(l logrus.FieldLogger) {
	if l == nil {
		log = logrus.StandardLogger()
		return
	}
	log = l
}
