// Package obs wires the runtime's structured diagnostics through a single
// logrus logger, grounded on moby/moby's daemon-wide use of
// github.com/sirupsen/logrus for process-level events, as distinct from a
// per-function-call tracing logger.
package obs

import "github.com/sirupsen/logrus"

// Log is the package-level logger used by the region allocator, the
// instance state machine, and the kill switch. It is a var, not a
// singleton behind a constructor, matching how logrus itself is typically
// embedded: callers that want a different sink replace the Out/Formatter
// on this instance rather than threading a logger through every call.
var Log = logrus.New()

// WithInstance scopes a log entry to one instance by adding an
// instance_id field. Diagnostics logged directly through Log (slot
// release, kill switch signalling) carry no instance_id.
func WithInstance(instanceID uint64) *logrus.Entry {
	return Log.WithField("instance_id", instanceID)
}

func init() {
	Log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}
