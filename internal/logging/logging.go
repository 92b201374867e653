// Package logging centralizes the structured-logging convention used
// across the runtime: one *logrus.Entry per component, seeded with a
// "component" field and enriched per call site, following the teacher's
// field-oriented logrus usage throughout daemon/.
package logging

import "github.com/sirupsen/logrus"

// Logger is the package-wide base logger; tests may swap it for one
// writing to a buffer.
var Logger = logrus.StandardLogger()

// For returns a component-scoped entry.
func For(component string) *logrus.Entry {
	return Logger.WithField("component", component)
}
