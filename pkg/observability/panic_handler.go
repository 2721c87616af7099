package observability

import (
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// RecoverPanic logs a recovered panic with its stack under kind=name. It
// must be the deferred call itself:
//
//	defer observability.RecoverPanic(logger, "job", "invoice-capture")
//
// The panic is not re-raised.
func RecoverPanic(logger logrus.FieldLogger, kind, name string) {
	if r := recover(); r != nil {
		logger.WithFields(logrus.Fields{
			kind:    name,
			"panic": r,
			"stack": string(debug.Stack()),
		}).Errorf("PANIC in %s %s", kind, name)
	}
}
