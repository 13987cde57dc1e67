// Package recovery keeps a panicking goroutine from taking the process down.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/postalsys/wiretap/internal/logging"
)

// RecoverWithLog recovers from a panic and logs it. It must be deferred
// directly:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "tap.session.initiator")
//	    ...
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		report(logger, name, r)
	}
}

// RecoverWithCallback recovers from a panic, logs it and calls callback with
// the recovered value.
func RecoverWithCallback(logger *slog.Logger, name string, callback func(recovered any)) {
	if r := recover(); r != nil {
		report(logger, name, r)
		if callback != nil {
			callback(r)
		}
	}
}

func report(logger *slog.Logger, name string, r any) {
	logging.OrNop(logger).Error("panic recovered",
		logging.KeyComponent, name,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))
}
