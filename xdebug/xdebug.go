// Package xdebug provides the build-time assertion helpers used across the
// extent core: cheap no-ops in release builds, loud failures in debug
// builds.
package xdebug

import (
	"fmt"
	"os"

	"github.com/golang/glog"
)

// Enabled gates every Assert/Assertf/Infof call below. It is true whenever
// the binary is built with the "extentdebug" build tag (see debug_on.go /
// debug_off.go) or the EXTENTCORE_DEBUG environment variable is set.
var Enabled = debugBuild || os.Getenv("EXTENTCORE_DEBUG") != ""

// Assert panics with msg if cond is false and xdebug is enabled. It is a
// no-op in release builds.
func Assert(cond bool, msg string) {
	if !Enabled {
		return
	}
	if !cond {
		panic("extentcore: assertion failed: " + msg)
	}
}

// Assertf is Assert with a format string, evaluated lazily.
func Assertf(cond bool, format string, args ...interface{}) {
	if !Enabled {
		return
	}
	if !cond {
		panic("extentcore: assertion failed: " + fmt.Sprintf(format, args...))
	}
}

// Infof logs at V(4), the verbosity reserved for hot-path tracing; here
// it traces split/merge/evict.
func Infof(format string, args ...interface{}) {
	if !Enabled {
		return
	}
	if glog.V(4) {
		glog.Infof(format, args...)
	}
}
