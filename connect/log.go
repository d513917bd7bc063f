package connect

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `connect` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation.
//     this includes:
//     - authentication challenges that cannot be answered
//     - reconnects and transport errors
//     - malformed server messages
// Error:
//     unrecoverable crash details
//     this includes:
//     - unexpected panics in delegate callbacks even if handled and suppressed
// V(1):
//     connection lifecycle with the url or sub-connection id
// V(2):
//     per message traces. These are frequent and should only be enabled for debugging.

const LogLevelLifecycle glog.Level = 1
const LogLevelTrace glog.Level = 2

type LogFunction func(string, ...any)

// logs at the given verbosity with a fixed tag prefix, e.g. `[ds]<id>`
func LogFn(level glog.Level, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("%s %s", tag, m))
		}
	}
}
