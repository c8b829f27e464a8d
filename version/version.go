// Package version identifies this build in HTTP responses and logs.
package version

import (
	"fmt"
	"reflect"
	"runtime/debug"
	"strings"
)

var (
	// Version of the module containing this package, or "unknown".
	Module = "unknown"
	// Sent in the Server header of HTTP responses.
	DefaultServerHeader string
)

func init() {
	type marker struct{}
	thisPkg := reflect.TypeOf(marker{}).PkgPath()
	if buildInfo, ok := debug.ReadBuildInfo(); ok {
		longest := ""
		// When this module is the main module, its version is "(devel)".
		for _, dep := range append(buildInfo.Deps, &buildInfo.Main) {
			if dep.Path != "" && dep.Version != "" && strings.HasPrefix(thisPkg, dep.Path) && len(dep.Path) >= len(longest) {
				longest = dep.Path
				Module = dep.Version
			}
		}
	}
	DefaultServerHeader = fmt.Sprintf("wstracker/%v", Module)
}
