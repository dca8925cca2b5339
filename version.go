package cfenc

import (
	"fmt"
	"strings"
)

// Version is the cfenc release.
const Version = "1.3.0"

// Banner returns the startup banner listing the native backends.
func Banner() string {
	var b strings.Builder
	fmt.Fprintf(&b, "cfenc version %s -- CineForm encoder/transcoder\n", Version)
	copyleft := false
	for _, p := range Providers() {
		status := "not found"
		if p.Available() {
			status = "available"
		}
		license := p.License().String()
		if !p.License().Permissive() {
			license += "*"
			copyleft = true
		}
		fmt.Fprintf(&b, "  %-9s %-34s %-15s %-32s %s\n", p, p.Library(), license, p.Features(), status)
	}
	if copyleft {
		b.WriteString("  * copyleft, linked dynamically\n")
	}
	return b.String()
}
