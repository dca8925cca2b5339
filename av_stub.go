//go:build !cgo || noav

package cfenc

import "github.com/hashicorp/go-hclog"

// SetAVLogger is a no-op: this build has no libav backend and NewMediaIO
// returns ErrAVUnavailable.
func SetAVLogger(hclog.Logger) {}
