//go:build !(darwin || linux) || nocfhd

package cfenc

// IsCineFormAvailable reports false: this build does not load libCFHDCodec.
func IsCineFormAvailable() bool { return false }
