package cfenc

import (
	"strings"
	"sync/atomic"
)

// Provider identifies a native backend.
type Provider uint8

const (
	ProviderAuto     Provider = iota // Let library choose best available
	ProviderCineForm                 // libCFHDCodec encoder pool
	ProviderLibav                    // libavformat/libavcodec/libswscale
	providerCount
)

// License represents the software license of a provider.
type License uint8

const (
	LicenseLGPL       License = iota // Weak copyleft - dynamic linking is fine
	LicensePermissive                // Apache-2.0 / MIT
)

// Permissive returns true if the license has no copyleft obligations.
func (l License) Permissive() bool { return l == LicensePermissive }

func (l License) String() string {
	switch l {
	case LicenseLGPL:
		return "LGPL"
	case LicensePermissive:
		return "Apache-2.0/MIT"
	default:
		return "unknown"
	}
}

// Features is a bitmask of provider capabilities.
type Features uint32

const (
	FeatureEncode  Features = 1 << iota // CineForm encoding
	FeatureDemux                        // Container input
	FeatureMux                          // Container output
	FeatureDecode                       // Elementary stream decoding
	FeatureScale                        // Pixel format conversion
	Feature10Bit                        // >8-bit input
	FeatureRGB444                       // RGB 4:4:4 encoding
)

// Has returns true if all specified features are supported.
func (f Features) Has(feature Features) bool { return f&feature == feature }

var featureNames = [...]string{"encode", "demux", "mux", "decode", "scale", "10bit", "rgb444"}

// String lists the set features, comma separated.
func (f Features) String() string {
	var names []string
	for i, name := range featureNames {
		if f&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

// providerMeta contains static metadata about a provider.
type providerMeta struct {
	Name     string
	Library  string
	License  License
	Features Features
}

// Static metadata table - indexed by Provider, zero allocations.
var providerInfo = [providerCount]providerMeta{
	ProviderAuto:     {"auto", "", LicensePermissive, 0},
	ProviderCineForm: {"cineform", "libCFHDCodec", LicensePermissive, FeatureEncode | Feature10Bit | FeatureRGB444},
	ProviderLibav:    {"libav", "libavformat/libavcodec/libswscale", LicenseLGPL, FeatureDemux | FeatureMux | FeatureDecode | FeatureScale | Feature10Bit},
}

// encoderProviders lists pool providers in preference order.
var encoderProviders = []Provider{ProviderCineForm}

// encoderSupports reports whether some encoder provider has every feature in need.
func encoderSupports(need Features) bool {
	for _, p := range encoderProviders {
		if p.Features().Has(need) {
			return true
		}
	}
	return false
}

// Runtime availability - set by init() in provider implementations.
var providerAvailable [providerCount]atomic.Bool

// String returns the provider name.
func (p Provider) String() string {
	if p >= providerCount {
		return "unknown"
	}
	return providerInfo[p].Name
}

// Library returns the native library the provider loads.
func (p Provider) Library() string {
	if p >= providerCount {
		return ""
	}
	return providerInfo[p].Library
}

// License returns the provider's license type.
func (p Provider) License() License {
	if p >= providerCount {
		return LicenseLGPL
	}
	return providerInfo[p].License
}

// Features returns the provider's feature bitmask.
func (p Provider) Features() Features {
	if p >= providerCount {
		return 0
	}
	return providerInfo[p].Features
}

// Available returns true if the provider is usable at runtime.
func (p Provider) Available() bool {
	if p >= providerCount {
		return false
	}
	return providerAvailable[p].Load()
}

// setProviderAvailable marks a provider as available (called by implementations).
func setProviderAvailable(p Provider) {
	if p < providerCount {
		providerAvailable[p].Store(true)
	}
}

// Providers returns every concrete provider.
func Providers() []Provider {
	out := make([]Provider, 0, providerCount-1)
	for p := ProviderAuto + 1; p < providerCount; p++ {
		out = append(out, p)
	}
	return out
}
