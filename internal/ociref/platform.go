package ociref

import ocispec "github.com/opencontainers/image-spec/specs-go/v1"

// MatchesPlatform compares two platform descriptors: equal os,
// architecture, variant. osVersion is ignored unless strict is true.
// A nil want matches anything (no platform filter requested).
func MatchesPlatform(have, want *ocispec.Platform, strict bool) bool {
	if want == nil {
		return true
	}
	if have == nil {
		return false
	}
	if have.OS != want.OS || have.Architecture != want.Architecture {
		return false
	}
	if have.Variant != want.Variant {
		return false
	}
	if strict && have.OSVersion != want.OSVersion {
		return false
	}
	return true
}
