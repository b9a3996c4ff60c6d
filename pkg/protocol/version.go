package protocol

import (
	masterminds "github.com/Masterminds/semver/v3"
)

// supported is the parsed form of Version, computed once.
var supported = masterminds.MustParse(Version)

// Compatible reports whether a peer-advertised protocol version can be
// consumed by this implementation. Requests are held to the exact
// Version literal by ValidateRequest; responses are accepted from any
// same-major peer so that a newer-minor responder does not strand an
// older caller.
func Compatible(version string) bool {
	if version == Version {
		return true
	}
	v, err := masterminds.NewVersion(version)
	if err != nil {
		return false
	}
	return v.Major() == supported.Major()
}
