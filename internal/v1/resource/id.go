// Package resource implements the resource identifier codec.
//
// A root resource is "type:id" and a sub-resource is "type:id/subType:subId".
// Identifiers may legally contain '/' (e.g. "page:/patient/12345"); only a
// trailing "/<subType>:<subId>" segment, where subType contains neither '/'
// nor ':' and subId contains no '/', is interpreted as a sub-resource.
package resource

import (
	"errors"
	"regexp"
	"strings"
)

// subPattern captures identifier, subType and subIdentifier from the
// remainder after the first ':'.
var subPattern = regexp.MustCompile(`^(.+)/([^/:]+):([^/]+)$`)

// ErrInvalid is returned when a string is not a resource identifier.
var ErrInvalid = errors.New("resource id must be of the form type:id")

// ID is a parsed resource identifier.
type ID struct {
	Type          string
	Identifier    string
	SubType       string
	SubIdentifier string
}

// Parse decodes s into an ID. Parsing is deterministic and an exact inverse
// of String.
func Parse(s string) (ID, error) {
	idx := strings.Index(s, ":")
	if idx < 0 {
		return ID{}, ErrInvalid
	}

	typ := s[:idx]
	remainder := s[idx+1:]
	if typ == "" || remainder == "" {
		return ID{}, ErrInvalid
	}

	if m := subPattern.FindStringSubmatch(remainder); m != nil {
		return ID{
			Type:          typ,
			Identifier:    m[1],
			SubType:       m[2],
			SubIdentifier: m[3],
		}, nil
	}

	return ID{Type: typ, Identifier: remainder}, nil
}

// MustParse is Parse for identifiers known to be valid, such as constants in
// tests.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// String encodes the ID back to its wire form.
func (id ID) String() string {
	if id.IsSub() {
		return id.Type + ":" + id.Identifier + "/" + id.SubType + ":" + id.SubIdentifier
	}
	return id.Type + ":" + id.Identifier
}

// IsSub reports whether the ID addresses a sub-resource.
func (id ID) IsSub() bool {
	return id.SubType != ""
}

// ParentID returns the root resource identifier. For a root resource it is
// the identifier itself.
func (id ID) ParentID() string {
	return id.Type + ":" + id.Identifier
}
