// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package attr contains unexported functionality related to XML attributes.
package attr // import "github.com/forketyfork/xmpp/internal/attr"

import (
	"encoding/xml"
	"strings"

	"github.com/google/uuid"
)

// IDLen is the length of identifiers returned by ShortID.
const IDLen = 16

// RandomID returns a new random version 4 UUID suitable for use as a stanza
// identifier.
func RandomID() string {
	return uuid.New().String()
}

// ShortID returns a random identifier of IDLen hex characters.
// It is used for stream IDs and generated resources.
func ShortID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:IDLen]
}

// Get returns the value of the first unqualified attribute with the provided
// local name from a list of attributes or an empty string if no such attribute
// exists.
func Get(attr []xml.Attr, local string) string {
	for _, a := range attr {
		if a.Name.Local == local && a.Name.Space == "" {
			return a.Value
		}
	}
	return ""
}
