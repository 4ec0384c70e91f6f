// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package decl contains functionality related to XML declarations.
package decl // import "github.com/forketyfork/xmpp/internal/decl"

import (
	"encoding/xml"
)

// XMLHeader is an XML header like the one in encoding/xml but without a
// newline at the end.
const XMLHeader = `<?xml version="1.0" encoding="UTF-8"?>`

type skipper struct {
	r       xml.TokenReader
	started bool
}

// Token implements xml.TokenReader.
// Whitespace before the declaration is skipped along with the declaration.
func (r *skipper) Token() (xml.Token, error) {
	for {
		tok, err := r.r.Token()
		if tok == nil || r.started {
			return tok, err
		}
		switch t := tok.(type) {
		case xml.CharData:
			if len(trimSpace(t)) == 0 {
				if err != nil {
					return nil, err
				}
				continue
			}
		case xml.ProcInst:
			if t.Target == "xml" {
				r.started = true
				if err != nil {
					return nil, err
				}
				continue
			}
		}
		r.started = true
		return tok, err
	}
}

func trimSpace(b []byte) []byte {
	for len(b) > 0 {
		switch b[0] {
		case ' ', '\t', '\r', '\n':
			b = b[1:]
		default:
			return b
		}
	}
	return b
}

// Skip wraps a token reader and skips any XML declaration.
func Skip(r xml.TokenReader) xml.TokenReader {
	return &skipper{r: r}
}
