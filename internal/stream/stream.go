// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package stream contains internal stream parsing and handling behavior.
package stream // import "github.com/forketyfork/xmpp/internal/stream"

import (
	"bufio"
	"context"
	"encoding/xml"
	"fmt"
	"io"

	"mellium.im/xmlstream"

	"github.com/forketyfork/xmpp/internal/decl"
	"github.com/forketyfork/xmpp/internal/ns"
	"github.com/forketyfork/xmpp/jid"
	"github.com/forketyfork/xmpp/stream"
)

// Info contains metadata extracted from a stream start token.
type Info struct {
	To      jid.JID
	From    jid.JID
	ID      string
	Version stream.Version
	XMLNS   string
	Lang    string
}

// This MUST only return stream errors.
func streamFromStartElement(s xml.StartElement) (Info, error) {
	streamData := Info{}
	for _, attr := range s.Attr {
		switch attr.Name {
		case xml.Name{Space: "", Local: "to"}:
			if err := streamData.To.UnmarshalXMLAttr(attr); err != nil {
				return streamData, stream.ImproperAddressing
			}
		case xml.Name{Space: "", Local: "from"}:
			if err := streamData.From.UnmarshalXMLAttr(attr); err != nil {
				return streamData, stream.ImproperAddressing
			}
		case xml.Name{Space: "", Local: "id"}:
			streamData.ID = attr.Value
		case xml.Name{Space: "", Local: "version"}:
			err := (&streamData.Version).UnmarshalXMLAttr(attr)
			if err != nil {
				return streamData, stream.BadFormat
			}
		case xml.Name{Space: "", Local: "xmlns"}:
			if attr.Value != ns.Client {
				return streamData, stream.InvalidNamespace
			}
			streamData.XMLNS = attr.Value
		case xml.Name{Space: "xmlns", Local: "stream"}:
			if attr.Value != stream.NS {
				return streamData, stream.InvalidNamespace
			}
		case xml.Name{Space: ns.XML, Local: "lang"}, xml.Name{Space: "xml", Local: "lang"}:
			streamData.Lang = attr.Value
		}
	}
	return streamData, nil
}

// Send sends a new XML header followed by a stream start element on the given
// io.Writer.
// We don't use an xml.Encoder both because Go's standard library xml package
// really doesn't like the namespaced stream:stream attribute and because we can
// guarantee well-formedness of the XML with a print in this case.
func Send(w io.Writer, to, from jid.JID, id, lang string) (Info, error) {
	streamData := Info{
		To:      to,
		From:    from,
		ID:      id,
		Version: stream.DefaultVersion,
		XMLNS:   ns.Client,
		Lang:    lang,
	}

	b := bufio.NewWriter(w)
	_, err := fmt.Fprint(b, decl.XMLHeader+`<stream:stream`)
	if err != nil {
		return streamData, err
	}
	for _, attr := range [...]struct{ name, value string }{
		{"id", id},
		{"to", to.String()},
		{"from", from.String()},
		{"version", streamData.Version.String()},
		{"xml:lang", lang},
	} {
		if attr.value == "" {
			continue
		}
		if _, err = fmt.Fprintf(b, ` %s='`, attr.name); err != nil {
			return streamData, err
		}
		if err = xml.EscapeText(b, []byte(attr.value)); err != nil {
			return streamData, err
		}
		if err = b.WriteByte('\''); err != nil {
			return streamData, err
		}
	}

	_, err = fmt.Fprintf(b, ` xmlns='%s' xmlns:stream='%s'>`, ns.Client, stream.NS)
	if err != nil {
		return streamData, err
	}

	return streamData, b.Flush()
}

// Expect reads a token from d and expects that it will be a new stream start
// token.
// If not, an error is returned.
// If an XML header is discovered instead, it is skipped.
// When recv is false the caller is the initiating entity and the stream must
// carry an ID.
func Expect(ctx context.Context, d xml.TokenReader, recv bool) (streamData Info, err error) {
	d = decl.Skip(d)

	for {
		select {
		case <-ctx.Done():
			return streamData, ctx.Err()
		default:
		}
		t, err := d.Token()
		if err != nil {
			return streamData, err
		}
		switch tok := t.(type) {
		case xml.StartElement:
			switch {
			case tok.Name.Local == "error" && tok.Name.Space == stream.NS:
				// The new decoder must see the start and end tokens itself.
				r := xmlstream.MultiReader(
					xmlstream.Token(tok),
					xmlstream.Inner(d),
					xmlstream.Token(tok.End()),
				)
				se := stream.Error{}
				if err := xml.NewTokenDecoder(r).Decode(&se); err != nil {
					return streamData, err
				}
				return streamData, se
			case tok.Name.Local != "stream":
				return streamData, stream.BadFormat
			case tok.Name.Space != stream.NS:
				return streamData, stream.InvalidNamespace
			}

			streamData, err = streamFromStartElement(tok)
			switch {
			case err != nil:
				return streamData, err
			case streamData.Version != stream.DefaultVersion:
				return streamData, stream.UnsupportedVersion
			}

			if !recv && streamData.ID == "" {
				// if we are the initiating entity and there is no stream ID…
				return streamData, stream.BadFormat
			}
			return streamData, nil
		case xml.CharData:
			// Whitespace between the declaration and the stream header.
			continue
		case xml.ProcInst:
			return streamData, stream.RestrictedXML
		case xml.EndElement:
			return streamData, stream.NotWellFormed
		default:
			return streamData, stream.RestrictedXML
		}
	}
}

// Close writes the closing stream tag to w.
func Close(w io.Writer) error {
	_, err := io.WriteString(w, `</stream:stream>`)
	return err
}
