// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"strings"

	"mellium.im/sasl"

	"github.com/forketyfork/xmpp/internal/ns"
	"github.com/forketyfork/xmpp/internal/saslerr"
	"github.com/forketyfork/xmpp/stream"
)

// mechanisms in order of preference.
var mechanisms = []sasl.Mechanism{
	sasl.ScramSha256Plus,
	sasl.ScramSha1Plus,
	sasl.ScramSha256,
	sasl.ScramSha1,
	sasl.Plain,
}

// selectMechanism picks the most preferred mechanism offered by the server
// that may be used on the stream.
func selectMechanism(offered []string, secure, allowInsecurePlain bool) (sasl.Mechanism, bool) {
	for _, m := range mechanisms {
		switch {
		case strings.HasSuffix(m.Name, "-PLUS") && !secure:
			continue
		case m.Name == sasl.Plain.Name && !secure && !allowInsecurePlain:
			continue
		}
		for _, name := range offered {
			if name == m.Name {
				return m, true
			}
		}
	}
	return sasl.Mechanism{}, false
}

// authenticate runs a SASL exchange as defined in RFC 6120 §6.
func (n *negotiator) authenticate(ctx context.Context, offered []string, secure bool) error {
	selected, ok := selectMechanism(offered, secure, n.cfg.AllowInsecurePlain)
	if !ok {
		return &NegotiationError{Phase: PhaseSASL, Misconfigured: true, Err: errNoMechanism}
	}

	opts := []sasl.Option{
		sasl.Credentials(func() ([]byte, []byte, []byte) {
			return []byte(n.creds.Username), []byte(n.creds.Password), []byte(n.creds.Identity)
		}),
		sasl.RemoteMechanisms(offered...),
	}
	if state, ok := n.conn.ConnectionState(); ok {
		opts = append(opts, sasl.TLSState(state))
	}
	client := sasl.NewClient(selected, opts...)

	more, resp, err := client.Step(nil)
	if err != nil {
		return err
	}
	if err = n.conn.WriteRaw(`<auth xmlns='` + ns.SASL + `' mechanism='` + selected.Name + `'>` + encodeSASL(resp) + `</auth>`); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		start, err := n.nextStart()
		if err != nil {
			return err
		}
		if start.Name.Space != ns.SASL {
			return stream.UnsupportedStanzaType
		}
		switch start.Name.Local {
		case "challenge":
			data, err := n.decodeSASLData(start)
			if err != nil {
				return err
			}
			if more, resp, err = client.Step(data); err != nil {
				return err
			}
			if err = n.conn.WriteRaw(`<response xmlns='` + ns.SASL + `'>` + encodeSASL(resp) + `</response>`); err != nil {
				return err
			}
		case "success":
			data, err := n.decodeSASLData(start)
			if err != nil {
				return err
			}
			// Additional data with success carries the server's final message.
			if more && len(data) > 0 {
				if _, _, err = client.Step(data); err != nil {
					return err
				}
			}
			return nil
		case "failure":
			fail := saslerr.Failure{}
			if err := n.conn.DecodeElement(&fail, &start); err != nil {
				return err
			}
			return &AuthenticationError{Condition: fail.Condition, Text: fail.Text}
		default:
			return stream.UnsupportedStanzaType
		}
	}
}

func (n *negotiator) decodeSASLData(start xml.StartElement) ([]byte, error) {
	payload := struct {
		Data string `xml:",chardata"`
	}{}
	if err := n.conn.DecodeElement(&payload, &start); err != nil {
		return nil, err
	}
	data := strings.TrimSpace(payload.Data)
	if data == "" || data == "=" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(data)
}

// encodeSASL encodes a response, using "=" for an empty one as required by
// RFC 6120 §6.4.2.
func encodeSASL(b []byte) string {
	if len(b) == 0 {
		return "="
	}
	return base64.StdEncoding.EncodeToString(b)
}
