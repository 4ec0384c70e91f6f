// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package transport

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Default ports for client connections.
const (
	DefaultPort          = 5222
	DefaultDirectTLSPort = 5223
)

// Security is the transport security mode of an Endpoint.
type Security uint8

// A list of security modes.
const (
	// SecurityStartTLS upgrades the connection with StartTLS and fails if the
	// server does not offer it.
	SecurityStartTLS Security = iota

	// SecurityDisabled never negotiates TLS.
	// Servers that require StartTLS cannot be used in this mode.
	SecurityDisabled

	// SecurityDirectTLS performs the TLS handshake immediately after the TCP
	// connection is established (XEP-0368).
	SecurityDirectTLS
)

// String returns the configuration name of the mode.
func (s Security) String() string {
	switch s {
	case SecurityStartTLS:
		return "starttls"
	case SecurityDisabled:
		return "disabled"
	case SecurityDirectTLS:
		return "direct_tls"
	}
	return "Security(" + strconv.Itoa(int(s)) + ")"
}

// MarshalText satisfies encoding.TextMarshaler.
func (s Security) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText satisfies encoding.TextUnmarshaler.
func (s *Security) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "", "starttls":
		*s = SecurityStartTLS
	case "disabled", "none", "plain":
		*s = SecurityDisabled
	case "direct_tls", "tls", "direct":
		*s = SecurityDirectTLS
	default:
		return fmt.Errorf("transport: unknown security mode %q", text)
	}
	return nil
}

// Endpoint is the server a connection attempt targets.
// It is passed by value and does not change during an attempt.
type Endpoint struct {
	// Host is the name or address to dial. If empty, Domain is used.
	Host string `yaml:"host"`

	// Port to dial. If zero the default for the security mode is used.
	Port int `yaml:"port"`

	// Domain is the XMPP service domain sent in the stream header.
	Domain string `yaml:"domain"`

	Security Security `yaml:"security"`

	// TLSConfig is used for StartTLS and direct TLS.
	// If nil a config with the server name set to Domain is used.
	TLSConfig *tls.Config `yaml:"-"`
}

// Address returns the host:port pair to dial.
func (e Endpoint) Address() string {
	host := e.Host
	if host == "" {
		host = e.Domain
	}
	port := e.Port
	if port == 0 {
		port = DefaultPort
		if e.Security == SecurityDirectTLS {
			port = DefaultDirectTLSPort
		}
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// TLS returns the TLS configuration for the endpoint.
func (e Endpoint) TLS() *tls.Config {
	if e.TLSConfig != nil {
		cfg := e.TLSConfig.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = e.Domain
		}
		return cfg
	}
	return &tls.Config{
		ServerName: e.Domain,
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"xmpp-client"},
	}
}
