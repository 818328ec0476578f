package wire

import (
	"crypto/tls"
	"net"
)

// WrapClientTLS runs the frame stream inside TLS 1.2+ with an ECDHE-AEAD
// suite (spec §4.4: "TLS here exists purely for DPI resistance... security
// does not depend on it"). cfg may be nil to use Go's default cipher
// suite selection restricted to the minimum version below.
func WrapClientTLS(conn net.Conn, serverName string, cfg *tls.Config) *tls.Conn {
	c := baseTLSConfig(cfg)
	c.ServerName = serverName
	return tls.Client(conn, c)
}

// WrapServerTLS is the server-side counterpart of WrapClientTLS.
func WrapServerTLS(conn net.Conn, cfg *tls.Config) *tls.Conn {
	return tls.Server(conn, baseTLSConfig(cfg))
}

func baseTLSConfig(cfg *tls.Config) *tls.Config {
	var c tls.Config
	if cfg != nil {
		c = *cfg
	}
	if c.MinVersion == 0 {
		c.MinVersion = tls.VersionTLS12
	}
	return &c
}
