package transport

import (
	"crypto/tls"
)

// TLSConfig returns the client configuration used for STARTTLS when none is
// configured. RootCAs stays nil so the host's public root store is used.
func TLSConfig(hostName string) *tls.Config {
	return &tls.Config{
		ServerName: hostName,
		MinVersion: tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
	}
}

func clientConfig(base *tls.Config, hostName string) *tls.Config {
	if base == nil {
		return TLSConfig(hostName)
	}

	cfg := base.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = hostName
	}
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	return cfg
}
