package transport

import (
	"crypto/tls"
	"fmt"
)

// Params configures whichever Transport New builds.
type Params struct {
	Kind Kind

	// TLS / WebSocket-over-TLS server identity (Noise uses none of the TLS fields).
	TLSCertFile, TLSKeyFile string
	// TLS client trust; empty uses the system root pool.
	TLSServerName      string
	TLSInsecureSkipVerify bool

	// WebSocket upgrade path, and whether it rides over TLS.
	WSPath   string
	WSUseTLS bool
}

// New builds the concrete Transport the config file's transport section selects. Both ends
// of a session must be configured with the same Kind.
func New(p Params) (Transport, error) {
	switch p.Kind {
	case "", KindTCP:
		return TCP{}, nil
	case KindTLS:
		cfg, err := tlsConfig(p)
		if err != nil {
			return nil, err
		}
		return TLS{Config: cfg}, nil
	case KindNoise:
		return Noise{}, nil
	case KindWebSocket:
		cfg, err := tlsConfig(p)
		if err != nil {
			return nil, err
		}
		return WebSocket{Path: p.WSPath, UseTLS: p.WSUseTLS, TLS: cfg}, nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", p.Kind)
	}
}

func tlsConfig(p Params) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         p.TLSServerName,
		InsecureSkipVerify: p.TLSInsecureSkipVerify,
	}
	if p.TLSCertFile != "" && p.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(p.TLSCertFile, p.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load tls keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
