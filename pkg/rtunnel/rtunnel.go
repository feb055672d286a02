// Package rtunnel provides a small public surface for embedding rtunnel as
// a library. The implementation lives in internal/ and may change without
// notice.
package rtunnel

import (
	"context"

	"go.uber.org/zap"

	"rtunnel/internal/client"
	"rtunnel/internal/config"
	"rtunnel/internal/server"
	"rtunnel/internal/transport"
)

// --- Config ---

type ServerConfig = config.ServerConfig
type ClientConfig = config.ClientConfig
type ServiceConfig = config.ServiceConfig
type TransportConfig = config.TransportConfig
type HeartbeatConfig = config.HeartbeatConfig
type RetryConfig = config.RetryConfig

// LoadServerConfig loads and validates a server YAML config file.
func LoadServerConfig(path string) (*ServerConfig, error) { return config.LoadServer(path) }

// LoadClientConfig loads and validates a client YAML config file.
func LoadClientConfig(path string) (*ClientConfig, error) { return config.LoadClient(path) }

// --- Transport ---

type Transport = transport.Transport
type TransportParams = transport.Params
type TransportKind = transport.Kind

const (
	TransportTCP       = transport.KindTCP
	TransportTLS       = transport.KindTLS
	TransportNoise     = transport.KindNoise
	TransportWebSocket = transport.KindWebSocket
)

// NewTransport builds the concrete Transport a TransportParams.Kind selects.
func NewTransport(p TransportParams) (Transport, error) { return transport.New(p) }

// --- Server ---

type Server = server.Server

// NewServer builds a relay server bound to the given Transport acceptor.
func NewServer(log *zap.SugaredLogger, cfg *ServerConfig, tr Transport, acceptor transport.Acceptor) (*Server, error) {
	return server.New(log, cfg, tr, acceptor)
}

// --- Client ---

type Client = client.Client

// NewClient builds a tunnel client dialing through the given Transport.
func NewClient(log *zap.SugaredLogger, cfg *ClientConfig, tr Transport) *Client {
	return client.New(log, cfg, tr)
}

// RunServer is a convenience entry point equivalent to building a Server
// and calling Run on it.
func RunServer(ctx context.Context, log *zap.SugaredLogger, cfg *ServerConfig, tr Transport, acceptor transport.Acceptor) error {
	srv, err := NewServer(log, cfg, tr, acceptor)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}
