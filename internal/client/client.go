package client

import (
	"context"
	"errors"
	"net/url"
	"sync"

	"go.uber.org/zap"

	"rtunnel/internal/config"
	"rtunnel/internal/retry"
	"rtunnel/internal/transport"
)

// Client runs one reconnect supervisor per configured service, each
// independently dialing, authenticating and re-dialing its control
// channel with exponential backoff (§4.8).
type Client struct {
	log *zap.SugaredLogger
	cfg *config.ClientConfig
	tr  transport.Transport

	shutdown *retry.Shutdown
}

// New builds a Client from configuration and a Transport to dial through.
func New(log *zap.SugaredLogger, cfg *config.ClientConfig, tr transport.Transport) *Client {
	return &Client{log: log, cfg: cfg, tr: tr, shutdown: retry.NewShutdown()}
}

// Run starts every service's supervisor and blocks until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	var proxyURL *url.URL
	if c.cfg.ProxyURL != "" {
		u, err := url.Parse(c.cfg.ProxyURL)
		if err != nil {
			return err
		}
		proxyURL = u
	}

	var wg sync.WaitGroup
	for _, svc := range c.cfg.Services {
		svc := svc
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.superviseService(ctx, svc, proxyURL)
		}()
	}

	<-ctx.Done()
	c.shutdown.Fire()
	wg.Wait()
	return ctx.Err()
}

// Close signals every supervisor to stop reconnecting.
func (c *Client) Close() {
	c.shutdown.Fire()
}

func (c *Client) superviseService(ctx context.Context, svc config.ServiceConfig, proxyURL *url.URL) {
	backoff := retry.NewBackoff(
		c.cfg.Retry.InitialInterval,
		c.cfg.Retry.Multiplier,
		c.cfg.Retry.MaxInterval,
		c.cfg.Retry.MaxElapsedTime,
	)

	_, err := retry.Do(ctx, backoff, c.shutdown, func(ctx context.Context) (struct{}, error) {
		sess := NewSession(c.log, c.tr, c.cfg.RemoteAddr, proxyURL, c.cfg.Heartbeat, svc, c.cfg.UDPPeerIdleTimeout)
		runErr := sess.Run(ctx)
		if runErr != nil {
			c.log.Warnw("control session ended, will retry", "service", svc.Name, "err", runErr)
		}
		return struct{}{}, runErr
	})
	if err != nil && !errors.Is(err, retry.ErrShutdown) {
		c.log.Errorw("service supervisor gave up", "service", svc.Name, "err", err)
	}
}
