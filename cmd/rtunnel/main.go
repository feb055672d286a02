package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rtunnel/internal/client"
	"rtunnel/internal/config"
	"rtunnel/internal/server"
	"rtunnel/internal/transport"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "rtunnel",
	Short: "Expose a service behind NAT through a relay you control",
	Long: `rtunnel punches a reverse tunnel through NAT and firewalls: a server
with a public IP accepts visitor traffic and relays it to a client sitting
behind NAT, over a control channel the client keeps open outbound.`,
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the relay server",
	RunE:  runServer,
}

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Run the tunnel client",
	RunE:  runClient,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (required)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	_ = rootCmd.MarkPersistentFlagRequired("config")
	rootCmd.AddCommand(serverCmd, clientCmd)
}

func newLogger() (*zap.SugaredLogger, error) {
	var zcfg zap.Config
	if verbose {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger.Sugar(), nil
}

func runServer(cmd *cobra.Command, args []string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	cfg, err := config.LoadServer(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	tr, err := transport.New(transport.Params{
		Kind:                  transport.Kind(cfg.Transport.Kind),
		TLSCertFile:           cfg.Transport.TLSCertFile,
		TLSKeyFile:            cfg.Transport.TLSKeyFile,
		TLSServerName:         cfg.Transport.TLSServerName,
		TLSInsecureSkipVerify: cfg.Transport.TLSInsecureSkipVerify,
		WSPath:                cfg.Transport.WSPath,
		WSUseTLS:              cfg.Transport.WSUseTLS,
	})
	if err != nil {
		return fmt.Errorf("build transport: %w", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	acceptor, err := tr.Bind(ctx, cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", cfg.BindAddr, err)
	}

	srv, err := server.New(log, cfg, tr, acceptor)
	if err != nil {
		return err
	}

	log.Infow("server starting", "bind_addr", cfg.BindAddr, "transport", cfg.Transport.Kind, "services", len(cfg.Services))
	err = srv.Run(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func runClient(cmd *cobra.Command, args []string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	cfg, err := config.LoadClient(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	tr, err := transport.New(transport.Params{
		Kind:                  transport.Kind(cfg.Transport.Kind),
		TLSServerName:         cfg.Transport.TLSServerName,
		TLSInsecureSkipVerify: cfg.Transport.TLSInsecureSkipVerify,
		WSPath:                cfg.Transport.WSPath,
		WSUseTLS:              cfg.Transport.WSUseTLS,
	})
	if err != nil {
		return fmt.Errorf("build transport: %w", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	c := client.New(log, cfg, tr)
	log.Infow("client starting", "remote_addr", cfg.RemoteAddr, "transport", cfg.Transport.Kind, "services", len(cfg.Services))
	err = c.Run(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
