package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bionicdonkey/AndroidMulti/fleet/api"
	"github.com/bionicdonkey/AndroidMulti/fleet/manager"
)

var (
	serveListen     string
	serveNoAuth     bool
	serveCORS       bool
	serveStopOnExit bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the fleet daemon with its HTTP control API",
	Long: `Serve keeps the fleet open, watches emulator liveness and exposes the
control API. Requests need a bearer token from 'androidmulti token' unless
--no-auth is given. While it runs, other androidmulti commands are forwarded
to it.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (defaults to api.listen)")
	serveCmd.Flags().BoolVar(&serveNoAuth, "no-auth", false, "disable bearer-token authentication")
	serveCmd.Flags().BoolVar(&serveCORS, "cors", false, "allow cross-origin requests")
	serveCmd.Flags().BoolVar(&serveStopOnExit, "stop-on-exit", false, "stop every emulator when the daemon exits")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	listen := serveListen
	if listen == "" {
		listen = settings.API.Listen
	}

	var secret []byte
	if !serveNoAuth {
		key, err := api.LoadSecretKey(settings.API.SecretFile)
		if err != nil {
			return err
		}
		secret = key
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("Received signal, initiating graceful shutdown...", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	fleet, err := manager.Open(ctx, manager.Options{
		Settings:    settings,
		Logger:      logger,
		StopOnClose: serveStopOnExit,
	})
	if err != nil {
		return err
	}

	server, err := api.NewServer(api.Config{
		Fleet:            fleet,
		Logger:           logger,
		SecretKey:        secret,
		AllowCrossOrigin: serveCORS,
	})
	if err != nil {
		fleet.Close(context.Background())
		return err
	}

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		fleet.Close(context.Background())
		return fmt.Errorf("failed to listen on %s: %w", listen, err)
	}
	// Other invocations of the CLI find the API through the state lock.
	if err := fleet.Advertise(ln.Addr().String()); err != nil {
		logger.Warn("Failed to advertise control API", "error", err)
	}

	logger.Info("Fleet daemon running", "listen", ln.Addr().String(), "instances", len(fleet.List()))
	serveErr := server.Serve(ctx, ln)
	cancel()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), settings.Emulator.GracePeriod+10*time.Second)
	defer closeCancel()
	if err := fleet.Close(closeCtx); err != nil {
		logger.Error("Failed to close fleet", "error", err)
		if serveErr == nil {
			serveErr = err
		}
	}
	logger.Info("Fleet daemon stopped")
	return serveErr
}

var (
	tokenSubject string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for the control API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := api.LoadSecretKey(settings.API.SecretFile)
		if err != nil {
			return err
		}
		ttl := tokenTTL
		if ttl == 0 {
			ttl = settings.API.TokenTTL
		}
		token, err := api.IssueToken(key, tokenSubject, ttl)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "cli", "token subject")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (defaults to api.token_ttl)")
	rootCmd.AddCommand(tokenCmd)
}
