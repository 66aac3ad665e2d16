package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/inkwell/internal/changelog"
	"github.com/MarcoPoloResearchLab/inkwell/internal/config"
	"github.com/MarcoPoloResearchLab/inkwell/internal/database"
	"github.com/MarcoPoloResearchLab/inkwell/internal/gossip"
	"github.com/MarcoPoloResearchLab/inkwell/internal/logging"
	"github.com/MarcoPoloResearchLab/inkwell/internal/notify"
	"github.com/MarcoPoloResearchLab/inkwell/internal/peers"
	"github.com/MarcoPoloResearchLab/inkwell/internal/replica"
	"github.com/MarcoPoloResearchLab/inkwell/internal/server"
	"github.com/MarcoPoloResearchLab/inkwell/internal/transport"
	"github.com/MarcoPoloResearchLab/inkwell/internal/writings"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "inkwell",
		Short: "Local-first writing replica with peer-to-peer sync",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplica(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address for the local API and peer links")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Duration("gossip-interval", defaults.GetDuration("gossip.interval"), "Interval between sync rounds with every known peer")
	cmd.PersistentFlags().Duration("handshake-timeout", defaults.GetDuration("gossip.handshake_timeout"), "Upper bound on establishing a peer link")
	cmd.PersistentFlags().String("advertise-url", "", "Sync URL other replicas dial to reach this one (derived from http-address when empty)")
	cmd.PersistentFlags().StringSlice("seed", nil, "Sync URL of a replica to contact at startup (repeatable)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "gossip.interval", "gossip-interval")
	bindFlag(cmd, "gossip.handshake_timeout", "handshake-timeout")
	bindFlag(cmd, "gossip.advertise_url", "advertise-url")
	bindFlag(cmd, "gossip.seeds", "seed")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runReplica(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := changelog.NewStore(ctx, changelog.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	logger = logger.With(zap.String("site_id", store.SiteID()))

	registry, err := peers.NewRegistry(peers.RegistryConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	dispatcher := notify.NewDispatcher()

	writingsService, err := writings.NewService(writings.ServiceConfig{
		Store:      store,
		Clock:      time.Now,
		IDProvider: writings.NewUUIDProvider(),
		Notifier:   dispatcher,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	replicaService, err := replica.NewService(replica.ServiceConfig{
		Store:    store,
		Registry: registry,
		Notifier: dispatcher,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	peerTransport, err := transport.NewWebsocketTransport(transport.WebsocketConfig{
		LocalID:          store.SiteID(),
		AdvertiseURL:     appConfig.AdvertiseURL,
		HandshakeTimeout: appConfig.HandshakeTimeout,
		Logger:           logger,
	})
	if err != nil {
		return err
	}
	defer peerTransport.Close() //nolint:errcheck

	manager, err := gossip.New(gossip.Config{
		Transport:        peerTransport,
		Replica:          replicaService,
		Devices:          writingsService,
		Interval:         appConfig.GossipInterval,
		HandshakeTimeout: appConfig.HandshakeTimeout,
		Seeds:            appConfig.Seeds,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Writings: writingsService,
		Peers:    registry,
		Links:    manager,
		Events:   dispatcher,
		Sync:     peerTransport,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("advertise_url", appConfig.AdvertiseURL))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	if err := manager.Start(signalCtx); err != nil {
		return err
	}
	defer manager.Shutdown()
	if err := manager.StartBroadcast(); err != nil {
		return err
	}

	select {
	case <-signalCtx.Done():
		manager.StopBroadcast()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
