package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/config"
	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/database"
	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/logging"
	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/model"
	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/outbox"
	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/remote"
	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/server"
	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/storage"
	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/subscription"
	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/syncengine"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	adminTokenIssuer   = "gravity-sync"
	adminTokenAudience = "gravity-sync-admin"
	shutdownTimeout    = 10 * time.Second
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gravity-sync",
		Short: "Offline-first sync daemon for GraphQL model stores",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("api-endpoint", "", "GraphQL HTTP endpoint")
	flags.String("realtime-endpoint", "", "GraphQL realtime websocket endpoint (derived when empty)")
	flags.String("auth-type", defaults.GetString("api.auth_type"), "Remote authorization (api_key, iam, token)")
	flags.String("region", "", "AWS region for iam auth (derived from the endpoint when empty)")
	flags.StringSlice("models", nil, "Synced models as Name:field,field")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.Duration("sync-interval", defaults.GetDuration("sync.interval"), "Delta sync interval")
	flags.Duration("full-sync-interval", defaults.GetDuration("sync.full_interval"), "Full sync interval")
	flags.String("http-address", defaults.GetString("http.address"), "Admin API listen address (empty disables it)")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("log-file", "", "Rotating log file path")

	bindFlag(cmd, "api.endpoint", "api-endpoint")
	bindFlag(cmd, "api.realtime_endpoint", "realtime-endpoint")
	bindFlag(cmd, "api.auth_type", "auth-type")
	bindFlag(cmd, "api.region", "region")
	bindFlag(cmd, "sync.models", "models")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "sync.interval", "sync-interval")
	bindFlag(cmd, "sync.full_interval", "full-sync-interval")
	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
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

func newTokenCommand() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an admin API bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			issuer, err := newTokenIssuer(viper.GetString("admin.signing_secret"), viper.GetDuration("admin.token_ttl"))
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueToken(cmd.Context(), subject)
			if err != nil {
				return err
			}
			logging.NewConsoleLogger(viper.GetString("log.level")).
				Debug("admin token issued", zap.String("subject", subject), zap.Int64("expires_in", expiresIn))
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "Token subject")
	return cmd
}

func newTokenIssuer(secret string, ttl time.Duration) (*auth.TokenIssuer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, model.NewError(model.ErrConfiguration, "cmd.token", "missing_signing_secret",
			errors.New("admin.signing_secret is required"))
	}
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(secret),
		Issuer:        adminTokenIssuer,
		Audience:      adminTokenAudience,
		TokenTTL:      ttl,
	})
}

func loadCredentials(ctx context.Context, appConfig config.AppConfig) (aws.CredentialsProvider, error) {
	if appConfig.AuthType != auth.TypeIAM {
		return nil, nil
	}
	if appConfig.AWSAccessKeyID != "" {
		return aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			appConfig.AWSAccessKeyID,
			appConfig.AWSSecretAccessKey,
			appConfig.AWSSessionToken,
		)), nil
	}
	awsConfig, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(appConfig.Region))
	if err != nil {
		return nil, model.NewError(model.ErrConfiguration, "cmd.credentials", "load_failed", err)
	}
	return awsConfig.Credentials, nil
}

func runDaemon(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFile)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer database.Close(db) //nolint:errcheck

	store, err := storage.NewStore(storage.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	changeStore, err := storage.NewChangeRecordStore(storage.ChangeRecordStoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	mutationOutbox, err := outbox.New(outbox.Config{Store: changeStore, Logger: logger})
	if err != nil {
		return err
	}

	awsCredentials, err := loadCredentials(ctx, appConfig)
	if err != nil {
		return err
	}
	authorizer, err := auth.NewProvider(auth.ProviderConfig{
		Type:        appConfig.AuthType,
		APIKey:      appConfig.APIKey,
		Token:       appConfig.Token,
		Region:      appConfig.Region,
		Credentials: awsCredentials,
	})
	if err != nil {
		return err
	}

	client, err := remote.NewGraphQLClient(remote.ClientConfig{
		Endpoint:   appConfig.APIEndpoint,
		Authorizer: authorizer,
		Schemas:    appConfig.Models,
		PageLimit:  appConfig.PageLimit,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	connection, err := subscription.NewConnection(subscription.Config{
		RealtimeURL:    appConfig.RealtimeEndpoint,
		APIURL:         appConfig.APIEndpoint,
		Authorizer:     authorizer,
		ConnectTimeout: appConfig.ConnectTimeout,
		AckTimeout:     appConfig.AckTimeout,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer connection.Close() //nolint:errcheck

	events := server.NewEventDispatcher()
	engine, err := syncengine.New(syncengine.EngineConfig{
		Store:            store,
		Outbox:           mutationOutbox,
		Endpoint:         client,
		Subscriber:       syncengine.ConnectionSubscriber{Connection: connection},
		Schemas:          appConfig.Models,
		SyncInterval:     appConfig.SyncInterval,
		FullSyncInterval: appConfig.FullSyncInterval,
		MinBackoff:       appConfig.MinBackoff,
		MaxBackoff:       appConfig.MaxBackoff,
		Events:           events,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := engine.Start(signalCtx); err != nil {
		return err
	}
	logger.Info("daemon started",
		zap.String("endpoint", appConfig.APIEndpoint),
		zap.Strings("models", schemaNames(appConfig.Models)),
	)

	errCh := make(chan error, 1)
	var httpServer *http.Server
	if appConfig.HTTPAddress != "" {
		tokens, err := newTokenIssuer(appConfig.AdminSigningSecret, appConfig.AdminTokenTTL)
		if err != nil {
			return err
		}
		handler, err := server.NewHTTPHandler(server.Dependencies{
			Engine: engine,
			Outbox: mutationOutbox,
			Store:  store,
			Events: events,
			Tokens: tokens,
			Models: appConfig.ModelNames(),
			Logger: logger,
		})
		if err != nil {
			return err
		}
		httpServer = &http.Server{
			Addr:              appConfig.HTTPAddress,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("admin server starting", zap.String("address", appConfig.HTTPAddress))
			err := httpServer.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()
	}

	var runErr error
	select {
	case <-signalCtx.Done():
	case err, ok := <-errCh:
		if ok {
			runErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("admin server shutdown failed", zap.Error(err))
		}
	}
	if err := engine.Stop(shutdownCtx); err != nil && !errors.Is(err, syncengine.ErrNotRunning) {
		logger.Warn("sync engine shutdown failed", zap.Error(err))
	}
	logger.Info("daemon stopped")
	return runErr
}

func schemaNames(schemas []remote.Schema) []string {
	names := make([]string, 0, len(schemas))
	for _, schema := range schemas {
		names = append(names, schema.Name.String())
	}
	return names
}
