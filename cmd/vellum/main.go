package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/vellumnotes/vellum/internal/auth"
	"github.com/vellumnotes/vellum/internal/authority"
	"github.com/vellumnotes/vellum/internal/config"
	"github.com/vellumnotes/vellum/internal/database"
	"github.com/vellumnotes/vellum/internal/device"
	"github.com/vellumnotes/vellum/internal/export"
	"github.com/vellumnotes/vellum/internal/logging"
	"github.com/vellumnotes/vellum/internal/oplog"
	"github.com/vellumnotes/vellum/internal/server"
	"github.com/vellumnotes/vellum/internal/store"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "vellum",
		Short: "Vellum note sync core",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newExportCommand(), newImportCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
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

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync authority HTTP daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
	cmd.Flags().String("http-address", "", "HTTP listen address")
	cmd.Flags().String("signing-secret", "", "Device token signing secret (overrides env)")
	if err := viper.BindPFlag("http.address", cmd.Flags().Lookup("http-address")); err != nil {
		panic(err)
	}
	if err := viper.BindPFlag("auth.signing_secret", cmd.Flags().Lookup("signing-secret")); err != nil {
		panic(err)
	}
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenAuthorityStore(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.AuthIssuer,
		Audience:      appConfig.AuthAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	ledger, err := authority.NewLedger(authority.Config{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	events := server.NewEventDispatcher()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenValidator: tokenIssuer,
		Ledger:         ledger,
		Events:         events,
		Logger:         logger,
		AllowedOrigins: appConfig.AllowedOrigins,
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
		logger.Info("authority starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newExportCommand() *cobra.Command {
	var ownerID string
	var deviceID string
	var outputPath string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the owner's live content as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd.Context(), ownerID, deviceID, outputPath)
		},
	}
	cmd.Flags().StringVar(&ownerID, "owner", "", "Owner identifier")
	cmd.Flags().StringVar(&deviceID, "device-id", "cli", "Device identifier for journaled operations")
	cmd.Flags().StringVar(&outputPath, "output", "-", "Output file, - for stdout")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func runExport(ctx context.Context, ownerID, deviceID, outputPath string) error {
	service, db, logger, err := buildExportService(ownerID, deviceID)
	if err != nil {
		return err
	}
	defer closeDatabase(db)
	defer logger.Sync() //nolint:errcheck

	writer := os.Stdout
	if outputPath != "-" {
		file, err := os.Create(outputPath)
		if err != nil {
			return err
		}
		defer file.Close()
		writer = file
	}
	return service.Export(ctx, ownerID, writer)
}

func newImportCommand() *cobra.Command {
	var ownerID string
	var deviceID string
	var inputPath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Replay a JSON export into the store as fresh creations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd.Context(), ownerID, deviceID, inputPath)
		},
	}
	cmd.Flags().StringVar(&ownerID, "owner", "", "Owner identifier")
	cmd.Flags().StringVar(&deviceID, "device-id", "cli", "Device identifier for journaled operations")
	cmd.Flags().StringVar(&inputPath, "input", "-", "Input file, - for stdin")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func runImport(ctx context.Context, ownerID, deviceID, inputPath string) error {
	service, db, logger, err := buildExportService(ownerID, deviceID)
	if err != nil {
		return err
	}
	defer closeDatabase(db)
	defer logger.Sync() //nolint:errcheck

	reader := os.Stdin
	if inputPath != "-" {
		file, err := os.Open(inputPath)
		if err != nil {
			return err
		}
		defer file.Close()
		reader = file
	}
	summary, err := service.Import(ctx, ownerID, reader)
	if err != nil {
		return err
	}
	fmt.Printf("imported %d notebooks, %d tags, %d notes\n", summary.Notebooks, summary.Tags, summary.Notes)
	return nil
}

// buildExportService wires a device store stack for the local commands.
func buildExportService(ownerID, deviceID string) (*export.Service, *gorm.DB, *zap.Logger, error) {
	appConfig, err := config.LoadLocal(viper.GetViper())
	if err != nil {
		return nil, nil, nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, nil, nil, err
	}
	db, err := database.OpenDeviceStore(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	operationLog, err := oplog.NewLog(oplog.LogConfig{Database: db, Logger: logger})
	if err != nil {
		return nil, nil, nil, err
	}
	tracker, err := device.NewTracker(device.Config{
		Database: db,
		DeviceID: deviceID,
		OwnerID:  ownerID,
		Logger:   logger,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	entityStore, err := store.NewStore(store.Config{
		Database:   db,
		Log:        operationLog,
		IDProvider: oplog.NewUUIDProvider(),
		Logger:     logger,
		DeviceID:   deviceID,
		Cursor:     tracker,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	service, err := export.NewService(export.Config{Store: entityStore, Logger: logger})
	if err != nil {
		return nil, nil, nil, err
	}
	return service, db, logger, nil
}

func closeDatabase(db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	_ = sqlDB.Close()
}
