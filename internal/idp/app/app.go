package app

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gematik/E-Rezept-App-Android-Fasttrack/internal/idp/protocol"
	"github.com/gematik/E-Rezept-App-Android-Fasttrack/internal/idp/service"
	"github.com/gematik/E-Rezept-App-Android-Fasttrack/internal/idp/store"
	"github.com/gematik/E-Rezept-App-Android-Fasttrack/internal/idp/store/drivers/sqlite"
	"github.com/gematik/E-Rezept-App-Android-Fasttrack/pkg/httpx"
	"github.com/gematik/E-Rezept-App-Android-Fasttrack/pkg/slogx"
)

const (
	// BuildVersion should be set at build time via ldflags. Later problem
	BuildVersion = "v0.1.0"
)

// Application wires the credential store, the IDP protocol client, and the
// session service together for the CLI.
type Application struct {
	cfg    Config
	logger *slog.Logger

	db      store.Store
	client  *protocol.Client
	session *service.SessionService

	housekeepingService *service.HousekeepingService
}

// New creates an Application with all dependencies initialized. keystore may
// be nil when the secure-element flow is not needed.
func New(cfg Config, keystore service.Keystore) (*Application, error) {
	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "erp-idp",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
	}

	if err := InitMasterKey(cfg, app.logger); err != nil {
		return nil, err
	}

	if err := app.initDatabase(); err != nil {
		return nil, err
	}

	app.client = protocol.NewClient(protocol.Config{
		DiscoveryURL: cfg.DiscoveryURL,
		ClientID:     cfg.ClientID,
		RedirectURI:  cfg.RedirectURI,
		HTTPClient: &http.Client{
			// Rate limiting below the logging transport so throttled waits
			// show up in the request timing.
			Transport: &slogx.Transport{Base: httpx.NewTransport(nil, httpx.IDPLimit)},
		},
	})

	app.session = service.NewSessionService(app.db, app.client, keystore)
	app.housekeepingService = service.NewHousekeepingService(app.db, app.logger, cfg.HousekeepingInterval)

	return app, nil
}

// Session exposes the session service to the CLI commands.
func (app *Application) Session() *service.SessionService { return app.session }

// Store exposes the credential store (for CAN writes from the UI path).
func (app *Application) Store() store.Store { return app.db }

// Logger returns the application logger.
func (app *Application) Logger() *slog.Logger { return app.logger }

// Start launches background workers.
func (app *Application) Start() {
	app.housekeepingService.Start()
}

// Close stops background workers and releases the database.
func (app *Application) Close() error {
	app.housekeepingService.Stop()

	if err := app.db.Close(); err != nil {
		app.logger.Error("error closing database", "error", err)
		return err
	}
	return nil
}

// initDatabase opens the credential store and applies migrations.
func (app *Application) initDatabase() error {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", app.cfg.DatabaseFile)
	db, err := sqlite.NewStore(dsn)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	app.db = db

	if err := db.ApplyMigrations(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to apply database migrations: %w", err)
	}

	app.logger.Info("database migrations applied successfully")
	return nil
}
