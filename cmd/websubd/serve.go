package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"mauve.dev/websub"
	"mauve.dev/websub/store"
	"mauve.dev/websub/store/bolt"
	"mauve.dev/websub/store/database"
	"mauve.dev/websub/store/memory"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the WebSub hub",
	Long: `Start the hub and serve its endpoint until interrupted.

Settings come from the configuration file. Individual hub settings can
be overridden with --set, using the configuration key in dotted form:

  websubd serve --set remote_publish=true --set deliver.queue_size=128`,
	RunE: runServe,
}

var (
	listenAddr string
	setValues  []string
)

func init() {
	serveCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "override listen address")
	serveCmd.Flags().StringArrayVarP(&setValues, "set", "s", nil, "override a hub setting as key=value")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := Load(configPath)

	if err != nil {
		return errors.Wrap(err, "load config")
	}

	if listenAddr != "" {
		cfg.Listen = listenAddr
	}

	values, err := overrides(setValues)

	if err != nil {
		return err
	}

	if err := cfg.Hub.Merge(values); err != nil {
		return errors.Wrap(err, "apply overrides")
	}

	if err := cfg.Hub.Validate(); err != nil {
		return errors.Wrap(err, "invalid hub config")
	}

	s, err := openStore(cfg.Store)

	if err != nil {
		return errors.Wrap(err, "open store")
	}

	h := websub.New(s,
		websub.WithConfig(cfg.Hub),
		websub.WithContentProvider(websub.NewContentCache().Fetch),
	)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	e.Any(cfg.Path, echo.WrapHandler(h))

	go func() {
		log.Infof("Hub listening on %s%s", cfg.Listen, cfg.Path)

		if err := e.Start(cfg.Listen); err != nil && err != http.ErrServerClosed {
			log.Errorf("Server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		log.Warnf("Server shutdown error: %v", err)
	}

	if err := h.Close(); err != nil {
		log.Warnf("Hub shutdown error: %v", err)
	}

	return s.Close()
}

func openStore(cfg StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return memory.New()
	case "bolt":
		return bolt.New(cfg.Path)
	case "sqlite":
		db, err := sql.Open("sqlite3", cfg.Path)

		if err != nil {
			return nil, err
		}

		if err := database.Setup(db); err != nil {
			db.Close()

			return nil, err
		}

		return database.New(db)
	}

	return nil, errors.Errorf("unknown store driver %q", cfg.Driver)
}
