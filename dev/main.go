// Command dev creates a local state directory with a config and an empty
// database so `trendwatch serve -c dev/.state/config.json5` works out of the box.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"trendwatch/internal/config"
	"trendwatch/internal/db"
)

const stateDir = "dev/.state"

func create(ctx context.Context, recreate bool) error {
	_, err := os.Stat("go.mod")
	if os.IsNotExist(err) {
		return fmt.Errorf("the dev environment must be created in the repository root (the same directory as the 'go.mod' file)")
	}

	if recreate {
		err = os.RemoveAll(stateDir)
		if err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	err = os.MkdirAll(stateDir, 0700)
	if err != nil {
		return err
	}

	cfg := config.Config{
		Database:   db.Config{File: filepath.Join(stateDir, "trendwatch.db")},
		CookieFile: filepath.Join(stateDir, "cookie.txt"),
		Log:        config.LogConfig{File: filepath.Join(stateDir, "trendwatch.log")},
	}
	cfg.Defaults()
	cfg.Telemetry.Prometheus = true

	err = writeOnce(filepath.Join(stateDir, "config.json5"), func() ([]byte, error) {
		return json.MarshalIndent(cfg, "", "  ")
	})
	if err != nil {
		return err
	}
	err = writeOnce(".env", func() ([]byte, error) {
		return []byte(fmt.Sprintf("# paste the browser cookie here to skip the qr login\n%s=\n", config.CookieEnv)), nil
	})
	if err != nil {
		return err
	}

	database, err := db.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer database.Close()
	fmt.Println("database ready at", cfg.Database.File)
	return nil
}

func writeOnce(path string, render func() ([]byte, error)) error {
	_, err := os.Stat(path)
	if err == nil {
		fmt.Println("already exists", path)
		return nil
	}
	contents, err := render()
	if err != nil {
		return err
	}
	fmt.Println("writing", path)
	return os.WriteFile(path, contents, 0600)
}

func main() {
	recreate := flag.Bool("recreate", false, "recreate the dev environment from scratch")
	flag.Parse()

	err := create(context.Background(), *recreate)
	if err != nil {
		slog.Error("failed to create dev environment", "err", err.Error())
		os.Exit(1)
	}

	slog.Info("dev environment created sucessfully!")
}
