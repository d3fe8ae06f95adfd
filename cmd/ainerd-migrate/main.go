// Command ainerd-migrate imports the JSON files written by the legacy bot
// into the SQLite database.
//
// Usage:
//
//	ainerd-migrate [--data-dir data] [--db data/storage.db] [--dry-run] [--overwrite]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/nerdlabs-ai/ainerd/common/crypto"
	"github.com/nerdlabs-ai/ainerd/common/environment"
	"github.com/nerdlabs-ai/ainerd/internal/ainerd/app"
	"github.com/nerdlabs-ai/ainerd/internal/ainerd/memory"
	"github.com/nerdlabs-ai/ainerd/internal/ainerd/migrate"
	"github.com/nerdlabs-ai/ainerd/internal/ainerd/store"
)

func main() {
	_ = godotenv.Load()

	dataDir := flag.String("data-dir", "data", "directory containing legacy JSON files")
	dbPath := flag.String("db", environment.StringOr("AINERD_DB_PATH", "data/storage.db"), "SQLite database to migrate into")
	dryRun := flag.Bool("dry-run", false, "show what would be migrated without writing to the database")
	overwrite := flag.Bool("overwrite", false, "overwrite existing keys and blobs")
	flag.Parse()

	app.SetupLogging(environment.StringOr("LOG_LEVEL", "info"), environment.StringOr("LOG_FORMAT", "text"))

	if err := run(*dataDir, *dbPath, *dryRun, *overwrite); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(dataDir, dbPath string, dryRun, overwrite bool) error {
	// Without a key only already-encrypted and kv files can be migrated;
	// the migration reports the rest.
	var codec *memory.Codec
	if key, err := crypto.LoadMasterKey(); err == nil {
		if codec, err = memory.NewCodec(key); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(os.Stderr, "Warning: %v; plaintext memory files cannot be encrypted\n", err)
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return err
	}
	db, err := store.New(dbPath, nil)
	if err != nil {
		return err
	}
	defer db.Close()

	report, err := migrate.Run(context.Background(), db, migrate.Options{
		DataDir:   dataDir,
		DryRun:    dryRun,
		Overwrite: overwrite,
		Codec:     codec,
	})

	if len(report.Results) == 0 && err == nil {
		fmt.Printf("No legacy files found to migrate. Looked in: %s .\n", dataDir)
		return nil
	}
	for _, r := range report.Results {
		line := fmt.Sprintf(" - %s -> %s:%s [%s]", r.Path, r.Kind, r.Key, r.Outcome)
		if r.Detail != "" {
			line += " " + r.Detail
		}
		fmt.Println(line)
	}
	fmt.Printf("Migration complete: %d/%d processed (dry-run=%v)\n", report.Processed(), len(report.Results), dryRun)

	if errors.Is(err, memory.ErrConfiguration) {
		return fmt.Errorf("%w: set %s to encrypt plaintext memory files", err, crypto.MasterKeyEnv)
	}
	return err
}
