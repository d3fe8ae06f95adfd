package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/nerdlabs-ai/ainerd/common/crypto"
	"github.com/nerdlabs-ai/ainerd/common/version"
	"github.com/nerdlabs-ai/ainerd/internal/ainerd/app"
	"github.com/nerdlabs-ai/ainerd/internal/ainerd/config"
)

func main() {
	fmt.Printf("ainerd memory host\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	// A missing .env is fine; the environment may already be populated.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	app.SetupLogging(cfg.Log.Level, cfg.Log.Format)

	masterKey, err := crypto.LoadMasterKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\nGenerate a key with: openssl rand -hex 32\n", err)
		os.Exit(1)
	}
	cfg.MasterKey = masterKey

	a, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize ainerd: %v\n", err)
		os.Exit(1)
	}

	runErr := a.Run(context.Background())
	stopErr := a.Stop()
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "Error running ainerd: %v\n", runErr)
		os.Exit(1)
	}
	if stopErr != nil {
		fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", stopErr)
		os.Exit(1)
	}
}
