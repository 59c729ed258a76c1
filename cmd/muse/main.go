// ABOUTME: Entry point for muse, the email composition chat client
// ABOUTME: Wires config, logging, session storage and the engine behind cobra subcommands

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _ __ ___  _   _ ___  ___
| '_ ' _ \| | | / __|/ _ \
| | | | | | |_| \__ \  __/
|_| |_| |_|\__,_|___/\___|
`

// getConfigPath returns the path to the muse config file.
// Priority: MUSE_CONFIG env var > XDG_CONFIG_HOME/muse/config.yaml > ~/.config/muse/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("MUSE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "muse", "config.yaml")
}

// getDataPath returns the default directory for on-disk session files.
// Priority: XDG_DATA_HOME/muse > ~/.local/share/muse
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "muse")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
