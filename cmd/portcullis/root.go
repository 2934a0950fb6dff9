package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nhoel/portcullis/internal/config"
)

const version = "0.1.0"

var (
	cfgPath     string
	cfgStateDir string
)

var rootCmd = &cobra.Command{
	Use:   "portcullis",
	Short: "Portcullis gateway",
	Long:  `Portcullis is the authenticated front door: a WebSocket gateway with device pairing.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default "+config.DefaultPath()+")")
	rootCmd.PersistentFlags().StringVar(&cfgStateDir, "state-dir", "", "directory for persistent state (pairing, logs)")
}

// loadConfig resolves the layered configuration, then applies the
// persistent flags on top.
func loadConfig() (config.Config, error) {
	path := cfgPath
	explicit := path != ""
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path, explicit)
	if err != nil {
		return cfg, err
	}
	if cfgStateDir != "" {
		cfg.StateDir = cfgStateDir
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
