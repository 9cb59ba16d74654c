package proxy

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/stephnangue/gsigate/cmd/helpers"
)

var (
	initConfigPath string
	initOutPath    string

	InitCmd = &cobra.Command{
		Use:           "init",
		SilenceUsage:  true,
		SilenceErrors: true,
		Short:         "This command derives a proxy from the configured client credential.",
		Long: `
Usage: gsigate proxy init [options]

  Loads the client credential named in the configuration file, derives a
  proxy credential from it and writes the proxy file (certificate, key,
  chain) to the output path.

      $ gsigate proxy init --config=/etc/gsigate/config.hcl --out=/tmp/x509up
`,
		RunE: runInit,
	}
)

func init() {
	InitCmd.Flags().StringVarP(&initConfigPath, "config", "c", "", "Path to configuration file (e.g., path/to/gsigate.hcl)")
	InitCmd.Flags().StringVarP(&initOutPath, "out", "o", "", "Path the proxy file is written to (required)")
	InitCmd.MarkFlagRequired("out")
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg, err := helpers.LoadConfig(initConfigPath)
	if err != nil {
		return err
	}

	log := helpers.BuildLogger(cfg)
	defer log.Close()

	manager, err := helpers.BuildManager(cfg, log)
	if err != nil {
		return err
	}

	manager.LoadClientCredentials()
	proxy := manager.Proxy()
	if proxy == nil {
		return fmt.Errorf("no client proxy could be loaded, check the gsi.tpc configuration")
	}

	if err := proxy.WriteFile(initOutPath); err != nil {
		return fmt.Errorf("error writing proxy file: %w", err)
	}

	leaf := proxy.Leaf()
	fmt.Printf("Success! Proxy written to: %s\n", initOutPath)
	fmt.Printf("%16s: %s\n", "Subject", leaf.Subject)
	fmt.Printf("%16s: %s\n", "Valid until", leaf.NotAfter.Format(time.RFC3339))
	return nil
}
