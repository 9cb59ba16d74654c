package verify

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/stephnangue/gsigate/cmd/helpers"
	"github.com/stephnangue/gsigate/gsi"
	"github.com/stephnangue/gsigate/pki"
)

var (
	verifyConfigPath string
	verifyFilePath   string
	verifyName       string

	VerifyCmd = &cobra.Command{
		Use:           "verify",
		SilenceUsage:  true,
		SilenceErrors: true,
		Short:         "This command validates a certificate chain against the trust anchors.",
		Long: `
Usage: gsigate verify [options]

  Validates the certificate chain held in a PEM file against the trust
  anchors of the configured CA directory, including proxy links and CRLs.

      $ gsigate verify --config=/etc/gsigate/config.hcl --file=/tmp/x509up

  Additionally check that the chain belongs to a named host:

      $ gsigate verify --config=/etc/gsigate/config.hcl --file=/tmp/x509up --name=source.example.org
`,
		RunE: runVerify,
	}
)

func init() {
	VerifyCmd.Flags().StringVarP(&verifyConfigPath, "config", "c", "", "Path to configuration file (e.g., path/to/gsigate.hcl)")
	VerifyCmd.Flags().StringVarP(&verifyFilePath, "file", "f", "", "Path to the PEM file holding the chain (required)")
	VerifyCmd.Flags().StringVar(&verifyName, "name", "", "Host name the chain must belong to")
	VerifyCmd.MarkFlagRequired("file")
}

func runVerify(cmd *cobra.Command, args []string) error {
	cfg, err := helpers.LoadConfig(verifyConfigPath)
	if err != nil {
		return err
	}

	log := helpers.BuildLogger(cfg)
	defer log.Close()

	manager, err := helpers.BuildManager(cfg, log)
	if err != nil {
		return err
	}

	raw, err := os.ReadFile(verifyFilePath)
	if err != nil {
		return err
	}
	data, err := pki.ParseChainPEM(raw)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", verifyFilePath, err)
	}

	if err := manager.Validate(data); err != nil {
		return err
	}

	if verifyName != "" {
		if err := gsi.CheckIdentity(data[0], verifyName); err != nil {
			return err
		}
	}

	fmt.Printf("Success! Chain of %q is valid\n", data[0].Subject)
	return nil
}
