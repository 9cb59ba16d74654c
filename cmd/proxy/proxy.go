package proxy

import "github.com/spf13/cobra"

var ProxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "This command groups subcommands for managing client proxy credentials.",
	Long: `
Usage: gsigate proxy <subcommand> [options]

  This command groups subcommands for managing the client proxy credential.

  Derive a proxy from the configured client credential and write it to a
  proxy file:

      $ gsigate proxy init --config=/etc/gsigate/config.hcl --out=/tmp/x509up

  Inspect a proxy file:

      $ gsigate proxy info --file=/tmp/x509up

  Please see the individual subcommand help for detailed usage information.
`,
}

func init() {
	ProxyCmd.AddCommand(InitCmd)
	ProxyCmd.AddCommand(InfoCmd)
}
