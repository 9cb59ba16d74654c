package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/stephnangue/gsigate/cmd/proxy"
	"github.com/stephnangue/gsigate/cmd/verify"
)

var gsigateCmd = &cobra.Command{
	Use:   "gsigate",
	Short: "Gsigate manages GSI credentials and proxy delegation",
	Long: `Gsigate manages the X.509 credentials of a grid transfer server: the host
credential, the client credential with its derived proxy, the trust anchors
they are validated against, and the delegation of proxies to a remote
credential store.`,
}

func Execute() {
	if err := gsigateCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	gsigateCmd.AddCommand(proxy.ProxyCmd)
	gsigateCmd.AddCommand(verify.VerifyCmd)
}
