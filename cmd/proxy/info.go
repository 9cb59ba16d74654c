package proxy

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/stephnangue/gsigate/helper"
	"github.com/stephnangue/gsigate/pki"
)

var (
	infoFilePath string

	InfoCmd = &cobra.Command{
		Use:           "info",
		SilenceUsage:  true,
		SilenceErrors: true,
		Short:         "This command prints the contents of a proxy file.",
		Long: `
Usage: gsigate proxy info [options]

  Prints the subject, issuer and remaining lifetime of the credential held
  in a proxy file.

      $ gsigate proxy info --file=/tmp/x509up
`,
		RunE: runInfo,
	}
)

func init() {
	InfoCmd.Flags().StringVarP(&infoFilePath, "file", "f", "", "Path to the proxy file (required)")
	InfoCmd.MarkFlagRequired("file")
}

func runInfo(cmd *cobra.Command, args []string) error {
	cred, err := pki.LoadFile(infoFilePath)
	if err != nil {
		return err
	}

	leaf := cred.Leaf()
	certType := "end entity"
	if pki.IsProxy(leaf) {
		certType = "proxy"
	}

	remaining := time.Until(leaf.NotAfter)
	timeleft := "expired"
	if remaining > 0 {
		timeleft = helper.FormatTTL(remaining)
	}

	fmt.Printf("%16s: %s\n", "Subject", leaf.Subject)
	fmt.Printf("%16s: %s\n", "Issuer", leaf.Issuer)
	fmt.Printf("%16s: %s\n", "Type", certType)
	fmt.Printf("%16s: %d\n", "Chain length", len(cred.Chain))
	fmt.Printf("%16s: %s\n", "Not before", leaf.NotBefore.Format(time.RFC3339))
	fmt.Printf("%16s: %s\n", "Not after", leaf.NotAfter.Format(time.RFC3339))
	fmt.Printf("%16s: %s\n", "Time left", timeleft)
	fmt.Printf("%16s: %s\n", "Issuer hashes", strings.Join(issuerHashes(cred), "|"))
	return nil
}

func issuerHashes(cred *pki.Credential) []string {
	seen := make(map[string]struct{})
	var hashes []string
	for _, cert := range cred.Chain {
		h := pki.CAHash(cert.RawIssuer)
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)
	return hashes
}
