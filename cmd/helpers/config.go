package helpers

import (
	"fmt"
	"os"
	"strings"
)

// ResolveFileRefs processes a store configuration map and replaces values
// prefixed with "@" with the contents of the referenced file. This keeps
// secrets like the vault token out of the configuration file itself:
// token = "@/etc/gsigate/vault-token".
func ResolveFileRefs(config map[string]string) (map[string]string, error) {
	for key, value := range config {
		if strings.HasPrefix(value, "@") {
			filePath := value[1:]
			data, err := os.ReadFile(filePath)
			if err != nil {
				return nil, fmt.Errorf("failed to read file for config key %q: %w", key, err)
			}
			config[key] = strings.TrimSpace(string(data))
		}
	}
	return config, nil
}
