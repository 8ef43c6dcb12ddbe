package mqttbroker

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LoadOrCreateClientIDSuffix reads a stable per-install suffix from a
// file in dataDir, or generates a new UUIDv7 and persists it if the
// file does not exist. Combined with the configured client_id_prefix
// this gives the bridge a client ID that survives restarts, so a
// broker configured to reject duplicate client IDs doesn't treat a
// bridge restart as a second client.
func LoadOrCreateClientIDSuffix(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "mqtt_client_id")

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate mqtt client id suffix: %w", err)
	}

	idStr := id.String()
	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return "", fmt.Errorf("create data dir %s: %w", dataDir, err)
		}
		if err := os.WriteFile(path, []byte(idStr+"\n"), 0o644); err != nil {
			return "", fmt.Errorf("persist mqtt client id suffix to %s: %w", path, err)
		}
	}

	return idStr, nil
}
