package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// instanceFile holds the instance ID inside the data directory.
const instanceFile = "instance_id"

// LoadOrCreateInstanceID returns the UUID stored in dataDir, creating
// and persisting a new UUIDv7 when the file is missing or does not
// hold a valid UUID. The ID identifies this mcplink to Home Assistant,
// so renaming device_name keeps entity history.
func LoadOrCreateInstanceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, instanceFile)

	if data, err := os.ReadFile(path); err == nil {
		if id, err := uuid.Parse(strings.TrimSpace(string(data))); err == nil {
			return id.String(), nil
		}
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir %s: %w", dataDir, err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance ID: %w", err)
	}

	tmp, err := os.CreateTemp(dataDir, instanceFile+".*")
	if err != nil {
		return "", fmt.Errorf("persist instance ID: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(id.String() + "\n"); err != nil {
		tmp.Close()
		return "", fmt.Errorf("persist instance ID: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("persist instance ID: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("persist instance ID to %s: %w", path, err)
	}
	return id.String(), nil
}
