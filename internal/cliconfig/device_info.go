package cliconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

// DeviceIDFileName is the file in the state directory holding the device ID.
const DeviceIDFileName = "device_id"

// DeviceInfo identifies this capture client to the ingestion service.
type DeviceInfo struct {
	ID       string
	Hostname string
	OSArch   string
}

// LoadDeviceInfo reads the device ID from the state directory, creating one
// on first run.
func LoadDeviceInfo(stateDir string) (DeviceInfo, error) {
	if stateDir == "" {
		return DeviceInfo{}, fmt.Errorf("state dir is required")
	}

	id, err := readDeviceID(stateDir)
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("read device id: %w", err)
	}

	host, _ := os.Hostname()
	return DeviceInfo{
		ID:       id,
		Hostname: host,
		OSArch:   runtime.GOOS + "/" + runtime.GOARCH,
	}, nil
}

func readDeviceID(stateDir string) (string, error) {
	path := filepath.Join(stateDir, DeviceIDFileName)
	b, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(b))
		if _, perr := uuid.Parse(id); perr != nil {
			return "", fmt.Errorf("invalid device id in %s: %w", path, perr)
		}
		return id, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return "", err
	}
	id := uuid.NewString()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(id+"\n"), 0o600); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", err
	}
	return id, nil
}
