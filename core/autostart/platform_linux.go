//go:build linux

package autostart

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/sealog-dev/sealog/core/fsx"
)

type systemdPlatform struct{}

func newPlatform() Platform {
	return systemdPlatform{}
}

func (systemdPlatform) unitPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "systemd", "user", systemdUnitName), nil
}

func (p systemdPlatform) Install(entry Entry) error {
	path, err := p.unitPath()
	if err != nil {
		return err
	}
	if err := fsx.WriteFileAtomic(path, []byte(systemdUnit(entry)), 0o644); err != nil {
		return fmt.Errorf("write systemd unit: %w", err)
	}
	// systemctl may be absent (containers, non-systemd distros); the
	// unit file alone is still a valid installation.
	_ = exec.Command("systemctl", "--user", "daemon-reload").Run()
	_ = exec.Command("systemctl", "--user", "enable", systemdUnitName).Run()
	return nil
}

func (p systemdPlatform) Remove() error {
	path, err := p.unitPath()
	if err != nil {
		return err
	}
	_ = exec.Command("systemctl", "--user", "disable", systemdUnitName).Run()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove systemd unit: %w", err)
	}
	_ = exec.Command("systemctl", "--user", "daemon-reload").Run()
	return nil
}

func (p systemdPlatform) IsInstalled() (bool, error) {
	path, err := p.unitPath()
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
