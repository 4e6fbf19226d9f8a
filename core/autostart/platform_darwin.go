//go:build darwin

package autostart

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sealog-dev/sealog/core/fsx"
)

type launchdPlatform struct{}

func newPlatform() Platform {
	return launchdPlatform{}
}

func (launchdPlatform) plistPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist"), nil
}

func (p launchdPlatform) Install(entry Entry) error {
	path, err := p.plistPath()
	if err != nil {
		return err
	}
	if err := fsx.WriteFileAtomic(path, []byte(launchdPlist(entry)), 0o644); err != nil {
		return fmt.Errorf("write launch agent: %w", err)
	}
	return nil
}

func (p launchdPlatform) Remove() error {
	path, err := p.plistPath()
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove launch agent: %w", err)
	}
	return nil
}

func (p launchdPlatform) IsInstalled() (bool, error) {
	path, err := p.plistPath()
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
