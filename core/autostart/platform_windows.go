//go:build windows

package autostart

import (
	"fmt"

	"golang.org/x/sys/windows/registry"
)

const runKeyPath = `Software\Microsoft\Windows\CurrentVersion\Run`

type registryPlatform struct{}

func newPlatform() Platform {
	return registryPlatform{}
}

func (registryPlatform) Install(entry Entry) error {
	key, _, err := registry.CreateKey(registry.CURRENT_USER, runKeyPath, registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("open run key: %w", err)
	}
	defer func() {
		_ = key.Close()
	}()
	if err := key.SetStringValue(windowsRunValue, windowsRunCommand(entry)); err != nil {
		return fmt.Errorf("set run value: %w", err)
	}
	return nil
}

func (registryPlatform) Remove() error {
	key, err := registry.OpenKey(registry.CURRENT_USER, runKeyPath, registry.SET_VALUE)
	if err != nil {
		if err == registry.ErrNotExist {
			return nil
		}
		return fmt.Errorf("open run key: %w", err)
	}
	defer func() {
		_ = key.Close()
	}()
	if err := key.DeleteValue(windowsRunValue); err != nil && err != registry.ErrNotExist {
		return fmt.Errorf("delete run value: %w", err)
	}
	return nil
}

func (registryPlatform) IsInstalled() (bool, error) {
	key, err := registry.OpenKey(registry.CURRENT_USER, runKeyPath, registry.QUERY_VALUE)
	if err != nil {
		if err == registry.ErrNotExist {
			return false, nil
		}
		return false, fmt.Errorf("open run key: %w", err)
	}
	defer func() {
		_ = key.Close()
	}()
	if _, _, err := key.GetStringValue(windowsRunValue); err != nil {
		if err == registry.ErrNotExist {
			return false, nil
		}
		return false, fmt.Errorf("read run value: %w", err)
	}
	return true, nil
}
