// Package platform resolves per-OS config and data locations.
package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// DefaultAppName names the config and data directories.
const DefaultAppName = "pkgctl"

// Paths lists every on-disk location the service uses.
type Paths struct {
	ConfigPath   string
	DataDir      string
	DBPath       string
	FeedPath     string
	SolutionPath string
}

// Options adjusts path resolution.
type Options struct {
	AppName string
	DevMode bool
}

// DefaultPaths returns the locations for DefaultAppName.
func DefaultPaths() (Paths, error) {
	return DefaultPathsWithOptions(Options{})
}

// DefaultPathsWithOptions returns locations for the current OS and user.
func DefaultPathsWithOptions(opts Options) (Paths, error) {
	appName := strings.TrimSpace(opts.AppName)
	if appName == "" {
		appName = DefaultAppName
	}
	if opts.DevMode {
		appName += "-dev"
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		return Paths{}, fmt.Errorf("user config dir: %w", err)
	}
	dataDir := configDir
	switch runtime.GOOS {
	case "linux":
		home, err := os.UserHomeDir()
		if err != nil {
			return Paths{}, fmt.Errorf("user home dir: %w", err)
		}
		dataDir = filepath.Join(home, ".local", "share")
	case "windows":
		if v := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); v != "" {
			dataDir = v
		}
	}

	env := make(map[string]string, 4)
	for _, name := range []string{"XDG_CONFIG_HOME", "XDG_DATA_HOME", "APPDATA", "LOCALAPPDATA"} {
		env[name] = os.Getenv(name)
	}
	return PathsFor(runtime.GOOS, env, configDir, dataDir, appName)
}

// PathsFor resolves locations from explicit inputs.
func PathsFor(goos string, env map[string]string, userConfigDir, userDataDir, appName string) (Paths, error) {
	if userConfigDir == "" || userDataDir == "" {
		return Paths{}, errors.New("empty base dirs")
	}
	appName = strings.TrimSpace(appName)
	if appName == "" {
		return Paths{}, errors.New("empty app name")
	}

	configBase, dataBase := userConfigDir, userDataDir
	override := func(dst *string, name string) {
		if v := strings.TrimSpace(env[name]); v != "" {
			*dst = v
		}
	}
	switch goos {
	case "linux":
		override(&configBase, "XDG_CONFIG_HOME")
		override(&dataBase, "XDG_DATA_HOME")
	case "windows":
		override(&configBase, "APPDATA")
		override(&dataBase, "LOCALAPPDATA")
	}

	appConfigDir := filepath.Join(configBase, appName)
	appDataDir := filepath.Join(dataBase, appName)
	return Paths{
		ConfigPath:   filepath.Join(appConfigDir, "config.toml"),
		DataDir:      appDataDir,
		DBPath:       filepath.Join(appDataDir, appName+".db"),
		FeedPath:     filepath.Join(appConfigDir, "feed.yaml"),
		SolutionPath: filepath.Join(appConfigDir, "solution.yaml"),
	}, nil
}
