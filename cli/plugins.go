package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/toolsmith-hq/toolsmith/catalog"
	"github.com/toolsmith-hq/toolsmith/loader"
	"github.com/toolsmith-hq/toolsmith/server"
)

// pluginDir resolves a plugin name against the configured root,
// requiring the directory to exist.
func pluginDir(cfg *server.Config, name string) (string, error) {
	if err := catalog.CheckPluginName(name); err != nil {
		return "", err
	}
	dir := filepath.Join(cfg.PluginRoot, name)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return "", fmt.Errorf("plugin %q not found under %s", name, cfg.PluginRoot)
	}
	return dir, nil
}

func pluginDirs(cfg *server.Config) ([]string, error) {
	return loader.PluginDirs(cfg.PluginRoot)
}
