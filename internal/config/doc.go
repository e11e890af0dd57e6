// Package config provides the gateway configuration model and its loading.
//
// Configuration is YAML with ${VAR:-default} environment substitution,
// decoded on top of DefaultConfig so a file only has to name what it
// changes. ValidateConfig reports every problem at once. Watcher reloads
// the file on change with a debounce, and the gateway applies the
// hot-reloadable sections (whitelist, open-API prefixes, rate-limit rules
// and log level) without a restart.
//
//	cfg, err := config.LoadConfig("configs/gateway.yaml")
//	if err != nil {
//	    return err
//	}
//	if err := config.ValidateConfig(cfg); err != nil {
//	    return err
//	}
package config
