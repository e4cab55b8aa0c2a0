// Package config provides application configuration management.
//
// The config package handles loading and validation of the application's
// configuration from YAML files and SANDBOXD_* environment variables. It
// covers server settings, per-tier isolation and pool sizes, scheduler and
// submission tuning, result retention, and language images.
//
// Usage:
//
//	cfg, err := config.Load("/etc/sandboxd/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("High tier pool: %d\n", cfg.Tiers["high"].PoolSize)
package config
