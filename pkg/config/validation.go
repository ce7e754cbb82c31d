package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validate checks the configuration against the struct-tag rules plus
// the cross-field constraints the tags cannot express.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return err
	}

	if cfg.Admin.Enabled {
		if len(cfg.Admin.JWTSecret) < 32 {
			return fmt.Errorf("admin.jwt_secret must be at least 32 characters when the admin surface is enabled")
		}
		if cfg.Admin.PasswordHash == "" {
			return fmt.Errorf("admin.password_hash is required when the admin surface is enabled")
		}
	}

	if cfg.Database.Type == DatabasePostgres {
		pg := cfg.Database.Postgres
		if pg.Host == "" || pg.Database == "" || pg.User == "" {
			return fmt.Errorf("database.postgres needs host, database, and user")
		}
	}
	if (cfg.Database.Type == DatabaseBadger || cfg.Database.Type == DatabaseSQLite) && cfg.Database.Path == "" {
		return fmt.Errorf("database.path is required for the %s backend", cfg.Database.Type)
	}

	if _, ok := cfg.LRS.Families[cfg.Store.Family]; !ok {
		return fmt.Errorf("store.family %q has no lrs.families entry", cfg.Store.Family)
	}
	return nil
}
