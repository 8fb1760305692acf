package db

import (
	"fmt"
	"strconv"
	"strings"
)

// RunMigrateAction performs one schema maintenance action against the store
// at path and returns a human-readable result. The store is opened without
// applying migrations so a dirty version state can be inspected and repaired.
// Actions:
//
//	up        apply all pending migrations
//	down      roll back the most recent migration
//	version   print the current version and dirty state
//	force <n> force the recorded version to n (dirty-state recovery only)
func RunMigrateAction(path, action, arg string) (string, error) {
	db, err := OpenWithoutMigrations(path)
	if err != nil {
		return "", err
	}
	defer db.Close()

	switch strings.ToLower(action) {
	case "up":
		if err := db.MigrateUp(); err != nil {
			return "", err
		}
	case "down":
		if err := db.MigrateDown(); err != nil {
			return "", err
		}
	case "version":
		// fall through to the version report below
	case "force":
		n, err := strconv.Atoi(arg)
		if err != nil {
			return "", fmt.Errorf("db: force needs a version number, got %q", arg)
		}
		if err := db.MigrateForce(n); err != nil {
			return "", err
		}
	default:
		return "", fmt.Errorf("db: unknown migrate action %q (want up, down, version, or force)", action)
	}

	version, dirty, err := db.MigrateVersion()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("schema version %d (dirty: %v)", version, dirty), nil
}
