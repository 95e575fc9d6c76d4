// Package migrate applies the versioned, forward-only SQL units under
// migrations/ against queue_store, checksumming each one so a unit
// edited after it was applied is caught rather than silently skipped.
// Applied versions are tracked in schema_version and each unit runs
// inside its own transaction.
package migrate

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/gorax/flowqueue/internal/errs"
	"github.com/gorax/flowqueue/internal/store"
)

var filenamePattern = regexp.MustCompile(`^V(\d+)__(.+)\.sql$`)

// Unit is one parsed migration file: Vxxx__description.sql.
type Unit struct {
	Version     int
	Description string
	Filename    string
	SQL         string
	Checksum    string
}

// Report is a store's migration state: the highest successfully
// applied version, the versions still pending in apply order, and the
// applied units themselves.
type Report struct {
	CurrentVersion  int
	PendingVersions []int
	Applied         []Unit
}

// Load reads and orders every migration unit in dir by version.
func Load(dir string) ([]Unit, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: reading migrations dir: %v", errs.ErrMigrationFailed, err)
	}

	units := make([]Unit, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := filenamePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(m[1], "%d", &version); err != nil {
			return nil, fmt.Errorf("%w: bad version in %s: %v", errs.ErrMigrationFailed, entry.Name(), err)
		}

		content, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("%w: reading %s: %v", errs.ErrMigrationFailed, entry.Name(), err)
		}

		units = append(units, Unit{
			Version:     version,
			Description: m[2],
			Filename:    entry.Name(),
			SQL:         string(content),
			Checksum:    checksum(content),
		})
	}

	sort.Slice(units, func(i, j int) bool { return units[i].Version < units[j].Version })

	for i := 1; i < len(units); i++ {
		if units[i].Version == units[i-1].Version {
			return nil, fmt.Errorf("%w: duplicate version %d (%s, %s)", errs.ErrMigrationFailed,
				units[i].Version, units[i-1].Filename, units[i].Filename)
		}
	}

	return units, nil
}

func checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

const bootstrapDDL = `
CREATE TABLE IF NOT EXISTS schema_version (
	version     TEXT PRIMARY KEY,
	description TEXT,
	checksum    TEXT,
	applied_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	success     BOOLEAN NOT NULL DEFAULT true
)`

// Runner applies migration units against a single *sql.DB, tracking
// applied state in schema_version. Only queue_store accepts
// migrations; pointing the runner at any other named store fails with
// ErrReadOnlyStore before anything is touched.
type Runner struct {
	db     *sql.DB
	target store.Name
}

func NewRunner(db *sql.DB, target store.Name) *Runner {
	return &Runner{db: db, target: target}
}

func (r *Runner) guardTarget() error {
	if r.target != store.QueueStore {
		return fmt.Errorf("%w: migrations may only run against queue_store, not %s", errs.ErrReadOnlyStore, r.target)
	}
	return nil
}

func (r *Runner) bootstrap() error {
	if _, err := r.db.Exec(bootstrapDDL); err != nil {
		return fmt.Errorf("%w: bootstrapping schema_version: %v", errs.ErrMigrationFailed, err)
	}
	return nil
}

func (r *Runner) applied() (map[int]string, error) {
	rows, err := r.db.Query("SELECT version, checksum FROM schema_version WHERE success")
	if err != nil {
		return nil, fmt.Errorf("%w: reading schema_version: %v", errs.ErrMigrationFailed, err)
	}
	defer rows.Close()

	out := make(map[int]string)
	for rows.Next() {
		var versionStr, sum string
		if err := rows.Scan(&versionStr, &sum); err != nil {
			return nil, fmt.Errorf("%w: scanning schema_version: %v", errs.ErrMigrationFailed, err)
		}
		var version int
		if _, err := fmt.Sscanf(versionStr, "%d", &version); err != nil {
			return nil, fmt.Errorf("%w: non-numeric version %q in schema_version: %v", errs.ErrMigrationFailed, versionStr, err)
		}
		out[version] = sum
	}
	return out, rows.Err()
}

// Up applies every pending unit in units, in order, inside its own
// transaction. A unit whose checksum does not match what was recorded
// for an already-applied version is reported as
// errs.ErrMigrationChecksumMismatch and the run stops there.
func (r *Runner) Up(units []Unit) error {
	if err := r.guardTarget(); err != nil {
		return err
	}
	if err := r.bootstrap(); err != nil {
		return err
	}

	applied, err := r.applied()
	if err != nil {
		return err
	}

	for _, u := range units {
		if recordedSum, ok := applied[u.Version]; ok {
			if recordedSum != u.Checksum {
				return fmt.Errorf("%w: version %d (%s) was applied with checksum %s but now hashes to %s",
					errs.ErrMigrationChecksumMismatch, u.Version, u.Filename, recordedSum, u.Checksum)
			}
			continue
		}

		if err := r.applyOne(u); err != nil {
			return err
		}
	}

	return nil
}

func (r *Runner) applyOne(u Unit) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: beginning transaction for %s: %v", errs.ErrMigrationFailed, u.Filename, err)
	}

	if _, err := tx.Exec(u.SQL); err != nil {
		tx.Rollback()
		return fmt.Errorf("%w: applying %s: %v", errs.ErrMigrationFailed, u.Filename, err)
	}

	if _, err := tx.Exec(
		"INSERT INTO schema_version (version, description, checksum, success) VALUES ($1, $2, $3, true)",
		fmt.Sprintf("%d", u.Version), u.Description, u.Checksum,
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("%w: recording %s: %v", errs.ErrMigrationFailed, u.Filename, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing %s: %v", errs.ErrMigrationFailed, u.Filename, err)
	}

	return nil
}

// Status reports the store's migration state: current version,
// pending versions, and applied units. It applies no unit; its only
// write is creating the schema_version table when it does not exist.
func (r *Runner) Status(units []Unit) (*Report, error) {
	if err := r.guardTarget(); err != nil {
		return nil, err
	}
	if err := r.bootstrap(); err != nil {
		return nil, err
	}

	applied, err := r.applied()
	if err != nil {
		return nil, err
	}

	rep := &Report{}
	for _, u := range units {
		if _, ok := applied[u.Version]; ok {
			rep.Applied = append(rep.Applied, u)
			if u.Version > rep.CurrentVersion {
				rep.CurrentVersion = u.Version
			}
		} else {
			rep.PendingVersions = append(rep.PendingVersions, u.Version)
		}
	}
	return rep, nil
}
