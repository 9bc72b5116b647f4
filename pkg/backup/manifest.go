package backup

import (
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
)

// SchemaVersion is the manifest schema written by this build. Restore
// accepts manifests from the same major line that are not newer than this.
const SchemaVersion = "1.1.0"

// Item is one file captured in a backup.
type Item struct {
	Name   string `json:"name"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// Manifest describes one backup: what was captured and under which schema.
type Manifest struct {
	BackupID      string    `json:"backupId"`
	SchemaVersion string    `json:"schemaVersion"`
	CreatedAt     time.Time `json:"createdAt"`
	Items         []Item    `json:"items"`
}

// CheckCompatible reports whether a manifest written under version can be
// restored by this build.
func CheckCompatible(version string) error {
	current := semver.MustParse(SchemaVersion)
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("backup: bad manifest schema version %q: %w", version, err)
	}
	if v.Major() != current.Major() {
		return fmt.Errorf("backup: manifest schema %s is incompatible with %s (major mismatch)", version, SchemaVersion)
	}
	if v.GreaterThan(current) {
		return fmt.Errorf("backup: manifest schema %s is newer than supported %s", version, SchemaVersion)
	}
	return nil
}
