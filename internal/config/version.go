package config

import "fmt"

// CurrentVersion is the configuration file version this build reads. A file
// without a version is read as the current version.
const CurrentVersion = 1

// VersionError reports a configuration file this build cannot read.
type VersionError struct {
	Version int
	Current int
	Newer   bool
}

func (e *VersionError) Error() string {
	if e == nil {
		return ""
	}
	if e.Newer {
		return fmt.Sprintf("config version %d is newer than this build (current: %d); upgrade househunt to continue", e.Version, e.Current)
	}
	return fmt.Sprintf("config version %d is not supported (current: %d)", e.Version, e.Current)
}

// ValidateVersion ensures the config version is one this build reads.
func ValidateVersion(version int) error {
	switch {
	case version > CurrentVersion:
		return &VersionError{Version: version, Current: CurrentVersion, Newer: true}
	case version < 0 || (version > 0 && version < CurrentVersion):
		return &VersionError{Version: version, Current: CurrentVersion}
	default:
		return nil
	}
}
