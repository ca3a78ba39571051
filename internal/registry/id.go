package registry

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var filenamePattern = regexp.MustCompile(`^([0-9]{14})_(.+)\.([A-Za-z0-9]+)$`)

// MigrationID is the parsed identity of a migration file.
type MigrationID struct {
	Timestamp uint64
	Name      string
}

func (id MigrationID) String() string {
	return fmt.Sprintf("%014d_%s", id.Timestamp, id.Name)
}

// Less orders ids by timestamp, then name.
func (id MigrationID) Less(other MigrationID) bool {
	if id.Timestamp != other.Timestamp {
		return id.Timestamp < other.Timestamp
	}
	return id.Name < other.Name
}

// ParseMigrationID parses "<timestamp>_<name>.<ext>" where ext is one of extensions.
func ParseMigrationID(filename string, extensions ...string) (MigrationID, error) {
	match := filenamePattern.FindStringSubmatch(filename)
	if match == nil || !hasExtension(match[3], extensions) {
		return MigrationID{}, &InvalidFilenameError{Filename: filename, Extensions: extensions}
	}

	ts, err := strconv.ParseUint(match[1], 10, 64)
	if err != nil {
		return MigrationID{}, &InvalidFilenameError{Filename: filename, Extensions: extensions}
	}

	return MigrationID{Timestamp: ts, Name: match[2]}, nil
}

func hasExtension(ext string, extensions []string) bool {
	for _, e := range extensions {
		if strings.TrimPrefix(e, ".") == ext {
			return true
		}
	}
	return false
}
