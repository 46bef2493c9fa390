package internal

import (
	"fmt"
	"strings"
)

var (
	commitVersion string = "v0.3.0" // May be updated using build flags
	commitDate    string            // commitDate in Epoch seconds (may be overridden using build flags)
)

// GetVersion returns the version of the streamsync module.
func GetVersion() string {
	seconds := strings.TrimSpace(commitDate)
	if seconds == "" {
		return commitVersion
	}
	return fmt.Sprintf("%s, date: %s", commitVersion, seconds)
}
