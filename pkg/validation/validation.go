package validation

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	// ObjectIDRegex matches upstream object identifiers (channels, terminals).
	ObjectIDRegex = regexp.MustCompile(`^[A-Za-z0-9_.:\-]+$`)

	// StreamIDRegex validates public stream identifiers handed to viewers.
	StreamIDRegex = regexp.MustCompile(`^[A-Za-z0-9_.:\-]+$`)
)

const maxIDLength = 128

// ValidateChannelID validates a camera channel identifier
func ValidateChannelID(guid string) error {
	return validateID(guid, "channel id", ObjectIDRegex)
}

// ValidateTerminalID validates a POS terminal identifier
func ValidateTerminalID(id string) error {
	return validateID(id, "terminal id", ObjectIDRegex)
}

// ValidateStreamID validates stream ID
func ValidateStreamID(streamID string) error {
	return validateID(streamID, "stream id", StreamIDRegex)
}

func validateID(id, field string, re *regexp.Regexp) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%s is required", field)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%s is too long (max %d characters)", field, maxIDLength)
	}
	if !re.MatchString(id) {
		return fmt.Errorf("invalid %s format", field)
	}
	return nil
}

// ValidateMode validates a requested delivery mode.
func ValidateMode(mode string) error {
	switch mode {
	case "", "auto", "video", "screenshot":
		return nil
	}
	return fmt.Errorf("invalid mode %q (must be auto, video or screenshot)", mode)
}
