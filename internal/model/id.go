package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

type IDType string

const (
	IDTypeRun           IDType = "run"
	IDTypeClarification IDType = "clr"
	IDTypeSession       IDType = "ses"
)

var validIDTypes = map[IDType]bool{
	IDTypeRun:           true,
	IDTypeClarification: true,
	IDTypeSession:       true,
}

var idRegex = regexp.MustCompile(`^(run|clr|ses)_[0-9]{10}_[0-9a-f]{8}$`)

// GenerateID produces a sortable, collision-resistant identifier of the form
// <type>_<unix ts>_<4 random bytes hex>.
func GenerateID(idType IDType) (string, error) {
	if !validIDTypes[idType] {
		return "", fmt.Errorf("invalid ID type: %s", idType)
	}

	timestamp := time.Now().Unix()
	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	return fmt.Sprintf("%s_%010d_%s", idType, timestamp, hex.EncodeToString(randomBytes)), nil
}

// ValidateID reports whether id matches the factoryd identifier format.
func ValidateID(id string) bool {
	return idRegex.MatchString(id)
}

// ParseIDTimestamp extracts the creation time embedded in an identifier.
func ParseIDTimestamp(id string) (time.Time, error) {
	if !ValidateID(id) {
		return time.Time{}, fmt.Errorf("invalid ID format: %s", id)
	}
	tsStr := id[len(id)-19 : len(id)-9]
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp from ID %s: %w", id, err)
	}
	return time.Unix(ts, 0), nil
}
