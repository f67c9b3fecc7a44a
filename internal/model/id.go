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
	IDTypeItem   IDType = "wi"
	IDTypeConvoy IDType = "cv"
	IDTypeEntry  IDType = "mq"
)

var validIDTypes = map[IDType]bool{
	IDTypeItem:   true,
	IDTypeConvoy: true,
	IDTypeEntry:  true,
}

var idRegex = regexp.MustCompile(`^(wi|cv|mq)_[0-9]{10}_[0-9a-f]{8}$`)

// GenerateID returns a typed identifier of the form
// <type>_<unix seconds>_<4 random bytes hex>. The timestamp prefix makes ids
// roughly sortable by creation time, which the readiness order relies on as
// a tiebreak of last resort.
func GenerateID(idType IDType) (string, error) {
	if !validIDTypes[idType] {
		return "", fmt.Errorf("invalid ID type: %s", idType)
	}

	timestamp := time.Now().Unix()
	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	hexStr := hex.EncodeToString(randomBytes)

	return fmt.Sprintf("%s_%010d_%s", idType, timestamp, hexStr), nil
}

func ValidateID(id string) bool {
	return idRegex.MatchString(id)
}

func ParseIDType(id string) (IDType, error) {
	if !ValidateID(id) {
		return "", fmt.Errorf("invalid ID format: %s", id)
	}
	match := idRegex.FindStringSubmatch(id)
	return IDType(match[1]), nil
}

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

// WorkerID returns the stable slot identifier for slot index i.
// Worker ids are not random: a reclaimed slot keeps its identity.
func WorkerID(i int) string {
	return fmt.Sprintf("wk_%d", i)
}
