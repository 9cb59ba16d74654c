package helper

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"

	"github.com/oklog/ulid"
)

// GenerateRequestID returns a lexicographically sortable unique identifier
// for a proxy delegation request.
func GenerateRequestID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// GenerateSerial returns a positive random serial number suitable for an
// issued certificate.
func GenerateSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, limit)
}

// GenerateRandomString generates a cryptographically secure random string
func GenerateRandomString(length int) string {
	bytes := make([]byte, length)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)[:length]
}
