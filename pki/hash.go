package pki

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
)

// CAHash computes the OpenSSL subject hash of a DER-encoded distinguished
// name, the 8-hex-digit value trust directories use to name CA files
// (<hash>.0) and CRLs (<hash>.r0).
func CAHash(rawDN []byte) string {
	sum := md5.Sum(rawDN)
	return fmt.Sprintf("%08x", binary.LittleEndian.Uint32(sum[:4]))
}
