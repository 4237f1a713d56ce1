package util

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"

	"github.com/google/uuid"
)

// Namespace scopes every fingerprint produced by this module
var Namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/jpfielding/jpeg2k.go"))

// Md5ThenHex is a quick hasher
func Md5ThenHex(value []byte) string {
	sum := md5.Sum(value)
	return hex.EncodeToString(sum[:])
}

// Fingerprint returns a name-based UUID of raw bytes, e.g. a codestream
func Fingerprint(data []byte) uuid.UUID {
	return uuid.NewMD5(Namespace, data)
}

// SamplesFingerprint returns a name-based UUID over sample planes. Two
// decodes that reconstruct the same samples share a fingerprint whatever
// container or layout they came from.
func SamplesFingerprint(planes ...[]int32) uuid.UUID {
	n := 0
	for _, p := range planes {
		n += 4 + 4*len(p)
	}
	buf := make([]byte, 0, n)
	for _, p := range planes {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(p)))
		for _, v := range p {
			buf = binary.BigEndian.AppendUint32(buf, uint32(v))
		}
	}
	return Fingerprint(buf)
}

// HashUUID fingerprints the JSON form of value, "" when it cannot be marshaled
func HashUUID(value any) string {
	raw, err := json.Marshal(value)
	if err != nil {
		return ""
	}
	return Fingerprint(raw).String()
}
