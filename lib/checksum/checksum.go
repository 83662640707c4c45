package checksum

import (
	"crypto/sha256"
	"encoding/hex"
)

// SlotCount is the number of hash slots keys are distributed over.
const SlotCount = 16384

var crc16Table [256]uint16

func init() {
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for j := 0; j < 8; j++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
		crc16Table[i] = crc
	}
}

// CRC16 is the XMODEM variant (poly 0x1021, init 0) used for slot hashing.
func CRC16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc = crc<<8 ^ crc16Table[byte(crc>>8)^b]
	}

	return crc
}

// HashTag returns the part of key that is hashed. When key contains a
// non-empty {tag}, only the tag is used so related keys land on one slot.
func HashTag(key []byte) []byte {
	for i, b := range key {
		if b != '{' {
			continue
		}

		for j := i + 1; j < len(key); j++ {
			if key[j] == '}' {
				if j == i+1 {
					return key
				}
				return key[i+1 : j]
			}
		}

		return key
	}

	return key
}

// Slot computes the hash slot of key.
func Slot(key []byte) int {
	return int(CRC16(HashTag(key)) % SlotCount)
}

// Fingerprint returns the hex sha256 digest of data. Topologies are compared
// by fingerprint to detect two different records claiming the same epoch.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
