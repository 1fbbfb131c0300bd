// Package crc implements the two integrity codes of the M-Bus family: the
// 8-bit additive checksum of wired frames and the CRC-16/EN-13757 of wireless
// blocks.
package crc

import (
	"encoding/binary"

	"github.com/sigurn/crc16"
)

// Size is the length of a transmitted wireless CRC.
const Size = 2

var table = crc16.MakeTable(crc16.CRC16_EN_13757)

// Checksum returns the wired-frame checksum: the arithmetic sum of b modulo 256.
func Checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return sum
}

// CRC16 returns the EN 13757 CRC of b (poly 0x3D65, init 0x0000, final
// value complemented).
func CRC16(b []byte) uint16 {
	return crc16.Checksum(b, table)
}

// AppendCRC appends the CRC of block to dst, most significant byte first.
func AppendCRC(dst, block []byte) []byte {
	return binary.BigEndian.AppendUint16(dst, CRC16(block))
}

// VerifyBlock reports whether the trailing two bytes of block are the CRC of
// the bytes before them.
func VerifyBlock(block []byte) bool {
	if len(block) < Size {
		return false
	}
	n := len(block) - Size
	return binary.BigEndian.Uint16(block[n:]) == CRC16(block[:n])
}
