package dexpatch

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"hash/adler32"
)

// UpdateChecksums 重新计算 signature 与 checksum
// 必须先写 SHA-1，因为 Adler-32 的输入范围包含 signature 字段
func UpdateChecksums(dex []byte) {
	if len(dex) < 32 {
		return
	}
	sig := sha1.Sum(dex[32:])
	copy(dex[12:32], sig[:])
	binary.LittleEndian.PutUint32(dex[8:12], adler32.Checksum(dex[12:]))
}

// VerifyChecksums 检查头部中的 signature 与 checksum 是否与内容一致
func VerifyChecksums(dex []byte) bool {
	if len(dex) < 32 {
		return false
	}
	sig := sha1.Sum(dex[32:])
	if !bytes.Equal(sig[:], dex[12:32]) {
		return false
	}
	return binary.LittleEndian.Uint32(dex[8:12]) == adler32.Checksum(dex[12:])
}
