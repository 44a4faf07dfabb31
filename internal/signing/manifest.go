package signing

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

const (
	createdBy   = "1.0 (Android)"
	digestAttr  = "SHA-256-Digest"
	maxLineLen  = 72
	lineBreak   = "\r\n"
	continueSep = "\r\n "
)

// manifestEntry 清单中的一个条目
type manifestEntry struct {
	Name   string
	Digest []byte
}

// writeAttr 写一行属性，超过 72 字节时折行，续行以空格开头
func writeAttr(buf *bytes.Buffer, key, value string) {
	line := key + ": " + value
	limit := maxLineLen
	for len(line) > limit {
		buf.WriteString(line[:limit])
		buf.WriteString(continueSep)
		line = line[limit:]
		limit = maxLineLen - 1
	}
	buf.WriteString(line)
	buf.WriteString(lineBreak)
}

func b64sha256(data []byte) string {
	sum := sha256.Sum256(data)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// buildManifest 生成 MANIFEST.MF，同时返回每个条目节的原始字节供 CERT.SF 计算摘要
func buildManifest(entries []manifestEntry) ([]byte, [][]byte) {
	var buf bytes.Buffer
	writeAttr(&buf, "Manifest-Version", "1.0")
	writeAttr(&buf, "Created-By", createdBy)
	buf.WriteString(lineBreak)

	sections := make([][]byte, 0, len(entries))
	for _, e := range entries {
		var sec bytes.Buffer
		writeAttr(&sec, "Name", e.Name)
		writeAttr(&sec, digestAttr, base64.StdEncoding.EncodeToString(e.Digest))
		sec.WriteString(lineBreak)
		sections = append(sections, sec.Bytes())
		buf.Write(sec.Bytes())
	}
	return buf.Bytes(), sections
}

// buildSignatureFile 生成 CERT.SF
// 不写 X-Android-APK-Signed，否则安装器会要求 v2 签名
func buildSignatureFile(manifest []byte, entries []manifestEntry, sections [][]byte) []byte {
	var buf bytes.Buffer
	writeAttr(&buf, "Signature-Version", "1.0")
	writeAttr(&buf, "Created-By", createdBy)
	writeAttr(&buf, digestAttr+"-Manifest", b64sha256(manifest))
	buf.WriteString(lineBreak)

	for i, e := range entries {
		writeAttr(&buf, "Name", e.Name)
		writeAttr(&buf, digestAttr, b64sha256(sections[i]))
		buf.WriteString(lineBreak)
	}
	return buf.Bytes()
}

// section 解析后的清单节
type section struct {
	attrs map[string]string
	raw   []byte
}

// parseManifest 解析 MANIFEST.MF / *.SF，第一个节为主属性
func parseManifest(data []byte) []section {
	var out []section
	for len(data) > 0 {
		end := bytes.Index(data, []byte(lineBreak+lineBreak))
		var raw []byte
		if end < 0 {
			raw, data = data, nil
		} else {
			raw, data = data[:end+4], data[end+4:]
		}
		text := strings.ReplaceAll(string(raw), continueSep, "")
		sec := section{attrs: make(map[string]string), raw: raw}
		for _, line := range strings.Split(text, lineBreak) {
			k, v, ok := strings.Cut(line, ": ")
			if ok {
				sec.attrs[k] = v
			}
		}
		out = append(out, sec)
	}
	return out
}

// entrySections 跳过主属性节
func entrySections(data []byte) []section {
	secs := parseManifest(data)
	if len(secs) < 2 {
		return nil
	}
	return secs[1:]
}
