package cache

import (
	"strings"
	"unicode/utf8"

	"github.com/opencontainers/go-digest"
)

const (
	maxPrefixBytes = 160
	hashSuffixLen  = 16
	hashSeparator  = '~'
	unsafeReplace  = '!'
)

var windowsReserved = map[string]struct{}{
	"CON": {}, "PRN": {}, "AUX": {}, "NUL": {},
	"COM1": {}, "COM2": {}, "COM3": {}, "COM4": {}, "COM5": {}, "COM6": {}, "COM7": {}, "COM8": {}, "COM9": {},
	"LPT1": {}, "LPT2": {}, "LPT3": {}, "LPT4": {}, "LPT5": {}, "LPT6": {}, "LPT7": {}, "LPT8": {}, "LPT9": {},
}

// EncodeKey 将任意缓存键映射为单段、跨平台合法的文件名前缀。
//
// 安全字符组成的键原样返回（"booya" → "booya"）。只要发生替换、裁剪或截断，
// 就在末尾追加 "~" + sha256(key) 的前 16 个十六进制字符。"~" 本身属于需替换的字符，
// 因此原样返回的前缀与带摘要的前缀不会互相碰撞。
func EncodeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	lossy := false

	for _, r := range key {
		if isUnsafeRune(r) {
			b.WriteRune(unsafeReplace)
			lossy = true
			continue
		}
		b.WriteRune(r)
	}
	name := b.String()

	// 前导点会生成隐藏文件，且与 .pending- 临时文件共享命名空间。
	if trimmed := strings.TrimLeft(name, "."); trimmed != name {
		name = trimmed
		lossy = true
	}
	if trimmed := strings.TrimRight(name, ". "); trimmed != name {
		name = trimmed
		lossy = true
	}
	if isWindowsReserved(name) {
		lossy = true
	}
	if len(name) > maxPrefixBytes {
		name = truncateUTF8(name, maxPrefixBytes)
		lossy = true
	}
	if name == "" {
		lossy = true
	}

	if !lossy {
		return name
	}
	return name + string(hashSeparator) + digest.FromString(key).Encoded()[:hashSuffixLen]
}

func isUnsafeRune(r rune) bool {
	if r < 0x20 || r == 0x7f || r == utf8.RuneError {
		return true
	}
	switch r {
	case '/', '\\', '<', '>', ':', '"', '|', '?', '*', hashSeparator:
		return true
	}
	return false
}

func isWindowsReserved(name string) bool {
	base := name
	if idx := strings.IndexByte(base, '.'); idx >= 0 {
		base = base[:idx]
	}
	_, reserved := windowsReserved[strings.ToUpper(base)]
	return reserved
}

func truncateUTF8(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
