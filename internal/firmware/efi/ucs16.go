package efi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf16"

	"golang.org/x/text/encoding/unicode"
)

var ucs16 = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

var (
	// ErrOddLength is returned when a UCS-2 buffer is not a whole number of code units.
	ErrOddLength = errors.New("ucs-2 buffer has odd length")
	// ErrInvalidName is returned for a variable name holding an interior NUL
	// or an unpaired surrogate.
	ErrInvalidName = errors.New("invalid variable name")
)

// FindUCS16NullTerminator returns the byte offset of the first NUL code unit,
// or the length of b rounded down to a code unit boundary when there is none.
func FindUCS16NullTerminator(b []byte) int {
	n := len(b) &^ 1
	for i := 0; i < n; i += 2 {
		if b[i] == 0 && b[i+1] == 0 {
			return i
		}
	}
	return n
}

// UTF8ToUCS16 encodes s as little-endian UCS-2 with a trailing NUL. The
// encoding stops at the first NUL in s.
func UTF8ToUCS16(s string) []byte {
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			s = s[:i]
			break
		}
	}
	out, err := ucs16.NewEncoder().String(s)
	if err != nil {
		// invalid UTF-8 is replaced, so the encoder does not fail in practice
		out = ""
	}
	return append([]byte(out), 0, 0)
}

// UCS16ToUTF8 decodes little-endian UCS-2 up to the first NUL. A trailing
// odd byte is ignored.
func UCS16ToUTF8(b []byte) string {
	s, _ := DecodeUCS16(b[:len(b)&^1])
	return s
}

// DecodeUCS16 is the strict form of UCS16ToUTF8: it rejects odd-length input.
func DecodeUCS16(b []byte) (string, error) {
	if len(b)%2 != 0 {
		return "", fmt.Errorf("%w: %d bytes", ErrOddLength, len(b))
	}
	end := FindUCS16NullTerminator(b)
	out, err := ucs16.NewDecoder().Bytes(b[:end])
	if err != nil {
		return "", fmt.Errorf("decoding ucs-2: %w", err)
	}
	return string(out), nil
}

// DecodeUCS16Name decodes a variable name stored as little-endian UCS-2. A
// NUL is only allowed as the last code unit. Interior NULs and unpaired
// surrogates are rejected instead of being truncated or replaced, so two
// distinct names never decode to the same string.
func DecodeUCS16Name(b []byte) (string, error) {
	if len(b)%2 != 0 {
		return "", fmt.Errorf("%w: %d bytes", ErrOddLength, len(b))
	}
	n := len(b) / 2
	if n > 0 && binary.LittleEndian.Uint16(b[len(b)-2:]) == 0 {
		n--
	}
	for i := 0; i < n; i++ {
		u := binary.LittleEndian.Uint16(b[2*i:])
		switch {
		case u == 0:
			return "", fmt.Errorf("%w: NUL at code unit %d", ErrInvalidName, i)
		case !utf16.IsSurrogate(rune(u)):
		case u < 0xdc00 && i+1 < n && isLowSurrogate(binary.LittleEndian.Uint16(b[2*i+2:])):
			i++
		default:
			return "", fmt.Errorf("%w: unpaired surrogate %#04x at code unit %d", ErrInvalidName, u, i)
		}
	}
	out, err := ucs16.NewDecoder().Bytes(b[:2*n])
	if err != nil {
		return "", fmt.Errorf("decoding ucs-2: %w", err)
	}
	return string(out), nil
}

func isLowSurrogate(u uint16) bool {
	return u >= 0xdc00 && u <= 0xdfff
}

// UCS16Size returns the encoded size of s in bytes, terminator included.
func UCS16Size(s string) int {
	return len(UTF8ToUCS16(s))
}
