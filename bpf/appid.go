package bpf

import (
	"fmt"

	"golang.org/x/text/encoding/unicode"
)

// Application identities arrive as UTF-16LE paths, without a terminator.
var appIDEncoding = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// DecodeAppID converts an application identity span to a string.
func DecodeAppID(b []byte) (string, error) {
	s, err := appIDEncoding.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("failed to decode app id: %w", err)
	}

	return string(s), nil
}

// EncodeAppID converts a path to the application identity encoding.
func EncodeAppID(s string) ([]byte, error) {
	b, err := appIDEncoding.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("failed to encode app id: %w", err)
	}

	return b, nil
}
