package apn

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// TokenSize is the length in bytes of a binary device token.
const TokenSize = 32

// ValidToken reports whether text is a 64 character hex device token.
func ValidToken(text string) bool {
	if len(text) != 2*TokenSize {
		return false
	}
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case '0' <= c && c <= '9', 'a' <= c && c <= 'f', 'A' <= c && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// CanonicalToken returns the lowercase form of a device token.
func CanonicalToken(text string) string {
	return strings.ToLower(text)
}

// TokenToBinary converts a hex device token into its 32 byte wire form.
func TokenToBinary(text string) ([]byte, error) {
	if !ValidToken(text) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidToken, text)
	}
	return hex.DecodeString(text)
}

// TokenFromBinary converts a binary device token into lowercase hex.
func TokenFromBinary(b []byte) string {
	return hex.EncodeToString(b)
}
