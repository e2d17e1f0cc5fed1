package tokens

import (
	"encoding/base64"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/esse/crm/internal/common"
)

const separator = ":"

// EncodeRaw builds the credential handed to clients: base64(tokenID:secret).
func EncodeRaw(tokenID, secret string) string {
	return base64.StdEncoding.EncodeToString([]byte(tokenID + separator + secret))
}

// DecodeRaw splits a client credential back into token id and secret.
// Anything that does not decode to exactly two non-empty parts of printable
// UTF-8 is common.ErrMalformedToken. Such bytes would otherwise reach the
// ledger's TEXT columns and fail there as an internal error.
func DecodeRaw(raw string) (tokenID, secret string, err error) {
	b, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return "", "", common.ErrMalformedToken
	}

	parts := strings.Split(string(b), separator)
	if len(parts) != 2 || !printable(parts[0]) || !printable(parts[1]) {
		return "", "", common.ErrMalformedToken
	}
	return parts[0], parts[1], nil
}

func printable(part string) bool {
	return part != "" && utf8.ValidString(part) && strings.IndexFunc(part, unicode.IsControl) < 0
}
