// Package avatar derives user avatar URLs from e-mail addresses.
package avatar

import (
	"crypto/md5" //nolint:gosec // the Gravatar protocol keys avatars by MD5
	"encoding/hex"
	"strings"
)

const gravatarURL = "https://www.gravatar.com/avatar/"

// URL returns the Gravatar URL for email: a 512 pixel image that falls back
// to a generated identicon.
func URL(email string) string {
	sum := md5.Sum([]byte(strings.ToLower(strings.TrimSpace(email)))) //nolint:gosec
	return gravatarURL + hex.EncodeToString(sum[:]) + "?s=512&d=identicon"
}
