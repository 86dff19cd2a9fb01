package emit

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"

	"github.com/mr-tron/base58"
)

var templateToken = regexp.MustCompile(`\[(name|ext|hash|contenthash)(?::(\d+))?\]`)

// filename expands an output template for an artifact's content.
// Supported tokens are [name], [ext], [hash], [contenthash] and [hash:N].
func filename(tmpl, name, ext string, content []byte, length int, encoding string) string {
	digest := contentHash(content, encoding)

	return templateToken.ReplaceAllStringFunc(tmpl, func(tok string) string {
		m := templateToken.FindStringSubmatch(tok)
		switch m[1] {
		case "name":
			return name
		case "ext":
			return ext
		}
		n := length
		if m[2] != "" {
			n, _ = strconv.Atoi(m[2])
		}
		if n <= 0 || n > len(digest) {
			n = len(digest)
		}
		return digest[:n]
	})
}

// contentHash returns the sha256 digest of content in the configured encoding.
func contentHash(content []byte, encoding string) string {
	sum := sha256.Sum256(content)
	if encoding == "base58" {
		return base58.Encode(sum[:])
	}
	return hex.EncodeToString(sum[:])
}
