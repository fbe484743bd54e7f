package engine

import (
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// IsMagnet reports whether the source string is a magnet-style URI rather
// than a path to a local descriptor file.
func IsMagnet(source string) bool {
	return strings.HasPrefix(source, "magnet:")
}

// InfoHashFromMagnet extracts the btih info hash from a magnet URI as a
// lowercase hex string. Both hex and base32 encoded hashes are accepted.
func InfoHashFromMagnet(uri string) (string, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "magnet" {
		return "", fmt.Errorf("invalid magnet URI scheme")
	}
	values, err := url.ParseQuery(parsed.RawQuery)
	if err != nil {
		return "", err
	}

	for _, xt := range values["xt"] {
		if !strings.HasPrefix(strings.ToLower(xt), "urn:btih:") {
			continue
		}
		hash := strings.TrimSpace(xt[len("urn:btih:"):])
		if len(hash) == 0 {
			continue
		}
		if len(hash) == 40 {
			if _, err := hex.DecodeString(hash); err == nil {
				return strings.ToLower(hash), nil
			}
		}

		encoding := base32.StdEncoding.WithPadding(base32.NoPadding)
		base32Value := strings.TrimRight(strings.ToUpper(hash), "=")
		decoded, err := encoding.DecodeString(base32Value)
		if err != nil || len(decoded) != 20 {
			continue
		}
		return hex.EncodeToString(decoded), nil
	}

	return "", fmt.Errorf("btih magnet xt not present")
}
