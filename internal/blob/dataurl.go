package blob

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

var dataURLPrefix = []byte("data:")

// isDataURL reports whether payload is an inline data URL.
func isDataURL(payload []byte) bool {
	return len(payload) >= len(dataURLPrefix) && bytes.EqualFold(payload[:len(dataURLPrefix)], dataURLPrefix)
}

// decodeDataURL parses data:[<mediatype>][;base64],<data>.
func decodeDataURL(s string) (data []byte, mediaType string, err error) {
	rest := s[len(dataURLPrefix):]
	header, body, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, "", fmt.Errorf("data URL has no payload separator")
	}

	isBase64 := false
	for i, part := range strings.Split(header, ";") {
		switch {
		case i == 0:
			mediaType = strings.TrimSpace(part)
		case strings.EqualFold(strings.TrimSpace(part), "base64"):
			isBase64 = true
		}
	}
	if mediaType == "" {
		mediaType = "text/plain"
	}

	if isBase64 {
		data, err = decodeBase64(body)
		if err != nil {
			return nil, "", fmt.Errorf("decode data URL payload: %w", err)
		}
		return data, mediaType, nil
	}
	text, err := url.PathUnescape(body)
	if err != nil {
		return nil, "", fmt.Errorf("decode data URL payload: %w", err)
	}
	return []byte(text), mediaType, nil
}

// decodeBase64 accepts padded and unpadded standard or URL-safe encodings.
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	var firstErr error
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		data, err := enc.DecodeString(s)
		if err == nil {
			return data, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}
