package protocol

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

var ErrInvalidResponse = errors.New("invalid response")

const urlPrefix = "http"

// Response is a validated response from the host process.
type Response struct {
	URL string
}

// Decode validates a raw response read from the host process.
func Decode(b []byte) (Response, error) {
	s := strings.TrimSpace(string(b))
	if s == "" {
		return Response{}, fmt.Errorf("%w: empty response", ErrInvalidResponse)
	}
	if !strings.HasPrefix(s, urlPrefix) {
		return Response{}, fmt.Errorf("%w: %q does not start with %q", ErrInvalidResponse, truncate(s, 64), urlPrefix)
	}
	return Response{URL: s}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
