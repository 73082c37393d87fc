// Package keys computes the content fingerprints used as cache keys.
package keys

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Width is the length of every key in hex digits.
const Width = 16

func format(sum uint64) string {
	return fmt.Sprintf("%016x", sum)
}

func Bytes(b []byte) string {
	return format(xxhash.Sum64(b))
}

func String(s string) string {
	return format(xxhash.Sum64String(s))
}

// Reader hashes everything r yields.
func Reader(r io.Reader) (string, error) {
	d := xxhash.New()
	if _, err := io.Copy(d, r); err != nil {
		return "", fmt.Errorf("hash stream: %w", err)
	}
	return format(d.Sum64()), nil
}

// File fingerprints the whole content of the file at path. A read failure means
// there is no valid key, which is different from a cache miss, so it is returned.
func File(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("fingerprint: empty path")
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("fingerprint %q: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	k, err := Reader(f)
	if err != nil {
		return "", fmt.Errorf("fingerprint %q: %w", path, err)
	}
	return k, nil
}

// URL fingerprints the canonical form of raw so equivalent requests share a key.
func URL(raw string) (string, error) {
	c, err := CanonicalURL(raw)
	if err != nil {
		return "", err
	}
	return String(c), nil
}

// CanonicalURL lower-cases scheme and host, drops the fragment and default ports,
// collapses duplicate slashes and sorts query parameters.
func CanonicalURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("canonical url: empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("canonical url %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("canonical url %q: scheme and host are required", raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = host + ":" + port
	}
	u.Host = host
	u.Fragment = ""
	u.RawFragment = ""
	u.Path = collapseSlashes(u.Path)
	u.RawPath = ""

	q := u.Query()
	names := make([]string, 0, len(q))
	for k := range q {
		names = append(names, k)
	}
	sort.Strings(names)
	var b strings.Builder
	for i, k := range names {
		vals := q[k]
		sort.Strings(vals)
		for j, v := range vals {
			if i > 0 || j > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	u.RawQuery = b.String()
	return u.String(), nil
}

func collapseSlashes(p string) string {
	if !strings.Contains(p, "//") {
		return p
	}
	var b strings.Builder
	b.Grow(len(p))
	var prev rune
	for _, r := range p {
		if r == '/' && prev == '/' {
			continue
		}
		b.WriteRune(r)
		prev = r
	}
	return b.String()
}
