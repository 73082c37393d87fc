package keys

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

var hexKey = regexp.MustCompile(`^[0-9a-f]{16}$`)

func TestDeterminism_SameBytesSameKey(t *testing.T) {
	k1 := Bytes([]byte("jpeg-bytes"))
	k2 := Bytes([]byte("jpeg-bytes"))
	if k1 != k2 {
		t.Fatalf("determinism failed:\n k1=%s\n k2=%s", k1, k2)
	}
	if !hexKey.MatchString(k1) {
		t.Fatalf("key is not 16 lower-case hex digits: %s", k1)
	}
	if String("jpeg-bytes") != k1 {
		t.Fatalf("String and Bytes disagree")
	}
}

func TestDifference_DifferentContentDifferentKey(t *testing.T) {
	if Bytes([]byte("a")) == Bytes([]byte("b")) {
		t.Fatalf("different content must produce different keys")
	}
}

func TestFile_MatchesBytes(t *testing.T) {
	p := filepath.Join(t.TempDir(), "photo.jpg")
	body := []byte(strings.Repeat("pixel", 10000))
	if err := os.WriteFile(p, body, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	k, err := File(p)
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if k != Bytes(body) {
		t.Fatalf("File=%s Bytes=%s", k, Bytes(body))
	}
}

func TestFile_MissingSourcePropagates(t *testing.T) {
	k, err := File(filepath.Join(t.TempDir(), "nope.jpg"))
	if err == nil {
		t.Fatalf("expected error for missing file, got key %q", k)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("error should wrap fs.ErrNotExist: %v", err)
	}
	if k != "" {
		t.Fatalf("key must be empty on error: %q", k)
	}
}

func TestCanonicalURL_EquivalentFormsShareKey(t *testing.T) {
	a := "HTTPS://A.Basemaps.CartoCDN.com:443/dark_all//3/4/2.png?b=2&a=1#frag"
	b := "https://a.basemaps.cartocdn.com/dark_all/3/4/2.png?a=1&b=2"
	ka, err := URL(a)
	if err != nil {
		t.Fatalf("URL a: %v", err)
	}
	kb, err := URL(b)
	if err != nil {
		t.Fatalf("URL b: %v", err)
	}
	if ka != kb {
		t.Fatalf("canonical keys differ: %s vs %s", ka, kb)
	}
	c, _ := CanonicalURL(a)
	if c != b {
		t.Fatalf("canonical=%s want %s", c, b)
	}
}

func TestCanonicalURL_RejectsRelative(t *testing.T) {
	if _, err := CanonicalURL("/tiles/1/2/3.png"); err == nil {
		t.Fatalf("expected error for relative url")
	}
	if _, err := CanonicalURL("  "); err == nil {
		t.Fatalf("expected error for empty url")
	}
}
