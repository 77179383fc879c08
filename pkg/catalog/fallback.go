package catalog

import (
	"errors"
	"net/url"
	"strconv"
	"strings"
)

// Normalizer fills in defaults and checks a module before it is committed.
type Normalizer interface {
	ApplyFallbacks(m *Module)
	Verify(m *Module) error
}

// DefaultNormalizer trims text fields and fills missing ones.
type DefaultNormalizer struct{}

func (DefaultNormalizer) ApplyFallbacks(m *Module) {
	m.Name = strings.TrimSpace(m.Name)
	m.Author = strings.TrimSpace(m.Author)
	m.Description = strings.TrimSpace(m.Description)
	if m.Name == "" {
		m.Name = m.ID
	}
	if m.Author == "" {
		m.Author = "Unknown"
	}
	if strings.TrimSpace(m.Version) == "" {
		m.Version = "v" + strconv.FormatInt(m.VersionCode, 10)
	}
}

func (DefaultNormalizer) Verify(m *Module) error {
	if !ValidID(m.ID) {
		return errors.New("invalid module id")
	}
	if m.VersionCode < 0 {
		return errors.New("negative version code")
	}
	if m.MaxAPI != 0 && m.MinAPI > m.MaxAPI {
		return errors.New("minApi is greater than maxApi")
	}
	return nil
}

// ValidID reports whether id is acceptable as a module id: at least three
// characters with no NUL or space.
func ValidID(id string) bool {
	return len(id) >= 3 && !strings.ContainsAny(id, "\x00 ")
}

// filterURL returns raw when it is an absolute http(s) URL, otherwise "".
func filterURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return raw
}
