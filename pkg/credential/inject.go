package credential

import (
	"net/url"
	"strings"

	"modsync/pkg/transport"
)

// LinkClassifier decides whether a URL belongs to the credentialed service.
type LinkClassifier interface {
	IsServiceLink(rawURL string) bool
}

// DomainClassifier matches http(s) URLs whose host is Domain or a subdomain of it.
type DomainClassifier struct {
	Domain string
}

func (c DomainClassifier) IsServiceLink(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	host := strings.ToLower(u.Hostname())
	domain := strings.ToLower(strings.TrimPrefix(c.Domain, "."))
	if host == "" || domain == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// HideToken masks token values so rawURL can be logged.
func HideToken(rawURL string) string {
	return transport.RedactURL(rawURL)
}

// InjectToken adds the token and device id to service URLs and points
// them at the manager's environment. Other URLs are returned unchanged.
// Applying it twice yields the same URL.
func (m *Manager) InjectToken(rawURL string) string {
	if !m.links.IsServiceLink(rawURL) {
		return rawURL
	}
	rawURL = m.rewriteHost(rawURL)

	var params []string
	if token := m.Token(); token != "" {
		if p := "token=" + token; !strings.Contains(rawURL, p) {
			params = append(params, p)
		}
	}
	if deviceID := m.deviceIDs.Cached(); deviceID != "" {
		if p := "device_id=" + deviceID; !strings.Contains(rawURL, p) {
			params = append(params, p)
		}
	}
	if len(params) == 0 {
		return rawURL
	}

	sep := "?"
	if strings.LastIndex(rawURL, "/") < strings.LastIndex(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + strings.Join(params, "&")
}

func (m *Manager) rewriteHost(rawURL string) string {
	production := m.cfg.Scheme + "://" + m.cfg.ProductionHost + "/"
	staging := m.cfg.Scheme + "://" + m.cfg.StagingHost + "/"
	switch {
	case m.cfg.Environment == Staging && strings.HasPrefix(rawURL, production):
		m.logger.Error("got non test mode url", "url", HideToken(rawURL))
		return staging + rawURL[len(production):]
	case m.cfg.Environment == Production && strings.HasPrefix(rawURL, staging):
		m.logger.Error("got test mode url", "url", HideToken(rawURL))
		return production + rawURL[len(staging):]
	}
	return rawURL
}
