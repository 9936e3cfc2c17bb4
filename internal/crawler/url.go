package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// RawURL maps a repository file's web URL onto the raw-content host: the web
// host is replaced by rawBase and the first /blob/ path segment is dropped.
// URLs on other hosts keep their host but are still stripped of /blob/.
func RawURL(htmlURL string, webHost string, rawBase *url.URL) (string, error) {
	u, err := url.Parse(htmlURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", htmlURL)
	}
	if rawBase != nil && strings.EqualFold(u.Host, webHost) {
		u.Scheme = rawBase.Scheme
		u.Host = rawBase.Host
		if prefix := strings.TrimSuffix(rawBase.Path, "/"); prefix != "" {
			u.Path = prefix + u.Path
			if u.RawPath != "" {
				u.RawPath = prefix + u.RawPath
			}
		}
	}
	u.Path = strings.Replace(u.Path, "/blob/", "/", 1)
	if u.RawPath != "" {
		u.RawPath = strings.Replace(u.RawPath, "/blob/", "/", 1)
	}
	u.Fragment = ""
	return u.String(), nil
}

// HasExtension reports whether name ends in ext, ignoring case.
func HasExtension(name, ext string) bool {
	return strings.HasSuffix(strings.ToLower(name), strings.ToLower(ext))
}
