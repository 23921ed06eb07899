package helpers

import (
	"net/url"
	"regexp"
)

// Quoted values may contain spaces and backslash escapes.
var passwordInDSN = regexp.MustCompile(`(password\s*=\s*)('(?:[^'\\]|\\.)*(?:'|$)|\S+)`)

// MaskConnectionString hides the password of a postgres URL or key/value DSN so it can be logged.
func MaskConnectionString(conn string) string {
	u, err := url.Parse(conn)
	if err == nil && u.Scheme != "" && u.Host != "" {
		q := u.Query()
		if q.Has("password") {
			q.Set("password", "xxxxx")
			u.RawQuery = q.Encode()
		}
		return u.Redacted()
	}
	return passwordInDSN.ReplaceAllString(conn, "${1}xxxxx")
}
