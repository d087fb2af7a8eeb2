package componenthost

import "strings"

// HostAllowed implements the allowed_hosts wildcard grammar resolved in
// DESIGN.md Open Question 2: a single leading-label wildcard
// ("*.example.com") matches exactly one additional label in front of the
// suffix ("api.example.com") but not the bare suffix itself and not two
// extra labels; anything else must match the host exactly.
func HostAllowed(host string, allowed []string) bool {
	host = strings.ToLower(host)
	for _, pattern := range allowed {
		pattern = strings.ToLower(pattern)
		if !strings.HasPrefix(pattern, "*.") {
			if pattern == host {
				return true
			}
			continue
		}
		suffix := pattern[1:] // ".example.com"
		if !strings.HasSuffix(host, suffix) {
			continue
		}
		label := strings.TrimSuffix(host, suffix)
		if label != "" && !strings.Contains(label, ".") {
			return true
		}
	}
	return false
}
