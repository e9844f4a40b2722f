package backend

import (
	"fmt"
	"strings"
)

// EscapeUser makes a user identity safe for container and volume names.
// Allowed bytes pass through; everything else, including '-', becomes -xx
// (hex) so distinct identities never collide.
func EscapeUser(user string) string {
	var b strings.Builder
	for i := 0; i < len(user); i++ {
		c := user[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '.':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "-%02x", c)
		}
	}
	return b.String()
}

// ExpandMounts renders a volume template such as "jupyterhub-user-{username}"
// for user and mounts it at dir.
func ExpandMounts(template, dir, user string) map[string]string {
	if template == "" || dir == "" {
		return nil
	}
	name := strings.ReplaceAll(template, "{username}", EscapeUser(user))
	return map[string]string{name: dir}
}

// ContainerName is the name a backend gives the user's container.
func ContainerName(user string) string {
	return "jupyter-" + EscapeUser(user)
}
