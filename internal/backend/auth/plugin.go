// Package auth implements the client side of the backend-facing
// authentication plugins a backend protocol engine may need to complete a
// handshake: mysql_native_password, caching_sha2_password, and
// client_ed25519.
package auth

import "fmt"

// Plugin computes the authentication response a client must send for one
// named plugin, given the server's challenge (scramble) and the backend
// credential's password.
type Plugin interface {
	Name() string
	Respond(password string, scramble []byte) ([]byte, error)
}

// FullAuthResponder is implemented by plugins that have a second,
// "full authentication" phase triggered by an auth-more-data packet
// (caching_sha2_password's slow path).
type FullAuthResponder interface {
	FullAuth(password string, secureChannel bool) ([]byte, error)
}

// ByName returns the plugin implementation for a server-advertised plugin
// name, or an error if the core doesn't support it.
func ByName(name string) (Plugin, error) {
	switch name {
	case "mysql_native_password":
		return NativePassword{}, nil
	case "caching_sha2_password":
		return CachingSHA2Password{}, nil
	case "client_ed25519":
		return ED25519{}, nil
	default:
		return nil, fmt.Errorf("auth: unsupported plugin %q", name)
	}
}
