package server

import (
	"errors"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"
)

type WebSocketsSettings struct {
	// Requests to paths matching this are upgraded. A trailing "*" matches any suffix, so "/*"
	// upgrades every path.
	Path string
	// Largest inbound message in bytes. Bigger messages close the connection.
	MaxPayloadLength int64
	// Connections that send nothing, including pongs, for this long are closed.
	IdleTimeout time.Duration
	// Negotiate permessage-deflate.
	Compression bool
	// Upgrades are refused while this many connections are open. Zero means no limit.
	MaxConnections int
}

type Settings struct {
	Host string
	Port int
	// When KeyFileName is set the server listens with TLS.
	KeyFileName  string
	CertFileName string
	WebSockets   WebSocketsSettings
}

func DefaultSettings() Settings {
	return Settings{
		Host: "0.0.0.0",
		Port: 8000,
		WebSockets: WebSocketsSettings{
			Path:             "/*",
			MaxPayloadLength: 64 * 1024,
			IdleTimeout:      240 * time.Second,
			Compression:      true,
		},
	}
}

func (s Settings) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

func (s WebSocketsSettings) matchPath(path string) bool {
	if prefix, ok := strings.CutSuffix(s.Path, "*"); ok {
		return strings.HasPrefix(path, prefix)
	}
	return path == s.Path
}

// Controls which browser origins may open WebSockets.
type AccessSettings struct {
	AllowOrigins    []string
	DenyOrigins     []string
	DenyEmptyOrigin bool
}

func (a AccessSettings) Validate() error {
	if a.AllowOrigins != nil && a.DenyOrigins != nil {
		return errors.New("allowOrigins and denyOrigins can't be set simultaneously")
	}
	return nil
}

func (a AccessSettings) enabled() bool {
	return a.AllowOrigins != nil || a.DenyOrigins != nil || a.DenyEmptyOrigin
}

// Returns a reason if the origin isn't allowed.
func (a AccessSettings) deny(origin string) (reason string, denied bool) {
	if !a.enabled() {
		return
	}
	if origin == "" && a.DenyEmptyOrigin {
		return "empty origin", true
	}
	if a.AllowOrigins != nil && !slices.Contains(a.AllowOrigins, origin) {
		return "origin not allowed", true
	}
	if slices.Contains(a.DenyOrigins, origin) {
		return "origin denied", true
	}
	return
}
