// Package config reads the JSON configuration file describing the servers to run, the tracker
// settings they share, and which origins may connect.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	g "github.com/anacrolix/generics"

	"github.com/anacrolix/wstracker/server"
	"github.com/anacrolix/wstracker/tracker"
	"github.com/anacrolix/wstracker/webtorrent"
)

// The file read when no path is given.
const DefaultPath = "config.json"

type Config struct {
	Servers []server.Settings
	Tracker tracker.Settings
	Access  server.AccessSettings
}

// Default is what an empty configuration file gives.
func Default() Config {
	return Config{
		Servers: []server.Settings{server.DefaultSettings()},
		Tracker: tracker.DefaultSettings(),
	}
}

// Load reads the file at path. If path is empty, DefaultPath is read if it exists, and otherwise the
// defaults are used.
func Load(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	b, err := os.ReadFile(path)
	if !explicit && errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("failed to read configuration file: %w", err)
	}
	return Parse(b)
}

type fileServer struct {
	Server     *fileServerAddr `json:"server"`
	WebSockets *fileWebSockets `json:"websockets"`
}

type fileServerAddr struct {
	Host         *string `json:"host"`
	Port         *int    `json:"port"`
	KeyFileName  *string `json:"key_file_name"`
	CertFileName *string `json:"cert_file_name"`
}

type fileWebSockets struct {
	Path             *string `json:"path"`
	MaxPayloadLength *int64  `json:"maxPayloadLength"`
	// Seconds.
	IdleTimeout *float64 `json:"idleTimeout"`
	// Zero disables compression.
	Compression    *int `json:"compression"`
	MaxConnections *int `json:"maxConnections"`
}

type fileTracker struct {
	MaxOffers        *int `json:"maxOffers"`
	AnnounceInterval *int `json:"announceInterval"`
}

type fileAccess struct {
	AllowOrigins    json.RawMessage `json:"allowOrigins"`
	DenyOrigins     json.RawMessage `json:"denyOrigins"`
	DenyEmptyOrigin bool            `json:"denyEmptyOrigin"`
}

// Parse decodes and validates a configuration file. Anything not given takes its default.
func Parse(b []byte) (cfg Config, err error) {
	cfg = Default()
	var top map[string]json.RawMessage
	if err = json.Unmarshal(b, &top); err != nil {
		err = fmt.Errorf("failed to parse JSON configuration file: %w", err)
		return
	}
	if raw, ok := present(top, "servers"); ok {
		cfg.Servers, err = parseServers(raw)
		if err != nil {
			return
		}
	}
	if raw, ok := present(top, "tracker"); ok {
		if !isObject(raw) {
			err = parseError("'tracker' property should be an object")
			return
		}
		var ft fileTracker
		if err = json.Unmarshal(raw, &ft); err != nil {
			err = parseError("'tracker' property: %v", err)
			return
		}
		setIfSome(&cfg.Tracker.MaxOffers, ft.MaxOffers)
		setIfSome(&cfg.Tracker.AnnounceInterval, ft.AnnounceInterval)
	}
	if raw, ok := present(top, "websocketsAccess"); ok {
		if !isObject(raw) {
			err = parseError("'websocketsAccess' property should be an object")
			return
		}
		cfg.Access, err = parseAccess(raw)
		if err != nil {
			return
		}
	}
	return
}

func parseServers(raw json.RawMessage) (ret []server.Settings, err error) {
	if !webtorrent.IsKind(raw, '[') {
		err = parseError("'servers' property should be an array")
		return
	}
	var items []json.RawMessage
	if err = json.Unmarshal(raw, &items); err != nil {
		err = parseError("'servers' property: %v", err)
		return
	}
	for _, item := range items {
		if !isObject(item) {
			err = parseError("'servers' property should be an array of objects")
			return
		}
		var srv fileServer
		if err = json.Unmarshal(item, &srv); err != nil {
			err = parseError("'servers' property: %v", err)
			return
		}
		ret = append(ret, srv.settings())
	}
	return
}

func (srv fileServer) settings() server.Settings {
	s := server.DefaultSettings()
	if a := srv.Server; a != nil {
		setIfSome(&s.Host, a.Host)
		setIfSome(&s.Port, a.Port)
		setIfSome(&s.KeyFileName, a.KeyFileName)
		setIfSome(&s.CertFileName, a.CertFileName)
	}
	if ws := srv.WebSockets; ws != nil {
		setIfSome(&s.WebSockets.Path, ws.Path)
		setIfSome(&s.WebSockets.MaxPayloadLength, ws.MaxPayloadLength)
		setIfSome(&s.WebSockets.MaxConnections, ws.MaxConnections)
		if ws.IdleTimeout != nil {
			s.WebSockets.IdleTimeout = time.Duration(*ws.IdleTimeout * float64(time.Second))
		}
		if ws.Compression != nil {
			s.WebSockets.Compression = *ws.Compression != 0
		}
	}
	return s
}

func parseAccess(raw json.RawMessage) (ret server.AccessSettings, err error) {
	var fa fileAccess
	if err = json.Unmarshal(raw, &fa); err != nil {
		err = parseError("'websocketsAccess' property: %v", err)
		return
	}
	ret.DenyEmptyOrigin = fa.DenyEmptyOrigin
	allow := originList(fa.AllowOrigins)
	deny := originList(fa.DenyOrigins)
	if allow.Ok && deny.Ok {
		err = errors.New("allowOrigins and denyOrigins can't be set simultaneously")
		return
	}
	if allow.Ok {
		ret.AllowOrigins, err = parseOrigins(allow.Value, "allowOrigins")
	} else if deny.Ok {
		ret.DenyOrigins, err = parseOrigins(deny.Value, "denyOrigins")
	}
	return
}

// Distinguishes an unset origin list from an empty one.
func originList(raw json.RawMessage) g.Option[json.RawMessage] {
	if raw == nil || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return g.None[json.RawMessage]()
	}
	return g.Some(raw)
}

func parseOrigins(raw json.RawMessage, name string) (ret []string, err error) {
	if !webtorrent.IsKind(raw, '[') {
		err = fmt.Errorf("%s configuration parameters should be an array of strings", name)
		return
	}
	err = json.Unmarshal(raw, &ret)
	if err != nil {
		err = errors.New("allowOrigins and denyOrigins configuration parameters should be arrays of strings")
		return
	}
	// Keep an empty list distinct from an absent one.
	if ret == nil {
		ret = []string{}
	}
	return
}

func parseError(format string, a ...any) error {
	return fmt.Errorf("failed to parse JSON configuration file: "+format, a...)
}

// A null value is treated as absent.
func present(m map[string]json.RawMessage, key string) (json.RawMessage, bool) {
	raw, ok := m[key]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, false
	}
	return raw, true
}

func isObject(raw json.RawMessage) bool {
	return webtorrent.IsKind(raw, '{')
}

func setIfSome[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}
