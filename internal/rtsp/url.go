package rtsp

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// URL is the decomposed replay-stream address. Credentials are carried as
// literal bytes: downstream NVRs in this ecosystem reject percent-encoded
// forms, so nothing here ever runs through net/url escaping.
type URL struct {
	User    string
	Pass    string
	Host    string
	Port    int
	Channel string
	StartTS int64
	EndTS   int64
	Suffix  string
	Raw     string
}

var (
	channelRe = regexp.MustCompile(`(?i)^c\d+$`)
	digitsRe  = regexp.MustCompile(`^\d+$`)
)

const scheme = "rtsp://"

// ValidateBase checks the rtsp://host[:port] shape of a base address,
// credentials allowed. It does not dial.
func ValidateBase(base string) error {
	if !strings.HasPrefix(base, scheme) {
		return fmt.Errorf("base rtsp url must start with rtsp://")
	}
	authority := strings.TrimRight(strings.TrimPrefix(base, scheme), "/")
	if idx := strings.Index(authority, "/"); idx >= 0 {
		authority = authority[:idx]
	}
	host, _ := splitCredentials(authority)
	if host == "" {
		return fmt.Errorf("base rtsp url has no host")
	}
	return nil
}

// BaseHost extracts the host (without port) from a base rtsp address.
func BaseHost(base string) string {
	authority := strings.TrimPrefix(strings.TrimRight(base, "/"), scheme)
	if idx := strings.Index(authority, "/"); idx >= 0 {
		authority = authority[:idx]
	}
	hostport, _ := splitCredentials(authority)
	if idx := strings.LastIndex(hostport, ":"); idx >= 0 {
		return hostport[:idx]
	}
	return hostport
}

// splitCredentials separates host:port from user:pass on the LAST '@', so
// passwords containing '@' survive.
func splitCredentials(authority string) (hostport, userinfo string) {
	if idx := strings.LastIndex(authority, "@"); idx >= 0 {
		return authority[idx+1:], authority[:idx]
	}
	return authority, ""
}

// Build composes the replay URL for one capture window:
// <base>/<channel>/b<start>/e<end>/replay/s1
func Build(base, channel string, startTS, endTS int64) string {
	return fmt.Sprintf("%s/%s/b%d/e%d/replay/s1", strings.TrimRight(base, "/"), channel, startTS, endTS)
}

// Parse decomposes a replay URL. It accepts any case on the channel token
// and keeps credentials verbatim.
func Parse(raw string) (*URL, error) {
	if !strings.HasPrefix(raw, scheme) {
		return nil, fmt.Errorf("not an rtsp url: %q", raw)
	}
	rest := strings.TrimPrefix(raw, scheme)

	slash := strings.Index(rest, "/")
	if slash < 0 {
		return nil, fmt.Errorf("rtsp url has no path: %q", raw)
	}
	authority, path := rest[:slash], rest[slash+1:]

	u := &URL{Raw: raw, Port: 554}
	hostport, userinfo := splitCredentials(authority)
	if userinfo != "" {
		if idx := strings.Index(userinfo, ":"); idx >= 0 {
			u.User, u.Pass = userinfo[:idx], userinfo[idx+1:]
		} else {
			u.User = userinfo
		}
	}
	if idx := strings.LastIndex(hostport, ":"); idx >= 0 {
		u.Host = hostport[:idx]
		port, err := strconv.Atoi(hostport[idx+1:])
		if err != nil {
			return nil, fmt.Errorf("invalid port in %q", raw)
		}
		u.Port = port
	} else {
		u.Host = hostport
	}
	if u.Host == "" {
		return nil, fmt.Errorf("rtsp url has no host: %q", raw)
	}

	parts := strings.Split(path, "/")
	if len(parts) < 3 {
		return nil, fmt.Errorf("rtsp url path too short: %q", raw)
	}
	if !channelRe.MatchString(parts[0]) {
		return nil, fmt.Errorf("rtsp url has no channel token: %q", raw)
	}
	u.Channel = strings.ToLower(parts[0])

	b, e := parts[1], parts[2]
	if !strings.HasPrefix(b, "b") || !digitsRe.MatchString(b[1:]) {
		return nil, fmt.Errorf("rtsp url has no b<start> token: %q", raw)
	}
	if !strings.HasPrefix(e, "e") || !digitsRe.MatchString(e[1:]) {
		return nil, fmt.Errorf("rtsp url has no e<end> token: %q", raw)
	}
	u.StartTS, _ = strconv.ParseInt(b[1:], 10, 64)
	u.EndTS, _ = strconv.ParseInt(e[1:], 10, 64)
	if len(parts) > 3 {
		u.Suffix = strings.Join(parts[3:], "/")
	}
	return u, nil
}
