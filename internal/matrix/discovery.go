package matrix

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// WellKnownResponse is the body of GET /.well-known/matrix/server.
type WellKnownResponse struct {
	Server string `json:"m.server"`
}

// ServerDiscovery resolves the server name used in cumments' own
// Matrix IDs (ghost MXIDs, room aliases) when the operator hasn't set
// one explicitly.
type ServerDiscovery struct {
	logger     Logger
	httpClient *http.Client
}

func NewServerDiscovery(logger Logger) *ServerDiscovery {
	return &ServerDiscovery{logger: logger, httpClient: &http.Client{Timeout: 10 * time.Second}}
}

// DiscoverServerName tries, in order: the configured name, .well-known
// discovery against the homeserver URL's hostname, then the hostname
// itself.
func (sd *ServerDiscovery) DiscoverServerName(serverURL, configuredServerName string) (string, error) {
	if configuredServerName != "" {
		return configuredServerName, nil
	}

	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return "", errors.Wrap(err, "parsing server URL")
	}
	hostname := parsedURL.Hostname()
	if hostname == "" {
		return "", errors.New("could not extract hostname from server URL")
	}

	if discovered, err := sd.tryWellKnownDiscovery(hostname); err == nil && discovered != "" {
		return discovered, nil
	} else if err != nil {
		sd.logger.LogDebug("well-known discovery failed, falling back to hostname", "hostname", hostname, "error", err.Error())
	}

	return hostname, nil
}

func (sd *ServerDiscovery) tryWellKnownDiscovery(hostname string) (string, error) {
	wellKnownURL := fmt.Sprintf("https://%s/.well-known/matrix/server", hostname)

	resp, err := sd.httpClient.Get(wellKnownURL)
	if err != nil {
		return "", errors.Wrap(err, "fetching .well-known")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf(".well-known returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024))
	if err != nil {
		return "", errors.Wrap(err, "reading .well-known response")
	}

	var wellKnown WellKnownResponse
	if err := json.Unmarshal(body, &wellKnown); err != nil {
		return "", errors.Wrap(err, "parsing .well-known JSON")
	}
	if wellKnown.Server == "" {
		return "", errors.New(".well-known response missing m.server field")
	}

	// The .well-known target is the homeserver's own API location; the
	// server name used in Matrix IDs stays the hostname we queried.
	return hostname, nil
}

// NormalizeServerName strips a scheme, trailing slash, and port from a
// server name, since Matrix IDs never carry any of those.
func NormalizeServerName(serverName string) string {
	serverName = strings.TrimPrefix(serverName, "https://")
	serverName = strings.TrimPrefix(serverName, "http://")
	serverName = strings.TrimSuffix(serverName, "/")
	if idx := strings.Index(serverName, ":"); idx != -1 {
		serverName = serverName[:idx]
	}
	return serverName
}
