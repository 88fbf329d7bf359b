// Package registry is the registry gateway: ping, search and tag listing
// against Docker registries speaking the v1 or v2 HTTP API.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/docker/go-connections/tlsconfig"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/artpar/freighter/internal/core/manifest"
	"github.com/artpar/freighter/internal/shell/docker"
)

// APIVersion is the registry API generation.
type APIVersion string

const (
	V1 APIVersion = "v1"
	V2 APIVersion = "v2"
)

// Client talks to one registry.
type Client struct {
	baseURL    string
	version    APIVersion
	auth       *manifest.Auth
	httpClient *retryablehttp.Client
	logger     *slog.Logger
}

// Config holds registry client configuration.
type Config struct {
	RetryMax  int           // Default: 5
	RetryWait time.Duration // Default: 3 seconds
	Timeout   time.Duration // Default: 30 seconds
	Logger    *slog.Logger
}

// New creates a client for reg and detects its API version by pinging v1
// first and then v2.
func New(ctx context.Context, reg manifest.Registry, cfg Config) (*Client, error) {
	c, err := newClient(reg, cfg)
	if err != nil {
		return nil, err
	}

	var errs []error
	for _, v := range []APIVersion{V1, V2} {
		c.version = v
		if err := c.Ping(ctx); err != nil {
			errs = append(errs, err)
			continue
		}
		c.logger.Debug("registry detected", "version", string(v))
		return c, nil
	}
	return nil, fmt.Errorf("%w: %s: %v", ErrUnsupportedVersion, c.baseURL, errs)
}

func newClient(reg manifest.Registry, cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RetryMax == 0 {
		cfg.RetryMax = 5
	}
	if cfg.RetryWait == 0 {
		cfg.RetryWait = 3 * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	u, err := url.Parse(reg.Address)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid address %q", ErrUnreachable, reg.Address)
	}

	tlsOpts := tlsconfig.Options{InsecureSkipVerify: !reg.VerifyTLS()}
	if reg.SSLCertPath != "" {
		tlsOpts.CAFile = filepath.Join(reg.SSLCertPath, "ca.pem")
		tlsOpts.CertFile = filepath.Join(reg.SSLCertPath, "cert.pem")
		tlsOpts.KeyFile = filepath.Join(reg.SSLCertPath, "key.pem")
	}
	tlsConfig, err := tlsconfig.Client(tlsOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to load registry TLS material from %s: %w", reg.SSLCertPath, err)
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = cfg.RetryWait
	rc.RetryWaitMax = cfg.RetryWait
	rc.Logger = cfg.Logger
	rc.HTTPClient = &http.Client{
		Timeout:   cfg.Timeout,
		Transport: &http.Transport{TLSClientConfig: tlsConfig, Proxy: http.ProxyFromEnvironment},
	}

	return &Client{
		baseURL:    strings.TrimSuffix(u.Scheme+"://"+u.Host, "/"),
		auth:       reg.Auth,
		httpClient: rc,
		logger:     cfg.Logger.With("registry", u.Host),
	}, nil
}

// Version returns the detected API version.
func (c *Client) Version() APIVersion {
	return c.version
}

// Location returns the registry host used to qualify image references.
func (c *Client) Location() string {
	u, _ := url.Parse(c.baseURL)
	return u.Host
}

// String returns the registry base URL.
func (c *Client) String() string {
	return c.baseURL
}

// AuthConfig returns the credentials the engine needs to push or pull.
// Nil when the registry has no auth.
func (c *Client) AuthConfig() *docker.AuthConfig {
	if c.auth == nil {
		return nil
	}
	return &docker.AuthConfig{
		Username:      c.auth.User,
		Password:      c.auth.Password,
		ServerAddress: c.baseURL,
	}
}

// =============================================================================
// Operations
// =============================================================================

// Ping checks the registry answers on the detected API.
func (c *Client) Ping(ctx context.Context) error {
	path := "_ping"
	if c.version == V2 {
		path = ""
	}
	_, err := c.get(ctx, path, nil)
	return err
}

// Search returns repository names matching term, sorted.
func (c *Client) Search(ctx context.Context, term string) ([]string, error) {
	var names []string

	switch c.version {
	case V1:
		body, err := c.get(ctx, "search", url.Values{"q": {term}})
		if err != nil {
			return nil, err
		}
		var resp struct {
			Results []struct {
				Name string `json:"name"`
			} `json:"results"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("failed to decode search response: %w", err)
		}
		for _, r := range resp.Results {
			names = append(names, r.Name)
		}
	default:
		body, err := c.get(ctx, "_catalog", nil)
		if err != nil {
			return nil, err
		}
		var resp struct {
			Repositories []string `json:"repositories"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("failed to decode catalog response: %w", err)
		}
		for _, name := range resp.Repositories {
			if strings.Contains(name, term) {
				names = append(names, name)
			}
		}
	}

	sort.Strings(names)
	return names, nil
}

// Tags yields "name:tag" for every tag of the image. Each range makes one
// request, so ranging again fetches the list again.
func (c *Client) Tags(ctx context.Context, name string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if !strings.Contains(name, "/") {
			yield("", fmt.Errorf("%w: %q", ErrInvalidImageName, name))
			return
		}

		tags, err := c.fetchTags(ctx, name)
		if err != nil {
			yield("", err)
			return
		}
		for _, tag := range tags {
			if !yield(name+":"+tag, nil) {
				return
			}
		}
	}
}

func (c *Client) fetchTags(ctx context.Context, name string) ([]string, error) {
	if c.version == V2 {
		body, err := c.get(ctx, name+"/tags/list", nil)
		if err != nil {
			return nil, err
		}
		var resp struct {
			Tags []string `json:"tags"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("failed to decode tags response: %w", err)
		}
		return resp.Tags, nil
	}

	body, err := c.get(ctx, "repositories/"+name+"/tags", nil)
	if err != nil {
		return nil, err
	}

	// v1 registries answer either {"tag": "image id"} or [{"name": "tag"}].
	var byName map[string]string
	if err := json.Unmarshal(body, &byName); err == nil {
		tags := make([]string, 0, len(byName))
		for tag := range byName {
			tags = append(tags, tag)
		}
		sort.Strings(tags)
		return tags, nil
	}
	var list []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("failed to decode tags response: %w", err)
	}
	tags := make([]string, 0, len(list))
	for _, t := range list {
		tags = append(tags, t.Name)
	}
	return tags, nil
}

// =============================================================================
// Transport
// =============================================================================

func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := fmt.Sprintf("%s/%s/%s", c.baseURL, c.version, path)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.auth != nil {
		req.SetBasicAuth(c.auth.User, c.auth.Password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, NewRegistryError(u, resp.StatusCode, errorMessage(body))
	}
	return body, nil
}

// errorMessage extracts the "error" field registries put in failure bodies.
func errorMessage(body []byte) string {
	var resp struct {
		Error  string `json:"error"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if json.Unmarshal(body, &resp) != nil {
		return ""
	}
	if resp.Error != "" {
		return resp.Error
	}
	if len(resp.Errors) > 0 {
		return resp.Errors[0].Message
	}
	return ""
}
