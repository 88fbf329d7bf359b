package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/client"
	"github.com/docker/go-connections/tlsconfig"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DefaultSocket is the Docker socket dialed on hosts reached over SSH.
const DefaultSocket = "/var/run/docker.sock"

// Endpoint identifies one Docker Engine host.
//
// Supported address schemes:
//
//	unix:///var/run/docker.sock
//	tcp://10.0.0.1:2375 or http://10.0.0.1:2375
//	https://10.0.0.1:2376              // TLS material from CertPath
//	ssh://deploy@10.0.0.1[:22][/path/to/docker.sock]
type Endpoint struct {
	Address      string
	CertPath     string // directory holding ca.pem, cert.pem and key.pem
	Verify       bool
	IdentityFile string // SSH private key, defaults to ~/.ssh/id_ed25519 then ~/.ssh/id_rsa
}

// ConnectOptions configures a connection.
type ConnectOptions struct {
	// Out receives rendered pull, push and build progress. Nil discards it.
	Out            io.Writer
	Logger         *slog.Logger
	ConnectTimeout time.Duration // Default: 10 seconds
}

// Connect creates a client for ep. It does not contact the daemon; use Ping
// to check reachability.
func Connect(ctx context.Context, ep Endpoint, opts ConnectOptions) (*DockerClient, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 10 * time.Second
	}

	u, err := url.Parse(ep.Address)
	if err != nil || u.Scheme == "" {
		return nil, NewDockerError("Connect", "", ep.Address, "address must include a scheme", ErrUnsupportedAddress)
	}

	clientOpts := []client.Opt{client.WithAPIVersionNegotiation()}
	var closer func() error

	switch u.Scheme {
	case "unix":
		clientOpts = append(clientOpts, client.WithHost(ep.Address))
	case "tcp", "http", "https":
		clientOpts = append(clientOpts, client.WithHost("tcp://"+u.Host))
		if u.Scheme == "https" || ep.CertPath != "" {
			httpClient, err := tlsHTTPClient(ep)
			if err != nil {
				return nil, NewDockerError("Connect", "", ep.Address, err.Error(), ErrConnectionFailed)
			}
			clientOpts = append(clientOpts, client.WithHTTPClient(httpClient))
		}
	case "ssh":
		sshClient, err := dialSSH(ctx, u, ep, opts.ConnectTimeout)
		if err != nil {
			return nil, NewDockerError("Connect", "", ep.Address, err.Error(), ErrConnectionFailed)
		}
		socket := u.Path
		if socket == "" {
			socket = DefaultSocket
		}
		clientOpts = append(clientOpts,
			client.WithHost("tcp://"+u.Hostname()),
			client.WithDialContext(func(ctx context.Context, _, _ string) (net.Conn, error) {
				return sshClient.DialContext(ctx, "unix", socket)
			}),
		)
		closer = sshClient.Close
	default:
		return nil, NewDockerError("Connect", "", ep.Address, fmt.Sprintf("scheme %q", u.Scheme), ErrUnsupportedAddress)
	}

	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		if closer != nil {
			closer()
		}
		return nil, NewDockerError("Connect", "", ep.Address, "failed to create client", ErrConnectionFailed)
	}

	return &DockerClient{
		cli:    cli,
		addr:   ep.Address,
		out:    opts.Out,
		logger: opts.Logger.With("host", ep.Address),
		closer: closer,
	}, nil
}

// tlsHTTPClient builds an HTTP client from the PEM files in ep.CertPath.
// Missing files are skipped so a CA-only directory works.
func tlsHTTPClient(ep Endpoint) (*http.Client, error) {
	tlsOpts := tlsconfig.Options{InsecureSkipVerify: !ep.Verify}
	if ep.CertPath != "" {
		if path := filepath.Join(ep.CertPath, "ca.pem"); fileExists(path) {
			tlsOpts.CAFile = path
		}
		cert, key := filepath.Join(ep.CertPath, "cert.pem"), filepath.Join(ep.CertPath, "key.pem")
		if fileExists(cert) && fileExists(key) {
			tlsOpts.CertFile, tlsOpts.KeyFile = cert, key
		}
	}

	tlsConfig, err := tlsconfig.Client(tlsOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS material from %s: %w", ep.CertPath, err)
	}
	return &http.Client{
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
	}, nil
}

// =============================================================================
// SSH Transport
// =============================================================================

func dialSSH(ctx context.Context, u *url.URL, ep Endpoint, timeout time.Duration) (*ssh.Client, error) {
	signer, err := loadSigner(ep.IdentityFile)
	if err != nil {
		return nil, err
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if ep.Verify {
		home, _ := os.UserHomeDir()
		hostKeyCallback, err = knownhosts.New(filepath.Join(home, ".ssh", "known_hosts"))
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	}

	user := u.User.Username()
	if user == "" {
		user = os.Getenv("USER")
	}
	port := u.Port()
	if port == "" {
		port = "22"
	}
	addr := net.JoinHostPort(u.Hostname(), port)

	config := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("SSH dial %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SSH handshake %s: %w", addr, err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

func loadSigner(identityFile string) (ssh.Signer, error) {
	candidates := []string{identityFile}
	if identityFile == "" {
		home, _ := os.UserHomeDir()
		candidates = []string{
			filepath.Join(home, ".ssh", "id_ed25519"),
			filepath.Join(home, ".ssh", "id_rsa"),
		}
	}

	for _, path := range candidates {
		key, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse SSH private key %s: %w", path, err)
		}
		return signer, nil
	}
	return nil, fmt.Errorf("no SSH identity found (tried %v)", candidates)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
