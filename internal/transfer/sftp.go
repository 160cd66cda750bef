package transfer

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DefaultRemotePath is where the collector host keeps its ledger.
const DefaultRemotePath = "/home/debian/Prices.csv"

// SFTPConfig describes one password-authenticated SFTP download.
type SFTPConfig struct {
	Addr       string
	User       string
	Password   string
	RemotePath string
	// KnownHosts is an OpenSSH known_hosts file. Empty accepts any host key.
	KnownHosts  string
	DialTimeout time.Duration
}

// SFTP downloads a file over SSH. The connection is closed as soon as ctx
// ends so a hung transfer returns promptly.
type SFTP struct {
	cfg    SFTPConfig
	dialer net.Dialer
}

// NewSFTP returns a fetcher for cfg. An empty RemotePath uses DefaultRemotePath.
func NewSFTP(cfg SFTPConfig) *SFTP {
	if cfg.RemotePath == "" {
		cfg.RemotePath = DefaultRemotePath
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 15 * time.Second
	}
	return &SFTP{cfg: cfg, dialer: net.Dialer{Timeout: cfg.DialTimeout}}
}

func (s *SFTP) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if s.cfg.KnownHosts == "" {
		log.Warn().Str("addr", s.cfg.Addr).Msg("Host key not verified, set sync.known_hosts")
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(s.cfg.KnownHosts)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	return cb, nil
}

// Fetch copies the remote ledger into w. The connection is closed as soon as
// ctx is done. Every failure wraps ErrConnection.
func (s *SFTP) Fetch(ctx context.Context, w io.Writer) (int64, error) {
	hostKey, err := s.hostKeyCallback()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrConnection, err)
	}

	conn, err := s.dialer.DialContext(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return 0, fmt.Errorf("%w: dial %s: %w", ErrConnection, s.cfg.Addr, err)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, s.cfg.Addr, &ssh.ClientConfig{
		User:            s.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.Password(s.cfg.Password)},
		HostKeyCallback: hostKey,
		Timeout:         s.cfg.DialTimeout,
	})
	if err != nil {
		conn.Close()
		return 0, s.fail(ctx, "ssh handshake", err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	sc, err := sftp.NewClient(client)
	if err != nil {
		return 0, s.fail(ctx, "start sftp", err)
	}
	defer sc.Close()

	return s.copyRemote(ctx, sc, w)
}

func (s *SFTP) copyRemote(ctx context.Context, sc *sftp.Client, w io.Writer) (int64, error) {
	f, err := sc.Open(s.cfg.RemotePath)
	if err != nil {
		return 0, s.fail(ctx, "open "+s.cfg.RemotePath, err)
	}
	defer f.Close()

	start := time.Now()
	n, err := io.Copy(w, f)
	if err != nil {
		return n, s.fail(ctx, "read "+s.cfg.RemotePath, err)
	}
	log.Debug().Str("addr", s.cfg.Addr).Str("path", s.cfg.RemotePath).Int64("bytes", n).Dur("took", time.Since(start)).Msg("Remote ledger downloaded")
	return n, nil
}

// fail prefers the context error once ctx is done, since closing the
// connection surfaces as an unrelated read error.
func (s *SFTP) fail(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %s: %w", ErrConnection, op, ctxErr)
	}
	return fmt.Errorf("%w: %s: %w", ErrConnection, op, err)
}
