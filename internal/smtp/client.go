package smtp

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/rotisserie/eris"
)

// AuthType selects how credentials are presented to the submission server.
type AuthType int

const (
	AuthTypePlain AuthType = iota
	AuthTypeLogin
)

// Config configures one submission connection (§6: "STARTTLS on submission
// port (default 587); PLAIN or LOGIN auth").
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	AuthType AuthType

	ConnectTimeout time.Duration
	SocketTimeout  time.Duration

	Logger *slog.Logger
}

func (c Config) addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Client submits composed messages to one configured SMTP server. Unlike
// imapconn.Client it dials fresh for every Send rather than holding a
// long-lived connection — outgoing mail is low-frequency enough that
// connection reuse buys nothing and would add idle-timeout bookkeeping for
// no benefit.
type Client struct {
	cfg    Config
	logger *slog.Logger
}

// NewClient creates a Client for cfg.
func NewClient(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, logger: logger}
}

// Send composes msg and submits it, returning the raw RFC-5322 bytes sent
// (the caller hands these to Fetch+Parse per §4.6 so the message appears in
// ALL without waiting for the next fetch cycle).
func (c *Client) Send(msg *Message) ([]byte, error) {
	raw, err := msg.Encode()
	if err != nil {
		return nil, eris.Wrap(err, "encode message")
	}
	if err := c.SendRaw(msg.From.Address, msg.Recipients(), raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// SendRaw submits a pre-encoded RFC-5322 message via EHLO/STARTTLS/AUTH/DATA.
func (c *Client) SendRaw(from string, recipients []string, message []byte) error {
	addr := c.cfg.addr()
	c.logger.Debug("dialing SMTP submission server", "addr", addr)

	dialer := &net.Dialer{Timeout: c.cfg.ConnectTimeout}
	rawConn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return eris.Wrapf(err, "dial %s", addr)
	}
	conn := newDeadlineConn(rawConn, c.cfg.SocketTimeout)

	client, err := smtp.NewClient(conn, c.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return eris.Wrap(err, "new SMTP client")
	}
	defer client.Close()

	if err := client.Hello("localhost"); err != nil {
		return eris.Wrap(err, "EHLO")
	}

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: c.cfg.Host}); err != nil {
			return eris.Wrap(err, "STARTTLS")
		}
	}

	if ok, _ := client.Extension("AUTH"); ok {
		auth, err := c.buildAuth()
		if err != nil {
			return err
		}
		if err := client.Auth(auth); err != nil {
			return eris.Wrap(err, "AUTH")
		}
	}

	if err := client.Mail(from); err != nil {
		return eris.Wrap(err, "MAIL FROM")
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return eris.Wrapf(err, "RCPT TO %q", rcpt)
		}
	}

	w, err := client.Data()
	if err != nil {
		return eris.Wrap(err, "DATA")
	}
	if _, err := w.Write(message); err != nil {
		_ = w.Close()
		return eris.Wrap(err, "write message body")
	}
	if err := w.Close(); err != nil {
		return eris.Wrap(err, "close DATA")
	}

	return eris.Wrap(client.Quit(), "QUIT")
}

// buildAuth builds a net/smtp.Auth backed by a go-sasl client, reusing the
// same library imapconn.Client.login uses for IMAP AUTHENTICATE PLAIN so the
// two protocols share one SASL dependency instead of two auth code paths.
func (c *Client) buildAuth() (smtp.Auth, error) {
	switch c.cfg.AuthType {
	case AuthTypeLogin:
		return &saslAuth{client: sasl.NewLoginClient(c.cfg.Username, c.cfg.Password)}, nil
	default:
		return &saslAuth{client: sasl.NewPlainClient("", c.cfg.Username, c.cfg.Password)}, nil
	}
}

// saslAuth adapts a sasl.Client to net/smtp's Auth interface; the two
// Start/Next shapes line up almost exactly, modulo net/smtp's extra
// ServerInfo/more-challenges-follow parameters.
type saslAuth struct {
	client sasl.Client
}

func (a *saslAuth) Start(_ *smtp.ServerInfo) (string, []byte, error) {
	return a.client.Start()
}

func (a *saslAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}
	return a.client.Next(fromServer)
}
