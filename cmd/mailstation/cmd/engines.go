package cmd

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/mailstation/mailstation/internal/config"
	"github.com/mailstation/mailstation/internal/credentials"
	"github.com/mailstation/mailstation/internal/engine"
	"github.com/mailstation/mailstation/internal/imapconn"
	"github.com/mailstation/mailstation/internal/smtp"
)

// newEngines builds one Engine per remote in cfg.Remotes, keyed by account
// email. The local IMAP daemon is shared across accounts, but each account
// logs in under its own local username (its email address) so its
// SRC/ALL/\Local mailboxes live in a namespace the daemon keeps separate
// from every other account's; config.Load already resolves RemoteConfig.Gmail
// via host sniffing, so it's trusted as-is here.
func newEngines(cfg *config.Config, logger *slog.Logger) (map[string]*engine.Engine, error) {
	engines := make(map[string]*engine.Engine, len(cfg.Remotes))
	for _, remote := range cfg.Remotes {
		eng, err := newEngine(cfg, remote, logger)
		if err != nil {
			return nil, err
		}
		engines[remote.Email] = eng
	}
	return engines, nil
}

// newEngine builds the Engine for a single remote account.
func newEngine(cfg *config.Config, remote config.RemoteConfig, logger *slog.Logger) (*engine.Engine, error) {
	socketTimeout := time.Duration(cfg.Engine.SocketTimeoutSecs) * time.Second
	if socketTimeout <= 0 {
		socketTimeout = 30 * time.Second
	}

	password, err := credentials.Load(cfg.CredentialsDir(), remote.Email)
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", remote.Email, err)
	}

	remoteSecurity := imapconn.SecurityTLS
	if remote.STARTTLS {
		remoteSecurity = imapconn.SecurityStartTLS
	} else if !remote.TLS {
		remoteSecurity = imapconn.SecurityNone
	}

	localSecurity := imapconn.SecurityNone
	if cfg.Local.TLS {
		localSecurity = imapconn.SecurityTLS
	} else if cfg.Local.STARTTLS {
		localSecurity = imapconn.SecurityStartTLS
	}

	acctCfg := engine.AccountConfig{
		Remote: imapconn.ClientConfig{
			Host:           remote.IMAPHost,
			Port:           remote.IMAPPort,
			Security:       remoteSecurity,
			Username:       remote.Username,
			Password:       password,
			ConnectTimeout: 10 * time.Second,
			SocketTimeout:  socketTimeout,
			Logger:         logger,
		},
		Local: imapconn.ClientConfig{
			Host:           cfg.Local.IMAPHost,
			Port:           cfg.Local.IMAPPort,
			Security:       localSecurity,
			Username:       remote.Email,
			ConnectTimeout: 10 * time.Second,
			SocketTimeout:  socketTimeout,
			Logger:         logger,
		},
		SMTP: smtp.Config{
			Host:           remote.SMTPHost,
			Port:           remote.SMTPPort,
			Username:       remote.Username,
			Password:       password,
			ConnectTimeout: 10 * time.Second,
			SocketTimeout:  socketTimeout,
			Logger:         logger,
		},
		IsGmail:      remote.Gmail,
		SrcMailbox:   "SRC/" + remote.Email,
		AllMailbox:   "ALL/" + remote.Email,
		LocalMailbox: "\\Local/" + remote.Email,
		RemoteSrcTag: imapconn.TagAll,
		SkipDrafts:   remote.SkipDrafts,
		Concurrency:  cfg.Engine.FetchConcurrency,
		BatchSize:    cfg.Engine.FetchBatchSize,
		LockDir:      cfg.LockDir(),
	}

	return engine.New(acctCfg, logger), nil
}
