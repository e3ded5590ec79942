// Package smtpd runs the SMTP surfaces: the authenticated submission
// endpoint for tenants, and the inbound return-path listener that feeds
// bounce processing. Both share the HTTP API's admission pipeline, so a
// message is checked identically no matter which door it came in.
package smtpd

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/ultrazend/ultrazend/internal/config"
	"github.com/ultrazend/ultrazend/internal/pkg/logger"
	"github.com/ultrazend/ultrazend/internal/submission"
	"github.com/ultrazend/ultrazend/internal/tenant"
)

// BounceSink receives inbound return-path mail.
type BounceSink interface {
	Process(ctx context.Context, raw io.Reader) error
}

// Authenticator resolves an API token to a tenant context.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*tenant.Context, error)
}

// Submitter runs the shared admission pipeline.
type Submitter interface {
	Submit(ctx context.Context, tc *tenant.Context, req *submission.Request) (*submission.Result, error)
}

var (
	_ Authenticator = (*tenant.Service)(nil)
	_ Submitter     = (*submission.Pipeline)(nil)
)

// Backend creates sessions and enforces per-IP connection caps.
type Backend struct {
	cfg      config.SMTPConfig
	tenants  Authenticator
	pipeline Submitter
	bounces  BounceSink
	log      *logger.Logger

	mu       sync.Mutex
	perIP    map[string]int
	maxPerIP int
}

func NewBackend(cfg config.SMTPConfig, tenants Authenticator, pipeline Submitter, bounces BounceSink) *Backend {
	return &Backend{
		cfg:      cfg,
		tenants:  tenants,
		pipeline: pipeline,
		bounces:  bounces,
		log:      logger.Component("smtpd"),
		perIP:    make(map[string]int),
		maxPerIP: cfg.MaxConnsPerIP,
	}
}

// NewSession admits a connection unless its IP already holds too many.
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	ip := remoteIP(c)
	b.mu.Lock()
	if b.perIP[ip] >= b.maxPerIP {
		b.mu.Unlock()
		b.log.Warn("connection limit reached", "ip", ip)
		return nil, &smtp.SMTPError{
			Code:         421,
			EnhancedCode: smtp.EnhancedCode{4, 7, 0},
			Message:      "Too many connections, try again later",
		}
	}
	b.perIP[ip]++
	b.mu.Unlock()

	return newSession(b, c, ip), nil
}

func (b *Backend) releaseIP(ip string) {
	b.mu.Lock()
	if b.perIP[ip] > 0 {
		b.perIP[ip]--
	}
	if b.perIP[ip] == 0 {
		delete(b.perIP, ip)
	}
	b.mu.Unlock()
}

func remoteIP(c *smtp.Conn) string {
	if addr, ok := c.Conn().RemoteAddr().(*net.TCPAddr); ok {
		return addr.IP.String()
	}
	host, _, err := net.SplitHostPort(c.Conn().RemoteAddr().String())
	if err != nil {
		return c.Conn().RemoteAddr().String()
	}
	return host
}

// NewServer builds the submission server (STARTTLS, AUTH, size and
// recipient limits from config).
func NewServer(backend *Backend, cfg config.SMTPConfig) (*smtp.Server, error) {
	s := smtp.NewServer(backend)
	s.Addr = fmt.Sprintf(":%d", cfg.SubmissionPort)
	s.Domain = cfg.Hostname
	s.MaxMessageBytes = cfg.MaxMessageSize
	s.MaxRecipients = cfg.MaxRecipients
	s.ReadTimeout = 60 * time.Second
	s.WriteTimeout = 60 * time.Second
	// The library would refuse AUTH outright on plaintext connections.
	// The session gates it instead, so loopback peers can still
	// authenticate without TLS.
	s.AllowInsecureAuth = true

	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load tls keypair: %w", err)
		}
		s.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}
	return s, nil
}

// NewMXServer builds the inbound listener on port 25. It shares the
// backend, so unauthenticated mail is already restricted to the bounce
// mailbox; the submission limits apply unchanged.
func NewMXServer(backend *Backend, cfg config.SMTPConfig) (*smtp.Server, error) {
	s, err := NewServer(backend, cfg)
	if err != nil {
		return nil, err
	}
	s.Addr = fmt.Sprintf(":%d", cfg.MXPort)
	return s, nil
}
