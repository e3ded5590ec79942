package delivery

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/smtp"
	"sort"
	"strconv"
	"time"

	"github.com/ultrazend/ultrazend/internal/config"
	"github.com/ultrazend/ultrazend/internal/dnscache"
	"github.com/ultrazend/ultrazend/internal/domain"
	"github.com/ultrazend/ultrazend/internal/pkg/logger"
)

// Outcome is the per-recipient result of one delivery attempt.
type Outcome struct {
	Address        string
	Err            error
	Classification domain.Classification
	Code           int

	// connFailure marks an error before the SMTP dialogue started, which
	// means the next exchanger is worth trying.
	connFailure bool
}

// Transport speaks SMTP to one host. Split from MX resolution so tests
// can fake the wire.
type Transport interface {
	Deliver(ctx context.Context, host string, from string, rcpts []string, raw []byte) []Outcome
}

// MXDeliverer resolves a recipient domain's exchangers and tries them in
// preference order until one accepts the connection.
type MXDeliverer struct {
	dns       *dnscache.Cache
	transport Transport
	smarthost string
	log       *logger.Logger
}

func NewMXDeliverer(dns *dnscache.Cache, transport Transport, smarthost string) *MXDeliverer {
	return &MXDeliverer{
		dns:       dns,
		transport: transport,
		smarthost: smarthost,
		log:       logger.Component("delivery"),
	}
}

// DeliverDomain sends raw to all rcpts at destDomain. When every
// exchanger refuses the connection the whole batch is transient; DNS
// saying the domain cannot receive mail at all is permanent.
func (d *MXDeliverer) DeliverDomain(ctx context.Context, destDomain, from string, rcpts []string, raw []byte) []Outcome {
	if d.smarthost != "" {
		return d.transport.Deliver(ctx, d.smarthost, from, rcpts, raw)
	}

	hosts, err := d.exchangers(ctx, destDomain)
	if err != nil {
		class := domain.ClassTransient
		if permanentDNS(err) {
			class = domain.ClassPermanent
		}
		return allFailed(rcpts, fmt.Errorf("resolve %s: %w", destDomain, err), class)
	}

	var lastErr error
	for _, host := range hosts {
		outcomes := d.transport.Deliver(ctx, host, from, rcpts, raw)
		if !connectionFailed(outcomes) {
			return outcomes
		}
		lastErr = outcomes[0].Err
		d.log.Warn("exchanger unreachable", "host", host, "domain", destDomain, "error", lastErr)
	}
	return allFailed(rcpts, fmt.Errorf("all exchangers unreachable for %s: %w", destDomain, lastErr), domain.ClassTransient)
}

// exchangers returns candidate hosts: MX targets sorted by preference
// with ties shuffled, or the bare domain when it has an address record
// but no MX (the implicit MX rule).
func (d *MXDeliverer) exchangers(ctx context.Context, destDomain string) ([]string, error) {
	recs, err := d.dns.MX(ctx, destDomain)
	if errors.Is(err, dnscache.ErrNoRecords) {
		if _, ipErr := d.dns.IPs(ctx, destDomain); ipErr != nil {
			return nil, err
		}
		return []string{destDomain}, nil
	}
	if err != nil {
		return nil, err
	}

	sorted := make([]*net.MX, len(recs))
	copy(sorted, recs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Pref < sorted[j].Pref })

	// Shuffle within equal-preference groups to spread load.
	for i := 0; i < len(sorted); {
		j := i + 1
		for j < len(sorted) && sorted[j].Pref == sorted[i].Pref {
			j++
		}
		group := sorted[i:j]
		rand.Shuffle(len(group), func(a, b int) { group[a], group[b] = group[b], group[a] })
		i = j
	}

	hosts := make([]string, len(sorted))
	for i, mx := range sorted {
		hosts[i] = trimDot(mx.Host)
	}
	return hosts, nil
}

func trimDot(host string) string {
	if n := len(host); n > 0 && host[n-1] == '.' {
		return host[:n-1]
	}
	return host
}

func allFailed(rcpts []string, err error, class domain.Classification) []Outcome {
	out := make([]Outcome, len(rcpts))
	for i, r := range rcpts {
		out[i] = Outcome{Address: r, Err: err, Classification: class}
	}
	return out
}

// connectionFailed reports whether the attempt never reached the SMTP
// dialogue.
func connectionFailed(outcomes []Outcome) bool {
	return len(outcomes) > 0 && outcomes[0].connFailure
}

func connFailed(rcpts []string, err error) []Outcome {
	out := allFailed(rcpts, err, domain.ClassTransient)
	for i := range out {
		out[i].connFailure = true
	}
	return out
}

func allFailedWithCode(rcpts []string, err error, class domain.Classification, code int) []Outcome {
	out := allFailed(rcpts, err, class)
	for i := range out {
		out[i].Code = code
	}
	return out
}

func nowPlus(d time.Duration) time.Time { return time.Now().Add(d) }

// SMTPTransport is the production Transport over net/smtp with
// opportunistic STARTTLS and per-phase timeouts.
type SMTPTransport struct {
	hostname string
	port     int
	cfg      config.DeliveryConfig
	dialer   *net.Dialer
}

func NewSMTPTransport(hostname string, cfg config.DeliveryConfig) *SMTPTransport {
	return &SMTPTransport{
		hostname: hostname,
		port:     25,
		cfg:      cfg,
		dialer:   &net.Dialer{Timeout: cfg.ConnectTimeout()},
	}
}

// Deliver runs one SMTP session against host. A failure before MAIL FROM
// marks every recipient with a connection error; after that, RCPT
// failures are tracked per address and DATA failures apply to the
// recipients the server accepted.
func (t *SMTPTransport) Deliver(ctx context.Context, host, from string, rcpts []string, raw []byte) []Outcome {
	addr := net.JoinHostPort(host, strconv.Itoa(t.port))
	conn, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return connFailed(rcpts, fmt.Errorf("dial %s: %w", addr, err))
	}
	defer conn.Close()

	conn.SetDeadline(nowPlus(t.cfg.CommandTimeout()))
	client, err := smtp.NewClient(conn, host)
	if err != nil {
		return connFailed(rcpts, fmt.Errorf("smtp greeting %s: %w", host, err))
	}
	defer client.Close()

	if err := client.Hello(t.hostname); err != nil {
		return connFailed(rcpts, fmt.Errorf("ehlo: %w", err))
	}

	if ok, _ := client.Extension("STARTTLS"); ok {
		conn.SetDeadline(nowPlus(t.cfg.TLSTimeout()))
		if err := client.StartTLS(&tls.Config{ServerName: host}); err != nil {
			// Opportunistic: fall back to plaintext only by reconnecting,
			// since the session state is undefined after a failed upgrade.
			return connFailed(rcpts, fmt.Errorf("starttls %s: %w", host, err))
		}
	}

	conn.SetDeadline(nowPlus(t.cfg.CommandTimeout()))
	if err := client.Mail(from); err != nil {
		class, code := classify(err)
		return allFailedWithCode(rcpts, fmt.Errorf("mail from: %w", err), class, code)
	}

	outcomes := make([]Outcome, len(rcpts))
	accepted := 0
	for i, rcpt := range rcpts {
		outcomes[i].Address = rcpt
		if err := client.Rcpt(rcpt); err != nil {
			class, code := classify(err)
			outcomes[i].Err = fmt.Errorf("rcpt %s: %w", rcpt, err)
			outcomes[i].Classification = class
			outcomes[i].Code = code
			continue
		}
		accepted++
	}
	if accepted == 0 {
		return outcomes
	}

	conn.SetDeadline(nowPlus(t.cfg.DataTimeout()))
	w, err := client.Data()
	if err == nil {
		_, err = w.Write(raw)
		if cerr := w.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		class, code := classify(err)
		for i := range outcomes {
			if outcomes[i].Err == nil {
				outcomes[i].Err = fmt.Errorf("data: %w", err)
				outcomes[i].Classification = class
				outcomes[i].Code = code
			}
		}
		return outcomes
	}

	client.Quit()
	return outcomes
}
