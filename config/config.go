// Package config holds the static configuration of the mail server, parsed
// from a single sconf file at startup.
package config

import (
	"crypto/tls"
	"fmt"
	"io"
	"sort"

	"golang.org/x/exp/maps"

	"github.com/mjl-/sconf"

	"github.com/mjl-/mailsrv/dns"
)

// KeyCert is a certificate/private key pair used by a TLS-enabled listener.
type KeyCert struct {
	CertFile string `sconf-doc:"Certificate including any intermediate CA certificates, in PEM format."`
	KeyFile  string `sconf-doc:"Private key for the certificate, in PEM format. PKCS8 is recommended, but PKCS1 and EC private keys are recognized as well."`
}

// TLS holds the TLS material for a single listener.
type TLS struct {
	KeyCerts   []KeyCert `sconf:"optional" sconf-doc:"Keys and certificates to use for this listener."`
	MinVersion string    `sconf:"optional" sconf-doc:"Minimum TLS version. Default: TLSv1.2."`

	Config *tls.Config `sconf:"-" json:"-"`
}

// Service is a single protocol service (plain or implicit-TLS variant) on a
// listener, e.g. SMTP on port 25 or IMAPS on port 993.
type Service struct {
	Enabled          bool   `sconf:"optional" sconf-doc:"Whether this service is enabled on this listener."`
	Port             int    `sconf:"optional" sconf-doc:"Port to listen on. If empty, the protocol-specific default is used."`
	RequireSTARTTLS  bool   `sconf:"optional" sconf-doc:"If set, the listener must have TLS configured, otherwise startup fails. The protocol servers do not enforce it: plaintext commands are not rejected before STARTTLS."`
	ImplicitTLS      bool   `sconf:"optional" sconf-doc:"Not read by the server: TLS is negotiated immediately on connect for exactly the Submissions, POP3S and IMAPS services, and never for the others, whatever this is set to."`
}

// Listener is a set of protocol services bound to a single address.
type Listener struct {
	IP          string  `sconf:"optional" sconf-doc:"IP address to listen on. Default: listen on all addresses."`
	Hostname    string  `sconf-doc:"Hostname this listener presents in greetings/banners, e.g. mail.example.com."`
	TLS         *TLS    `sconf:"optional" sconf-doc:"TLS configuration for services on this listener that use STARTTLS or implicit TLS."`

	SMTP         Service `sconf:"optional" sconf-doc:"Inbound/relay SMTP, default port 25."`
	Submission   Service `sconf:"optional" sconf-doc:"Authenticated SMTP submission, default port 587, typically with RequireSTARTTLS."`
	Submissions  Service `sconf:"optional" sconf-doc:"Authenticated SMTP submission over implicit TLS, default port 465."`
	POP3         Service `sconf:"optional" sconf-doc:"POP3, default port 110."`
	POP3S        Service `sconf:"optional" sconf-doc:"POP3 over implicit TLS, default port 995."`
	IMAP         Service `sconf:"optional" sconf-doc:"IMAP4rev1, default port 143."`
	IMAPS        Service `sconf:"optional" sconf-doc:"IMAP4rev1 over implicit TLS, default port 993."`
}

// Static is the top-level configuration, parsed with sconf.ParseFile.
type Static struct {
	DataDir      string   `sconf-doc:"Directory holding the maildir trees and the credential store. If relative, it is relative to the directory of the config file."`
	LogLevel     string   `sconf:"optional" sconf-doc:"Default log level: error, info, debug, trace, traceauth or tracedata. Default: info."`
	Hostname     string   `sconf-doc:"Full hostname of the system, e.g. mail.example.com. Used as default listener hostname and in Received headers."`

	LocalDomains []string `sconf-doc:"Parsed but not consulted by any server: whether a recipient domain is local, and so delivered into the maildir store rather than relayed outbound, is decided only by the credential store's domain table (the admin domain subcommands)."`

	MaxMessageSize int64 `sconf:"optional" sconf-doc:"Maximum accepted message size in bytes for incoming SMTP DATA. Default: 26214400 (25MiB)."`
	RequireAuth    bool  `sconf:"optional" sconf-doc:"If set, MAIL FROM is rejected on the SMTP service unless the session authenticated first. Submission/Submissions always require authentication regardless of this setting."`
	RelayAllowed   bool  `sconf:"optional" sconf-doc:"If set, unauthenticated sessions may relay mail to non-local domains on the SMTP service. Normally relaying requires authentication."`

	IdleTimeoutSeconds int `sconf:"optional" sconf-doc:"Seconds of inactivity after which a session is closed. Default: 300."`
	WorkerPoolSize     int `sconf:"optional" sconf-doc:"Parsed and defaulted to 4, but not read by any server: outbound delivery runs synchronously inside the SMTP session that accepted the message."`

	MetricsAddr string `sconf:"optional" sconf-doc:"Address to serve Prometheus metrics on, e.g. localhost:8422. If empty, no metrics endpoint is started."`

	Listeners map[string]Listener `sconf-doc:"Listeners are named groups of SMTP/Submission/POP3/IMAP services bound to an address."`

	HostnameDomain dns.Domain `sconf:"-" json:"-"`
}

// Default values applied after parsing when a field was left at its zero
// value.
const (
	DefaultIdleTimeoutSeconds = 300
	DefaultWorkerPoolSize     = 4
	DefaultMaxMessageSize     = 25 * 1024 * 1024
)

// Parse reads and validates a static configuration file at path.
func Parse(path string) (Static, error) {
	var c Static
	if err := sconf.ParseFile(path, &c); err != nil {
		return Static{}, fmt.Errorf("parsing config: %v", err)
	}

	if c.DataDir == "" {
		return Static{}, fmt.Errorf("DataDir is required")
	}
	if c.Hostname == "" {
		return Static{}, fmt.Errorf("Hostname is required")
	}
	dom, err := dns.ParseDomain(c.Hostname)
	if err != nil {
		return Static{}, fmt.Errorf("parsing Hostname: %v", err)
	}
	c.HostnameDomain = dom

	if c.IdleTimeoutSeconds == 0 {
		c.IdleTimeoutSeconds = DefaultIdleTimeoutSeconds
	}
	if c.WorkerPoolSize == 0 {
		c.WorkerPoolSize = DefaultWorkerPoolSize
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if len(c.Listeners) == 0 {
		return Static{}, fmt.Errorf("at least one listener is required")
	}

	names := maps.Keys(c.Listeners)
	sort.Strings(names)
	for _, name := range names {
		l := c.Listeners[name]
		if l.Hostname == "" {
			l.Hostname = c.Hostname
		}
		if l.TLS != nil {
			tlsConf, err := l.TLS.load()
			if err != nil {
				return Static{}, fmt.Errorf("listener %q: loading TLS material: %v", name, err)
			}
			l.TLS.Config = tlsConf
		}
		needsTLS := l.Submissions.Enabled || l.IMAPS.Enabled || l.POP3S.Enabled ||
			l.SMTP.RequireSTARTTLS || l.Submission.RequireSTARTTLS || l.IMAP.RequireSTARTTLS || l.POP3.RequireSTARTTLS
		if needsTLS && (l.TLS == nil || l.TLS.Config == nil) {
			return Static{}, fmt.Errorf("listener %q: TLS required but not configured", name)
		}
		c.Listeners[name] = l
	}

	return c, nil
}

func (t *TLS) load() (*tls.Config, error) {
	conf := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	switch t.MinVersion {
	case "", "TLSv1.2":
	case "TLSv1.3":
		conf.MinVersion = tls.VersionTLS13
	default:
		return nil, fmt.Errorf("unknown TLS MinVersion %q, must be TLSv1.2 or TLSv1.3", t.MinVersion)
	}
	for _, kc := range t.KeyCerts {
		cert, err := tls.LoadX509KeyPair(kc.CertFile, kc.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading keypair %q/%q: %v", kc.CertFile, kc.KeyFile, err)
		}
		conf.Certificates = append(conf.Certificates, cert)
	}
	if len(conf.Certificates) == 0 {
		return nil, fmt.Errorf("no certificates configured")
	}
	return conf, nil
}

// Describe writes documentation for the configuration format, in the same
// style as sconf.Describe.
func Describe(w io.Writer) error {
	return sconf.Describe(w, &Static{})
}
