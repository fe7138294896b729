package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mjl-/mailsrv/config"
	"github.com/mjl-/mailsrv/dns"
	"github.com/mjl-/mailsrv/imapserver"
	"github.com/mjl-/mailsrv/mlog"
	mox "github.com/mjl-/mailsrv/mox-"
	"github.com/mjl-/mailsrv/netsession"
	"github.com/mjl-/mailsrv/pop3server"
	"github.com/mjl-/mailsrv/smtpserver"
	"github.com/mjl-/mailsrv/users"
)

var xlog = mlog.New("mailsrv")

// cmdConfigDescribe prints an annotated, ready-to-edit configuration file to
// stdout, documenting every field with the sconf-doc comment above it.
func cmdConfigDescribe(args []string) {
	fs := xflagset("config describe", "")
	fs.Parse(args)
	if fs.NArg() != 0 {
		fs.Usage()
		os.Exit(2)
	}
	xcheckf(config.Describe(os.Stdout), "describing config")
}

func cmdServe(args []string) {
	fs := xflagset("serve", "configfile")
	fs.Parse(args)
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(2)
	}

	mlog.Logfmt = true

	conf, err := config.Parse(fs.Arg(0))
	xcheckf(err, "parsing config")

	level := mlog.LevelInfo
	if conf.LogLevel != "" {
		l, ok := mlog.Levels[conf.LogLevel]
		if !ok {
			xcheckf(fmt.Errorf("unknown level %q", conf.LogLevel), "parsing LogLevel")
		}
		level = l
	}
	mlog.SetConfig(map[string]mlog.Level{"": level})

	dataDir := mox.ResolvePath(filepath.Dir(fs.Arg(0)), conf.DataDir)
	xcheckf(os.MkdirAll(dataDir, 0700), "creating data directory")

	db, err := users.Open(filepath.Join(dataDir, "users.db"))
	xcheckf(err, "opening credential store")
	defer db.Close()

	resolver := dns.NetResolver{}

	listeners, err := buildListeners(conf, dataDir, db, resolver)
	xcheckf(err, "preparing listeners")

	mox.HandleSignals()

	for _, l := range listeners {
		xlog.Info("listening", mlog.Field("name", l.Name), mlog.Field("addr", l.Net.Addr()))
		go l.Serve()
	}

	var metricsSrv *http.Server
	if conf.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{
			Addr:     conf.MetricsAddr,
			Handler:  mux,
			ErrorLog: log.New(mlog.ErrWriter(xlog, mlog.LevelError, "metrics http server"), "", 0),
		}
		xlog.Info("serving metrics", mlog.Field("addr", conf.MetricsAddr))
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				xlog.Errorx("metrics server", err)
			}
		}()
	}

	<-mox.Shutdown.Done()
	xlog.Info("shutting down, closing listeners")
	for _, l := range listeners {
		l.Net.Close()
	}
	if metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		metricsSrv.Shutdown(ctx)
		cancel()
	}
	time.Sleep(100 * time.Millisecond)
}

// buildListeners binds a net.Listener for every enabled service across every
// configured listener group, wiring each to the matching protocol server.
func buildListeners(conf config.Static, dataDir string, db *users.DB, resolver dns.Resolver) ([]*netsession.Listener, error) {
	idle := time.Duration(conf.IdleTimeoutSeconds) * time.Second

	var out []*netsession.Listener
	bind := func(name, ip string, port int, implicitTLS bool, tlsConfig *netTLSConfig, newHandler func() netsession.Handler) error {
		addr := net.JoinHostPort(ip, fmt.Sprintf("%d", port))
		nc, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listening on %s for %s: %v", addr, name, err)
		}
		out = append(out, &netsession.Listener{
			Name:        name,
			Net:         nc,
			TLSConfig:   tlsConfig.get(),
			ImplicitTLS: implicitTLS,
			IdleTimeout: idle,
			NewHandler:  newHandler,
			Log:         xlog,
		})
		return nil
	}

	for lname, l := range conf.Listeners {
		l := l
		tlsCfg := &netTLSConfig{l.TLS}
		ip := l.IP

		if l.SMTP.Enabled {
			port := l.SMTP.Port
			if port == 0 {
				port = 25
			}
			srv := &smtpserver.Server{
				Hostname: l.Hostname, DataDir: dataDir, Users: db, Resolver: resolver,
				Kind: smtpserver.KindSMTP, RequireAuth: conf.RequireAuth, RelayAllowed: conf.RelayAllowed,
				MaxMessageSize: conf.MaxMessageSize, TLSConfig: tlsCfg.get(),
			}
			if err := bind(lname+"/smtp", ip, port, false, tlsCfg, srv.NewHandler); err != nil {
				return nil, err
			}
		}
		if l.Submission.Enabled {
			port := l.Submission.Port
			if port == 0 {
				port = 587
			}
			srv := &smtpserver.Server{
				Hostname: l.Hostname, DataDir: dataDir, Users: db, Resolver: resolver,
				Kind: smtpserver.KindSubmission, RequireAuth: true, RelayAllowed: false,
				MaxMessageSize: conf.MaxMessageSize, TLSConfig: tlsCfg.get(),
			}
			if err := bind(lname+"/submission", ip, port, false, tlsCfg, srv.NewHandler); err != nil {
				return nil, err
			}
		}
		if l.Submissions.Enabled {
			port := l.Submissions.Port
			if port == 0 {
				port = 465
			}
			srv := &smtpserver.Server{
				Hostname: l.Hostname, DataDir: dataDir, Users: db, Resolver: resolver,
				Kind: smtpserver.KindSubmissions, RequireAuth: true, RelayAllowed: false,
				MaxMessageSize: conf.MaxMessageSize, TLSConfig: tlsCfg.get(),
			}
			if err := bind(lname+"/submissions", ip, port, true, tlsCfg, srv.NewHandler); err != nil {
				return nil, err
			}
		}
		if l.POP3.Enabled {
			port := l.POP3.Port
			if port == 0 {
				port = 110
			}
			srv := &pop3server.Server{Hostname: l.Hostname, DataDir: dataDir, Users: db, TLSConfig: tlsCfg.get()}
			if err := bind(lname+"/pop3", ip, port, false, tlsCfg, srv.NewHandler); err != nil {
				return nil, err
			}
		}
		if l.POP3S.Enabled {
			port := l.POP3S.Port
			if port == 0 {
				port = 995
			}
			srv := &pop3server.Server{Hostname: l.Hostname, DataDir: dataDir, Users: db, TLSConfig: tlsCfg.get()}
			if err := bind(lname+"/pop3s", ip, port, true, tlsCfg, srv.NewHandler); err != nil {
				return nil, err
			}
		}
		if l.IMAP.Enabled {
			port := l.IMAP.Port
			if port == 0 {
				port = 143
			}
			srv := &imapserver.Server{Hostname: l.Hostname, DataDir: dataDir, Users: db, TLSConfig: tlsCfg.get()}
			if err := bind(lname+"/imap", ip, port, false, tlsCfg, srv.NewHandler); err != nil {
				return nil, err
			}
		}
		if l.IMAPS.Enabled {
			port := l.IMAPS.Port
			if port == 0 {
				port = 993
			}
			srv := &imapserver.Server{Hostname: l.Hostname, DataDir: dataDir, Users: db, TLSConfig: tlsCfg.get()}
			if err := bind(lname+"/imaps", ip, port, true, tlsCfg, srv.NewHandler); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// netTLSConfig wraps a possibly-nil *config.TLS so get() always returns the
// loaded *tls.Config or nil, without every call site re-checking for nil.
type netTLSConfig struct {
	tls *config.TLS
}

func (t *netTLSConfig) get() *tls.Config {
	if t.tls == nil {
		return nil
	}
	return t.tls.Config
}
