// Command transproxify is a transparent TCP/UDP proxy bridge: it
// accepts traffic redirected by the host firewall to a local port,
// recovers the client's original destination, establishes an
// outbound session through a configured upstream proxy (or connects
// directly), and relays bytes for the session's lifetime.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"transproxify/internal/adminapi"
	"transproxify/internal/audit"
	"transproxify/internal/config"
	"transproxify/internal/endpoint"
	"transproxify/internal/errs"
	"transproxify/internal/logx"
	"transproxify/internal/metrics"
	"transproxify/internal/ratelimit"
	"transproxify/internal/server"
	"transproxify/internal/settings"
	"transproxify/internal/termpass"
)

var log = logx.New(logx.WithPrefix("main"))

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: transproxify [OPTIONS] PROXY_HOST PROXY_PORT LISTEN_PORT

  PROXY_HOST       upstream proxy hostname or literal address (ignored for -t direct)
  PROXY_PORT       upstream proxy TCP port (ignored for -t direct)
  LISTEN_PORT      local port firewall rules redirect client traffic to

Options:
  -t {direct|http|socks4|socks5}  upstream proxy protocol (default http)
  -r {tcp|udp}                    proxied traffic protocol (default tcp)
  -u USER                         upstream proxy username
  -P PASS                         upstream proxy password
  -p                              read upstream proxy password from the terminal (echo disabled)
  -c CONFIG_PATH                  ambient config file (admin API, audit, metrics, logging)
  -admin-listen HOST:PORT         enable the admin/status HTTP API on this address
  -admin-password PASS            admin API bootstrap password (overrides config file)
  -audit-db PATH                  sqlite database path for session audit logging
  -max-bps N                      process-wide relay byte-rate cap (0 disables)
  -idle-timeout DURATION          UDP session idle eviction timeout (default 60s)
  -log-level {trace|debug|info|warn|error}  log verbosity (default info)`)
}

func main() {
	flag.Usage = usage

	proxyType := flag.String("t", "http", "")
	proxiedProto := flag.String("r", "tcp", "")
	username := flag.String("u", "", "")
	password := flag.String("P", "", "")
	promptPassword := flag.Bool("p", false, "")
	configPath := flag.String("c", "", "")
	adminListen := flag.String("admin-listen", "", "")
	adminPassword := flag.String("admin-password", "", "")
	auditDB := flag.String("audit-db", "", "")
	maxBps := flag.Int64("max-bps", 0, "")
	idleTimeout := flag.Duration("idle-timeout", endpoint.DefaultUDPIdleTimeout, "")
	logLevel := flag.String("log-level", "info", "")
	flag.Parse()

	if err := run(*proxyType, *proxiedProto, *username, *password, *promptPassword,
		*configPath, *adminListen, *adminPassword, *auditDB, *maxBps, *idleTimeout, *logLevel,
		flag.Args()); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(proxyType, proxiedProto, username, password string, promptPassword bool,
	configPath, adminListen, adminPassword, auditDBPath string, maxBps int64, idleTimeout time.Duration,
	logLevel string, args []string) error {

	logx.SetLevelString(logLevel)

	if len(args) != 3 {
		usage()
		return errs.NewConfigError(fmt.Sprintf("expected 3 positional arguments, got %d", len(args)), nil)
	}
	proxyHost := args[0]
	proxyPort, err := strconv.Atoi(args[1])
	if err != nil {
		return errs.NewConfigError("PROXY_PORT must be numeric", err)
	}
	listenPort, err := strconv.Atoi(args[2])
	if err != nil {
		return errs.NewConfigError("LISTEN_PORT must be numeric", err)
	}

	if promptPassword {
		pw, err := termpass.Prompt("upstream proxy password: ")
		if err != nil {
			return err
		}
		password = pw
	}

	pp, err := settings.ParseProxyProtocol(proxyType)
	if err != nil {
		return err
	}
	rp, err := settings.ParseProxiedProtocol(proxiedProto)
	if err != nil {
		return err
	}
	s, err := settings.New(pp, rp, proxyHost, proxyPort, username, password)
	if err != nil {
		return err
	}

	cfg, cfgPath, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfgPath != "" {
		log.Debugf("loaded ambient config from %s", cfgPath)
	}
	if cfg.Logging.Level != "" {
		logx.SetLevelString(cfg.Logging.Level)
	}
	if adminListen != "" {
		cfg.Admin.Listen = adminListen
	}
	if adminPassword != "" {
		cfg.Admin.Password = adminPassword
	}
	if auditDBPath != "" {
		cfg.Audit.DB = auditDBPath
	}

	mgr := server.NewManager()
	mgr.Limiter = ratelimit.Compose(ratelimit.NewShared(maxBps))

	if cfg.Audit.DB != "" {
		auditLog, err := audit.Open(cfg.Audit.DB)
		if err != nil {
			return err
		}
		defer auditLog.Close()
		mgr.Audit = auditLog
	}

	if cfg.Metrics.Influx.BaseURL != "" {
		metricsClient := metrics.New(cfg.Metrics.Influx)
		defer metricsClient.Close()
		mgr.Metrics = metricsClient
	}

	var adminSrv *adminapi.Server
	if cfg.Admin.Listen != "" {
		adminSrv, err = adminapi.New(cfg.Admin, s, mgr, mgr.Audit)
		if err != nil {
			return err
		}
		mgr.Events = adminSrv.Events()
		go func() {
			if err := adminSrv.ListenAndServe(); err != nil {
				log.Errorf("admin api stopped: %v", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Infof("received shutdown signal")
		mgr.Stop(10 * time.Second)
		if adminSrv != nil {
			_ = adminSrv.Shutdown(context.Background())
		}
	}()

	log.Infof("transproxify starting: proxy=%s/%s upstream=%s:%d listen=%d", pp, rp, proxyHost, proxyPort, listenPort)

	if rp == settings.UDP {
		return server.ServeUDP(mgr, listenPort, s, idleTimeout)
	}
	return server.ServeTCP(mgr, listenPort, s)
}
