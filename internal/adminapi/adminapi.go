// Package adminapi exposes a small gin-based HTTP surface for
// operating a running transproxify process: login, live status, a
// system resource snapshot, recent audit records, and a websocket feed
// of session lifecycle events. Its shape (JWT bearer auth, a brute-force
// login guard, gin middleware/routing) follows the teacher's admin API
// almost exactly; its content is narrowed to what a proxy bridge with
// no user accounts of its own actually has to show.
package adminapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/crypto/bcrypt"

	"transproxify/internal/audit"
	"transproxify/internal/config"
	"transproxify/internal/events"
	"transproxify/internal/logx"
	"transproxify/internal/loginguard"
	"transproxify/internal/server"
	"transproxify/internal/settings"
)

var log = logx.New(logx.WithPrefix("adminapi"))

// Server is the admin HTTP API: one instance per transproxify process.
type Server struct {
	cfg      config.AdminConfig
	settings *settings.ProxySettings
	manager  *server.Manager
	audit    *audit.Log
	hub      *events.Hub
	guard    *loginguard.Guard
	startAt  time.Time

	passwordHash []byte
	http         *http.Server
}

type claims struct {
	jwt.RegisteredClaims
}

// New builds the admin API server. If cfg.JWTSecret is empty a random
// secret is generated for the process lifetime: tokens simply stop
// validating across a restart, which is acceptable since this API has
// exactly one account.
func New(cfg config.AdminConfig, s *settings.ProxySettings, mgr *server.Manager, auditLog *audit.Log) (*Server, error) {
	if cfg.Listen == "" {
		return nil, errors.New("admin listen address is required")
	}
	if cfg.Password == "" {
		return nil, errors.New("admin password is required")
	}
	if cfg.JWTSecret == "" {
		secret, err := randomSecret()
		if err != nil {
			return nil, err
		}
		cfg.JWTSecret = secret
		log.Warnf("no admin jwt secret configured; generated an ephemeral one for this run")
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(cfg.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	srv := &Server{
		cfg:          cfg,
		settings:     s,
		manager:      mgr,
		audit:        auditLog,
		hub:          events.NewHub(),
		guard:        loginguard.New(loginguard.Config{}),
		startAt:      time.Now(),
		passwordHash: passwordHash,
	}

	gin.DefaultWriter = logx.GinWriter()
	gin.DefaultErrorWriter = logx.GinWriter()
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery(), gin.Logger())
	srv.routes(r)

	srv.http = &http.Server{
		Addr:    cfg.Listen,
		Handler: r,
	}
	return srv, nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func (s *Server) routes(r *gin.Engine) {
	api := r.Group("/api")
	api.POST("/login", s.login)

	auth := api.Group("/")
	auth.Use(s.authRequired())
	{
		auth.GET("/status", s.status)
		auth.GET("/system", s.systemInfo)
		auth.GET("/audit", s.recentAudit)
	}

	r.GET("/ws/events", s.serveEvents)
}

func (s *Server) makeToken() (string, error) {
	ttl := s.cfg.TokenTTLMinutes
	if ttl <= 0 {
		ttl = 120
	}
	now := time.Now()
	c := claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "admin",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(ttl) * time.Minute)),
	}}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString([]byte(s.cfg.JWTSecret))
}

func (s *Server) parseToken(tok string) error {
	parsed, err := jwt.ParseWithClaims(tok, &claims{}, func(t *jwt.Token) (any, error) {
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil {
		return err
	}
	if !parsed.Valid {
		return errors.New("invalid token")
	}
	return nil
}

func (s *Server) authRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		if !strings.HasPrefix(strings.ToLower(h), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if err := s.parseToken(strings.TrimSpace(h[7:])); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

func (s *Server) login(c *gin.Context) {
	var req struct {
		Password string `json:"password"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad request"})
		return
	}
	ip := c.ClientIP()
	if ok, retry := s.guard.Allow(ip, "admin"); !ok {
		if retry > 0 {
			c.Header("Retry-After", fmt.Sprintf("%.0f", retry.Seconds()))
		}
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many attempts, try later"})
		return
	}

	if err := bcrypt.CompareHashAndPassword(s.passwordHash, []byte(req.Password)); err != nil {
		s.guard.Fail(ip, "admin")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid password"})
		return
	}
	s.guard.Success(ip, "admin")

	tok, err := s.makeToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": tok})
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"proxy_protocol":   s.settings.ProxyProtocol.String(),
		"proxied_protocol": s.settings.ProxiedProtocol.String(),
		"proxy_host":       s.settings.ProxyHost,
		"proxy_port":       s.settings.ProxyPort,
		"active_sessions":  s.manager.ActiveConnCount(),
		"uptime_seconds":   int64(time.Since(s.startAt).Seconds()),
	})
}

func (s *Server) systemInfo(c *gin.Context) {
	hi, _ := host.Info()
	vm, _ := mem.VirtualMemory()
	logical, _ := cpu.Counts(true)
	percent, _ := cpu.Percent(0, false)
	var usage float64
	if len(percent) > 0 {
		usage = percent[0]
	}
	c.JSON(http.StatusOK, gin.H{
		"go_version":  runtime.Version(),
		"hostname":    hi.Hostname,
		"os":          hi.OS,
		"arch":        runtime.GOARCH,
		"cpu_cores":   logical,
		"cpu_percent": usage,
		"mem_total":   vm.Total,
		"mem_used":    vm.Used,
	})
}

func (s *Server) recentAudit(c *gin.Context) {
	if s.audit == nil {
		c.JSON(http.StatusOK, gin.H{"records": []audit.SessionRecord{}})
		return
	}
	records, err := s.audit.Recent(100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

func (s *Server) serveEvents(c *gin.Context) {
	if err := s.hub.ServeWS(c.Writer, c.Request); err != nil {
		log.Debugf("websocket upgrade failed: %v", err)
	}
}

// Publish forwards a session lifecycle event to every connected admin
// websocket client.
func (s *Server) Publish(ev events.Event) { s.hub.Publish(ev) }

// Events returns the hub backing this server's websocket feed, so the
// caller can wire it into server.Manager.Events and have relay-loop
// session events reach connected admin clients.
func (s *Server) Events() *events.Hub { return s.hub }

func (s *Server) ListenAndServe() error {
	log.Infof("admin api listening on %s", s.cfg.Listen)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
