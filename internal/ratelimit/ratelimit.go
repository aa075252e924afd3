// Package ratelimit provides a per-IP fixed-window rate limiter with an
// allow list, used in front of the control API.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ryan-winkler/voicediary/internal/httputil"
)

// Limiter is a per-IP rate limiter with an allow list.
type Limiter struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	rate      int           // requests per window
	window    time.Duration // window duration
	allowList map[string]bool
	allowNets []*net.IPNet
	now       func() time.Time
}

type visitor struct {
	remaining int
	reset     time.Time
}

// New creates a rate limiter allowing rate requests per window from each IP.
// allowList holds IPs and CIDRs that bypass limiting. rate <= 0 disables it.
func New(rate int, window time.Duration, allowList []string) *Limiter {
	allowed := make(map[string]bool)
	var nets []*net.IPNet
	for _, entry := range allowList {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			if _, network, err := net.ParseCIDR(entry); err == nil {
				nets = append(nets, network)
			}
			continue
		}
		if ip := net.ParseIP(entry); ip != nil {
			entry = ip.String()
		}
		allowed[entry] = true
	}
	return &Limiter{
		visitors:  make(map[string]*visitor),
		rate:      rate,
		window:    window,
		allowList: allowed,
		allowNets: nets,
		now:       time.Now,
	}
}

// Enabled reports whether any limiting happens.
func (l *Limiter) Enabled() bool { return l.rate > 0 }

// Allow reports whether a request from addr (host or host:port) may proceed.
func (l *Limiter) Allow(addr string) bool {
	ok, _ := l.take(addr)
	return ok
}

// take consumes one request and, when refused, reports how long until the
// window resets.
func (l *Limiter) take(addr string) (bool, time.Duration) {
	if !l.Enabled() {
		return true, 0
	}
	host := hostOf(addr)
	if l.isAllowed(host) {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	v, ok := l.visitors[host]
	if !ok || !now.Before(v.reset) {
		l.visitors[host] = &visitor{remaining: l.rate - 1, reset: now.Add(l.window)}
		return true, 0
	}
	if v.remaining > 0 {
		v.remaining--
		return true, 0
	}
	return false, v.reset.Sub(now)
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	return host
}

func (l *Limiter) isAllowed(host string) bool {
	if l.allowList[host] {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, network := range l.allowNets {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// Middleware rejects over-limit requests with 429 and a Retry-After header.
func (l *Limiter) Middleware(logger *slog.Logger, next http.Handler) http.Handler {
	if !l.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, wait := l.take(r.RemoteAddr)
		if !ok {
			secs := int(math.Ceil(wait.Seconds()))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			httputil.Error(w, r, logger, http.StatusTooManyRequests, "rate limit exceeded",
				"WHY: client used its request budget for the current window")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Cleanup removes visitors whose window has expired.
func (l *Limiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for host, v := range l.visitors {
		if !now.Before(v.reset) {
			delete(l.visitors, host)
		}
	}
}

// Run calls Cleanup every interval until ctx is done.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	if !l.Enabled() {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Cleanup()
		}
	}
}
