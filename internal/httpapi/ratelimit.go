package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const verifyPath = "/api/verify-patient"

type RateLimitConfig struct {
	IPPerMinute int
	IPBurst     int
	// Verification attempts get their own, tighter bucket per client so the
	// four phone digits cannot be brute forced at the general rate.
	VerifyPerMinute int
	VerifyBurst     int
	// VerifyPerPatientPerHour caps attempts against one patient whatever
	// the source address.
	VerifyPerPatientPerHour int
	VerifyPerPatientBurst   int
	// TrustedProxies lists addresses or CIDR ranges whose X-Forwarded-For
	// header is believed. Requests from anywhere else are keyed on the
	// connection's remote address.
	TrustedProxies []string
}

type RateLimiter struct {
	ipLimiter      *tokenLimiter
	verifyLimiter  *tokenLimiter
	patientLimiter *tokenLimiter
	trusted        []*net.IPNet
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.VerifyPerMinute <= 0 {
		cfg.VerifyPerMinute = 10
	}
	if cfg.VerifyBurst <= 0 {
		cfg.VerifyBurst = 5
	}
	if cfg.VerifyPerPatientPerHour <= 0 {
		cfg.VerifyPerPatientPerHour = 20
	}
	if cfg.VerifyPerPatientBurst <= 0 {
		cfg.VerifyPerPatientBurst = 5
	}
	if cfg.IPPerMinute <= 0 {
		cfg.IPPerMinute = 60
	}
	if cfg.IPBurst <= 0 {
		cfg.IPBurst = 20
	}
	return &RateLimiter{
		ipLimiter:      newTokenLimiter(cfg.IPPerMinute, time.Minute, cfg.IPBurst),
		verifyLimiter:  newTokenLimiter(cfg.VerifyPerMinute, time.Minute, cfg.VerifyBurst),
		patientLimiter: newTokenLimiter(cfg.VerifyPerPatientPerHour, time.Hour, cfg.VerifyPerPatientBurst),
		trusted:        parseTrustedProxies(cfg.TrustedProxies),
	}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := l.clientIP(r)
		if ip != "" && !l.ipLimiter.allow(ip) {
			writeError(w, r, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		if r.URL.Path == verifyPath {
			if ip != "" && !l.verifyLimiter.allow(ip) {
				writeError(w, r, http.StatusTooManyRequests, "rate_limited", "too many verification attempts")
				return
			}
			if patientID, ok := verifyTarget(r); ok && !l.patientLimiter.allow("patient:"+strconv.FormatInt(patientID, 10)) {
				writeError(w, r, http.StatusTooManyRequests, "rate_limited", "too many verification attempts")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP returns the remote address, or the nearest untrusted hop of
// X-Forwarded-For when the request came through a trusted proxy.
func (l *RateLimiter) clientIP(r *http.Request) string {
	remote := remoteHost(r.RemoteAddr)
	if !l.isTrusted(remote) {
		return remote
	}
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded == "" {
		return remote
	}
	hops := strings.Split(forwarded, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if !l.isTrusted(hop) {
			return hop
		}
	}
	return remote
}

func (l *RateLimiter) isTrusted(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, network := range l.trusted {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func parseTrustedProxies(entries []string) []*net.IPNet {
	var networks []*net.IPNet
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			if ip := net.ParseIP(entry); ip != nil {
				bits := 32
				if ip.To4() == nil {
					bits = 128
				}
				entry = entry + "/" + strconv.Itoa(bits)
			}
		}
		if _, network, err := net.ParseCIDR(entry); err == nil {
			networks = append(networks, network)
		}
	}
	return networks
}

func remoteHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// verifyTarget peeks at the verification body for the patient id and
// restores the body for the handler.
func verifyTarget(r *http.Request) (int64, bool) {
	if r.Body == nil {
		return 0, false
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil {
		return 0, false
	}
	var payload struct {
		PatientID int64 `json:"patient_id"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || payload.PatientID <= 0 {
		return 0, false
	}
	return payload.PatientID, true
}

type tokenLimiter struct {
	mu     sync.Mutex
	rate   float64
	burst  float64
	bucket map[string]*bucket
	now    func() time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

func newTokenLimiter(limit int, window time.Duration, burst int) *tokenLimiter {
	return &tokenLimiter{
		rate:   float64(limit) / window.Seconds(),
		burst:  float64(burst),
		bucket: make(map[string]*bucket),
		now:    time.Now,
	}
}

func (l *tokenLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.bucket[key]
	if !ok {
		l.bucket[key] = &bucket{tokens: l.burst - 1, last: now}
		return true
	}
	elapsed := now.Sub(b.last).Seconds()
	b.tokens = min(l.burst, b.tokens+elapsed*l.rate)
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens -= 1
	return true
}
