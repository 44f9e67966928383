package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"lan-file-drop/internal/config"
	"lan-file-drop/internal/logging"
)

const authHeader = "X-Auth-Token"

// secretChecker compares presented tokens against the shared secret. A
// bcrypt secret is verified once per distinct token; later requests hit
// the digest cache instead of paying the bcrypt cost again.
type secretChecker struct {
	secret   string
	isBcrypt bool

	mu       sync.Mutex
	verified map[[sha256.Size]byte]struct{}
}

func newSecretChecker(secret string) *secretChecker {
	return &secretChecker{
		secret:   secret,
		isBcrypt: config.IsBcryptHash(secret),
		verified: make(map[[sha256.Size]byte]struct{}),
	}
}

func (c *secretChecker) check(token string) bool {
	if token == "" {
		return false
	}
	if !c.isBcrypt {
		return subtle.ConstantTimeCompare([]byte(token), []byte(c.secret)) == 1
	}

	sum := sha256.Sum256([]byte(token))
	c.mu.Lock()
	_, ok := c.verified[sum]
	c.mu.Unlock()
	if ok {
		return true
	}

	if bcrypt.CompareHashAndPassword([]byte(c.secret), []byte(token)) != nil {
		return false
	}
	c.mu.Lock()
	// Bounded so a client cycling tokens cannot grow it without limit;
	// only correct tokens are ever stored.
	if len(c.verified) < 64 {
		c.verified[sum] = struct{}{}
	}
	c.mu.Unlock()
	return true
}

// tokenFromRequest reads the shared secret from the header, falling back
// to the "token" query parameter for plain links.
func tokenFromRequest(r *http.Request) string {
	if t := r.Header.Get(authHeader); t != "" {
		return t
	}
	return r.URL.Query().Get("token")
}

// sharedSecretMiddleware requires the shared secret on every route except
// probes and metrics. An empty secret disables the check. Clients that keep
// presenting wrong secrets are locked out for a while.
func sharedSecretMiddleware(secret string, lock *clientLockout, log *logging.Logger, next http.Handler) http.Handler {
	if secret == "" {
		return next
	}
	checker := newSecretChecker(secret)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isProbePath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ip := remoteHost(r)
		if until := lock.lockedUntil(ip); !until.IsZero() {
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(until).Seconds())+1))
			writeError(w, http.StatusTooManyRequests, "too many failed attempts")
			return
		}

		if !checker.check(tokenFromRequest(r)) {
			if locked, until := lock.recordFailure(ip); locked {
				log.Warn("client locked out", map[string]any{
					"ip":    ip,
					"until": until.Format(time.RFC3339),
				})
			}
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		lock.recordSuccess(ip)
		next.ServeHTTP(w, r)
	})
}

// remoteHost is the peer address without the port. Forwarding headers are
// ignored here since a client could rotate them to dodge the lockout.
func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
