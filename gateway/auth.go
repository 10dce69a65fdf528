package gateway

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/reqdesk/reqsync"
)

const actorKey = "reqsync.actor"

var errInvalidToken = errors.New("invalid or expired token")

// IssueToken signs an HS256 token for actor valid for ttl.
func IssueToken(secret string, actor reqsync.Actor, ttl time.Duration) (string, error) {
	if actor.ID == "" {
		return "", errors.New("actor id is required")
	}
	now := time.Now()
	claims := reqsync.Claims{
		Operator: actor.IsOperator,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken verifies tokenStr and returns its actor.
func ParseToken(secret, tokenStr string, leeway time.Duration) (reqsync.Actor, error) {
	claims := &reqsync.Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		// only HMAC
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return []byte(secret), nil
	}, jwt.WithLeeway(leeway), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return reqsync.Actor{}, errInvalidToken
	}
	if claims.Subject == "" {
		return reqsync.Actor{}, errInvalidToken
	}
	return reqsync.Actor{ID: claims.Subject, IsOperator: claims.Operator}, nil
}

// tokenFrom reads the bearer header, falling back to the token query
// parameter that browsers must use for WebSocket and SSE.
func tokenFrom(c *gin.Context) string {
	authHeader := strings.TrimSpace(c.GetHeader("Authorization"))
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return strings.TrimSpace(c.Query("token"))
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	secret := s.cfg.Auth.JWTSecret
	leeway := s.cfg.Auth.Leeway.Std()
	return func(c *gin.Context) {
		tokenStr := tokenFrom(c)
		if tokenStr == "" {
			abort(c, http.StatusUnauthorized, reqsync.KindUnauthorized, "missing or invalid Authorization header")
			return
		}
		actor, err := ParseToken(secret, tokenStr, leeway)
		if err != nil {
			abort(c, http.StatusUnauthorized, reqsync.KindUnauthorized, err.Error())
			return
		}
		c.Set(actorKey, actor)
		c.Next()
	}
}

func actorFrom(c *gin.Context) reqsync.Actor {
	v, _ := c.Get(actorKey)
	a, _ := v.(reqsync.Actor)
	return a
}

// ── Rate limiting ────────────────────────────────────────

type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*rate.Limiter
	rps   float64
	burst int
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &limiterPool{m: make(map[string]*rate.Limiter), rps: rps, burst: burst}
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.m[key]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(p.rps), p.burst)
	p.m[key] = l
	return l
}

func (p *limiterPool) Allow(key string) bool {
	return p.get(key).Allow()
}

func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiters.Allow(actorFrom(c).ID) {
			abort(c, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
			return
		}
		c.Next()
	}
}
