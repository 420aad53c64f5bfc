package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned when a request carries no valid credentials.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Config guards the mutating HTTP endpoints.
//
//	[server.auth]
//	enabled = true
//	username = "admin"
//	password_hash = "$2a$10$..."   # logkeeper hash-password
//	token = "..."                  # optional bearer token
type Config struct {
	Enabled      bool   `mapstructure:"enabled"`
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
	Token        string `mapstructure:"token"`
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Token == "" && (c.Username == "" || c.PasswordHash == "") {
		return errors.New("auth enabled but neither token nor username/password_hash configured")
	}
	if c.PasswordHash != "" {
		if _, err := bcrypt.Cost([]byte(c.PasswordHash)); err != nil {
			return errors.New("password_hash is not a bcrypt hash")
		}
	}
	return nil
}

// HashPassword returns the bcrypt hash stored in password_hash.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("empty password")
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Middleware checks Bearer tokens and Basic credentials.
type Middleware struct {
	cfg Config
}

func NewMiddleware(cfg Config) *Middleware { return &Middleware{cfg: cfg} }

// Authenticate validates the credentials carried by r.
func (m *Middleware) Authenticate(r *http.Request) error {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			if m.cfg.Token != "" && subtle.ConstantTimeCompare([]byte(parts[1]), []byte(m.cfg.Token)) == 1 {
				return nil
			}
			return ErrInvalidCredentials
		}
	}
	username, password, ok := r.BasicAuth()
	if !ok || m.cfg.PasswordHash == "" {
		return ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(username), []byte(m.cfg.Username)) != 1 {
		return ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(m.cfg.PasswordHash), []byte(password)) != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// GinAuth returns a Gin middleware function for authentication.
func (m *Middleware) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.cfg.Enabled {
			c.Next()
			return
		}
		if err := m.Authenticate(c.Request); err != nil {
			c.Header("WWW-Authenticate", `Basic realm="logkeeper"`)
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_failed",
				"message": "Authentication required",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
