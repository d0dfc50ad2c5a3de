package identity

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	appErr "benchboard/pkg/errors"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultDisplayName is shown for users whose token carries no name.
	DefaultDisplayName = "Anonymous"

	defaultTokenTTL = 24 * time.Hour
)

// DefaultAvatar returns the generated avatar for a user without a picture.
func DefaultAvatar(userID string) string {
	return "https://i.pravatar.cc/150?u=" + url.QueryEscape(userID)
}

// Identity is the authenticated caller.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

// Verifier resolves a bearer credential to an identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// Config holds JWT settings shared by the verifier and issuer.
type Config struct {
	Secret   string        `yaml:"secret"`
	Issuer   string        `yaml:"issuer"`
	TokenTTL time.Duration `yaml:"tokenTTL"`
}

type claims struct {
	Name    string `json:"name,omitempty"`
	Picture string `json:"picture,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 tokens.
type JWTVerifier struct {
	secret []byte
	issuer string
}

func NewJWTVerifier(cfg Config) (*JWTVerifier, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	return &JWTVerifier{secret: []byte(cfg.Secret), issuer: cfg.Issuer}, nil
}

func (v *JWTVerifier) Verify(ctx context.Context, raw string) (Identity, error) {
	if raw == "" {
		return Identity{}, appErr.New(appErr.Unauthorized).WithMessage("missing bearer token")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	parsed, err := jwt.ParseWithClaims(raw, &claims{}, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, appErr.New(appErr.TokenExpired)
		}
		return Identity{}, appErr.New(appErr.TokenInvalid)
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid || strings.TrimSpace(c.Subject) == "" {
		return Identity{}, appErr.New(appErr.TokenInvalid)
	}
	return resolve(c.Subject, c.Name, c.Picture), nil
}

func resolve(userID, name, picture string) Identity {
	id := Identity{UserID: userID, DisplayName: strings.TrimSpace(name), AvatarURL: strings.TrimSpace(picture)}
	if id.DisplayName == "" {
		id.DisplayName = DefaultDisplayName
	}
	if id.AvatarURL == "" {
		id.AvatarURL = DefaultAvatar(userID)
	}
	return id
}

// Issuer signs tokens for tooling and tests.
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(cfg Config) (*Issuer, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &Issuer{secret: []byte(cfg.Secret), issuer: cfg.Issuer, ttl: ttl, now: time.Now}, nil
}

// Issue signs a token for id.
func (i *Issuer) Issue(id Identity) (string, error) {
	if id.UserID == "" {
		return "", appErr.ValidationError("user_id", "required")
	}
	now := i.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims{
		Name:    id.DisplayName,
		Picture: id.AvatarURL,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	})
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.TokenGenerationFailed, "sign token failed")
	}
	return signed, nil
}
