package identity_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"benchboard/internal/identity"
	appErr "benchboard/pkg/errors"

	"github.com/gin-gonic/gin"
)

var testConfig = identity.Config{Secret: "test-secret", Issuer: "benchboard-test", TokenTTL: time.Hour}

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	issuer, _ := identity.NewIssuer(testConfig)
	verifier, _ := identity.NewJWTVerifier(testConfig)

	token, err := issuer.Issue(identity.Identity{UserID: "u1", DisplayName: "Ada", AvatarURL: "https://img/ada.png"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	id, err := verifier.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.UserID != "u1" || id.DisplayName != "Ada" || id.AvatarURL != "https://img/ada.png" {
		t.Fatalf("unexpected identity %+v", id)
	}
}

func TestVerifyAppliesFallbacks(t *testing.T) {
	issuer, _ := identity.NewIssuer(testConfig)
	verifier, _ := identity.NewJWTVerifier(testConfig)
	token, _ := issuer.Issue(identity.Identity{UserID: "u 2"})

	id, err := verifier.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.DisplayName != identity.DefaultDisplayName {
		t.Fatalf("display name = %q", id.DisplayName)
	}
	if id.AvatarURL != "https://i.pravatar.cc/150?u=u+2" {
		t.Fatalf("avatar = %q", id.AvatarURL)
	}
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	verifier, _ := identity.NewJWTVerifier(testConfig)
	otherIssuer, _ := identity.NewIssuer(identity.Config{Secret: "other", Issuer: testConfig.Issuer})
	forged, _ := otherIssuer.Issue(identity.Identity{UserID: "u1"})
	wrongIss, _ := identity.NewIssuer(identity.Config{Secret: testConfig.Secret, Issuer: "someone-else"})
	foreign, _ := wrongIss.Issue(identity.Identity{UserID: "u1"})
	shortIssuer, _ := identity.NewIssuer(identity.Config{Secret: testConfig.Secret, Issuer: testConfig.Issuer, TokenTTL: time.Millisecond})
	expired, _ := shortIssuer.Issue(identity.Identity{UserID: "u1"})
	time.Sleep(1100 * time.Millisecond)

	cases := []struct {
		name  string
		token string
		code  appErr.ErrorCode
	}{
		{"empty", "", appErr.Unauthorized},
		{"garbage", "not-a-jwt", appErr.TokenInvalid},
		{"wrong secret", forged, appErr.TokenInvalid},
		{"wrong issuer", foreign, appErr.TokenInvalid},
		{"expired", expired, appErr.TokenExpired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := verifier.Verify(context.Background(), tc.token)
			if appErr.GetCode(err) != tc.code {
				t.Fatalf("expected code %d, got %v", tc.code, err)
			}
			if appErr.GetCode(err).HTTPStatus() != http.StatusUnauthorized {
				t.Fatalf("expected 401 mapping")
			}
		})
	}
}

func TestRequireIdentityMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	issuer, _ := identity.NewIssuer(testConfig)
	verifier, _ := identity.NewJWTVerifier(testConfig)
	token, _ := issuer.Issue(identity.Identity{UserID: "u1", DisplayName: "Ada"})

	r := gin.New()
	r.GET("/me", identity.RequireIdentity(verifier), func(c *gin.Context) {
		id, ok := identity.FromContext(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, id.UserID)
	})

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + token, http.StatusUnauthorized},
		{"invalid", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer " + token, http.StatusOK},
		{"lowercase scheme", "bearer " + token, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tc.status {
				t.Fatalf("status = %d, want %d", w.Code, tc.status)
			}
			if tc.status == http.StatusOK && w.Body.String() != "u1" {
				t.Fatalf("body = %q", w.Body.String())
			}
		})
	}
}
