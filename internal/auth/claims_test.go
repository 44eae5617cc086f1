package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-key-for-jwt-signing-32b"

func TestGenerateAndParseToken(t *testing.T) {
	token, err := GenerateToken("gm-1", RoleOperator, testSecret, "device-monitor", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	if token == "" {
		t.Fatal("GenerateToken() returned empty token")
	}

	claims, err := ParseToken(token, testSecret, "device-monitor")
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Subject != "gm-1" {
		t.Errorf("Subject = %q, want %q", claims.Subject, "gm-1")
	}
	if claims.Role != RoleOperator {
		t.Errorf("Role = %q, want %q", claims.Role, RoleOperator)
	}
	if claims.ID == "" {
		t.Error("JTI (ID) should not be empty")
	}
}

func TestGenerateToken_InvalidRole(t *testing.T) {
	_, err := GenerateToken("gm-1", Role("owner"), testSecret, "", time.Hour)
	if !errors.Is(err, ErrInvalidRole) {
		t.Errorf("error = %v, want ErrInvalidRole", err)
	}
}

func TestGenerateToken_DefaultTTL(t *testing.T) {
	token, err := GenerateToken("gm-1", RoleViewer, testSecret, "", 0)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	claims, err := ParseToken(token, testSecret, "")
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}

	diff := claims.ExpiresAt.Time.Sub(time.Now().Add(DefaultTokenTTL))
	if diff < -time.Minute || diff > time.Minute {
		t.Errorf("default TTL expiry off by %v", diff)
	}
}

func TestParseToken_Rejects(t *testing.T) {
	valid, err := GenerateToken("gm-1", RoleAdmin, testSecret, "device-monitor", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "gm-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
		Role: RoleAdmin,
	})
	expiredToken, err := expired.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("signing expired token: %v", err)
	}

	noSubject := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Role: RoleAdmin})
	noSubjectToken, err := noSubject.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}

	badRole := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "gm-1"},
		Role:             Role("owner"),
	})
	badRoleToken, err := badRole.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}

	tests := []struct {
		name   string
		token  string
		secret string
		issuer string
	}{
		{"wrong secret", valid, "another-secret-that-is-32-bytes-long", "device-monitor"},
		{"wrong issuer", valid, testSecret, "someone-else"},
		{"expired", expiredToken, testSecret, ""},
		{"missing subject", noSubjectToken, testSecret, ""},
		{"unknown role", badRoleToken, testSecret, ""},
		{"garbage", "not-a-valid-jwt", testSecret, ""},
		{"empty", "", testSecret, ""},
		{"malformed", "abc.def", testSecret, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseToken(tt.token, tt.secret, tt.issuer)
			if !errors.Is(err, ErrTokenInvalid) {
				t.Errorf("ParseToken() error = %v, want ErrTokenInvalid", err)
			}
		})
	}
}

func TestParseToken_RejectsNoneAlgorithm(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "gm-1"},
		Role:             RoleAdmin,
	})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("signing none token: %v", err)
	}
	if _, err := ParseToken(signed, testSecret, ""); err == nil {
		t.Error("ParseToken() accepted an unsigned token")
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{"Bearer abc.def.ghi", "abc.def.ghi", false},
		{"bearer   abc", "abc", false},
		{"Basic dXNlcjpwYXNz", "", true},
		{"Bearer", "", true},
		{"Bearer    ", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			got, err := BearerToken(tt.header)
			if tt.wantErr {
				if !errors.Is(err, ErrTokenMissing) {
					t.Errorf("error = %v, want ErrTokenMissing", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("BearerToken(%q) = %q, %v; want %q", tt.header, got, err, tt.want)
			}
		})
	}
}

func TestClaimsContext(t *testing.T) {
	if ClaimsFromContext(context.Background()) != nil {
		t.Error("empty context should carry no claims")
	}

	c := &Claims{Role: RoleOperator}
	ctx := WithClaims(context.Background(), c)
	if got := ClaimsFromContext(ctx); got != c {
		t.Errorf("ClaimsFromContext() = %v, want %v", got, c)
	}
	if fromCtx := ClaimsFromContext(ctx); !fromCtx.Can(PermDeviceOperate) || fromCtx.Can(PermDeviceConfigure) {
		t.Error("operator permissions not applied through claims")
	}
}
