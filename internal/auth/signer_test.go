package auth

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/edgewire/vidproxy/internal/domain/model"
)

func newGet(t *testing.T, rawURL string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	return req
}

func TestSigner_Bearer(t *testing.T) {
	s := NewSigner(MapEnv(map[string]string{"ORIGIN_TOKEN": "sekrit"}))
	req := newGet(t, "https://origin.example.com/videos/a.mp4")

	err := s.Apply(req, &model.Auth{Enabled: true, Type: model.AuthTypeBearer, TokenVar: "ORIGIN_TOKEN"})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer sekrit" {
		t.Errorf("Authorization = %q", got)
	}
}

func TestSigner_Basic(t *testing.T) {
	s := NewSigner(MapEnv(map[string]string{"USER": "alice", "PASS": "wonder"}))
	req := newGet(t, "https://origin.example.com/a.mp4")

	err := s.Apply(req, &model.Auth{
		Enabled: true, Type: model.AuthTypeBasic,
		AccessKeyVar: "USER", SecretKeyVar: "PASS",
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("alice:wonder"))
	if got := req.Header.Get("Authorization"); got != want {
		t.Errorf("Authorization = %q, want %q", got, want)
	}
}

func TestSigner_HeaderInterpolation(t *testing.T) {
	s := NewSigner(MapEnv(map[string]string{"API_KEY": "k123"}))
	req := newGet(t, "https://origin.example.com/a.mp4")

	err := s.Apply(req, &model.Auth{
		Enabled: true, Type: model.AuthTypeHeader,
		Headers: map[string]string{"X-Api-Key": "${API_KEY}"},
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if got := req.Header.Get("X-Api-Key"); got != "k123" {
		t.Errorf("X-Api-Key = %q", got)
	}
}

func TestSigner_QueryParams(t *testing.T) {
	s := NewSigner(MapEnv(map[string]string{"SIG": "abc"}))
	req := newGet(t, "https://origin.example.com/a.mp4")

	err := s.Apply(req, &model.Auth{
		Enabled: true, Type: model.AuthTypeQuery,
		Params: map[string]string{"token": "${SIG}"},
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if got := req.URL.Query().Get("token"); got != "abc" {
		t.Errorf("token = %q", got)
	}
}

func TestSigner_TokenHeader(t *testing.T) {
	s := NewSigner(MapEnv(map[string]string{"T": "opaque"}))
	req := newGet(t, "https://origin.example.com/a.mp4")

	err := s.Apply(req, &model.Auth{
		Enabled: true, Type: model.AuthTypeToken,
		TokenVar: "T", TokenHeaderName: "X-Auth-Token",
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if got := req.Header.Get("X-Auth-Token"); got != "opaque" {
		t.Errorf("X-Auth-Token = %q", got)
	}
}

func TestSigner_MissingVarNamedNotLeaked(t *testing.T) {
	s := NewSigner(MapEnv(nil))
	req := newGet(t, "https://origin.example.com/a.mp4")

	err := s.Apply(req, &model.Auth{Enabled: true, Type: model.AuthTypeBearer, TokenVar: "ABSENT_TOKEN"})
	if err == nil {
		t.Fatal("expected AuthMisconfigured")
	}
	var me *model.Error
	if !errors.As(err, &me) || me.Kind != model.KindAuthMisconfigured {
		t.Fatalf("error = %v, want AuthMisconfigured", err)
	}
	if !strings.Contains(err.Error(), "ABSENT_TOKEN") {
		t.Errorf("error should name the missing var: %v", err)
	}
}

func TestSigner_Disabled(t *testing.T) {
	s := NewSigner(MapEnv(nil))
	req := newGet(t, "https://origin.example.com/a.mp4")

	if err := s.Apply(req, &model.Auth{Enabled: false, Type: model.AuthTypeBearer}); err != nil {
		t.Fatalf("disabled auth should be a no-op, got %v", err)
	}
	if len(req.Header) != 0 {
		t.Errorf("headers mutated: %v", req.Header)
	}
}

func TestSigner_SignV4ProducesHeaders(t *testing.T) {
	s := NewSigner(MapEnv(map[string]string{
		"AWS_KEY":    "AKIAEXAMPLE",
		"AWS_SECRET": "secretsecret",
	}))
	req := newGet(t, "https://bucket.s3.us-east-1.amazonaws.com/videos/a.mp4")

	err := s.Apply(req, &model.Auth{
		Enabled: true, Type: model.AuthTypeAWSS3,
		AccessKeyVar: "AWS_KEY", SecretKeyVar: "AWS_SECRET", Region: "us-east-1",
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	authz := req.Header.Get("Authorization")
	if !strings.HasPrefix(authz, "AWS4-HMAC-SHA256") {
		t.Errorf("Authorization = %q, want AWS4-HMAC-SHA256 prefix", authz)
	}
	if req.Header.Get("X-Amz-Date") == "" {
		t.Error("missing X-Amz-Date")
	}
	if got := req.Header.Get("X-Amz-Content-Sha256"); got != emptyPayloadSHA256 {
		t.Errorf("X-Amz-Content-Sha256 = %q", got)
	}
}

func TestSigner_PresignURL(t *testing.T) {
	s := NewSigner(MapEnv(map[string]string{
		"AWS_KEY":    "AKIAEXAMPLE",
		"AWS_SECRET": "secretsecret",
	}))
	req := newGet(t, "https://bucket.s3.us-east-1.amazonaws.com/videos/a.mp4")

	u, err := s.PresignURL(req, &model.Auth{
		Enabled: true, Type: model.AuthTypeAWSS3Presigned,
		AccessKeyVar: "AWS_KEY", SecretKeyVar: "AWS_SECRET",
		Region: "us-east-1", ExpiresInSeconds: 900,
	})
	if err != nil {
		t.Fatalf("PresignURL failed: %v", err)
	}
	for _, param := range []string{"X-Amz-Algorithm", "X-Amz-Credential", "X-Amz-Date", "X-Amz-Expires", "X-Amz-SignedHeaders", "X-Amz-Signature"} {
		if !strings.Contains(u, param) {
			t.Errorf("presigned URL missing %s: %s", param, u)
		}
	}
}
