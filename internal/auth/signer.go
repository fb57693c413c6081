// Package auth applies per-source authentication to outbound origin requests.
package auth

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strings"

	"github.com/minio/minio-go/v7/pkg/signer"

	"github.com/edgewire/vidproxy/internal/domain/model"
)

// SHA-256 of an empty body, required by SigV4 for GET/HEAD requests.
const emptyPayloadSHA256 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

const defaultPresignExpirySeconds = 3600

// Env resolves environment-bound secrets. The default implementation reads
// the process environment; tests inject a map-backed one.
type Env func(name string) string

// OSEnv reads secrets from the process environment.
func OSEnv() Env { return os.Getenv }

// MapEnv reads secrets from a fixed map. Test helper.
func MapEnv(m map[string]string) Env {
	return func(name string) string { return m[name] }
}

// Signer resolves credentials and signs requests per an Auth record.
type Signer struct {
	env Env
}

// NewSigner creates a Signer over the given secret resolver.
func NewSigner(env Env) *Signer {
	if env == nil {
		env = OSEnv()
	}
	return &Signer{env: env}
}

// Apply mutates req in place for header-style auth types. Query and
// presigned types are handled by PresignURL; passing them here is an error.
func (s *Signer) Apply(req *http.Request, a *model.Auth) error {
	if a == nil || !a.Enabled {
		return nil
	}

	switch a.Type {
	case model.AuthTypeAWSS3:
		return s.signV4(req, a)

	case model.AuthTypeBearer:
		token, err := s.secret(a.TokenVar)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return nil

	case model.AuthTypeBasic:
		user, err := s.secret(a.AccessKeyVar)
		if err != nil {
			return err
		}
		pass, err := s.secret(a.SecretKeyVar)
		if err != nil {
			return err
		}
		cred := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
		req.Header.Set("Authorization", "Basic "+cred)
		return nil

	case model.AuthTypeHeader:
		for name, tmpl := range a.Headers {
			v, err := s.interpolate(tmpl)
			if err != nil {
				return err
			}
			req.Header.Set(name, v)
		}
		return nil

	case model.AuthTypeQuery:
		q := req.URL.Query()
		for name, tmpl := range a.Params {
			v, err := s.interpolate(tmpl)
			if err != nil {
				return err
			}
			q.Set(name, v)
		}
		req.URL.RawQuery = q.Encode()
		return nil

	case model.AuthTypeToken:
		token, err := s.secret(a.TokenVar)
		if err != nil {
			return err
		}
		name := a.TokenHeaderName
		if name == "" {
			name = "Authorization"
		}
		req.Header.Set(name, token)
		return nil

	case model.AuthTypeAWSS3Presigned:
		return model.NewError(model.KindAuthMisconfigured,
			"presigned auth must go through PresignURL", nil, "authType", string(a.Type))

	default:
		return model.NewError(model.KindAuthMisconfigured,
			"unknown auth type", nil, "authType", string(a.Type))
	}
}

// PresignURL mints a SigV4 presigned URL for the request. The signature and
// expiry are embedded as X-Amz-* query parameters.
func (s *Signer) PresignURL(req *http.Request, a *model.Auth) (string, error) {
	if a == nil || a.Type != model.AuthTypeAWSS3Presigned {
		return "", model.NewError(model.KindAuthMisconfigured,
			"presign requires aws-s3-presigned-url auth", nil)
	}
	accessKey, secretKey, sessionToken, err := s.awsCredentials(a)
	if err != nil {
		return "", err
	}

	expires := int64(a.ExpiresInSeconds)
	if expires <= 0 {
		expires = defaultPresignExpirySeconds
	}

	signed := signer.PreSignV4(*req, accessKey, secretKey, sessionToken, a.Region, expires)
	return signed.URL.String(), nil
}

// signV4 header-signs the request. The signer targets the s3 service;
// auth.service values other than s3 are signed as s3.
func (s *Signer) signV4(req *http.Request, a *model.Auth) error {
	accessKey, secretKey, sessionToken, err := s.awsCredentials(a)
	if err != nil {
		return err
	}

	if req.Method == http.MethodGet || req.Method == http.MethodHead {
		req.Header.Set("X-Amz-Content-Sha256", emptyPayloadSHA256)
	}
	signed := signer.SignV4(*req, accessKey, secretKey, sessionToken, a.Region)
	req.Header = signed.Header
	return nil
}

func (s *Signer) awsCredentials(a *model.Auth) (accessKey, secretKey, sessionToken string, err error) {
	accessKey, err = s.secret(a.AccessKeyVar)
	if err != nil {
		return "", "", "", err
	}
	secretKey, err = s.secret(a.SecretKeyVar)
	if err != nil {
		return "", "", "", err
	}
	if a.SessionTokenVar != "" {
		sessionToken = s.env(a.SessionTokenVar)
	}
	return accessKey, secretKey, sessionToken, nil
}

// secret resolves a required env var. The error names the variable but
// never carries its value.
func (s *Signer) secret(name string) (string, error) {
	if name == "" {
		return "", model.NewError(model.KindAuthMisconfigured, "auth references no env var", nil)
	}
	v := s.env(name)
	if v == "" {
		return "", model.NewError(model.KindAuthMisconfigured,
			fmt.Sprintf("env var %s is absent or empty", name), nil, "envVar", name)
	}
	return v, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z0-9_]+)\}`)

// interpolate expands ${VAR} references in a header/param template.
func (s *Signer) interpolate(tmpl string) (string, error) {
	if !strings.Contains(tmpl, "${") {
		return tmpl, nil
	}
	var missing string
	out := envRef.ReplaceAllStringFunc(tmpl, func(ref string) string {
		name := ref[2 : len(ref)-1]
		v := s.env(name)
		if v == "" && missing == "" {
			missing = name
		}
		return v
	})
	if missing != "" {
		return "", model.NewError(model.KindAuthMisconfigured,
			fmt.Sprintf("env var %s is absent or empty", missing), nil, "envVar", missing)
	}
	return out, nil
}
