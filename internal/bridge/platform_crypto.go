package bridge

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"hash"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/woxQAQ/frame-runtime/internal/fault"
)

const maxRandomBytes = 4096

// HashPassword hashes password with bcrypt at the default cost.
func HashPassword(password string) (string, error) {
	digest, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", fault.Validationf("_crypto_hash_password", "%v", err)
		}
		return "", fault.Wrap(fault.Module, "_crypto_hash_password", err)
	}
	return string(digest), nil
}

// VerifyPassword reports whether password matches a bcrypt hash.
func VerifyPassword(password, hashed string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password)) == nil
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	if n <= 0 || n > maxRandomBytes {
		return nil, fault.Validationf("_crypto_random_bytes", "length must be between 1 and %d", maxRandomBytes)
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fault.Wrap(fault.Module, "_crypto_random_bytes", err)
	}
	return b, nil
}

// HMAC returns the hex HMAC of data under key. algo is sha256 (the
// default) or sha512.
func HMAC(data, key, algo string) (string, error) {
	var h func() hash.Hash
	switch strings.ToLower(algo) {
	case "", "sha256":
		h = sha256.New
	case "sha512":
		h = sha512.New
	default:
		return "", fault.Algorithmf("_crypto_hmac", "unsupported algorithm %q", algo).WithDetail("supported", []string{"sha256", "sha512"})
	}
	mac := hmac.New(h, []byte(key))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func signingMethod(alg string) (jwt.SigningMethod, error) {
	switch alg {
	case "", "HS256":
		return jwt.SigningMethodHS256, nil
	case "HS384":
		return jwt.SigningMethodHS384, nil
	case "HS512":
		return jwt.SigningMethodHS512, nil
	}
	return nil, fault.Algorithmf("_jwt_sign", "unsupported algorithm %q", alg).WithDetail("supported", []string{"HS256", "HS384", "HS512"})
}

// SignJWT signs claims (a JSON object) with an HMAC algorithm.
func SignJWT(claimsJSON, secret, alg string) (string, error) {
	method, err := signingMethod(alg)
	if err != nil {
		return "", err
	}
	if secret == "" {
		return "", fault.Validationf("_jwt_sign", "secret is required")
	}
	claims := jwt.MapClaims{}
	if err := json.Unmarshal([]byte(claimsJSON), &claims); err != nil {
		return "", fault.Validationf("_jwt_sign", "claims must be a JSON object: %v", err)
	}
	token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fault.Wrap(fault.Module, "_jwt_sign", err)
	}
	return token, nil
}

// VerifyJWT checks the signature and time claims of token.
func VerifyJWT(token, secret string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return nil, fault.Permissionf("_jwt_verify", "invalid token: %v", err)
	}
	return claims, nil
}

// DecodedToken is a token's header and claims, read without verification.
type DecodedToken struct {
	Header  map[string]any `json:"header"`
	Payload jwt.MapClaims  `json:"payload"`
}

// DecodeJWT returns the header and claims of token without verifying it.
func DecodeJWT(token string) (*DecodedToken, error) {
	claims := jwt.MapClaims{}
	t, _, err := jwt.NewParser().ParseUnverified(token, claims)
	if err != nil {
		return nil, fault.Validationf("_jwt_decode", "malformed token: %v", err)
	}
	return &DecodedToken{Header: t.Header, Payload: claims}, nil
}

// returnRaw hands s to the guest as a plain string. On err the guest sees
// the empty string and the error is recorded on the state.
func returnRaw(c *Call, s string, err error) {
	if err != nil {
		c.reportError(err)
		c.ReturnString("")
		return
	}
	c.ReturnString(s)
}

// returnJSON is returnRaw for a value encoded as JSON.
func returnJSON(c *Call, v any, err error) {
	if err != nil {
		returnRaw(c, "", err)
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		returnRaw(c, "", fault.Wrap(fault.Module, c.Name(), err))
		return
	}
	c.ReturnBytes(b)
}

// cryptoFuncs return plain strings to the guest, empty on failure.
func cryptoFuncs() []Func {
	return []Func{
		{Name: "_crypto_hash_password", Params: []Shape{Str}, Result: Ptr, Fn: func(c *Call) {
			h, err := HashPassword(c.Str())
			returnRaw(c, h, err)
		}},
		{Name: "_crypto_verify_password", Params: []Shape{Str, Str}, Result: Bool, Fn: func(c *Call) {
			password, hashed := c.Str(), c.Str()
			c.ReturnBool(VerifyPassword(password, hashed))
		}},
		{Name: "_crypto_random_bytes", Params: []Shape{I32}, Result: Ptr, Fn: func(c *Call) {
			b, err := RandomBytes(int(c.I32()))
			returnRaw(c, base64.StdEncoding.EncodeToString(b), err)
		}},
		{Name: "_crypto_random_hex", Params: []Shape{I32}, Result: Ptr, Fn: func(c *Call) {
			b, err := RandomBytes(int(c.I32()))
			returnRaw(c, hex.EncodeToString(b), err)
		}},
		{Name: "_crypto_hash_sha256", Params: []Shape{Str}, Result: Ptr, Fn: func(c *Call) {
			sum := sha256.Sum256([]byte(c.Str()))
			c.ReturnString(hex.EncodeToString(sum[:]))
		}},
		{Name: "_crypto_hash_sha512", Params: []Shape{Str}, Result: Ptr, Fn: func(c *Call) {
			sum := sha512.Sum512([]byte(c.Str()))
			c.ReturnString(hex.EncodeToString(sum[:]))
		}},
		{Name: "_crypto_hmac", Params: []Shape{Str, Str, Str}, Result: Ptr, Fn: func(c *Call) {
			data, key, algo := c.Str(), c.Str(), c.Str()
			digest, err := HMAC(data, key, algo)
			returnRaw(c, digest, err)
		}},
		{Name: "_jwt_sign", Params: []Shape{Str, Str, Str}, Result: Ptr, Fn: func(c *Call) {
			claims, secret, alg := c.Str(), c.Str(), c.Str()
			token, err := SignJWT(claims, secret, alg)
			returnRaw(c, token, err)
		}},
		// Every HMAC algorithm is accepted on verify; the algorithm
		// argument is read and ignored.
		{Name: "_jwt_verify", Params: []Shape{Str, Str, Str}, Result: Ptr, Fn: func(c *Call) {
			token, secret := c.Str(), c.Str()
			_ = c.Str()
			claims, err := VerifyJWT(token, secret)
			returnJSON(c, claims, err)
		}},
		{Name: "_jwt_decode", Params: []Shape{Str}, Result: Ptr, Fn: func(c *Call) {
			decoded, err := DecodeJWT(c.Str())
			returnJSON(c, decoded, err)
		}},
	}
}
