package jwt

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

const defaultLeeway = 30 * time.Second

// Verifier 校验 bearer token 并解析出用户 ID
type Verifier interface {
	Verify(tokenString string) (*Claims, error)
}

// HMACVerifier 校验本服务用共享密钥签发的 token
type HMACVerifier struct {
	secret string
}

func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: secret}
}

func (v *HMACVerifier) Verify(tokenString string) (*Claims, error) {
	return ParseToken(tokenString, v.secret)
}

// JWKSVerifier 校验外部身份服务签发的 RS256 token
// user_id 声明缺失时用数字形式的 sub
type JWKSVerifier struct {
	keyfunc keyfunc.Keyfunc
	parser  *jwt.Parser
}

// NewJWKSVerifier 从 JWKS 地址加载公钥，后台自动刷新
func NewJWKSVerifier(jwksURL, issuer, audience string) (*JWKSVerifier, error) {
	if jwksURL == "" {
		return nil, errors.New("jwks url must be set")
	}
	kf, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("failed to init JWKS keyfunc: %w", err)
	}
	return newJWKSVerifier(kf, issuer, audience), nil
}

func newJWKSVerifier(kf keyfunc.Keyfunc, issuer, audience string) *JWKSVerifier {
	opts := []jwt.ParserOption{
		jwt.WithLeeway(defaultLeeway),
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Name, jwt.SigningMethodRS384.Name, jwt.SigningMethodRS512.Name}),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return &JWKSVerifier{
		keyfunc: kf,
		parser:  jwt.NewParser(opts...),
	}
}

func (v *JWKSVerifier) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, v.keyfunc.Keyfunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.UserID == 0 {
		id, err := strconv.ParseInt(claims.Subject, 10, 64)
		if err != nil || id <= 0 {
			return nil, ErrInvalidToken
		}
		claims.UserID = id
	}
	return claims, nil
}

// NewVerifier 按配置选择校验方式
func NewVerifier(secret, jwksURL, issuer, audience string) (Verifier, error) {
	if jwksURL != "" {
		return NewJWKSVerifier(jwksURL, issuer, audience)
	}
	return NewHMACVerifier(secret), nil
}
