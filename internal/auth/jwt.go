package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken токен не прошёл проверку
var ErrInvalidToken = errors.New("недействительный токен")

// DefaultTokenTTL время жизни токена оператора
const DefaultTokenTTL = 12 * time.Hour

// Claims represents JWT claims of an operator
type Claims struct {
	Operator string `json:"operator"`
	IsAdmin  bool   `json:"is_admin"`
	jwt.RegisteredClaims
}

// Issuer выпускает и проверяет токены операторов административного API
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer создаёт издателя. Пустой secret генерирует случайный ключ:
// токены тогда живут только до перезапуска процесса.
func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	key := make([]byte, 32)
	if secret == "" {
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
	} else {
		decoded, err := base64.StdEncoding.DecodeString(secret)
		if err != nil {
			return nil, err
		}
		if len(decoded) < 32 {
			return nil, errors.New("secret key must be at least 32 bytes")
		}
		key = decoded
	}
	return &Issuer{secret: key, ttl: ttl, now: time.Now}, nil
}

// Issue creates a signed token for the given operator
func (i *Issuer) Issue(op *Operator) (string, error) {
	now := i.now()
	claims := &Claims{
		Operator: op.Name,
		IsAdmin:  op.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "blockedit",
			Subject:   op.Name,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// Validate checks token validity and returns its claims
func (i *Issuer) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// GenerateSecureSecret generates a new secure secret key
func GenerateSecureSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base64.StdEncoding.EncodeToString(b)
}
