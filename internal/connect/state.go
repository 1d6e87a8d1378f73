package connect

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/connectbroker/internal/model"
	"github.com/hitoshi/connectbroker/internal/tokenstore"
)

const (
	stateIssuer   = "connectbroker"
	stateAudience = "connectbroker-state"
	// minStateSecretLength はHS256の鍵として受け付ける最小バイト数。
	minStateSecretLength = 32
)

// StateClaims はOAuth2のstateパラメータに含めるクレーム。
// IDは接続試行IDで、同じIDの認可レコードと対応する。
type StateClaims struct {
	AccountID  string             `json:"acc,omitempty"`
	ProviderID string             `json:"prv"`
	Purpose    tokenstore.Purpose `json:"pur"`
	jwt.RegisteredClaims
}

// StateCodec はOAuth2のstateをHS256署名付きJWTとして発行、検証する。
type StateCodec struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewStateCodec はStateCodecを生成する。secretは32バイト以上必要。
func NewStateCodec(secret []byte, ttl time.Duration) (*StateCodec, error) {
	if len(secret) < minStateSecretLength {
		return nil, fmt.Errorf("state secret must be at least %d bytes", minStateSecretLength)
	}
	if ttl <= 0 {
		return nil, errors.New("state ttl must be positive")
	}
	return &StateCodec{secret: secret, ttl: ttl, now: time.Now}, nil
}

// TTL はstateの有効期間を返す。
func (c *StateCodec) TTL() time.Duration { return c.ttl }

// Issue は接続試行のstateを発行する。
func (c *StateCodec) Issue(a *Attempt) (string, error) {
	now := c.now()
	claims := StateClaims{
		AccountID:  a.AccountID,
		ProviderID: a.ProviderID,
		Purpose:    a.Purpose,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        a.ID,
			Issuer:    stateIssuer,
			Audience:  jwt.ClaimStrings{stateAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign state: %w", err)
	}
	return signed, nil
}

// Parse はstateを検証してクレームを返す。
// 署名、発行者、受信者、有効期限のいずれかが不正な場合はErrStateInvalidを返す。
func (c *StateCodec) Parse(state string) (*StateClaims, error) {
	if state == "" {
		return nil, fmt.Errorf("%w: missing", model.ErrStateInvalid)
	}
	var claims StateClaims
	_, err := jwt.ParseWithClaims(state, &claims,
		func(*jwt.Token) (any, error) { return c.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(stateIssuer),
		jwt.WithAudience(stateAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrStateInvalid, err)
	}
	if claims.ID == "" || claims.ProviderID == "" {
		return nil, fmt.Errorf("%w: incomplete claims", model.ErrStateInvalid)
	}
	return &claims, nil
}
