// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package reporttoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultTTL bounds how long a minted token grants access.
const DefaultTTL = 300 * time.Second

var (
	ErrTokenMalformed = errors.New("report token malformed")
	ErrTokenSignature = errors.New("report token signature mismatch")
	ErrTokenExpired   = errors.New("report token expired")
	ErrTokenScope     = errors.New("report token does not cover this task")
)

// Claims scope a token to one tenant's one task's artifacts.
type Claims struct {
	OrgID  string `json:"orgId"`
	TaskID string `json:"taskId"`
	Exp    int64  `json:"exp"`
}

// Service is the sole issuer and sole verifier of report access tokens.
// Tokens are stateless: validity is purely a function of signature, expiry
// and path match. Wire format is base64url(payload).base64url(signature).
type Service struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewService(secret string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Generate mints a token granting read access to the given task's artifacts
// until the TTL elapses.
func (s *Service) Generate(orgID, taskID string) (string, error) {
	payload, err := json.Marshal(Claims{
		OrgID:  orgID,
		TaskID: taskID,
		Exp:    s.now().Add(s.ttl).Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode claims: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(payload)
	return encoded + "." + base64.RawURLEncoding.EncodeToString(s.sign(payload)), nil
}

// Verify checks signature (constant time), expiry, and that the token's
// taskId matches the requested resource. The caller additionally compares
// the returned OrgID against the resource's owning tenant.
func (s *Service) Verify(token, taskID string) (*Claims, error) {
	payloadPart, sigPart, ok := strings.Cut(token, ".")
	if !ok {
		return nil, ErrTokenMalformed
	}

	payload, err := base64.RawURLEncoding.DecodeString(payloadPart)
	if err != nil {
		return nil, ErrTokenMalformed
	}
	sig, err := base64.RawURLEncoding.DecodeString(sigPart)
	if err != nil {
		return nil, ErrTokenMalformed
	}

	if !hmac.Equal(sig, s.sign(payload)) {
		return nil, ErrTokenSignature
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrTokenMalformed
	}
	if s.now().Unix() >= claims.Exp {
		return nil, ErrTokenExpired
	}
	if claims.TaskID != taskID {
		return nil, ErrTokenScope
	}
	return &claims, nil
}

func (s *Service) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return mac.Sum(nil)
}
