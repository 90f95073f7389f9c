package validator

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	enterrors "github.com/rcourtman/pulse-entitlements/internal/errors"
	"github.com/rcourtman/pulse-entitlements/pkg/entitlement"
)

// EntitlementClaims is the signed form of a validation response.
type EntitlementClaims struct {
	IsValid        bool             `json:"isValid"`
	Tier           entitlement.Tier `json:"tier"`
	Status         string           `json:"status,omitempty"`
	TransactionID  string           `json:"transactionId,omitempty"`
	ProductID      string           `json:"productId,omitempty"`
	IsTrial        bool             `json:"isTrial,omitempty"`
	ExpirationDate *jwt.NumericDate `json:"expirationDate,omitempty"`
	GracePeriodEnd *jwt.NumericDate `json:"gracePeriodEndDate,omitempty"`
	jwt.RegisteredClaims
}

// TokenVerifier checks the authority's signature on validation responses.
type TokenVerifier struct {
	key ed25519.PublicKey
}

// NewTokenVerifier returns a verifier for key.
func NewTokenVerifier(key ed25519.PublicKey) *TokenVerifier {
	return &TokenVerifier{key: key}
}

// Verify replaces the unsigned body with the signed claims. A missing or
// forged token is treated as an invalid receipt.
func (v *TokenVerifier) Verify(resp entitlement.ValidationResponse, transactionID string) (entitlement.ValidationResponse, error) {
	const op = "verify_token"
	if resp.SignedToken == "" {
		return resp, enterrors.New(enterrors.KindInvalidReceipt, op, errors.New("response is not signed"))
	}

	var claims EntitlementClaims
	_, err := jwt.ParseWithClaims(resp.SignedToken, &claims, func(token *jwt.Token) (any, error) {
		return v.key, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		// Subscription expiry is data here, not token lifetime.
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return resp, enterrors.New(enterrors.KindInvalidReceipt, op, mapJWTError(err))
	}
	if claims.TransactionID != "" && transactionID != "" && claims.TransactionID != transactionID {
		return resp, enterrors.New(enterrors.KindInvalidReceipt, op,
			fmt.Errorf("token issued for a different transaction"))
	}

	verified := entitlement.ValidationResponse{
		IsValid:       claims.IsValid,
		Tier:          claims.Tier,
		Status:        entitlement.Status(claims.Status),
		TransactionID: claims.TransactionID,
		ProductID:     claims.ProductID,
		IsTrial:       claims.IsTrial,
		AutoRenewal:   resp.AutoRenewal,
		SignedToken:   resp.SignedToken,
	}
	if claims.ExpirationDate != nil {
		exp := claims.ExpirationDate.Time
		verified.ExpirationDate = &exp
	}
	if claims.GracePeriodEnd != nil {
		end := claims.GracePeriodEnd.Time
		verified.GracePeriodEndDate = &end
	}
	return verified, nil
}

func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrEd25519Verification) {
		return fmt.Errorf("signature invalid: %w", err)
	}
	if errors.Is(err, jwt.ErrTokenMalformed) {
		return fmt.Errorf("token malformed: %w", err)
	}
	return fmt.Errorf("token unverifiable: %w", err)
}
