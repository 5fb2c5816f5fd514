package push

import (
	"encoding/json"
	"net/http"
	"slices"

	"github.com/golang-jwt/jwt/v5"
)

// ChallengeParam carries the sender's signed nonce on the verification request.
const ChallengeParam = "validationToken"

const challengePurpose = "push_challenge"

// challengeResponse is the body a push endpoint answers a challenge with.
type challengeResponse struct {
	Token string `json:"token"`
}

// ChallengeTrust names the senders whose challenges are answered. A
// challenge must carry one of Issuers as iss and verify against the key set
// published there.
type ChallengeTrust struct {
	Verifier *Verifier
	// Issuers are key set URLs of trusted senders.
	Issuers []string
}

func (ct ChallengeTrust) verify(r *http.Request, token string) (jwt.MapClaims, int, string) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, http.StatusBadRequest, "malformed challenge"
	}
	iss, _ := claims["iss"].(string)
	if iss == "" || !slices.Contains(ct.Issuers, iss) {
		return nil, http.StatusForbidden, "untrusted challenge issuer"
	}
	verified, err := ct.Verifier.Verify(r.Context(), iss, token)
	if err != nil {
		return nil, http.StatusForbidden, err.Error()
	}
	if p, _ := verified["purpose"].(string); p != challengePurpose {
		return nil, http.StatusForbidden, "not a push challenge"
	}
	return verified, 0, ""
}

// ChallengeHandler answers push URL verification requests on behalf of a
// receiving agent. A challenge from a trusted sender has its nonce echoed
// back in a token signed by signer. Other requests go to next.
func ChallengeHandler(signer *Signer, trust ChallengeTrust, next http.Handler) http.Handler {
	if trust.Verifier == nil {
		trust.Verifier = NewVerifier(nil)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		challenge := r.URL.Query().Get(ChallengeParam)
		if r.Method != http.MethodGet || challenge == "" {
			next.ServeHTTP(w, r)
			return
		}
		claims, status, msg := trust.verify(r, challenge)
		if claims == nil {
			http.Error(w, msg, status)
			return
		}
		nonce, _ := claims["nonce"].(string)
		if nonce == "" {
			http.Error(w, "challenge without nonce", http.StatusBadRequest)
			return
		}
		tok, err := signer.Sign(jwt.MapClaims{"nonce": nonce, "purpose": challengePurpose})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(challengeResponse{Token: tok})
	})
}
