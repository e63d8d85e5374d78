package core

import (
	"fmt"
	"testing"
)

func newHATForTest(t *testing.T) (*HATConsensus, *TrustGraph) {
	t.Helper()
	led := NewInMemoryState()
	trust := NewTrustGraph(led, TrustGraphConfig{MinBondFloor: 1})
	cluster := NewWalletClusterer(led, trust)
	query := NewClusterTrustQuery(cluster, trust)
	guard := NewEclipseGuard(led, trust, DefaultEligibilityConfig())
	return NewHATConsensus(led, trust, query, guard), trust
}

// validatorPool builds n validators, each with a key registered against h so
// its simulated response can be signed and verified, the first wot of which
// hold a direct trust edge to sender so HATConsensus treats them as
// WoT-covered.
func validatorPool(t *testing.T, h *HATConsensus, trust *TrustGraph, sender Address, n, wot int) []Address {
	t.Helper()
	pool := make([]Address, n)
	for i := 0; i < n; i++ {
		priv := DeriveValidatorKey(fmt.Sprintf("validator-%d", i))
		pool[i] = h.RegisterValidatorKey(priv)
		if i < wot {
			if _, err := trust.AddTrustEdge(pool[i], sender, 80, 1, fmt.Sprintf("v%d", i), "", 0); err != nil {
				t.Fatalf("edge validator->sender: %v", err)
			}
		}
	}
	return pool
}

// TestHATConsensusAccept is scenario S3: ten validators each recompute a
// HATv2Score landing within tolerance of the sender's claimed 70, giving
// unanimous accept above both thresholds regardless of which validators
// hold a WoT path to the sender.
func TestHATConsensusAccept(t *testing.T) {
	h, trust := newHATForTest(t)
	sender := addr(1)
	pool := validatorPool(t, h, trust, sender, 10, 4)
	wot := pool[:4]
	claimed := HATv2Score{Address: sender, FinalScore: 70, Timestamp: 1000}
	tx := &Transaction{From: sender, InputAddresses: []Address{sender}, Hash: Hash{0x01}, Timestamp: 1000, ClaimedScore: &claimed}

	// The WoT edge validatorPool seeds is weight 80, contributing 24 points
	// (30% of 80) to a WoT validator's own final score; 66/66/66 on the
	// other three components brings that validator to 70.2, rounding to 70.
	// A non-WoT validator has no such contribution, so 100/100/100 on the
	// same three components (weighted 0.7 total) lands it at exactly 70.
	scorer := func(v, s Address, tx *Transaction) (float64, float64, float64) {
		for _, p := range wot {
			if p == v {
				return 66, 66, 66
			}
		}
		return 100, 100, 100
	}
	result, err := h.Validate(tx, 1, pool, scorer)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !result.Accepted {
		t.Fatalf("expected accepted=true, got result=%+v", result)
	}
	if result.Escalated {
		t.Fatalf("expected no escalation, got %+v", result)
	}
	if result.WoTCoverage != 0.4 {
		t.Fatalf("wot coverage = %v, want 0.4", result.WoTCoverage)
	}
	if len(result.Responses) != len(pool) {
		t.Fatalf("got %d verified responses, want all %d validators to verify", len(result.Responses), len(pool))
	}
	for _, r := range result.Responses {
		if r.Vote != VoteAccept {
			t.Fatalf("validator %v voted %v, want accept", r.Validator, r.Vote)
		}
	}
}

// TestHATConsensusFraudDetection is scenario S4: the sender claims a final
// score of 90 with no component breakdown (so its non-WoT composite reads
// as 0). The 7 validators holding a WoT path to the sender see their own
// WoT contribution pull them far from that claim and reject; the 3 without
// a path land their own non-WoT composite at the same 0 the claim implies
// and abstain instead. WoT coverage of 0.7 clears the consensus threshold
// so the round resolves to reject rather than escalating, and a FraudRecord
// is filed against the sender.
func TestHATConsensusFraudDetection(t *testing.T) {
	led := NewInMemoryState()
	trust := NewTrustGraph(led, TrustGraphConfig{MinBondFloor: 1})
	cluster := NewWalletClusterer(led, trust)
	query := NewClusterTrustQuery(cluster, trust)
	// A 7-WoT/3-non-WoT split only clears this scenario's own diversity
	// gate at a lower non-WoT floor than the network's baseline; 0.2 is
	// still comfortably inside "some non-WoT presence required".
	cfg := DefaultEligibilityConfig()
	cfg.DiversityNonWoTThreshold = 0.2
	guard := NewEclipseGuard(led, trust, cfg)
	h := NewHATConsensus(led, trust, query, guard)

	sender := addr(1)
	pool := validatorPool(t, h, trust, sender, 10, 7)
	wot := pool[:7]
	claimed := HATv2Score{Address: sender, FinalScore: 90, Timestamp: 2000}
	tx := &Transaction{From: sender, InputAddresses: []Address{sender}, Hash: Hash{0x02}, Timestamp: 2000, ClaimedScore: &claimed}

	scorer := func(v, s Address, tx *Transaction) (float64, float64, float64) { return 0, 0, 0 }
	result, err := h.Validate(tx, 1, pool, scorer)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if result.Accepted {
		t.Fatalf("expected accepted=false, got %+v", result)
	}
	if result.WoTCoverage != 0.7 {
		t.Fatalf("wot coverage = %v, want 0.7", result.WoTCoverage)
	}
	for _, r := range result.Responses {
		isWoT := false
		for _, p := range wot {
			if p == r.Validator {
				isWoT = true
			}
		}
		if isWoT && r.Vote != VoteReject {
			t.Fatalf("WoT validator %v voted %v, want reject", r.Validator, r.Vote)
		}
		if !isWoT && r.Vote != VoteAbstain {
			t.Fatalf("non-WoT validator %v voted %v, want abstain", r.Validator, r.Vote)
		}
	}
	if result.Fraud == nil {
		t.Fatalf("expected a fraud record for the rejected round")
	}
	if result.Fraud.Fraudster != sender {
		t.Fatalf("fraud record names %v, want sender %v", result.Fraud.Fraudster, sender)
	}
}

// TestValidationResponseVerificationRejectsTamperedSignature checks the
// signature/nonce gate described alongside HAT v2: a response whose
// signature no longer matches its claimed validator is dropped rather than
// tallied, even if everything else about it looks legitimate.
func TestValidationResponseVerificationRejectsTamperedSignature(t *testing.T) {
	h, _ := newHATForTest(t)
	priv := DeriveValidatorKey("tamper-check")
	validator := h.RegisterValidatorKey(priv)

	sender := addr(9)
	claimed := HATv2Score{Address: sender, FinalScore: 70}
	req := NewValidationRequest(&Transaction{From: sender, Hash: Hash{0x03}, Timestamp: 500}, claimed, 1)

	resp := h.respond(req, validator, &Transaction{From: sender, Timestamp: 500}, func(v, s Address, tx *Transaction) (float64, float64, float64) {
		return 70, 70, 70
	})
	if err := verifyResponse(req, resp); err != nil {
		t.Fatalf("expected untampered response to verify, got %v", err)
	}

	resp.Vote = VoteReject // tamper with a signed field after the fact
	if err := verifyResponse(req, resp); err != ErrSignatureInvalid {
		t.Fatalf("expected ErrSignatureInvalid for a tampered response, got %v", err)
	}

	resp2 := resp
	resp2.Vote = VoteAccept
	resp2.Nonce = Hash{0xff}
	if err := verifyResponse(req, resp2); err != ErrNonceMismatch {
		t.Fatalf("expected ErrNonceMismatch for a mismatched nonce, got %v", err)
	}
}
