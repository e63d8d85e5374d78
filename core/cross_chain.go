package core

// cross_chain.go – cross-chain trust aggregation (C11).
//
// Every connected remote chain reports its own opinion of an address's
// trustworthiness (an attestation). This module keeps a registry of
// connected chains, records their attestations, and folds them into a
// single aggregate score alongside the local reputation figure produced by
// the HAT consensus validator. Chains are weighted by how much the
// operator trusts their attestations and attestations decay with age, so a
// quiet remote chain's influence fades rather than pinning the aggregate
// forever.

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ChainLink describes a connected remote chain whose attestations this
// node is willing to fold into cross-chain trust scores.
type ChainLink struct {
	ID          string    `json:"id"`
	ChainName   string    `json:"chain_name"`
	Weight      float64   `json:"weight"`        // relative trust placed in this chain's attestations, 0..1
	HalfLifeSec float64   `json:"half_life_sec"` // attestation age at which its contribution halves
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// ChainAttestation is one remote chain's opinion of an address's trust.
type ChainAttestation struct {
	ChainID  string    `json:"chain_id"`
	Address  Address   `json:"address"`
	Score    float64   `json:"score"` // 0..1 as reported by the remote chain
	Recorded time.Time `json:"recorded"`
}

const maxAttestationsPerAddress = 20

var ErrChainLinkNotFound = errors.New("cross-chain: chain link not found")

func chainLinkKey(id string) []byte {
	return []byte(fmt.Sprintf("crosschain:link:%s", id))
}

func attestationKey(addr Address, chainID string, idx int) []byte {
	return []byte(fmt.Sprintf("crosschain:attest:%s:%s:%08d", addr.Hex(), chainID, idx))
}

// RegisterChainLink adds a new remote chain to the trust-aggregation
// registry. The weight must be in [0,1]; half-life controls how quickly an
// inactive chain's attestations stop mattering.
func RegisterChainLink(name string, weight, halfLifeSec float64) (ChainLink, error) {
	logger := zap.L().Sugar()
	if weight < 0 || weight > 1 {
		return ChainLink{}, fmt.Errorf("cross-chain: weight must be in [0,1], got %f", weight)
	}
	if halfLifeSec <= 0 {
		halfLifeSec = 3600
	}
	link := ChainLink{
		ID:          uuid.New().String(),
		ChainName:   name,
		Weight:      weight,
		HalfLifeSec: halfLifeSec,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}
	raw, err := json.Marshal(link)
	if err != nil {
		return ChainLink{}, err
	}
	db := CurrentDatabase()
	if db == nil {
		return ChainLink{}, ErrDatabaseNotInitialised
	}
	if err := db.SetState(chainLinkKey(link.ID), raw); err != nil {
		logger.Errorf("cross-chain: failed to persist chain link %s: %v", link.ID, err)
		return ChainLink{}, err
	}
	logger.Infof("cross-chain: registered chain link %s (%s) weight=%.2f", link.ID, name, weight)
	return link, nil
}

// GetChainLink retrieves a registered chain link by ID.
func GetChainLink(id string) (ChainLink, error) {
	db := CurrentDatabase()
	if db == nil {
		return ChainLink{}, ErrDatabaseNotInitialised
	}
	raw, err := db.GetState(chainLinkKey(id))
	if err != nil {
		return ChainLink{}, err
	}
	if len(raw) == 0 {
		return ChainLink{}, ErrChainLinkNotFound
	}
	var link ChainLink
	if err := json.Unmarshal(raw, &link); err != nil {
		return ChainLink{}, err
	}
	return link, nil
}

// ListChainLinks returns every registered chain link.
func ListChainLinks() ([]ChainLink, error) {
	db := CurrentDatabase()
	if db == nil {
		return nil, ErrDatabaseNotInitialised
	}
	it := db.PrefixIterator([]byte("crosschain:link:"))
	var out []ChainLink
	for it.Next() {
		var link ChainLink
		if err := json.Unmarshal(it.Value(), &link); err != nil {
			continue
		}
		out = append(out, link)
	}
	return out, it.Error()
}

// DeactivateChainLink marks a chain link inactive; its prior attestations
// remain on record but decay exactly as an active chain's would, and no
// new attestations are accepted from it.
func DeactivateChainLink(id string) error {
	link, err := GetChainLink(id)
	if err != nil {
		return err
	}
	link.Active = false
	raw, err := json.Marshal(link)
	if err != nil {
		return err
	}
	return CurrentDatabase().SetState(chainLinkKey(id), raw)
}

// RecordAttestation stores a remote chain's opinion of an address's trust.
// Only attestations from active, registered chains are accepted. Each
// address keeps at most maxAttestationsPerAddress entries per chain; the
// oldest is evicted once the cap is reached.
func RecordAttestation(chainID string, addr Address, score float64) error {
	logger := zap.L().Sugar()
	link, err := GetChainLink(chainID)
	if err != nil {
		return err
	}
	if !link.Active {
		return fmt.Errorf("cross-chain: chain link %s is inactive", chainID)
	}
	if score < 0 || score > 1 {
		return fmt.Errorf("cross-chain: attestation score must be in [0,1], got %f", score)
	}

	db := CurrentDatabase()
	if db == nil {
		return ErrDatabaseNotInitialised
	}

	existing, err := listAttestations(addr, chainID)
	if err != nil {
		return err
	}
	idx := len(existing)
	if idx >= maxAttestationsPerAddress {
		if err := db.DeleteState(attestationKey(addr, chainID, 0)); err != nil {
			logger.Warnf("cross-chain: failed to evict oldest attestation for %s: %v", addr.Hex(), err)
		}
		idx = maxAttestationsPerAddress - 1
		for i := 1; i < len(existing); i++ {
			shifted := existing[i]
			raw, _ := json.Marshal(shifted)
			_ = db.SetState(attestationKey(addr, chainID, i-1), raw)
		}
	}

	att := ChainAttestation{ChainID: chainID, Address: addr, Score: score, Recorded: time.Now().UTC()}
	raw, err := json.Marshal(att)
	if err != nil {
		return err
	}
	if err := db.SetState(attestationKey(addr, chainID, idx), raw); err != nil {
		return err
	}
	logger.Infof("cross-chain: recorded attestation from %s for %s score=%.3f", chainID, addr.Hex(), score)
	return nil
}

func listAttestations(addr Address, chainID string) ([]ChainAttestation, error) {
	db := CurrentDatabase()
	if db == nil {
		return nil, ErrDatabaseNotInitialised
	}
	prefix := []byte(fmt.Sprintf("crosschain:attest:%s:%s:", addr.Hex(), chainID))
	it := db.PrefixIterator(prefix)
	var out []ChainAttestation
	for it.Next() {
		var att ChainAttestation
		if err := json.Unmarshal(it.Value(), &att); err != nil {
			continue
		}
		out = append(out, att)
	}
	return out, it.Error()
}

// AggregateCrossChainTrust folds every connected chain's attestations for
// an address into a single weighted, time-decayed score in [0,1]. Chains
// with zero configured weight, or with no attestations on file, do not
// contribute. An address with no attestations anywhere returns 0.
func AggregateCrossChainTrust(addr Address) (float64, error) {
	links, err := ListChainLinks()
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	var weightedSum, weightTotal float64
	for _, link := range links {
		atts, err := listAttestations(addr, link.ID)
		if err != nil {
			return 0, err
		}
		for _, att := range atts {
			age := now.Sub(att.Recorded).Seconds()
			decay := math.Exp(-math.Ln2 * age / link.HalfLifeSec)
			w := link.Weight * decay
			weightedSum += att.Score * w
			weightTotal += w
		}
	}
	if weightTotal == 0 {
		return 0, nil
	}
	return weightedSum / weightTotal, nil
}

// BlendedTrust combines a locally computed reputation score with the
// cross-chain aggregate using localWeight (0..1) for the local figure and
// the remainder for the cross-chain figure. When no cross-chain data
// exists the result is simply the local score.
func BlendedTrust(addr Address, localScore, localWeight float64) (float64, error) {
	if localWeight < 0 || localWeight > 1 {
		return 0, fmt.Errorf("cross-chain: localWeight must be in [0,1]")
	}
	remote, err := AggregateCrossChainTrust(addr)
	if err != nil {
		return 0, err
	}
	links, err := ListChainLinks()
	if err != nil {
		return 0, err
	}
	hasData := false
	for _, link := range links {
		atts, err := listAttestations(addr, link.ID)
		if err != nil {
			return 0, err
		}
		if link.Weight > 0 && len(atts) > 0 {
			hasData = true
			break
		}
	}
	if !hasData {
		return localScore, nil
	}
	return localScore*localWeight + remote*(1-localWeight), nil
}
