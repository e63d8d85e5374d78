package core

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/sirupsen/logrus"
)

// AnomalyService is the security audit and anomaly detector (C10). It scores
// incoming transactions against a running statistical baseline and persists
// flagged transactions to the state store so other subsystems (consensus,
// the DoS guard, cross-chain aggregation) can query the risk status of a
// transaction hash without recomputing it.
type AnomalyService struct {
	ledger    StateRW
	detector  *AnomalyDetector
	threshold float32

	mu      sync.RWMutex
	flagged map[Hash]float32
}

// NewAnomalyService creates a new service instance backed by the given state
// store. Threshold defines the minimum z-score above which a transaction is
// marked as anomalous.
func NewAnomalyService(l StateRW, threshold float32) *AnomalyService {
	return &AnomalyService{
		ledger:    l,
		detector:  NewAnomalyDetector(),
		threshold: threshold,
		flagged:   make(map[Hash]float32),
	}
}

// Analyze scores a transaction against the running mean/variance baseline of
// transaction values and flags it if the z-score exceeds the configured
// threshold. The observation is folded into the baseline either way, so the
// detector adapts as traffic patterns shift.
func (a *AnomalyService) Analyze(tx *Transaction) (float32, error) {
	if tx == nil {
		return 0, errors.New("nil tx")
	}
	v := float64(tx.Value)
	score := float32(a.detector.Score(v))
	a.detector.Update(v)
	if score >= a.threshold {
		if err := a.Flag(tx, score); err != nil {
			logrus.WithError(err).Warn("anomaly: flag tx")
		}
	}
	return score, nil
}

// Flag persists the anomaly score of a transaction in the state store and
// caches it in memory. Downstream modules can query the store to confirm a
// transaction was flagged.
func (a *AnomalyService) Flag(tx *Transaction, score float32) error {
	if tx == nil {
		return errors.New("nil tx")
	}
	h := tx.HashTx()
	a.mu.Lock()
	a.flagged[h] = score
	a.mu.Unlock()
	if am := AuditManagerInstance(); am != nil {
		if err := am.Log(tx.SenderAddress(), "anomaly_flagged", map[string]string{
			"tx":    h.Hex(),
			"score": fmt.Sprintf("%.4f", score),
		}); err != nil {
			logrus.WithError(err).Warn("anomaly: audit log")
		}
	}
	if a.ledger != nil {
		return a.ledger.SetState(a.key(h), []byte(fmt.Sprintf("%.4f", score)))
	}
	return nil
}

// IsFlagged reports whether a transaction hash has been marked as anomalous.
func (a *AnomalyService) IsFlagged(h Hash) bool {
	a.mu.RLock()
	_, ok := a.flagged[h]
	a.mu.RUnlock()
	return ok
}

// Flagged returns a snapshot of all flagged transactions with their scores.
func (a *AnomalyService) Flagged() map[Hash]float32 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[Hash]float32, len(a.flagged))
	for h, s := range a.flagged {
		out[h] = s
	}
	return out
}

func (a *AnomalyService) key(h Hash) []byte {
	return []byte("anomaly:" + hex.EncodeToString(h[:]))
}

//---------------------------------------------------------------------
// Global helpers used by the dispatcher and RPC layer
//---------------------------------------------------------------------

var (
	anomalyOnce sync.Once
	anomalySvc  *AnomalyService
)

// InitAnomalyService initialises the global anomaly detector using the
// current state store. It is safe to call multiple times but only the first
// invocation has an effect.
func InitAnomalyService(threshold float32) error {
	db := CurrentDatabase()
	if db == nil {
		return ErrDatabaseNotInitialised
	}
	anomalyOnce.Do(func() {
		anomalySvc = NewAnomalyService(db, threshold)
	})
	return nil
}

// Anomaly returns the globally configured anomaly service or nil if it has not
// been initialised.
func Anomaly() *AnomalyService { return anomalySvc }

// AnalyzeAnomaly is an exported helper that wraps the global service. It
// lazily initialises the service with the given threshold if needed.
func AnalyzeAnomaly(tx *Transaction, threshold float32) (float32, error) {
	svc := Anomaly()
	if svc == nil {
		if err := InitAnomalyService(threshold); err != nil {
			return 0, err
		}
		svc = Anomaly()
	}
	if svc == nil {
		return 0, errors.New("anomaly service not initialised")
	}
	// update threshold dynamically if caller specifies
	if threshold != svc.threshold {
		svc.threshold = threshold
	}
	return svc.Analyze(tx)
}

// FlagAnomalyTx exposes the flagging helper to callers outside this package.
// It returns an error if the service is not initialised.
func FlagAnomalyTx(tx *Transaction, score float32) error {
	svc := Anomaly()
	if svc == nil {
		return errors.New("anomaly service not initialised")
	}
	return svc.Flag(tx, score)
}

//---------------------------------------------------------------------
// §4.10 named detectors: reputation, validator response-time, voting.
//---------------------------------------------------------------------

const (
	reputationHistoryLimit = 100
	reputationZThreshold   = 2.5

	validatorHistoryLimit = 100
	validatorSlowFraction = 0.5
	validatorCVThreshold  = 1.5

	votingHistoryLimit        = 50
	votingOneSignedFraction   = 0.95
	votingIdenticalFraction   = 0.80
	votingIdenticalMinSamples = 20
)

func meanStddev(xs []float64) (mean, stddev float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	mean = sum / float64(len(xs))
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	stddev = math.Sqrt(ss / float64(len(xs)))
	return mean, stddev
}

// appendCapped pushes v onto the end of xs, evicting the oldest entry once
// the slice reaches limit so each tracked series stays a fixed-size window.
func appendCapped(xs []float64, v float64, limit int) []float64 {
	xs = append(xs, v)
	if len(xs) > limit {
		xs = xs[len(xs)-limit:]
	}
	return xs
}

// ReputationAnomalyDetector flags a new reputation score for an address when
// it deviates from that address's own rolling baseline by more than
// reputationZThreshold standard deviations.
type ReputationAnomalyDetector struct {
	mu      sync.Mutex
	history map[Address][]float64
}

// NewReputationAnomalyDetector returns an empty per-address tracker.
func NewReputationAnomalyDetector() *ReputationAnomalyDetector {
	return &ReputationAnomalyDetector{history: make(map[Address][]float64)}
}

// Observe folds score into addr's history and reports whether it is
// anomalous against the mean/stddev of the up-to-100 scores preceding it.
// The new score is recorded regardless of the verdict.
func (d *ReputationAnomalyDetector) Observe(addr Address, score float64) (flagged bool, z float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	prior := d.history[addr]
	if len(prior) >= 2 {
		mean, stddev := meanStddev(prior)
		if stddev > 0 {
			z = math.Abs((score - mean) / stddev)
			flagged = z > reputationZThreshold
		}
	}
	d.history[addr] = appendCapped(prior, score, reputationHistoryLimit)
	return flagged, z
}

// ValidatorAnomalyDetector flags a validator's response-time history when it
// is either persistently slow (most samples exceed mean+stddev) or erratic
// (high coefficient of variation).
type ValidatorAnomalyDetector struct {
	mu      sync.Mutex
	history map[Address][]float64
}

// NewValidatorAnomalyDetector returns an empty per-validator tracker.
func NewValidatorAnomalyDetector() *ValidatorAnomalyDetector {
	return &ValidatorAnomalyDetector{history: make(map[Address][]float64)}
}

// Observe folds a response latency (seconds) for validator into its window
// and reports whether the window as a whole now reads as anomalous.
func (d *ValidatorAnomalyDetector) Observe(validator Address, latencySeconds float64) (slow, erratic bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	xs := appendCapped(d.history[validator], latencySeconds, validatorHistoryLimit)
	d.history[validator] = xs
	if len(xs) < 2 {
		return false, false
	}
	mean, stddev := meanStddev(xs)
	if stddev == 0 {
		return false, false
	}
	over := 0
	for _, x := range xs {
		if x > mean+stddev {
			over++
		}
	}
	slow = float64(over)/float64(len(xs)) > validatorSlowFraction
	cv := stddev / mean
	erratic = mean != 0 && cv > validatorCVThreshold
	return slow, erratic
}

// VotingAnomalyDetector flags a validator whose recent votes are
// suspiciously uniform: the same vote (accept, reject or abstain) repeated
// far more than chance would predict.
type VotingAnomalyDetector struct {
	mu      sync.Mutex
	history map[Address][]ValidationVote
}

// NewVotingAnomalyDetector returns an empty per-validator tracker.
func NewVotingAnomalyDetector() *VotingAnomalyDetector {
	return &VotingAnomalyDetector{history: make(map[Address][]ValidationVote)}
}

// Observe folds a validator's vote into its window and reports whether the
// window is anomalous: one-signed (almost always the same vote) or
// identical (the same vote repeated far more than chance on a large enough
// sample).
func (d *VotingAnomalyDetector) Observe(validator Address, vote ValidationVote) (oneSigned, identical bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	votes := append(d.history[validator], vote)
	if len(votes) > votingHistoryLimit {
		votes = votes[len(votes)-votingHistoryLimit:]
	}
	d.history[validator] = votes

	counts := make(map[ValidationVote]int, 3)
	for _, v := range votes {
		counts[v]++
	}
	var maxCount int
	for _, c := range counts {
		if c > maxCount {
			maxCount = c
		}
	}
	n := len(votes)
	if n == 0 {
		return false, false
	}
	frac := float64(maxCount) / float64(n)
	oneSigned = frac > votingOneSignedFraction
	identical = n >= votingIdenticalMinSamples && frac > votingIdenticalFraction
	return oneSigned, identical
}
