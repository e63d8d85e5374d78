package core

// dos_protection.go - reputation-tiered rate limiting, a bytecode static
// analyzer, and mempool fee admission (C8). Builds on the address/IP ban
// list in firewall.go and the opcode model in vm_opcodes.go.

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ReputationTier buckets a sender's standing for rate-limit purposes.
type ReputationTier string

const (
	TierCritical ReputationTier = "critical"
	TierHigh     ReputationTier = "high"
	TierNormal   ReputationTier = "normal"
	TierLow      ReputationTier = "low"
)

// RateLimitRule is one reputation tier's admission window.
type RateLimitRule struct {
	MaxRequests int
	Window      time.Duration
}

// DefaultRateLimitTable is the reputation-tiered rate-limit schedule: every
// tier shares a one-minute window, and higher trust gets a larger request
// budget within it before throttling kicks in.
func DefaultRateLimitTable() map[ReputationTier]RateLimitRule {
	return map[ReputationTier]RateLimitRule{
		TierCritical: {MaxRequests: 1000, Window: time.Minute},
		TierHigh:     {MaxRequests: 200, Window: time.Minute},
		TierNormal:   {MaxRequests: 50, Window: time.Minute},
		TierLow:      {MaxRequests: 10, Window: time.Minute},
	}
}

const (
	consecutiveViolationsForBan = 10
	banSecondsPerViolation      = 300
	lowRepFeeMultiple           = 10
)

// ErrRateLimited is returned when a sender is within its tier's window but
// has exceeded the request budget.
var ErrRateLimited = errFactory("dos protection: rate limited")

// ErrBanned is returned when a sender is currently serving a ban.
var ErrBanned = errFactory("dos protection: address banned")

func errFactory(msg string) error { return &dosErr{msg} }

type dosErr struct{ msg string }

func (e *dosErr) Error() string { return e.msg }

type rateWindow struct {
	count       int
	windowStart time.Time
	violations  int
	bannedUntil time.Time
}

// RateLimiter enforces the reputation-tiered request budgets and the
// progressive ban policy: 10 consecutive window violations bans the sender
// for 300*violations seconds.
type RateLimiter struct {
	mu      sync.Mutex
	table   map[ReputationTier]RateLimitRule
	windows map[Address]*rateWindow
	logger  *log.Logger
}

// NewRateLimiter constructs a limiter using the given tier table.
func NewRateLimiter(table map[ReputationTier]RateLimitRule) *RateLimiter {
	return &RateLimiter{table: table, windows: make(map[Address]*rateWindow), logger: log.StandardLogger()}
}

// Allow admits or rejects one request from addr at tier, evaluated at now.
func (rl *RateLimiter) Allow(addr Address, tier ReputationTier, now time.Time) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[addr]
	if !ok {
		w = &rateWindow{windowStart: now}
		rl.windows[addr] = w
	}

	if now.Before(w.bannedUntil) {
		return ErrBanned
	}

	rule, ok := rl.table[tier]
	if !ok {
		rule = rl.table[TierLow]
	}

	if now.Sub(w.windowStart) >= rule.Window {
		w.windowStart = now
		w.count = 0
	}

	w.count++
	if w.count <= rule.MaxRequests {
		w.violations = 0
		return nil
	}

	w.violations++
	if w.violations >= consecutiveViolationsForBan {
		w.bannedUntil = now.Add(time.Duration(banSecondsPerViolation*w.violations) * time.Second)
		rl.logger.WithFields(log.Fields{"addr": addr, "violations": w.violations}).Warn("dos protection: address banned for repeated rate-limit violations")
	}
	return ErrRateLimited
}

// IsBanned reports whether addr is currently serving a ban.
func (rl *RateLimiter) IsBanned(addr Address, now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	w, ok := rl.windows[addr]
	if !ok {
		return false
	}
	return now.Before(w.bannedUntil)
}

//---------------------------------------------------------------------
// Bytecode static analyzer
//---------------------------------------------------------------------

// RiskFinding is one pattern the analyzer matched in a contract's bytecode.
type RiskFinding struct {
	Pattern  string  `json:"pattern"`
	Severity float64 `json:"severity"`
	Offset   int     `json:"offset"`
}

// RiskReport summarises a static analysis pass over deployed bytecode.
type RiskReport struct {
	Findings  []RiskFinding `json:"findings"`
	RiskScore float64       `json:"risk_score"`
	Reject    bool          `json:"reject"`
}

const (
	riskRejectThreshold        = 0.9
	expensiveOpDensityWindow   = 32
	expensiveOpDensityFraction = 0.10
	resourceExhaustionMinLoops = 5
)

var expensiveOps = map[Opcode]bool{
	SSTORE: true,
	CALL:   true,
	SLOAD:  true,
}

// Instruction is one decoded bytecode instruction. Target is only meaningful
// for JUMP/JUMPI and holds the resolved destination index within the same
// Instruction slice.
type Instruction struct {
	Op     Opcode
	Target int
}

// AnalyzeBytecode scans a contract's decoded instruction stream for
// known-dangerous patterns: any SELFDESTRUCT, a CALL immediately followed by
// SSTORE (reentrancy shape), a JUMP/JUMPI whose target is behind the current
// offset and not guarded by a preceding GAS check in the same basic block
// (unbounded-loop shape), and a high local density of storage/call
// operations (resource-exhaustion shape).
func AnalyzeBytecode(code []Instruction) RiskReport {
	var report RiskReport

	loops := 0
	for i, in := range code {
		switch in.Op {
		case SELFDESTRUCT:
			report.Findings = append(report.Findings, RiskFinding{Pattern: "selfdestruct", Severity: 0.9, Offset: i})
		case CALL:
			if i+1 < len(code) && code[i+1].Op == SSTORE {
				report.Findings = append(report.Findings, RiskFinding{Pattern: "reentrancy:call-then-sstore", Severity: 0.85, Offset: i})
			}
		case JUMP, JUMPI:
			if in.Target < i {
				loops++
				if !gasGuardedBackward(code, i) {
					report.Findings = append(report.Findings, RiskFinding{Pattern: "unbounded-loop:backward-jump-no-gas-check", Severity: 0.6, Offset: i})
				}
			}
		}
	}

	// Resource exhaustion requires both a hot window of storage/call ops and
	// enough backward jumps for that hot window to actually recur.
	if loops > resourceExhaustionMinLoops {
		for start := 0; start+expensiveOpDensityWindow <= len(code); start++ {
			count := 0
			for _, in := range code[start : start+expensiveOpDensityWindow] {
				if expensiveOps[in.Op] {
					count++
				}
			}
			if float64(count)/float64(expensiveOpDensityWindow) > expensiveOpDensityFraction {
				report.Findings = append(report.Findings, RiskFinding{Pattern: "resource-exhaustion:expensive-op-density", Severity: 0.5, Offset: start})
				break
			}
		}
	}

	max := 0.0
	for _, f := range report.Findings {
		if f.Severity > max {
			max = f.Severity
		}
	}
	report.RiskScore = max
	report.Reject = max >= riskRejectThreshold
	return report
}

// gasGuardedBackward reports whether a GAS opcode appears anywhere in the
// same basic block before the jump at i (i.e. since the last JUMP/JUMPI/RET).
func gasGuardedBackward(code []Instruction, i int) bool {
	for j := i - 1; j >= 0; j-- {
		switch code[j].Op {
		case GAS:
			return true
		case JUMP, JUMPI, RET:
			return false
		}
	}
	return false
}

//---------------------------------------------------------------------
// Mempool admission
//---------------------------------------------------------------------

// MempoolAdmission gates transaction admission on reputation-scaled fee
// floors: a low-reputation sender must pay at least lowRepFeeMultiple times
// the base fee to be admitted, making spam materially more expensive for
// addresses that have not earned trust.
type MempoolAdmission struct {
	baseFee uint64
}

// NewMempoolAdmission constructs an admission gate using baseFee as the
// network's current minimum gas price.
func NewMempoolAdmission(baseFee uint64) *MempoolAdmission {
	return &MempoolAdmission{baseFee: baseFee}
}

// Admit reports whether tx may enter the mempool given the sender's tier.
func (m *MempoolAdmission) Admit(tx *Transaction, tier ReputationTier) bool {
	if tier != TierLow {
		return tx.GasPrice >= m.baseFee
	}
	return tx.GasPrice >= m.baseFee*lowRepFeeMultiple
}

//---------------------------------------------------------------------
// DoSProtection aggregate and global accessor
//---------------------------------------------------------------------

// DoSProtection bundles the rate limiter, firewall and mempool admission
// gate behind a single entry point for the block-ingress dispatcher (C1).
type DoSProtection struct {
	Limiter   *RateLimiter
	Firewall  *Firewall
	Admission *MempoolAdmission
}

// NewDoSProtection wires the three DoS-protection surfaces together.
func NewDoSProtection(baseFee uint64) *DoSProtection {
	return &DoSProtection{
		Limiter:   NewRateLimiter(DefaultRateLimitTable()),
		Firewall:  NewFirewall(),
		Admission: NewMempoolAdmission(baseFee),
	}
}

var (
	dosOnce   sync.Once
	globalDoS *DoSProtection
)

// InitDoSProtection wires the global DoS-protection singleton.
func InitDoSProtection(baseFee uint64) {
	dosOnce.Do(func() { globalDoS = NewDoSProtection(baseFee) })
}

// CurrentDoSProtection returns the global DoS-protection instance if
// initialised.
func CurrentDoSProtection() *DoSProtection { return globalDoS }
