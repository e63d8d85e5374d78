package core

import (
	"encoding/json"
	"sync"
)

var (
	dbOnce   sync.Once
	globalDB StateRW

	firewallOnce   sync.Once
	globalFirewall *Firewall

	stakeOnce   sync.Once
	globalStake *StakePenaltyManager
)

// InitDatabase wires the global state store used by package-level helpers
// throughout core. It is a thin wrapper over whatever Database implementation
// the host process supplies (in-memory for tests, a real KV store in
// production).
func InitDatabase(db StateRW) { dbOnce.Do(func() { globalDB = db }) }

// CurrentDatabase returns the global state store if initialised.
func CurrentDatabase() StateRW { return globalDB }

// InitFirewall initialises the global firewall instance.
func InitFirewall() {
	firewallOnce.Do(func() { globalFirewall = NewFirewall() })
}

// CurrentFirewall returns the global firewall if initialised.
func CurrentFirewall() *Firewall { return globalFirewall }

// InitStakePenalty wires the global stake/penalty manager that HAT consensus
// fraud handling (penalty points, stake slashing) writes to and
// EclipseGuard.IsValidatorEligible reads penalty points from.
func InitStakePenalty(spm *StakePenaltyManager) {
	stakeOnce.Do(func() { globalStake = spm })
}

// CurrentStakePenalty returns the global stake/penalty manager if initialised.
func CurrentStakePenalty() *StakePenaltyManager { return globalStake }

// mustJSON marshals v, panicking on failure. Used for values whose shape is
// controlled entirely by this package and can never fail to encode.
func mustJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
