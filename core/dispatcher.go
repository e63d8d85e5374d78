package core

// dispatcher.go - the block-ingress dispatcher (C1). Every transaction's
// OP_RETURN-style payload is parsed into a typed reputation-engine op and
// routed to the trust graph (C2) and wallet clusterer (C3) in a fixed
// per-block order, after the anomaly detector (C10) and the DoS guard (C8)
// have screened the transaction. The HAT consensus validator (C5) is not
// invoked from here, and the degradation manager (C9) is held by the
// Dispatcher but not consulted. Blocks are processed strictly
// one at a time: a single mutex serializes DispatchBlock so no two blocks'
// effects on the trust graph or cluster state can interleave.

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// opMagic prefixes every reputation-engine OP_RETURN payload this dispatcher
// recognises.
var opMagic = [4]byte{'C', 'V', 'M', 0x01}

// Op identifies the reputation-engine operation encoded in a payload.
type Op byte

const (
	OpTrustEdge  Op = 0x10
	OpBondedVote Op = 0x11
	OpDAODispute Op = 0x12
	OpDAOVote    Op = 0x13
	OpVoteLegacy Op = 0x14
	// OpCVMDeploy and OpCVMCall identify contract deployment and invocation
	// payloads. Contract execution is out of scope for this engine; the
	// dispatcher recognises the opcodes only so it can skip them cleanly
	// instead of treating them as malformed.
	OpCVMDeploy Op = 0x20
	OpCVMCall   Op = 0x21
)

// ErrMalformedPayload is returned when a payload fails magic, length or
// opcode validation.
var ErrMalformedPayload = errors.New("dispatcher: malformed payload")

// ParseOpReturn splits a raw OP_RETURN payload into its opcode and body,
// validating the 4-byte magic prefix and the minimum length.
func ParseOpReturn(payload []byte) (Op, []byte, error) {
	if len(payload) < 5 {
		return 0, nil, ErrMalformedPayload
	}
	if !bytes.Equal(payload[:4], opMagic[:]) {
		return 0, nil, ErrMalformedPayload
	}
	return Op(payload[4]), payload[5:], nil
}

func readLenPrefixedString(body []byte) (string, []byte, error) {
	if len(body) < 1 {
		return "", nil, ErrMalformedPayload
	}
	n := int(body[0])
	if len(body) < 1+n {
		return "", nil, ErrMalformedPayload
	}
	return string(body[1 : 1+n]), body[1+n:], nil
}

// TxDispatchResult records what the dispatcher did with one transaction.
type TxDispatchResult struct {
	TxHash       Hash    `json:"tx_hash"`
	Op           Op      `json:"op,omitempty"`
	Applied      bool    `json:"applied"`
	Error        string  `json:"error,omitempty"`
	AnomalyScore float32 `json:"anomaly_score,omitempty"`
}

// BlockDispatchResult is the full outcome of processing one block.
type BlockDispatchResult struct {
	Height        uint64               `json:"height"`
	TxResults     []TxDispatchResult   `json:"tx_results"`
	ClusterEvents []ClusterUpdateEvent `json:"cluster_events,omitempty"`
}

// Dispatcher wires every reputation-engine subsystem together and is the
// single entry point the base-chain node calls once per confirmed block.
type Dispatcher struct {
	trust   *TrustGraph
	cluster *WalletClusterer
	dos     *DoSProtection
	degrade *DegradationManager
	anomaly *AnomalyService
	logger  *log.Logger

	blockMu sync.Mutex
}

// NewDispatcher constructs a dispatcher over the given subsystems. Any
// dependency may be nil, in which case the corresponding step is skipped —
// useful for tests that only exercise part of the pipeline.
func NewDispatcher(trust *TrustGraph, cluster *WalletClusterer, dos *DoSProtection, degrade *DegradationManager, anomaly *AnomalyService) *Dispatcher {
	return &Dispatcher{trust: trust, cluster: cluster, dos: dos, degrade: degrade, anomaly: anomaly, logger: log.StandardLogger()}
}

// DispatchBlock processes every transaction in block, in order, then runs
// the wallet-cluster per-block update handler once over the whole batch.
// The entire call is serialized against other DispatchBlock calls.
func (d *Dispatcher) DispatchBlock(block *Block) (*BlockDispatchResult, error) {
	d.blockMu.Lock()
	defer d.blockMu.Unlock()

	res := &BlockDispatchResult{Height: block.Height}
	for _, tx := range block.Transactions {
		res.TxResults = append(res.TxResults, d.dispatchTx(tx, block.Height))
	}

	if d.cluster != nil {
		events, err := d.cluster.ProcessBlock(block.Transactions, block.Height, block.Timestamp)
		res.ClusterEvents = events
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

func (d *Dispatcher) dispatchTx(tx *Transaction, height uint64) TxDispatchResult {
	out := TxDispatchResult{TxHash: tx.Hash}

	if d.anomaly != nil {
		score, err := d.anomaly.Analyze(tx)
		if err == nil {
			out.AnomalyScore = score
		}
	}

	if d.dos != nil {
		sender := tx.SenderAddress()
		if d.dos.Firewall.IsAddressBlocked(sender) {
			out.Error = ErrAddrBlocked.Error()
			return out
		}
		if d.dos.Limiter.IsBanned(sender, time.Now()) {
			out.Error = ErrBanned.Error()
			return out
		}
	}

	if len(tx.Payload) == 0 {
		return out
	}
	op, body, err := ParseOpReturn(tx.Payload)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.Op = op

	if d.trust == nil {
		return out
	}

	sender := tx.SenderAddress()
	now := tx.Timestamp

	switch op {
	case OpTrustEdge:
		err = d.applyTrustEdge(sender, body, tx.IDHex(), now)
	case OpBondedVote:
		err = d.applyBondedVote(sender, body, tx.IDHex(), now)
	case OpDAODispute:
		err = d.applyDAODispute(sender, body, now)
	case OpDAOVote:
		err = d.applyDAOVote(sender, body)
	case OpVoteLegacy:
		err = d.applyLegacyVote(sender, body, tx.IDHex(), now)
	case OpCVMDeploy, OpCVMCall:
		// Contract execution belongs to the base chain; recognised and
		// skipped so it is never mistaken for a malformed payload.
	default:
		err = ErrMalformedPayload
	}

	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.Applied = true
	return out
}

func (d *Dispatcher) applyTrustEdge(sender Address, body []byte, bondTx string, now int64) error {
	if len(body) < 30 {
		return ErrMalformedPayload
	}
	var to Address
	copy(to[:], body[:20])
	weight := int16(binary.BigEndian.Uint16(body[20:22]))
	bondAmount := binary.BigEndian.Uint64(body[22:30])
	reason, _, err := readLenPrefixedString(body[30:])
	if err != nil {
		return err
	}
	_, err = d.trust.AddTrustEdge(sender, to, weight, bondAmount, bondTx, reason, now)
	return err
}

func (d *Dispatcher) applyBondedVote(sender Address, body []byte, bondTx string, now int64) error {
	if len(body) < 30 {
		return ErrMalformedPayload
	}
	var target Address
	copy(target[:], body[:20])
	value := int16(binary.BigEndian.Uint16(body[20:22]))
	bond := binary.BigEndian.Uint64(body[22:30])
	return d.trust.RecordBondedVote(BondedVote{Voter: sender, Target: target, Value: value, Bond: bond, BondTx: bondTx, Timestamp: now})
}

func (d *Dispatcher) applyDAODispute(challenger Address, body []byte, now int64) error {
	disputedVoteTx, rest, err := readLenPrefixedString(body)
	if err != nil {
		return err
	}
	if len(rest) < 8 {
		return ErrMalformedPayload
	}
	challengeBond := binary.BigEndian.Uint64(rest[:8])
	reason, rest2, err := readLenPrefixedString(rest[8:])
	if err != nil {
		return err
	}
	cfg := WoTDisputeConfigFromApp()
	commitPhaseStart := uint64(now)
	if len(rest2) >= 8 {
		commitPhaseStart = binary.BigEndian.Uint64(rest2[:8])
	}
	_, err = d.trust.CreateDispute(disputedVoteTx, challenger, challengeBond, reason, now, commitPhaseStart, cfg.CommitPhaseDuration, cfg.RevealPhaseDuration, cfg.EnableCommitReveal)
	return err
}

func (d *Dispatcher) applyDAOVote(voter Address, body []byte) error {
	disputeID, rest, err := readLenPrefixedString(body)
	if err != nil {
		return err
	}
	if len(rest) < 9 {
		return ErrMalformedPayload
	}
	slash := rest[0] != 0
	stake := binary.BigEndian.Uint64(rest[1:9])
	return d.trust.VoteOnDispute(disputeID, voter, slash, stake)
}

func (d *Dispatcher) applyLegacyVote(sender Address, body []byte, bondTx string, now int64) error {
	if len(body) < 22 {
		return ErrMalformedPayload
	}
	var target Address
	copy(target[:], body[:20])
	value := int16(binary.BigEndian.Uint16(body[20:22]))
	// Legacy unbonded votes carry no economic weight behind them and are not
	// protected by a dispute/slash path, unlike OpBondedVote.
	return d.trust.RecordLegacyVote(BondedVote{Voter: sender, Target: target, Value: value, BondTx: bondTx, Timestamp: now})
}

//---------------------------------------------------------------------
// Global accessor
//---------------------------------------------------------------------

var (
	dispatcherOnce sync.Once
	globalDispatch *Dispatcher
)

// InitDispatcher wires the global dispatcher singleton.
func InitDispatcher(trust *TrustGraph, cluster *WalletClusterer, dos *DoSProtection, degrade *DegradationManager, anomaly *AnomalyService) {
	dispatcherOnce.Do(func() { globalDispatch = NewDispatcher(trust, cluster, dos, degrade, anomaly) })
}

// CurrentDispatcher returns the global dispatcher if initialised.
func CurrentDispatcher() *Dispatcher { return globalDispatch }
