package core

// common_structs.go – centralised struct definitions shared across modules:
// addresses/hashes, peer health tracking, HD
// wallets, the minimal P2P node shape and the trimmed transaction envelope
// the reputation engine observes at block-ingress time.

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	host "github.com/libp2p/go-libp2p/core/host"
	log "github.com/sirupsen/logrus"
)

//---------------------------------------------------------------------
// Address & Hash
//---------------------------------------------------------------------

// Address represents a 20‑byte account identifier.
type Address [20]byte

// Bytes returns the address as a byte slice, used as a state-store key
// component throughout the reputation and trust subsystems.
func (a Address) Bytes() []byte { return a[:] }

// Hash represents a 32‑byte cryptographic hash.
type Hash [32]byte

// Hex returns the full hexadecimal representation of the hash.
func (h Hash) Hex() string { return "0x" + hex.EncodeToString(h[:]) }

// Short returns a shortened version (first 4 + last 4 hex chars).
func (h Hash) Short() string {
	full := hex.EncodeToString(h[:])
	if len(full) <= 8 {
		return full
	}
	return fmt.Sprintf("%s..%s", full[:4], full[len(full)-4:])
}

// Bytes returns the hash as a byte slice.
func (h Hash) Bytes() []byte { return h[:] }

// String implements fmt.Stringer.
func (h Hash) String() string { return h.Hex() }

// StateRW and StateIterator are declared in database.go, the single storage
// contract used throughout core.

//---------------------------------------------------------------------
// Network health checker structs
//---------------------------------------------------------------------

type peerStat struct {
	EWMA       float64
	Misses     int
	LastUpdate time.Time
}

type HealthChecker struct {
	mu        sync.RWMutex
	peers     map[Address]*peerStat
	interval  time.Duration
	alpha     float64
	maxRTT    float64
	maxMisses int
	ping      Pinger
	changer   ViewChanger
	stop      chan struct{}
}

type PeerInfo struct {
	Address Address `json:"address"`
	RTT     float64 `json:"rtt_ms"`
	Misses  int     `json:"misses"`
	Updated int64   `json:"updated_unix"`
}

//---------------------------------------------------------------------
// HD Wallet
//---------------------------------------------------------------------

type HDWallet struct {
	seed        []byte
	masterKey   []byte
	masterChain []byte
	logger      *log.Logger
}

//---------------------------------------------------------------------
// Transaction envelope observed at block-ingress time
//---------------------------------------------------------------------

// Transaction is the trimmed envelope the dispatcher and reputation modules
// observe. Script execution, UTXO bookkeeping and contract state belong to
// the base chain and are intentionally absent here.
type Transaction struct {
	From      Address `json:"from"`
	To        Address `json:"to"`
	Value     uint64  `json:"value"`
	GasLimit  uint64  `json:"gas_limit"`
	GasPrice  uint64  `json:"gas_price"`
	Nonce     uint64  `json:"nonce"`
	Timestamp int64   `json:"timestamp"`
	Payload   []byte  `json:"payload,omitempty"`
	Sig       []byte  `json:"sig"`
	Hash      Hash    `json:"hash"`
	// InputAddresses lists the addresses whose UTXOs fund this transaction,
	// as reported by the base chain. The wallet clusterer (C3) uses it for
	// the shared-input heuristic; it is empty for single-input transfers.
	InputAddresses []Address `json:"input_addrs,omitempty"`
	// ClaimedScore is the sender's self-declared HATv2Score, embedded by the
	// sender and checked by HAT v2 consensus (C5) against what validators
	// independently calculate. Nil is treated as an all-zero claim.
	ClaimedScore *HATv2Score `json:"claimed_score,omitempty"`
}

// SenderAddress returns the address rate-limiting and reputation lookups
// attribute this transaction to. Pinned to the first input address when one
// is present, falling back to From; the source left this ambiguous for
// multi-input transactions.
func (tx *Transaction) SenderAddress() Address {
	if tx == nil {
		return Address{}
	}
	if len(tx.InputAddresses) > 0 {
		return tx.InputAddresses[0]
	}
	return tx.From
}

// HashTx returns a simple SHA-256 hash of the transaction contents.
func (tx *Transaction) HashTx() Hash {
	b, _ := json.Marshal(tx)
	return sha256.Sum256(b)
}

// IDHex returns the transaction hash as a hex string. If the hash has not yet
// been computed, it derives it from the transaction contents to ensure a
// stable identifier.
func (tx *Transaction) IDHex() string {
	if tx == nil {
		return ""
	}
	h := tx.Hash
	if h == (Hash{}) {
		h = tx.HashTx()
	}
	return hex.EncodeToString(h[:])
}

//---------------------------------------------------------------------
// P2P structs
//---------------------------------------------------------------------

type NodeID string

type Peer struct {
	ID      NodeID
	Addr    string
	Latency time.Duration
	Conn    net.Conn
}

type Message struct {
	From  NodeID
	Topic string
	Data  []byte
}

type Config struct {
	ListenAddr     string
	BootstrapPeers []string
	DiscoveryTag   string
}

type Node struct {
	host      host.Host
	pubsub    *pubsub.PubSub
	topics    map[string]*pubsub.Topic
	subs      map[string]*pubsub.Subscription
	topicLock sync.RWMutex
	subLock   sync.RWMutex
	peerLock  sync.RWMutex
	peers     map[NodeID]*Peer
	nat       *NATManager
	ctx       context.Context
	cancel    context.CancelFunc
	cfg       Config
}

//---------------------------------------------------------------------
// Minimal block shape for orphan-block gossip
//---------------------------------------------------------------------

// Block is the minimal shape the P2P layer gossips and the dispatcher (C1)
// ingests. Full block validation, script execution and the canonical chain
// are owned by the base-chain node this package plugs into.
type Block struct {
	Height       uint64         `json:"height"`
	Hash         Hash           `json:"hash"`
	PrevHash     Hash           `json:"prev_hash"`
	Timestamp    int64          `json:"timestamp"`
	Proposer     Address        `json:"proposer"`
	Transactions []*Transaction `json:"txs"`
}

// NetworkMessage is a generic gossip envelope replicated across local
// subscribers of HandleNetworkMessage.
type NetworkMessage struct {
	Source    Address `json:"source"`
	Target    Address `json:"target"`
	MsgType   string  `json:"type"`
	Content   []byte  `json:"content"`
	Timestamp int64   `json:"timestamp"`
	Topic     string
}
