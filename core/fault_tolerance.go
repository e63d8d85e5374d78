package core

// fault_tolerance.go – Peer health‑checking and view‑change signaling for the
// HAT v2 consensus layer.
//
// Key components
// --------------
// • **HealthChecker** – maintains round‑trip time (RTT) scores for each peer.
//   Every peer is pinged once per `interval`; there is no back‑off after a
//   failure. Scores are EWMA smoothed; a peer with score above `maxRTT` or
//   `maxMisses` consecutive missed pings counts as faulty. Faulty peers stay
//   in the peer set.
// • **View change** – when the current consensus leader scores as faulty,
//   the ping loop calls the provided `ViewChanger`'s ProposeViewChange.
//   `Reconfigure()` replaces the tracked peer set.
// • `Snapshot()` returns live peer stats for inspection.
//
// Dependencies: common (Address), network (Dialer), consensus (view
// change callback). No circular imports.
// -----------------------------------------------------------------------------

import (
	"context"
	"encoding/hex"
	"errors"
	"net"
	"sync"
	"time"
)

//---------------------------------------------------------------------
// Interfaces injected from other modules
//---------------------------------------------------------------------

//---------------------------------------------------------------------
// HealthChecker
//---------------------------------------------------------------------

func NewHealthChecker(ping Pinger, changer ViewChanger, initial []Address) *HealthChecker {
	hc := &HealthChecker{
		peers:     make(map[Address]*peerStat),
		interval:  3 * time.Second,
		alpha:     0.2,
		maxRTT:    1500, // 1.5s
		maxMisses: 3,
		ping:      ping,
		changer:   changer,
		stop:      make(chan struct{}),
	}
	for _, p := range initial {
		hc.peers[p] = &peerStat{}
	}
	go hc.loop()
	return hc
}

//---------------------------------------------------------------------
// Background ping loop
//---------------------------------------------------------------------

func (hc *HealthChecker) loop() {
	t := time.NewTicker(hc.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			hc.tick()
		case <-hc.stop:
			return
		}
	}
}

// Stop terminates background health checks.
func (hc *HealthChecker) Stop() {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	select {
	case <-hc.stop:
		return
	default:
		close(hc.stop)
	}
}

func (hc *HealthChecker) tick() {
	hc.mu.RLock()
	peers := make([]Address, 0, len(hc.peers))
	for p := range hc.peers {
		peers = append(peers, p)
	}
	hc.mu.RUnlock()

	var wg sync.WaitGroup
	for _, addr := range peers {
		wg.Add(1)
		go func(a Address) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), hc.interval)
			defer cancel()
			rtt, err := hc.ping.Ping(ctx, a)

			hc.mu.Lock()
			ps, ok := hc.peers[a]
			if !ok {
				hc.mu.Unlock()
				return
			}
			if err != nil {
				ps.Misses++
			} else {
				ps.Misses = 0
				ms := float64(rtt.Milliseconds())
				if ps.EWMA == 0 {
					ps.EWMA = ms
				} else {
					ps.EWMA = hc.alpha*ms + (1-hc.alpha)*ps.EWMA
				}
			}
			ps.LastUpdate = time.Now()
			faulty := ps.Misses >= hc.maxMisses || ps.EWMA > hc.maxRTT
			hc.mu.Unlock()

			if faulty && a == hc.changer.CurrentLeader() {
				hc.changer.ProposeViewChange("leader faulty")
			}
		}(addr)
	}
	wg.Wait()
}

type Pinger interface {
	Ping(ctx context.Context, addr Address) (time.Duration, error)
}

type ViewChanger interface {
	CurrentLeader() Address
	ProposeViewChange(reason string)
}

//---------------------------------------------------------------------
// Manage peer set
//---------------------------------------------------------------------

func (hc *HealthChecker) AddPeer(addr Address) {
	hc.mu.Lock()
	hc.peers[addr] = &peerStat{}
	hc.mu.Unlock()
}
func (hc *HealthChecker) RemovePeer(addr Address) {
	hc.mu.Lock()
	delete(hc.peers, addr)
	hc.mu.Unlock()
}

//---------------------------------------------------------------------
// Snapshot
//---------------------------------------------------------------------

func (hc *HealthChecker) Snapshot() []PeerInfo {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	out := make([]PeerInfo, 0, len(hc.peers))
	for addr, st := range hc.peers {
		out = append(out, PeerInfo{Address: addr, RTT: st.EWMA, Misses: st.Misses, Updated: st.LastUpdate.Unix()})
	}
	return out
}

//---------------------------------------------------------------------
// Reconfigure (external trigger)
//---------------------------------------------------------------------

func (hc *HealthChecker) Reconfigure(newPeers []Address) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.peers = make(map[Address]*peerStat)
	for _, p := range newPeers {
		hc.peers[p] = &peerStat{}
	}
}

//---------------------------------------------------------------------
// Integration helpers – network.Pinger implementation
//---------------------------------------------------------------------

type NetPinger struct {
	dial Dialer
}

func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

func (np *NetPinger) Ping(ctx context.Context, peer Address) (time.Duration, error) {
	conn, err := np.dial.Dial(ctx, peer.String()) // Assuming Address.String() returns IP:Port
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	t0 := time.Now()

	if err := SendPing(conn); err != nil {
		return 0, err
	}
	if err := AwaitPong(ctx, conn); err != nil {
		return 0, err
	}

	return time.Since(t0), nil
}

func SendPing(conn net.Conn) error {
	_, err := conn.Write([]byte("ping"))
	return err
}

func AwaitPong(ctx context.Context, conn net.Conn) error {
	buf := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := conn.Read(buf)
	if err != nil {
		return err
	}
	if string(buf) != "pong" {
		return errors.New("unexpected response")
	}
	return nil
}

//---------------------------------------------------------------------
// Predictive failure detection
//---------------------------------------------------------------------

// PredictiveFailureDetector tracks peer statistics and estimates a probability
// of failure based on an exponential moving average of RTT. The degradation
// circuit breakers do not consult it.
type PredictiveFailureDetector struct {
	mu        sync.Mutex
	averages  map[Address]float64
	threshold float64
}

func NewPredictiveFailureDetector(threshold float64) *PredictiveFailureDetector {
	return &PredictiveFailureDetector{averages: make(map[Address]float64), threshold: threshold}
}

// Record updates statistics for a peer.
func (p *PredictiveFailureDetector) Record(addr Address, rtt float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur := p.averages[addr]
	if cur == 0 {
		p.averages[addr] = rtt
	} else {
		p.averages[addr] = 0.8*cur + 0.2*rtt
	}
}

// FailureProb returns the probability that a peer will fail soon.
func (p *PredictiveFailureDetector) FailureProb(addr Address) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	avg := p.averages[addr]
	if avg == 0 {
		return 0
	}
	if avg >= p.threshold {
		return 1
	}
	return avg / p.threshold
}

// DynamicResourceAllocator stores per-address request budgets. The DoS rate
// limiter does not read them; it uses its own tier table.
type DynamicResourceAllocator struct {
	mu     sync.Mutex
	limits map[Address]uint64
}

// NewDynamicResourceAllocator creates a new instance of the allocator.
func NewDynamicResourceAllocator() *DynamicResourceAllocator {
	return &DynamicResourceAllocator{limits: make(map[Address]uint64)}
}

// Adjust sets the new per-window request budget for an address.
func (r *DynamicResourceAllocator) Adjust(addr Address, budget uint64) {
	r.mu.Lock()
	r.limits[addr] = budget
	r.mu.Unlock()
}

// BudgetOf returns the currently configured budget for an address, or 0 if unset.
func (r *DynamicResourceAllocator) BudgetOf(addr Address) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.limits[addr]
}

//---------------------------------------------------------------------
// END fault_tolerance.go
//---------------------------------------------------------------------
