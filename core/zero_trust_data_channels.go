package core

// zero_trust_data_channels.go - Secure data channels built on a zero-trust model.
//
// This module implements ephemeral, encrypted data channels between two parties.
// Every payload is sealed with XChaCha20-Poly1305 (security.go's Encrypt/
// Decrypt) under a key derived from the channel ID before it ever reaches the
// ledger or the network, so a channel's stored/broadcast messages are opaque
// to anyone who wasn't a party to OpenZTChannel. Channels use unique IDs and
// support basic open, push, pull, close and listing operations.

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ZTChannel represents a zero trust data channel between two parties.
type ZTChannel struct {
	ID      string    `json:"id"`
	PartyA  Address   `json:"party_a"`
	PartyB  Address   `json:"party_b"`
	Created time.Time `json:"created"`
	Closed  bool      `json:"closed"`
	NextSeq uint64    `json:"next_seq"`
}

// ZTMessage is a single payload exchanged over a channel.
type ZTMessage struct {
	Channel string    `json:"channel"`
	From    Address   `json:"from"`
	Seq     uint64    `json:"seq"`
	Payload []byte    `json:"payload"`
	Time    time.Time `json:"time"`
}

var (
	ztOnce sync.Once
	ztLed  StateRW
)

// InitZTChannels initialises the package with a ledger implementation.
func InitZTChannels(led StateRW) { ztOnce.Do(func() { ztLed = led }) }

// ztChannelKey derives the symmetric key a channel's messages are sealed
// under from its ID. Both parties can recompute it from the ID alone; no
// separate key exchange step is modelled here.
func ztChannelKey(id string) []byte {
	k := sha256.Sum256([]byte("ztdc:key:" + id))
	return k[:]
}

// OpenZTChannel creates a new encrypted channel between two peers.
func OpenZTChannel(a, b Address) (string, error) {
	if ztLed == nil {
		return "", errors.New("ztdc: ledger not initialised")
	}
	idBytes := make([]byte, 16)
	_, _ = rand.Read(idBytes)
	id := hex.EncodeToString(idBytes)
	ch := ZTChannel{ID: id, PartyA: a, PartyB: b, Created: time.Now().UTC()}
	raw, _ := json.Marshal(ch)
	if err := ztLed.SetState([]byte("ztdc:ch:"+id), raw); err != nil {
		return "", err
	}
	_ = Broadcast("ztdc:open", raw)
	return id, nil
}

// CloseZTChannel marks the channel as closed and broadcasts the event.
func CloseZTChannel(id string) error {
	if ztLed == nil {
		return errors.New("ztdc: ledger not initialised")
	}
	raw, err := ztLed.GetState([]byte("ztdc:ch:" + id))
	if err != nil {
		return err
	}
	var ch ZTChannel
	if err := json.Unmarshal(raw, &ch); err != nil {
		return err
	}
	if ch.Closed {
		return errors.New("ztdc: already closed")
	}
	ch.Closed = true
	raw, _ = json.Marshal(ch)
	if err := ztLed.SetState([]byte("ztdc:ch:"+id), raw); err != nil {
		return err
	}
	_ = Broadcast("ztdc:close", raw)
	return nil
}

// PushZTData stores a message on the ledger and broadcasts it.
func PushZTData(id string, from Address, payload []byte) error {
	if ztLed == nil {
		return errors.New("ztdc: ledger not initialised")
	}
	cRaw, err := ztLed.GetState([]byte("ztdc:ch:" + id))
	if err != nil {
		return err
	}
	var ch ZTChannel
	if err := json.Unmarshal(cRaw, &ch); err != nil {
		return err
	}
	if ch.Closed {
		return errors.New("ztdc: closed channel")
	}
	seq := ch.NextSeq
	ch.NextSeq++
	cRaw, _ = json.Marshal(ch)
	if err := ztLed.SetState([]byte("ztdc:ch:"+id), cRaw); err != nil {
		return err
	}
	sealed, err := Encrypt(ztChannelKey(id), payload, []byte(id))
	if err != nil {
		return fmt.Errorf("ztdc: seal payload: %w", err)
	}
	msg := ZTMessage{Channel: id, From: from, Seq: seq, Payload: sealed, Time: time.Now().UTC()}
	raw, _ := json.Marshal(msg)
	key := fmt.Sprintf("ztdc:msg:%s:%08d", id, seq)
	if err := ztLed.SetState([]byte(key), raw); err != nil {
		return err
	}
	_ = Broadcast("ztdc:msg", raw)
	return nil
}

// PullZTData reads back message seq of channel id and opens its sealed
// payload, reversing the Encrypt call PushZTData made when it was written.
func PullZTData(id string, seq uint64) (ZTMessage, error) {
	if ztLed == nil {
		return ZTMessage{}, errors.New("ztdc: ledger not initialised")
	}
	key := fmt.Sprintf("ztdc:msg:%s:%08d", id, seq)
	raw, err := ztLed.GetState([]byte(key))
	if err != nil {
		return ZTMessage{}, err
	}
	var msg ZTMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ZTMessage{}, err
	}
	plain, err := Decrypt(ztChannelKey(id), msg.Payload, []byte(id))
	if err != nil {
		return ZTMessage{}, fmt.Errorf("ztdc: open payload: %w", err)
	}
	msg.Payload = plain
	return msg, nil
}

// ListZTChannels returns all currently open or closed channels.
func ListZTChannels() ([]ZTChannel, error) {
	if ztLed == nil {
		return nil, errors.New("ztdc: ledger not initialised")
	}
	it := ztLed.PrefixIterator([]byte("ztdc:ch:"))
	var list []ZTChannel
	for it.Next() {
		var ch ZTChannel
		if err := json.Unmarshal(it.Value(), &ch); err == nil {
			list = append(list, ch)
		}
	}
	if ierr, ok := it.(interface{ Error() error }); ok && ierr.Error() != nil {
		return list, ierr.Error()
	}
	return list, nil
}
