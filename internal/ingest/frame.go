// Package ingest implements the inbound telemetry protocol: decoding raw
// JSON frames into a typed variant and the per-connection AWAIT_HELLO
// handshake that determines which chain a frame belongs to before
// handing it off to that chain's serialized event queue.
package ingest

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind discriminates an inbound frame by its "msg" field.
type Kind string

const (
	KindConnected       Kind = "system.connected"
	KindInterval        Kind = "system.interval"
	KindNetworkState    Kind = "system.network_state"
	KindBlockImport     Kind = "block.import"
	KindNodeStart       Kind = "node.start"
	KindAfgFinalized    Kind = "afg.finalized"
	KindAfgPrevote      Kind = "afg.received_prevote"
	KindAfgPrecommit    Kind = "afg.received_precommit"
	KindAfgAuthoritySet Kind = "afg.authority_set"
)

// Connected is the system.connected payload.
type Connected struct {
	Name           string  `json:"name"`
	Chain          string  `json:"chain"`
	Config         string  `json:"config"`
	Implementation string  `json:"implementation"`
	Version        string  `json:"version"`
	Authority      bool    `json:"authority,omitempty"`
	NetworkID      *string `json:"network_id,omitempty"`
	TargetOS       *string `json:"target_os,omitempty"`
	TargetArch     *string `json:"target_arch,omitempty"`
	TargetEnv      *string `json:"target_env,omitempty"`
}

// Interval is the system.interval payload. A best-block trio is present
// only when the node is also reporting new chain state this tick.
type Interval struct {
	Peers             *int64          `json:"peers,omitempty"`
	TxCount           *int64          `json:"txcount,omitempty"`
	CPU               *float64        `json:"cpu,omitempty"`
	Memory            *float64        `json:"memory,omitempty"`
	BandwidthUpload   *float64        `json:"bandwidth_upload,omitempty"`
	BandwidthDownload *float64        `json:"bandwidth_download,omitempty"`
	StateCacheBytes   *float64        `json:"used_state_cache_size,omitempty"`
	FinalizedHeight   *uint64         `json:"finalized_height,omitempty"`
	FinalizedHash     *string         `json:"finalized_hash,omitempty"`
	NetworkState      json.RawMessage `json:"network_state,omitempty"`
	Best              *string         `json:"best,omitempty"`
	Height            *uint64         `json:"height,omitempty"`
}

// HasBestBlock reports whether this interval also carries a best-block
// trio (best, height; timestamp is the frame's own ts).
func (i Interval) HasBestBlock() bool {
	return i.Best != nil && i.Height != nil
}

// NetworkState is the system.network_state payload; State is an opaque
// blob (object or string) passed through verbatim to the HTTP sidecar.
type NetworkState struct {
	State json.RawMessage `json:"state"`
}

// BlockImport is the block.import / node.start payload.
type BlockImport struct {
	Best   string `json:"best"`
	Height uint64 `json:"height"`
}

// AfgFinalized is the afg.finalized payload.
type AfgFinalized struct {
	FinalizedNumber uint64 `json:"finalized_number"`
	FinalizedHash   string `json:"finalized_hash"`
}

// AfgVote is the afg.received_prevote / afg.received_precommit payload.
type AfgVote struct {
	TargetNumber uint64 `json:"target_number"`
	TargetHash   string `json:"target_hash"`
	Voter        string `json:"voter"`
}

// AfgAuthoritySet is the afg.authority_set payload. Authorities arrives
// JSON-encoded as a string and must be re-parsed.
type AfgAuthoritySet struct {
	AuthorityID    string `json:"authority_id"`
	AuthoritySetID uint64 `json:"authority_set_id"`
	Authorities    string `json:"authorities"`
	Number         uint64 `json:"number"`
	Hash           string `json:"hash"`
}

// ParsedAuthorities re-parses the JSON-encoded authorities string.
func (a AfgAuthoritySet) ParsedAuthorities() ([]string, error) {
	var out []string
	if err := json.Unmarshal([]byte(a.Authorities), &out); err != nil {
		return nil, fmt.Errorf("authorities: %w", err)
	}
	return out, nil
}

// Frame is a decoded inbound telemetry message. Exactly one of the
// pointer fields matching Kind is non-nil.
type Frame struct {
	Kind Kind
	Ts   time.Time

	Connected       *Connected
	Interval        *Interval
	NetworkState    *NetworkState
	BlockImport     *BlockImport
	AfgFinalized    *AfgFinalized
	AfgPrevote      *AfgVote
	AfgPrecommit    *AfgVote
	AfgAuthoritySet *AfgAuthoritySet
}

type envelope struct {
	Msg string `json:"msg"`
	Ts  string `json:"ts"`
}

// Decode parses a single inbound JSON frame. A malformed frame (missing
// discriminator, bad timestamp, unknown msg, or a recognized msg missing
// its required fields) returns an error; the caller logs and drops it
// without closing the connection.
func Decode(raw []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Frame{}, fmt.Errorf("ingest: not a JSON object: %w", err)
	}
	if env.Msg == "" {
		return Frame{}, fmt.Errorf("ingest: missing msg discriminator")
	}
	ts, err := parseTimestamp(env.Ts)
	if err != nil {
		return Frame{}, fmt.Errorf("ingest: bad ts: %w", err)
	}

	f := Frame{Kind: Kind(env.Msg), Ts: ts}

	switch f.Kind {
	case KindConnected:
		var c Connected
		if err := json.Unmarshal(raw, &c); err != nil {
			return Frame{}, fmt.Errorf("ingest: system.connected: %w", err)
		}
		if c.Name == "" || c.Chain == "" || c.Implementation == "" || c.Version == "" {
			return Frame{}, fmt.Errorf("ingest: system.connected missing required fields")
		}
		f.Connected = &c

	case KindInterval:
		var iv Interval
		if err := json.Unmarshal(raw, &iv); err != nil {
			return Frame{}, fmt.Errorf("ingest: system.interval: %w", err)
		}
		f.Interval = &iv

	case KindNetworkState:
		var ns NetworkState
		if err := json.Unmarshal(raw, &ns); err != nil || len(ns.State) == 0 {
			return Frame{}, fmt.Errorf("ingest: system.network_state missing state")
		}
		f.NetworkState = &ns

	case KindBlockImport, KindNodeStart:
		var bi BlockImport
		if err := json.Unmarshal(raw, &bi); err != nil || bi.Best == "" {
			return Frame{}, fmt.Errorf("ingest: %s missing best-block trio", f.Kind)
		}
		f.BlockImport = &bi

	case KindAfgFinalized:
		var af AfgFinalized
		if err := json.Unmarshal(raw, &af); err != nil || af.FinalizedHash == "" {
			return Frame{}, fmt.Errorf("ingest: afg.finalized missing fields")
		}
		f.AfgFinalized = &af

	case KindAfgPrevote:
		var v AfgVote
		if err := json.Unmarshal(raw, &v); err != nil || v.Voter == "" {
			return Frame{}, fmt.Errorf("ingest: afg.received_prevote missing fields")
		}
		v.Voter = stripQuotes(v.Voter)
		f.AfgPrevote = &v

	case KindAfgPrecommit:
		var v AfgVote
		if err := json.Unmarshal(raw, &v); err != nil || v.Voter == "" {
			return Frame{}, fmt.Errorf("ingest: afg.received_precommit missing fields")
		}
		v.Voter = stripQuotes(v.Voter)
		f.AfgPrecommit = &v

	case KindAfgAuthoritySet:
		var a AfgAuthoritySet
		if err := json.Unmarshal(raw, &a); err != nil || a.Authorities == "" {
			return Frame{}, fmt.Errorf("ingest: afg.authority_set missing fields")
		}
		f.AfgAuthoritySet = &a

	default:
		return Frame{}, fmt.Errorf("ingest: unrecognized msg %q", env.Msg)
	}

	return f, nil
}

// stripQuotes removes a single layer of surrounding double quotes, as
// some reporters send the voter address as a quoted JSON string inside
// the already-decoded string field.
func stripQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}
