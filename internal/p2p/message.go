// Package p2p implements the peer wire protocol, connection manager, and
// peer discovery, per spec.md §4.6-§4.7.
package p2p

import (
	"time"

	"github.com/google/uuid"
)

// MessageType enumerates the wire message kinds, per spec.md §4.6.
type MessageType string

const (
	MsgHello             MessageType = "HELLO"
	MsgPing              MessageType = "PING"
	MsgPong              MessageType = "PONG"
	MsgGetPeers          MessageType = "GET_PEERS"
	MsgPeers             MessageType = "PEERS"
	MsgGetStatus         MessageType = "GET_STATUS"
	MsgStatus            MessageType = "STATUS"
	MsgGetBlocks         MessageType = "GET_BLOCKS"
	MsgBlocks            MessageType = "BLOCKS"
	MsgGetTransactions   MessageType = "GET_TRANSACTIONS"
	MsgTransactions      MessageType = "TRANSACTIONS"
	MsgNewTransaction    MessageType = "NEW_TRANSACTION"
	MsgNewBlock          MessageType = "NEW_BLOCK"
	MsgValidatorAnnounce MessageType = "VALIDATOR_ANNOUNCE"
	MsgValidatorUpdate   MessageType = "VALIDATOR_UPDATE"
)

// Envelope is the canonical-JSON body every framed message carries.
// MessageID uses google/uuid, grounded on the teacher's go.mod dependency
// (it otherwise has no role in the teacher's own domain logic; this wires
// it into the new protocol layer).
type Envelope struct {
	MessageID string                 `json:"message_id"`
	Type      MessageType            `json:"type"`
	Network   string                 `json:"network"`
	Payload   map[string]interface{} `json:"payload"`
	SentAt    int64                  `json:"sent_at"`
}

// NewEnvelope builds an Envelope stamped with a fresh UUID and the current
// time, ready to frame and send.
func NewEnvelope(network string, msgType MessageType, payload map[string]interface{}) Envelope {
	return Envelope{
		MessageID: uuid.NewString(),
		Type:      msgType,
		Network:   network,
		Payload:   payload,
		SentAt:    time.Now().Unix(),
	}
}

// HelloPayload is the handshake payload exchanged on every new connection.
type HelloPayload struct {
	Version  string   `json:"version"`
	Port     int      `json:"port"`
	NodeType string   `json:"node_type"`
	Features []string `json:"features"`
	NodeID   string   `json:"node_id"`
}

// PeerInfo is one entry in a PEERS reply.
type PeerInfo struct {
	NodeID   string `json:"node_id"`
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	LastSeen int64  `json:"last_seen"`
}

// StatusPayload is the response to GET_STATUS.
type StatusPayload struct {
	Version     string   `json:"version"`
	NodeType    string   `json:"node_type"`
	Features    []string `json:"features"`
	Connections int      `json:"connections"`
	Uptime      int64    `json:"uptime"`
	PeerCount   int      `json:"peer_count"`
}

// MaxPeersReturned bounds a PEERS reply, per spec.md §4.6.
const MaxPeersReturned = 20
