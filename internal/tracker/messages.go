package tracker

import (
	"encoding/json"
	"fmt"

	"github.com/ruvnet/presence/internal/presencecrdt"
)

// Wire messages for the namespaced topic "phx_presence:<server_name>",
// each a typed, JSON-tagged struct wrapped in an envelope carrying its
// kind.

type heartbeatMsg struct {
	Name   string                                    `json:"name"`
	Vsn    uint64                                     `json:"vsn"`
	Delta  *presencecrdt.Delta                        `json:"delta,omitempty"`
	Clocks map[string]presencecrdt.ReplicaClock       `json:"clocks"`
}

type transferRequestMsg struct {
	Ref    string                                `json:"ref"`
	Name   string                                `json:"name"`
	Vsn    uint64                                `json:"vsn"`
	Clocks map[string]presencecrdt.ReplicaClock `json:"clocks"`
}

type transferAckMsg struct {
	Ref      string              `json:"ref"`
	Name     string              `json:"name"`
	Vsn      uint64              `json:"vsn"`
	Snapshot presencecrdt.Delta `json:"snapshot"`
}

type envelope struct {
	Type      string              `json:"type"`
	Heartbeat *heartbeatMsg       `json:"heartbeat,omitempty"`
	Transfer  *transferRequestMsg `json:"transfer_req,omitempty"`
	Ack       *transferAckMsg     `json:"transfer_ack,omitempty"`
}

const (
	msgHeartbeat    = "heartbeat"
	msgTransferReq  = "transfer_req"
	msgTransferAck  = "transfer_ack"
)

func encodeHeartbeat(m heartbeatMsg) ([]byte, error) {
	return json.Marshal(envelope{Type: msgHeartbeat, Heartbeat: &m})
}

func encodeTransferRequest(m transferRequestMsg) ([]byte, error) {
	return json.Marshal(envelope{Type: msgTransferReq, Transfer: &m})
}

func encodeTransferAck(m transferAckMsg) ([]byte, error) {
	return json.Marshal(envelope{Type: msgTransferAck, Ack: &m})
}

// decodeEnvelope reports the message kind and fills in exactly one of the
// envelope's payload fields. An unrecognized type is not an error: the
// caller ignores it with a debug log.
func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("tracker: decode envelope: %w", err)
	}
	return env, nil
}
