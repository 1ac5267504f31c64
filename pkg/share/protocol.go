// Package share lets nodes serve and fetch engram blocks from peers.
// It is an optional adapter over the in-process engine: the core
// defines no wire format, this package does.
package share

import (
	"encoding/binary"
	"errors"
	"io"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// ProtocolID is the libp2p protocol identifier.
const ProtocolID = "/neurogrid/engram/1.0.0"

// MessageType identifies wire messages.
type MessageType uint8

const (
	MsgLookup    MessageType = 1 // query which engram ids a peer holds
	MsgLookupAck MessageType = 2
	MsgGet       MessageType = 3 // request engram payloads
	MsgGetAck    MessageType = 4
	MsgPing      MessageType = 5
	MsgPong      MessageType = 6
)

// Header is the fixed-size message header preceding every payload.
type Header struct {
	Type      MessageType
	RequestID uint64
	Timestamp int64 // Unix nano
}

// HeaderSize is the size of a serialized header.
const HeaderSize = 1 + 8 + 8

// SerializeHeader writes a header to a buffer.
func SerializeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = byte(h.Type)
	binary.BigEndian.PutUint64(buf[1:9], h.RequestID)
	binary.BigEndian.PutUint64(buf[9:17], uint64(h.Timestamp))
	return buf
}

// DeserializeHeader reads a header from a buffer.
func DeserializeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, errors.New("buffer too small for header")
	}
	return Header{
		Type:      MessageType(buf[0]),
		RequestID: binary.BigEndian.Uint64(buf[1:9]),
		Timestamp: int64(binary.BigEndian.Uint64(buf[9:17])),
	}, nil
}

// LookupRequest asks whether the peer holds the given engram ids.
type LookupRequest struct {
	IDs []string `msgpack:"ids"`
}

// LookupResponse answers a lookup; slices parallel the request ids.
type LookupResponse struct {
	Found []bool  `msgpack:"found"`
	Sizes []int64 `msgpack:"sizes"`
}

// GetRequest asks for engram payloads.
type GetRequest struct {
	IDs []string `msgpack:"ids"`
}

// GetResponse carries the payloads; an empty payload with a non-empty
// error string marks a miss.
type GetResponse struct {
	Payloads [][]byte `msgpack:"payloads"`
	Errors   []string `msgpack:"errors"`
}

// PingRequest is a health check.
type PingRequest struct {
	SentAt int64 `msgpack:"sent_at"`
}

// PongResponse is the ping reply.
type PongResponse struct {
	SentAt     int64 `msgpack:"sent_at"`
	ReceivedAt int64 `msgpack:"received_at"`
	Engrams    int64 `msgpack:"engrams"`
}

// WriteMessage writes a header, a payload length and the
// msgpack-encoded payload.
func WriteMessage(w io.Writer, msgType MessageType, reqID uint64, payload interface{}) error {
	header := Header{
		Type:      msgType,
		RequestID: reqID,
		Timestamp: time.Now().UnixNano(),
	}

	if _, err := w.Write(SerializeHeader(header)); err != nil {
		return err
	}

	data, err := msgpack.Marshal(payload)
	if err != nil {
		return err
	}

	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(data)))
	if _, err := w.Write(lenBuf); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ReadMessage reads one message, returning its header and raw payload.
func ReadMessage(r io.Reader) (Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return Header{}, nil, err
	}
	header, err := DeserializeHeader(headerBuf)
	if err != nil {
		return Header{}, nil, err
	}

	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return Header{}, nil, err
	}
	payload := make([]byte, binary.BigEndian.Uint32(lenBuf))
	if _, err := io.ReadFull(r, payload); err != nil {
		return Header{}, nil, err
	}
	return header, payload, nil
}

// DecodePayload unmarshals a raw payload into target.
func DecodePayload(data []byte, target interface{}) error {
	return msgpack.Unmarshal(data, target)
}
