// Package wire encodes raft messages and records in the protobuf wire format.
//
// There is no .proto schema behind these messages. Field numbers are fixed here and must never be reused, unknown
// fields are skipped on decode so old and new nodes can talk to each other.
package wire

import (
	"fmt"

	"multiraft/internal/raft"

	"google.golang.org/protobuf/encoding/protowire"
)

// Message is implemented by every type sent over the wire
type Message interface {
	MarshalWire() ([]byte, error)
	UnmarshalWire(b []byte) error
}

// AppendEntries is the wire form of raft.AppendEntriesRequest. The records are materialized because a message may
// be sent more than once while a RecordBatchReader can only be consumed once.
type AppendEntries struct {
	Source  raft.NodeID
	Target  raft.NodeID
	Meta    raft.ProtocolMetadata
	Records []raft.Record
	Flush   bool
}

type (
	AppendEntriesReply raft.AppendEntriesReply
	HeartbeatRequest   raft.HeartbeatRequest
	HeartbeatReply     raft.HeartbeatReply
	VoteRequest        raft.VoteRequest
	VoteReply          raft.VoteReply
)

// AppendRecord appends the encoding of r to b
func AppendRecord(b []byte, r raft.Record) []byte {
	b = appendUint(b, 1, uint64(r.Offset))
	b = appendUint(b, 2, uint64(r.Term))
	b = appendUint(b, 3, uint64(r.Type))
	if len(r.Payload) > 0 {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Payload)
	}
	return b
}

// DecodeRecord parses a record produced by AppendRecord. The payload is copied.
func DecodeRecord(b []byte) (raft.Record, error) {
	var r raft.Record
	err := decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.Offset = raft.Offset(v)
			return n, nil
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.Term = raft.Term(v)
			return n, nil
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.Type = raft.RecordType(v)
			return n, nil
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			r.Payload = append([]byte(nil), v...)
			return n, nil
		}
		return skip, nil
	})
	if err != nil {
		return raft.Record{}, fmt.Errorf("failed to decode record: %w", err)
	}
	return r, nil
}

func appendMeta(b []byte, m raft.ProtocolMetadata) []byte {
	b = appendUint(b, 1, uint64(m.Group))
	b = appendUint(b, 2, uint64(m.CommitIndex))
	b = appendUint(b, 3, uint64(m.Term))
	b = appendUint(b, 4, uint64(m.PrevLogIndex))
	b = appendUint(b, 5, uint64(m.PrevLogTerm))
	return b
}

func decodeMeta(b []byte) (raft.ProtocolMetadata, error) {
	var m raft.ProtocolMetadata
	err := decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.VarintType {
			return skip, nil
		}
		v, n := protowire.ConsumeVarint(b)
		switch num {
		case 1:
			m.Group = raft.GroupID(v)
		case 2:
			m.CommitIndex = raft.Offset(v)
		case 3:
			m.Term = raft.Term(v)
		case 4:
			m.PrevLogIndex = raft.Offset(v)
		case 5:
			m.PrevLogTerm = raft.Term(v)
		}
		return n, nil
	})
	return m, err
}

func (m *AppendEntries) MarshalWire() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, string(m.Source))
	b = appendString(b, 2, string(m.Target))
	b = appendEmbedded(b, 3, appendMeta(nil, m.Meta))
	for _, r := range m.Records {
		b = appendEmbedded(b, 4, AppendRecord(nil, r))
	}
	b = appendBool(b, 5, m.Flush)
	return b, nil
}

func (m *AppendEntries) UnmarshalWire(b []byte) error {
	*m = AppendEntries{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			m.Source = raft.NodeID(v)
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			m.Target = raft.NodeID(v)
			return n, nil
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			meta, err := decodeMeta(v)
			m.Meta = meta
			return n, err
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			r, err := DecodeRecord(v)
			m.Records = append(m.Records, r)
			return n, err
		case num == 5 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.Flush = protowire.DecodeBool(v)
			return n, nil
		}
		return skip, nil
	})
}

// Request converts the wire message into a request owning its records
func (m *AppendEntries) Request() *raft.AppendEntriesRequest {
	return &raft.AppendEntriesRequest{
		Source:  m.Source,
		Target:  m.Target,
		Meta:    m.Meta,
		Batches: raft.NewMemoryReader(m.Records),
		Flush:   raft.FlushAfterAppend(m.Flush),
	}
}

func appendReply(b []byte, r *raft.AppendEntriesReply) []byte {
	b = appendString(b, 1, string(r.NodeID))
	b = appendUint(b, 2, uint64(r.Group))
	b = appendUint(b, 3, uint64(r.Term))
	b = appendUint(b, 4, uint64(r.LastCommittedLogIndex))
	b = appendUint(b, 5, uint64(r.LastDirtyLogIndex))
	b = appendUint(b, 6, uint64(r.Result))
	return b
}

func decodeReply(b []byte, r *raft.AppendEntriesReply) error {
	*r = raft.AppendEntriesReply{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeString(b)
			r.NodeID = raft.NodeID(v)
			return n, nil
		}
		if typ != protowire.VarintType {
			return skip, nil
		}
		v, n := protowire.ConsumeVarint(b)
		switch num {
		case 2:
			r.Group = raft.GroupID(v)
		case 3:
			r.Term = raft.Term(v)
		case 4:
			r.LastCommittedLogIndex = raft.Offset(v)
		case 5:
			r.LastDirtyLogIndex = raft.Offset(v)
		case 6:
			r.Result = raft.ReplyStatus(v)
		}
		return n, nil
	})
}

func (m *AppendEntriesReply) MarshalWire() ([]byte, error) {
	return appendReply(nil, (*raft.AppendEntriesReply)(m)), nil
}

func (m *AppendEntriesReply) UnmarshalWire(b []byte) error {
	return decodeReply(b, (*raft.AppendEntriesReply)(m))
}

func (m *HeartbeatRequest) MarshalWire() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, string(m.NodeID))
	for _, meta := range m.Meta {
		b = appendEmbedded(b, 2, appendMeta(nil, meta))
	}
	return b, nil
}

func (m *HeartbeatRequest) UnmarshalWire(b []byte) error {
	*m = HeartbeatRequest{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			m.NodeID = raft.NodeID(v)
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			meta, err := decodeMeta(v)
			m.Meta = append(m.Meta, meta)
			return n, err
		}
		return skip, nil
	})
}

func (m *HeartbeatReply) MarshalWire() ([]byte, error) {
	var b []byte
	for i := range m.Meta {
		b = appendEmbedded(b, 1, appendReply(nil, &m.Meta[i]))
	}
	return b, nil
}

func (m *HeartbeatReply) UnmarshalWire(b []byte) error {
	*m = HeartbeatReply{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 || typ != protowire.BytesType {
			return skip, nil
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		var r raft.AppendEntriesReply
		err := decodeReply(v, &r)
		m.Meta = append(m.Meta, r)
		return n, err
	})
}

func (m *VoteRequest) MarshalWire() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, string(m.NodeID))
	b = appendUint(b, 2, uint64(m.Group))
	b = appendUint(b, 3, uint64(m.Term))
	b = appendUint(b, 4, uint64(m.PrevLogIndex))
	b = appendUint(b, 5, uint64(m.PrevLogTerm))
	return b, nil
}

func (m *VoteRequest) UnmarshalWire(b []byte) error {
	*m = VoteRequest{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeString(b)
			m.NodeID = raft.NodeID(v)
			return n, nil
		}
		if typ != protowire.VarintType {
			return skip, nil
		}
		v, n := protowire.ConsumeVarint(b)
		switch num {
		case 2:
			m.Group = raft.GroupID(v)
		case 3:
			m.Term = raft.Term(v)
		case 4:
			m.PrevLogIndex = raft.Offset(v)
		case 5:
			m.PrevLogTerm = raft.Term(v)
		}
		return n, nil
	})
}

func (m *VoteReply) MarshalWire() ([]byte, error) {
	var b []byte
	b = appendUint(b, 1, uint64(m.Term))
	b = appendBool(b, 2, m.Granted)
	b = appendBool(b, 3, m.LogOK)
	return b, nil
}

func (m *VoteReply) UnmarshalWire(b []byte) error {
	*m = VoteReply{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.VarintType {
			return skip, nil
		}
		v, n := protowire.ConsumeVarint(b)
		switch num {
		case 1:
			m.Term = raft.Term(v)
		case 2:
			m.Granted = protowire.DecodeBool(v)
		case 3:
			m.LogOK = protowire.DecodeBool(v)
		}
		return n, nil
	})
}

// skip is returned by field decoders for fields they do not know
const skip = -1 << 31

// decodeFields walks the fields of b. fn returns the number of bytes it consumed from the field value, a negative
// protowire error code, or skip.
func decodeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		n, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if n == skip {
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}
	return nil
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendEmbedded(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}
