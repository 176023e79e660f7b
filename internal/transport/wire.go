// Package transport implements the agent wire contract (spec §6): a
// persistent, bidirectional channel (authentication is left to the caller
// of Gateway.HandleWebSocket) carrying the operations
// Acknowledge/Progress/Result/Heartbeat/Disconnect (agent -> server) and
// ExecuteJob/CancelJob (server -> agent), plus the gorilla/websocket
// gateway that terminates it.
//
// The teacher carries google.golang.org/protobuf as a dependency but ships
// no .proto/generated code in this pack — every message in its wire
// contract (control.Envelope and friends) is instead hand-rolled here
// directly against protobuf's wire format using the low-level
// encoding/protowire subpackage. This keeps the dependency genuine (the
// wire format, field numbering and varint framing are exactly what
// protobuf-generated code would produce) without fabricating
// descriptor-based generated code that nothing in the pack demonstrates;
// see DESIGN.md for the full rationale.
package transport

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendString(b, s)
	return b
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendBytes(b, v)
	return b
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	b = protowire.AppendVarint(b, v)
	return b
}

func appendInt64Field(b []byte, num protowire.Number, v int64) []byte {
	return appendVarintField(b, num, uint64(v))
}

func appendStringSliceField(b []byte, num protowire.Number, vals []string) []byte {
	for _, v := range vals {
		b = appendStringField(b, num, v)
	}
	return b
}

// fieldVisitor is called once per top-level field by consumeFields; it
// returns the number of bytes consumed for that field's value (not
// including the tag), or a non-nil error on a decode error.
type fieldVisitor func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error)

func consumeFields(b []byte, visit fieldVisitor) error {
	for len(b) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(b)
		if tagLen < 0 {
			return fmt.Errorf("transport: invalid tag: %w", protowire.ParseError(tagLen))
		}
		b = b[tagLen:]
		n, err := visit(num, typ, b)
		if err != nil {
			return err
		}
		if n < 0 || n > len(b) {
			return fmt.Errorf("transport: invalid field length for field %d", num)
		}
		b = b[n:]
	}
	return nil
}

// skipUnknown consumes and discards a field of the given wire type, for
// forward compatibility with fields this version doesn't know about.
func skipUnknown(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, fmt.Errorf("transport: invalid unknown field: %w", protowire.ParseError(n))
	}
	return n, nil
}

func consumeString(b []byte) (string, int, error) {
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return "", 0, fmt.Errorf("transport: invalid string: %w", protowire.ParseError(n))
	}
	return v, n, nil
}

func consumeBytes(b []byte) ([]byte, int, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, fmt.Errorf("transport: invalid bytes: %w", protowire.ParseError(n))
	}
	cp := append([]byte(nil), v...)
	return cp, n, nil
}

func consumeVarint(b []byte) (uint64, int, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, fmt.Errorf("transport: invalid varint: %w", protowire.ParseError(n))
	}
	return v, n, nil
}
