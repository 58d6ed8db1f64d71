package router

import (
	"encoding/binary"
	"fmt"

	"distsim/internal/gid"
)

// encodeOutboxCell serializes one destination master's queued interactions,
// grouped by type in ascending type order so decoding reproduces the exact
// per-type push order (FIFO, testable property 4). Wire shape, all
// big-endian:
//
//	typeCount   uint32
//	for each type, ascending:
//	  itype       int32
//	  msgCount    uint32
//	  for each message, in push order:
//	    senderID    int64
//	    recipientID int64
//	    payloadLen  uint32
//	    payload     []byte
func encodeOutboxCell(cell map[int][]Interaction) []byte {
	types := sortedTypes(cell)

	size := 4
	for _, t := range types {
		msgs := cell[t]
		size += 4 + 4
		for _, m := range msgs {
			size += 8 + 8 + 4 + len(m.Payload)
		}
	}

	buf := make([]byte, size)
	cursor := 0
	binary.BigEndian.PutUint32(buf[cursor:], uint32(len(types)))
	cursor += 4
	for _, t := range types {
		msgs := cell[t]
		binary.BigEndian.PutUint32(buf[cursor:], uint32(int32(t)))
		cursor += 4
		binary.BigEndian.PutUint32(buf[cursor:], uint32(len(msgs)))
		cursor += 4
		for _, m := range msgs {
			binary.BigEndian.PutUint64(buf[cursor:], uint64(m.SenderID))
			cursor += 8
			binary.BigEndian.PutUint64(buf[cursor:], uint64(m.RecipientID))
			cursor += 8
			binary.BigEndian.PutUint32(buf[cursor:], uint32(len(m.Payload)))
			cursor += 4
			copy(buf[cursor:], m.Payload)
			cursor += len(m.Payload)
		}
	}
	return buf
}

func decodeOutboxCell(buf []byte) ([]Interaction, error) {
	if len(buf) == 0 {
		return nil, nil
	}
	cursor := 0
	readU32 := func() (uint32, error) {
		if cursor+4 > len(buf) {
			return 0, fmt.Errorf("truncated header at byte %d", cursor)
		}
		v := binary.BigEndian.Uint32(buf[cursor:])
		cursor += 4
		return v, nil
	}
	readU64 := func() (uint64, error) {
		if cursor+8 > len(buf) {
			return 0, fmt.Errorf("truncated field at byte %d", cursor)
		}
		v := binary.BigEndian.Uint64(buf[cursor:])
		cursor += 8
		return v, nil
	}

	typeCount, err := readU32()
	if err != nil {
		return nil, err
	}
	var out []Interaction
	for i := uint32(0); i < typeCount; i++ {
		rawType, err := readU32()
		if err != nil {
			return nil, err
		}
		itype := int(int32(rawType))
		msgCount, err := readU32()
		if err != nil {
			return nil, err
		}
		for j := uint32(0); j < msgCount; j++ {
			sender, err := readU64()
			if err != nil {
				return nil, err
			}
			recipient, err := readU64()
			if err != nil {
				return nil, err
			}
			payloadLen, err := readU32()
			if err != nil {
				return nil, err
			}
			if cursor+int(payloadLen) > len(buf) {
				return nil, fmt.Errorf("truncated payload at byte %d", cursor)
			}
			payload := make([]byte, payloadLen)
			copy(payload, buf[cursor:cursor+int(payloadLen)])
			cursor += int(payloadLen)
			out = append(out, Interaction{
				Type:        itype,
				SenderID:    gid.GlobalID(sender),
				RecipientID: gid.GlobalID(recipient),
				Payload:     payload,
			})
		}
	}
	return out, nil
}
