package metaevo

import (
	"encoding/binary"
	"fmt"

	"distsim/internal/gid"
)

type roundPayload struct {
	Deaths     []gid.GlobalID
	Migrations []migrationCandidate
	Births     []birthRequest
	Counters   map[int]int64
}

// encodeRound serializes one master's META_EVO round contribution. Wire
// shape, all big-endian:
//
//	deathCount      uint32; deaths: int64 each
//	migrationCount  uint32; per migration: gid int64, payloadLen uint32, payload
//	birthCount      uint32; per birth: agentType int32, payloadLen uint32, payload
//	counterCount    uint32; per counter: agentType int32, nextLocalID int64
func encodeRound(deaths []gid.GlobalID, migrations []migrationCandidate, births []birthRequest, counters map[int]int64) []byte {
	size := 4 + 8*len(deaths)
	size += 4
	for _, m := range migrations {
		size += 8 + 4 + len(m.Payload)
	}
	size += 4
	for _, b := range births {
		size += 4 + 4 + len(b.Payload)
	}
	size += 4 + 12*len(counters)

	buf := make([]byte, size)
	cursor := 0
	putU32 := func(v uint32) {
		binary.BigEndian.PutUint32(buf[cursor:], v)
		cursor += 4
	}
	putI64 := func(v int64) {
		binary.BigEndian.PutUint64(buf[cursor:], uint64(v))
		cursor += 8
	}

	putU32(uint32(len(deaths)))
	for _, id := range deaths {
		putI64(int64(id))
	}

	putU32(uint32(len(migrations)))
	for _, m := range migrations {
		putI64(int64(m.ID))
		putU32(uint32(len(m.Payload)))
		copy(buf[cursor:], m.Payload)
		cursor += len(m.Payload)
	}

	putU32(uint32(len(births)))
	for _, b := range births {
		putU32(uint32(int32(b.AgentType)))
		putU32(uint32(len(b.Payload)))
		copy(buf[cursor:], b.Payload)
		cursor += len(b.Payload)
	}

	putU32(uint32(len(counters)))
	for agentType, next := range counters {
		putU32(uint32(int32(agentType)))
		putI64(next)
	}

	return buf
}

func decodeRound(buf []byte) (roundPayload, error) {
	cursor := 0
	readU32 := func() (uint32, error) {
		if cursor+4 > len(buf) {
			return 0, fmt.Errorf("metaevo: truncated round header at byte %d", cursor)
		}
		v := binary.BigEndian.Uint32(buf[cursor:])
		cursor += 4
		return v, nil
	}
	readI64 := func() (int64, error) {
		if cursor+8 > len(buf) {
			return 0, fmt.Errorf("metaevo: truncated round field at byte %d", cursor)
		}
		v := int64(binary.BigEndian.Uint64(buf[cursor:]))
		cursor += 8
		return v, nil
	}

	var out roundPayload

	deathCount, err := readU32()
	if err != nil {
		return out, err
	}
	for i := uint32(0); i < deathCount; i++ {
		v, err := readI64()
		if err != nil {
			return out, err
		}
		out.Deaths = append(out.Deaths, gid.GlobalID(v))
	}

	migrationCount, err := readU32()
	if err != nil {
		return out, err
	}
	for i := uint32(0); i < migrationCount; i++ {
		id, err := readI64()
		if err != nil {
			return out, err
		}
		payloadLen, err := readU32()
		if err != nil {
			return out, err
		}
		if cursor+int(payloadLen) > len(buf) {
			return out, fmt.Errorf("metaevo: truncated migration payload at byte %d", cursor)
		}
		payload := make([]byte, payloadLen)
		copy(payload, buf[cursor:cursor+int(payloadLen)])
		cursor += int(payloadLen)
		out.Migrations = append(out.Migrations, migrationCandidate{ID: gid.GlobalID(id), Payload: payload})
	}

	birthCount, err := readU32()
	if err != nil {
		return out, err
	}
	for i := uint32(0); i < birthCount; i++ {
		rawType, err := readU32()
		if err != nil {
			return out, err
		}
		payloadLen, err := readU32()
		if err != nil {
			return out, err
		}
		if cursor+int(payloadLen) > len(buf) {
			return out, fmt.Errorf("metaevo: truncated birth payload at byte %d", cursor)
		}
		payload := make([]byte, payloadLen)
		copy(payload, buf[cursor:cursor+int(payloadLen)])
		cursor += int(payloadLen)
		out.Births = append(out.Births, birthRequest{AgentType: int(int32(rawType)), Payload: payload})
	}

	counterCount, err := readU32()
	if err != nil {
		return out, err
	}
	out.Counters = make(map[int]int64, counterCount)
	for i := uint32(0); i < counterCount; i++ {
		rawType, err := readU32()
		if err != nil {
			return out, err
		}
		next, err := readI64()
		if err != nil {
			return out, err
		}
		out.Counters[int(int32(rawType))] = next
	}

	return out, nil
}
