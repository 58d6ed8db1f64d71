package snapshot

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// ubjsonMagic prefixes every binary export so convert can sniff a file's
// format without relying on its extension.
var ubjsonMagic = []byte("DSUB1\x00")

const (
	tagNull = iota
	tagBool
	tagInt64
	tagFloat64
	tagString
	tagStruct
)

func isUBJSON(raw []byte) bool {
	if len(raw) < len(ubjsonMagic) {
		return false
	}
	for i, b := range ubjsonMagic {
		if raw[i] != b {
			return false
		}
	}
	return true
}

func encodeDocument(doc Document) ([]byte, error) {
	buf := append([]byte{}, ubjsonMagic...)
	names := sortedKeys(doc.Agents)
	buf = appendUint32(buf, uint32(len(names)))
	for _, name := range names {
		buf = appendString(buf, name)
		records := doc.Agents[name]
		buf = appendUint32(buf, uint32(len(records)))
		for _, r := range records {
			var err error
			buf, err = appendAgentRecord(buf, r)
			if err != nil {
				return nil, err
			}
		}
	}
	return buf, nil
}

func appendAgentRecord(buf []byte, r AgentRecord) ([]byte, error) {
	buf = appendInt64(buf, r.ID)
	keys := sortedKeys(r.Attributes)
	buf = appendUint32(buf, uint32(len(keys)))
	for _, k := range keys {
		buf = appendString(buf, k)
		var err error
		buf, err = appendTaggedValue(buf, r.Attributes[k])
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func appendTaggedValue(buf []byte, tv TaggedValue) ([]byte, error) {
	switch tv.Tag {
	case "bool":
		b, ok := tv.Value.(bool)
		if !ok {
			return nil, fmt.Errorf("ubjson: tag bool carries non-bool value")
		}
		buf = append(buf, tagBool)
		if b {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		return buf, nil
	case "i64":
		f, ok := asFloat(tv.Value)
		if !ok {
			return nil, fmt.Errorf("ubjson: tag i64 carries non-numeric value")
		}
		buf = append(buf, tagInt64)
		return appendInt64(buf, int64(f)), nil
	case "f64":
		f, ok := asFloat(tv.Value)
		if !ok {
			return nil, fmt.Errorf("ubjson: tag f64 carries non-numeric value")
		}
		buf = append(buf, tagFloat64)
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, math.Float64bits(f))
		return append(buf, b...), nil
	case "str", "bytes":
		s, ok := tv.Value.(string)
		if !ok {
			return nil, fmt.Errorf("ubjson: tag %s carries non-string value", tv.Tag)
		}
		buf = append(buf, tagString)
		return appendString(buf, s), nil
	case "struct":
		buf = append(buf, tagStruct)
		keys := sortedKeys(tv.Fields)
		buf = appendUint32(buf, uint32(len(keys)))
		for _, k := range keys {
			buf = appendString(buf, k)
			var err error
			buf, err = appendTaggedValue(buf, tv.Fields[k])
			if err != nil {
				return nil, err
			}
		}
		return buf, nil
	default:
		return nil, fmt.Errorf("ubjson: unknown tag %q", tv.Tag)
	}
}

func decodeDocument(raw []byte) (Document, error) {
	if !isUBJSON(raw) {
		return Document{}, fmt.Errorf("ubjson: missing magic prefix")
	}
	cur := cursor{buf: raw, pos: len(ubjsonMagic)}
	count, err := cur.readUint32()
	if err != nil {
		return Document{}, err
	}
	agents := make(map[string][]AgentRecord, count)
	for i := uint32(0); i < count; i++ {
		name, err := cur.readString()
		if err != nil {
			return Document{}, err
		}
		n, err := cur.readUint32()
		if err != nil {
			return Document{}, err
		}
		records := make([]AgentRecord, 0, n)
		for j := uint32(0); j < n; j++ {
			r, err := cur.readAgentRecord()
			if err != nil {
				return Document{}, err
			}
			records = append(records, r)
		}
		agents[name] = records
	}
	return Document{Agents: agents}, nil
}

type cursor struct {
	buf []byte
	pos int
}

func (c *cursor) readUint32() (uint32, error) {
	if c.pos+4 > len(c.buf) {
		return 0, fmt.Errorf("ubjson: truncated uint32")
	}
	v := binary.BigEndian.Uint32(c.buf[c.pos:])
	c.pos += 4
	return v, nil
}

func (c *cursor) readInt64() (int64, error) {
	if c.pos+8 > len(c.buf) {
		return 0, fmt.Errorf("ubjson: truncated int64")
	}
	v := int64(binary.BigEndian.Uint64(c.buf[c.pos:]))
	c.pos += 8
	return v, nil
}

func (c *cursor) readFloat64() (float64, error) {
	if c.pos+8 > len(c.buf) {
		return 0, fmt.Errorf("ubjson: truncated float64")
	}
	v := math.Float64frombits(binary.BigEndian.Uint64(c.buf[c.pos:]))
	c.pos += 8
	return v, nil
}

func (c *cursor) readString() (string, error) {
	n, err := c.readUint32()
	if err != nil {
		return "", err
	}
	if c.pos+int(n) > len(c.buf) {
		return "", fmt.Errorf("ubjson: truncated string")
	}
	s := string(c.buf[c.pos : c.pos+int(n)])
	c.pos += int(n)
	return s, nil
}

func (c *cursor) readByte() (byte, error) {
	if c.pos+1 > len(c.buf) {
		return 0, fmt.Errorf("ubjson: truncated tag byte")
	}
	b := c.buf[c.pos]
	c.pos++
	return b, nil
}

func (c *cursor) readAgentRecord() (AgentRecord, error) {
	id, err := c.readInt64()
	if err != nil {
		return AgentRecord{}, err
	}
	n, err := c.readUint32()
	if err != nil {
		return AgentRecord{}, err
	}
	attrs := make(map[string]TaggedValue, n)
	for i := uint32(0); i < n; i++ {
		name, err := c.readString()
		if err != nil {
			return AgentRecord{}, err
		}
		tv, err := c.readTaggedValue()
		if err != nil {
			return AgentRecord{}, err
		}
		attrs[name] = tv
	}
	return AgentRecord{ID: id, Attributes: attrs}, nil
}

func (c *cursor) readTaggedValue() (TaggedValue, error) {
	tag, err := c.readByte()
	if err != nil {
		return TaggedValue{}, err
	}
	switch tag {
	case tagBool:
		b, err := c.readByte()
		if err != nil {
			return TaggedValue{}, err
		}
		return TaggedValue{Tag: "bool", Value: b != 0}, nil
	case tagInt64:
		v, err := c.readInt64()
		if err != nil {
			return TaggedValue{}, err
		}
		return TaggedValue{Tag: "i64", Value: v}, nil
	case tagFloat64:
		v, err := c.readFloat64()
		if err != nil {
			return TaggedValue{}, err
		}
		return TaggedValue{Tag: "f64", Value: v}, nil
	case tagString:
		s, err := c.readString()
		if err != nil {
			return TaggedValue{}, err
		}
		return TaggedValue{Tag: "str", Value: s}, nil
	case tagStruct:
		n, err := c.readUint32()
		if err != nil {
			return TaggedValue{}, err
		}
		fields := make(map[string]TaggedValue, n)
		for i := uint32(0); i < n; i++ {
			name, err := c.readString()
			if err != nil {
				return TaggedValue{}, err
			}
			sub, err := c.readTaggedValue()
			if err != nil {
				return TaggedValue{}, err
			}
			fields[name] = sub
		}
		return TaggedValue{Tag: "struct", Fields: fields}, nil
	default:
		return TaggedValue{}, fmt.Errorf("ubjson: unknown tag byte %d", tag)
	}
}

func appendUint32(buf []byte, v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return append(buf, b...)
}

func appendInt64(buf []byte, v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return append(buf, b...)
}

func appendString(buf []byte, s string) []byte {
	buf = appendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
