package frame

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Header is the fixed field set every frame carries. It describes the
// sending agent.
type Header struct {
	UTC       float64 `msgpack:"utc"`
	Node      string  `msgpack:"node"`
	Proc      string  `msgpack:"proc"`
	Addr      string  `msgpack:"addr"`
	Port      uint16  `msgpack:"port"`
	Period    float64 `msgpack:"bprd"`
	BufSize   uint32  `msgpack:"bsz"`
	CPU       float64 `msgpack:"cpu"`
	Memory    float64 `msgpack:"mem"`
	Jitter    float64 `msgpack:"jit"`
	UTCOffset float64 `msgpack:"utco"`
}

// headerField is one entry of the wire order. Optional fields may be absent
// in frames from older senders.
type headerField struct {
	key      string
	optional bool
	set      func(h *Header, tok json.Token) error
}

var headerFields = []headerField{
	{key: "agent_utc", set: func(h *Header, tok json.Token) error { return setFloat(&h.UTC, tok) }},
	{key: "agent_node", set: func(h *Header, tok json.Token) error { return setString(&h.Node, tok) }},
	{key: "agent_proc", set: func(h *Header, tok json.Token) error { return setString(&h.Proc, tok) }},
	{key: "agent_addr", set: func(h *Header, tok json.Token) error { return setString(&h.Addr, tok) }},
	{key: "agent_port", set: func(h *Header, tok json.Token) error {
		v, err := setUint(tok, math.MaxUint16)
		h.Port = uint16(v)
		return err
	}},
	{key: "agent_bprd", optional: true, set: func(h *Header, tok json.Token) error { return setFloat(&h.Period, tok) }},
	{key: "agent_bsz", set: func(h *Header, tok json.Token) error {
		v, err := setUint(tok, math.MaxUint32)
		h.BufSize = uint32(v)
		return err
	}},
	{key: "agent_cpu", set: func(h *Header, tok json.Token) error { return setFloat(&h.CPU, tok) }},
	{key: "agent_memory", set: func(h *Header, tok json.Token) error { return setFloat(&h.Memory, tok) }},
	{key: "agent_jitter", set: func(h *Header, tok json.Token) error { return setFloat(&h.Jitter, tok) }},
	{key: "agent_dcycle", optional: true, set: func(h *Header, tok json.Token) error {
		var discard float64
		return setFloat(&discard, tok)
	}},
	{key: "node_utcoffset", set: func(h *Header, tok json.Token) error { return setFloat(&h.UTCOffset, tok) }},
}

// appendJSON writes the header as a single JSON object in wire order.
func (h *Header) appendJSON(b []byte) ([]byte, error) {
	floats := []float64{h.UTC, h.Period, h.CPU, h.Memory, h.Jitter, h.UTCOffset}
	for _, f := range floats {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("header field is not finite: %v", f)
		}
	}

	b = append(b, `{"agent_utc":`...)
	b = strconv.AppendFloat(b, h.UTC, 'g', -1, 64)
	b = append(b, `,"agent_node":`...)
	b = appendString(b, h.Node)
	b = append(b, `,"agent_proc":`...)
	b = appendString(b, h.Proc)
	b = append(b, `,"agent_addr":`...)
	b = appendString(b, h.Addr)
	b = append(b, `,"agent_port":`...)
	b = strconv.AppendUint(b, uint64(h.Port), 10)
	b = append(b, `,"agent_bprd":`...)
	b = strconv.AppendFloat(b, h.Period, 'g', -1, 64)
	b = append(b, `,"agent_bsz":`...)
	b = strconv.AppendUint(b, uint64(h.BufSize), 10)
	b = append(b, `,"agent_cpu":`...)
	b = strconv.AppendFloat(b, h.CPU, 'g', -1, 64)
	b = append(b, `,"agent_memory":`...)
	b = strconv.AppendFloat(b, h.Memory, 'g', -1, 64)
	b = append(b, `,"agent_jitter":`...)
	b = strconv.AppendFloat(b, h.Jitter, 'g', -1, 64)
	b = append(b, `,"node_utcoffset":`...)
	b = strconv.AppendFloat(b, h.UTCOffset, 'g', -1, 64)
	b = append(b, '}')
	return b, nil
}

func appendString(b []byte, s string) []byte {
	enc, _ := json.Marshal(s)
	return append(b, enc...)
}

// parseJSONHeader walks the header fields in wire order. It accepts either a
// single object or a run of objects each holding part of the fields, and
// returns the number of bytes consumed.
func parseJSONHeader(data []byte) (Header, int, error) {
	var h Header
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	if err := expectDelim(dec, '{'); err != nil {
		return h, 0, err
	}

	i := 0
	for i < len(headerFields) {
		tok, err := dec.Token()
		if err != nil {
			return h, 0, fmt.Errorf("reading header key: %w", err)
		}
		if d, ok := tok.(json.Delim); ok && d == '}' {
			// Split form: the next object continues the field list.
			if err := expectDelim(dec, '{'); err != nil {
				return h, 0, err
			}
			continue
		}
		key, ok := tok.(string)
		if !ok {
			return h, 0, fmt.Errorf("unexpected header token %v", tok)
		}
		for i < len(headerFields) && headerFields[i].key != key && headerFields[i].optional {
			i++
		}
		if i == len(headerFields) || headerFields[i].key != key {
			return h, 0, fmt.Errorf("unexpected header field %q", key)
		}

		val, err := dec.Token()
		if err != nil {
			return h, 0, fmt.Errorf("reading %s: %w", key, err)
		}
		if err := headerFields[i].set(&h, val); err != nil {
			return h, 0, fmt.Errorf("field %s: %w", key, err)
		}
		i++
	}

	if err := expectDelim(dec, '}'); err != nil {
		return h, 0, err
	}
	return h, int(dec.InputOffset()), nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("reading header: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q in header, got %v", want, tok)
	}
	return nil
}

func setFloat(dst *float64, tok json.Token) error {
	n, ok := tok.(json.Number)
	if !ok {
		return fmt.Errorf("expected number, got %T", tok)
	}
	f, err := n.Float64()
	if err != nil {
		return err
	}
	*dst = f
	return nil
}

func setString(dst *string, tok json.Token) error {
	s, ok := tok.(string)
	if !ok {
		return fmt.Errorf("expected string, got %T", tok)
	}
	*dst = s
	return nil
}

func setUint(tok json.Token, max uint64) (uint64, error) {
	n, ok := tok.(json.Number)
	if !ok {
		return 0, fmt.Errorf("expected integer, got %T", tok)
	}
	v, err := strconv.ParseUint(n.String(), 10, 64)
	if err != nil {
		return 0, err
	}
	if v > max {
		return 0, fmt.Errorf("value %d out of range", v)
	}
	return v, nil
}
