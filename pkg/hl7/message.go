// Package hl7 provides the concrete Hosts of the runtime: the inbound TCP
// Service, the outbound TCP Operation, and the rule-based Router, plus the
// HL7 v2 field model their settings and routing conditions operate on.
//
// The field model is deliberately shallow: segments split on CR/LF, fields
// on the MSH-1 separator, components on "^", repetitions by occurrence
// index. Nothing here validates HL7 semantics — the runtime only needs to
// locate fields for ACK construction and rule evaluation.
package hl7

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Message is a parsed view over one HL7 v2 message's raw bytes. It is
// built once per Router visit and discarded; raw remains the source of
// truth throughout.
type Message struct {
	fieldSep      byte
	componentSep  byte
	repetitionSep byte
	segments      []segment
}

type segment struct {
	id     string
	fields []string // fields[0] is the segment id
}

// Parse splits raw into segments and fields. It fails only when no MSH
// segment exists; an MSH line too short to carry the separators keeps the
// default separators (| ^ ~).
func Parse(raw []byte) (*Message, error) {
	lines := bytes.FieldsFunc(raw, func(r rune) bool { return r == '\r' || r == '\n' })
	m := &Message{fieldSep: '|', componentSep: '^', repetitionSep: '~'}
	for _, l := range lines {
		if bytes.HasPrefix(l, []byte("MSH")) && len(l) >= 8 {
			m.fieldSep = l[3]
			// MSH-2 encoding characters: component, repetition, escape,
			// subcomponent.
			enc := l[4:]
			if i := bytes.IndexByte(enc, m.fieldSep); i > 0 {
				enc = enc[:i]
			}
			if len(enc) >= 1 {
				m.componentSep = enc[0]
			}
			if len(enc) >= 2 {
				m.repetitionSep = enc[1]
			}
			break
		}
	}
	found := false
	for _, l := range lines {
		if len(l) < 3 {
			continue
		}
		fields := strings.Split(string(l), string(m.fieldSep))
		seg := segment{id: fields[0], fields: fields}
		if seg.id == "MSH" {
			found = true
		}
		m.segments = append(m.segments, seg)
	}
	if !found {
		return nil, fmt.Errorf("hl7: MSH segment not found")
	}
	return m, nil
}

// Field returns the value addressed by an accessor of the form SEG-n,
// SEG-n.m, or SEG(occ)-n[.m]. Missing segments, fields, or
// components resolve to "" rather than an error: routing conditions
// compare against absence all the time.
func (m *Message) Field(accessor string) (string, error) {
	segID, occ, fieldIdx, compIdx, err := splitAccessor(accessor)
	if err != nil {
		return "", err
	}
	seg, ok := m.segment(segID, occ)
	if !ok {
		return "", nil
	}
	val := seg.field(fieldIdx)
	// First repetition only: the accessor grammar has no repetition index.
	if i := strings.IndexByte(val, m.repetitionSep); i >= 0 {
		val = val[:i]
	}
	if compIdx > 0 {
		comps := strings.Split(val, string(m.componentSep))
		if compIdx > len(comps) {
			return "", nil
		}
		return comps[compIdx-1], nil
	}
	return val, nil
}

// MessageType returns MSH-9 rendered with "^" separators, e.g. "ADT^A01".
func (m *Message) MessageType() string {
	v, _ := m.Field("MSH-9")
	return v
}

// ControlID returns MSH-10.
func (m *Message) ControlID() string {
	v, _ := m.Field("MSH-10")
	return v
}

func (m *Message) segment(id string, occ int) (segment, bool) {
	if occ < 1 {
		occ = 1
	}
	n := 0
	for _, s := range m.segments {
		if s.id == id {
			n++
			if n == occ {
				return s, true
			}
		}
	}
	return segment{}, false
}

// field returns SEG-n. For MSH the separator itself is MSH-1 and the
// encoding characters are MSH-2, so indices shift by one relative to the
// split field slice.
func (s segment) field(n int) string {
	if n < 1 {
		return ""
	}
	if s.id == "MSH" {
		if n == 1 {
			return "|" // only ever the separator; callers rarely ask
		}
		n-- // MSH-2 is fields[1], MSH-9 is fields[8]
	}
	if n >= len(s.fields) {
		return ""
	}
	return s.fields[n]
}

// splitAccessor parses "SEG-n", "SEG-n.m", "SEG(occ)-n", "SEG(occ)-n.m".
func splitAccessor(a string) (segID string, occ, fieldIdx, compIdx int, err error) {
	a = strings.TrimSpace(a)
	dash := strings.IndexByte(a, '-')
	if dash < 0 {
		return "", 0, 0, 0, fmt.Errorf("hl7: accessor %q missing field index", a)
	}
	segPart, idxPart := a[:dash], a[dash+1:]
	occ = 1
	if open := strings.IndexByte(segPart, '('); open >= 0 {
		closeIdx := strings.IndexByte(segPart, ')')
		if closeIdx < open {
			return "", 0, 0, 0, fmt.Errorf("hl7: accessor %q has unbalanced occurrence", a)
		}
		occ, err = strconv.Atoi(segPart[open+1 : closeIdx])
		if err != nil || occ < 1 {
			return "", 0, 0, 0, fmt.Errorf("hl7: accessor %q has bad occurrence", a)
		}
		segPart = segPart[:open]
	}
	segID = strings.ToUpper(strings.TrimSpace(segPart))
	if segID == "" {
		return "", 0, 0, 0, fmt.Errorf("hl7: accessor %q missing segment id", a)
	}
	fieldStr, compStr := idxPart, ""
	if dot := strings.IndexByte(idxPart, '.'); dot >= 0 {
		fieldStr, compStr = idxPart[:dot], idxPart[dot+1:]
	}
	fieldIdx, err = strconv.Atoi(strings.TrimSpace(fieldStr))
	if err != nil || fieldIdx < 1 {
		return "", 0, 0, 0, fmt.Errorf("hl7: accessor %q has bad field index", a)
	}
	if compStr != "" {
		compIdx, err = strconv.Atoi(strings.TrimSpace(compStr))
		if err != nil || compIdx < 1 {
			return "", 0, 0, 0, fmt.Errorf("hl7: accessor %q has bad component index", a)
		}
	}
	return segID, occ, fieldIdx, compIdx, nil
}

// Properties is the envelope.Payload parseFn for HL7 payloads: the handful
// of header fields the tracer and router touch most, cached on first use.
func Properties(raw []byte) (map[string]string, error) {
	m, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	props := make(map[string]string, 8)
	for _, acc := range []string{"MSH-3", "MSH-4", "MSH-5", "MSH-6", "MSH-9", "MSH-10", "MSH-11", "MSH-12"} {
		v, _ := m.Field(acc)
		props[acc] = v
	}
	return props, nil
}
