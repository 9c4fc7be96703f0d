package mllp

import (
	"bytes"
	"fmt"
	"strings"
	"time"
)

// AckCode is the MSA-1 acknowledgement code.
type AckCode string

const (
	AckApplicationAccept AckCode = "AA"
	AckCommitAccept      AckCode = "CA"
	AckApplicationError  AckCode = "AE"
	AckApplicationReject AckCode = "AR"
)

// Mode selects when an inbound HL7 Service emits an ACK.
type Mode string

const (
	ModeImmediate   Mode = "Immediate"
	ModeApplication Mode = "Application"
	ModeNever       Mode = "Never"
)

// Header holds the MSH fields needed to mirror an ACK back to the sender.
// Field indices follow HL7 v2: MSH-3 sending application, MSH-4 sending
// facility, MSH-5 receiving application, MSH-6 receiving facility, MSH-9
// message type, MSH-10 message control id.
type Header struct {
	FieldSep      byte
	EncodingChars string
	SendingApp    string
	SendingFac    string
	ReceivingApp  string
	ReceivingFac  string
	MessageType   string
	ControlID     string
	VersionID     string
}

// ParseHeader locates the MSH segment in raw and extracts the fields
// needed for ACK construction. It does not validate HL7 beyond segment
// and field boundaries.
func ParseHeader(raw []byte) (Header, error) {
	seg, err := firstSegment(raw, "MSH")
	if err != nil {
		return Header{}, err
	}
	if len(seg) < 4 {
		return Header{}, fmt.Errorf("%w: MSH segment too short", ErrFraming)
	}
	fieldSep := seg[3]
	fields := strings.Split(string(seg[4:]), string(fieldSep))
	// MSH-1 is the field separator itself and is not a split field; MSH-2
	// (encoding characters) is fields[0] once split on fieldSep, because
	// the segment id + MSH-1 (4 bytes: "MSH" + sep) were already trimmed.
	get := func(i int) string {
		if i < 0 || i >= len(fields) {
			return ""
		}
		return fields[i]
	}
	h := Header{
		FieldSep:      fieldSep,
		EncodingChars: get(0),
		SendingApp:    get(1),
		SendingFac:    get(2),
		ReceivingApp:  get(3),
		ReceivingFac:  get(4),
		MessageType:   get(7),
		ControlID:     get(8),
		VersionID:     get(10),
	}
	return h, nil
}

func firstSegment(raw []byte, segID string) ([]byte, error) {
	lines := bytes.FieldsFunc(raw, func(r rune) bool { return r == '\r' || r == '\n' })
	prefix := []byte(segID)
	for _, l := range lines {
		if bytes.HasPrefix(l, prefix) {
			return l, nil
		}
	}
	return nil, fmt.Errorf("%w: %s segment not found", ErrFraming, segID)
}

// BuildAck constructs an ACK/NACK body: an MSH segment
// mirroring sending/receiving application/facility with roles swapped, a
// fresh control id, and an MSA segment carrying code and the original
// control id. errText is carried in MSA-3 when code is AE/AR.
func BuildAck(req Header, code AckCode, newControlID string, errText string, now time.Time) []byte {
	sep := req.FieldSep
	if sep == 0 {
		sep = '|'
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "MSH%c%s%c%s%c%s%c%s%c%s%c%s",
		sep, req.EncodingChars, sep,
		req.ReceivingApp, sep, req.ReceivingFac, sep,
		req.SendingApp, sep, req.SendingFac, sep,
		now.UTC().Format("20060102150405"))
	// Empty MSH-8 (security) keeps ACK and the control id at MSH-9/MSH-10.
	version := req.VersionID
	if version == "" {
		version = "2.4"
	}
	fmt.Fprintf(&b, "%c%cACK%c%s%cP%c%s\r", sep, sep, sep, newControlID, sep, sep, version)
	b.WriteString("MSA")
	b.WriteByte(sep)
	b.WriteString(string(code))
	b.WriteByte(sep)
	b.WriteString(req.ControlID)
	if errText != "" && (code == AckApplicationError || code == AckApplicationReject) {
		b.WriteByte(sep)
		b.WriteString(sanitizeAckText(errText))
	}
	b.WriteByte('\r')
	return b.Bytes()
}

func sanitizeAckText(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "|", "-")
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// ExtractMSA reads the MSA segment of an acknowledgement: MSA-1 is the
// code the peer answered with, MSA-2 echoes the control id of the message
// being acknowledged.
func ExtractMSA(raw []byte) (code AckCode, controlID string, err error) {
	seg, err := firstSegment(raw, "MSA")
	if err != nil {
		return "", "", err
	}
	fieldSep := byte('|')
	if h, herr := ParseHeader(raw); herr == nil && h.FieldSep != 0 {
		fieldSep = h.FieldSep
	}
	fields := strings.Split(string(seg), string(fieldSep))
	if len(fields) < 2 {
		return "", "", fmt.Errorf("%w: MSA segment too short", ErrFraming)
	}
	code = AckCode(fields[1])
	if len(fields) >= 3 {
		controlID = fields[2]
	}
	return code, controlID, nil
}
