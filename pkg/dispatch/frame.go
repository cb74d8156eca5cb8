package dispatch

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
)

// FrameType is the wire-level type byte at offset 12 of a frame header
// (spec §6.1).
type FrameType byte

const (
	FrameInvoke    FrameType = 'I'
	FrameResponse  FrameType = 'R'
	FrameException FrameType = 'E'
)

func (t FrameType) valid() bool {
	return t == FrameInvoke || t == FrameResponse || t == FrameException
}

const (
	lenFieldWidth    = 10
	protocolVersion  = '1'
	headerFixedBytes = lenFieldWidth + 4 // totalLen + checksum + compressed + type + version
)

// MessageUnit is the atomic payload exchanged end-to-end (spec §3).
type MessageUnit struct {
	Key         string
	Content     []byte
	Qos         string
	ResponseQos string
}

// ClientProperty extracts a "name=value" style client property the caller
// may have embedded in the opaque Qos string using the xmlBlaster
// convention (spec §6.3: __filename, __timestamp, _subdir, JMSXGroupSeq,
// ...). The core never interprets these beyond this pass-through accessor;
// parsing the XML structure itself remains an application concern.
func (m MessageUnit) ClientProperty(name string) (string, bool) {
	marker := "<clientProperty name='" + name + "'>"
	i := indexOf(m.Qos, marker)
	if i < 0 {
		return "", false
	}
	rest := m.Qos[i+len(marker):]
	j := indexOf(rest, "</clientProperty>")
	if j < 0 {
		return "", false
	}
	return rest[:j], true
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

// Frame is the decoded form of one wire-level unit (spec §3, §6.1).
type Frame struct {
	Type            FrameType
	RequestID       string
	Method          string
	SecretSessionID string
	Units           []MessageUnit

	// ErrorCode/ErrorMessage are populated only when Type == FrameException.
	ErrorCode    string
	ErrorMessage string

	// Raw is the raw invocation payload for methods (like connect) whose
	// body is a single opaque string rather than message units.
	Raw string
}

// encodeHeaderFields writes the NUL-terminated requestId/method/session
// triple shared by every frame type.
func encodeHeaderFields(buf *bytes.Buffer, requestID, method, secretSessionID string) {
	buf.WriteString(requestID)
	buf.WriteByte(0)
	buf.WriteString(method)
	buf.WriteByte(0)
	buf.WriteString(secretSessionID)
	buf.WriteByte(0)
}

// encodeUnits appends the body encoding of spec §6.1 item 7: each unit as
// NUL-terminated qos, NUL-terminated key, NUL-terminated ASCII content
// length, then exactly that many raw content bytes.
func encodeUnits(buf *bytes.Buffer, units []MessageUnit) {
	for _, u := range units {
		buf.WriteString(u.Qos)
		buf.WriteByte(0)
		buf.WriteString(u.Key)
		buf.WriteByte(0)
		buf.WriteString(strconv.Itoa(len(u.Content)))
		buf.WriteByte(0)
		buf.Write(u.Content)
	}
}

// EncodeInvoke builds an INVOKE or oneway-INVOKE frame. oneway invocations
// and responses/exceptions are framed identically on the wire; obliviously
// of oneway-ness is a correlator-level concern, not a codec one.
func EncodeInvoke(requestID, method, secretSessionID string, units []MessageUnit) []byte {
	return encodeFrame(FrameInvoke, requestID, method, secretSessionID, func(buf *bytes.Buffer) {
		encodeUnits(buf, units)
	})
}

// EncodeRaw builds a frame whose body is a single opaque string rather than
// message units (used for connect/disconnect/ping payloads).
func EncodeRaw(t FrameType, requestID, method, secretSessionID, raw string) []byte {
	return encodeFrame(t, requestID, method, secretSessionID, func(buf *bytes.Buffer) {
		buf.WriteString(raw)
	})
}

// EncodeResponse builds a RESPONSE frame, reusing the inbound requestId and
// secretSessionId verbatim as spec §4.4 requires for callback replies.
func EncodeResponse(requestID, method, secretSessionID string, units []MessageUnit) []byte {
	return encodeFrame(FrameResponse, requestID, method, secretSessionID, func(buf *bytes.Buffer) {
		encodeUnits(buf, units)
	})
}

// EncodeException builds an EXCEPTION frame: NUL-terminated errorCode, four
// reserved bytes, then message (spec §6.1).
func EncodeException(requestID, method, secretSessionID, errorCode, message string) []byte {
	return encodeFrame(FrameException, requestID, method, secretSessionID, func(buf *bytes.Buffer) {
		buf.WriteString(errorCode)
		buf.WriteByte(0)
		buf.Write([]byte{0, 0, 0, 0})
		buf.WriteString(message)
	})
}

func encodeFrame(t FrameType, requestID, method, secretSessionID string, writeBody func(*bytes.Buffer)) []byte {
	var body bytes.Buffer
	encodeHeaderFields(&body, requestID, method, secretSessionID)
	writeBody(&body)

	total := headerFixedBytes + body.Len() + 1 // +1 for the trailing checksum byte

	var out bytes.Buffer
	out.Grow(total)
	fmt.Fprintf(&out, "%010d", total)
	out.WriteByte(0) // checksum flag, reserved
	out.WriteByte(0) // compression flag, reserved
	out.WriteByte(byte(t))
	out.WriteByte(protocolVersion)
	out.Write(body.Bytes())
	out.WriteByte(0) // checksum byte, reserved

	return out.Bytes()
}

// DecodeFrame reads exactly one frame from r: the 10-digit length prefix,
// then totalLen-10 further bytes, then parses the header and body. It never
// scans for NULs inside declared content — contentLen is authoritative
// (spec §4.1).
func DecodeFrame(r io.Reader) (*Frame, error) {
	lenBuf := make([]byte, lenFieldWidth)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}
	total, err := strconv.ParseInt(string(lenBuf), 10, 64)
	if err != nil || total < lenFieldWidth {
		return nil, &FrameError{Reason: "invalid totalLen field: " + string(lenBuf)}
	}

	rest := make([]byte, total-lenFieldWidth)
	if _, err := io.ReadFull(r, rest); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}

	return parseFrame(rest)
}

func parseFrame(b []byte) (*Frame, error) {
	if len(b) < 4 {
		return nil, &FrameError{Reason: "frame too short for flags/type/version"}
	}
	// b[0] checksum flag, b[1] compression flag, both reserved.
	t := FrameType(b[2])
	if !t.valid() {
		return nil, &FrameError{Reason: fmt.Sprintf("unknown frame type byte %q", b[2])}
	}
	// b[3] is the protocol version marker; not currently validated against
	// a set of supported versions since only one exists.
	b = b[4:]

	requestID, b, err := readNulString(b)
	if err != nil {
		return nil, err
	}
	method, b, err := readNulString(b)
	if err != nil {
		return nil, err
	}
	secretSessionID, b, err := readNulString(b)
	if err != nil {
		return nil, err
	}

	f := &Frame{
		Type:            t,
		RequestID:       requestID,
		Method:          method,
		SecretSessionID: secretSessionID,
	}

	// Strip the trailing reserved checksum byte before interpreting body.
	if len(b) > 0 {
		b = b[:len(b)-1]
	}

	if t == FrameException {
		errorCode, rem, err := readNulString(b)
		if err != nil {
			return nil, err
		}
		if len(rem) < 4 {
			return nil, &FrameError{Reason: "exception body missing reserved bytes"}
		}
		rem = rem[4:]
		f.ErrorCode = errorCode
		f.ErrorMessage = string(rem)
		return f, nil
	}

	units, raw, err := decodeBody(b)
	if err != nil {
		return nil, err
	}
	f.Units = units
	f.Raw = raw
	return f, nil
}

// decodeBody parses the repeated (qos, key, contentLen, content) groups. If
// the body does not look like a message-unit sequence at all (no NUL
// present, e.g. a bare connect qos string), the whole body is returned as
// Raw instead.
func decodeBody(b []byte) ([]MessageUnit, string, error) {
	if len(b) == 0 {
		return nil, "", nil
	}
	if !bytes.ContainsRune(b, 0) {
		return nil, string(b), nil
	}

	var units []MessageUnit
	for len(b) > 0 {
		qos, rest, err := readNulString(b)
		if err != nil {
			return nil, "", err
		}
		key, rest, err := readNulString(rest)
		if err != nil {
			return nil, "", err
		}
		lenStr, rest, err := readNulString(rest)
		if err != nil {
			return nil, "", err
		}
		contentLen, err := strconv.ParseInt(lenStr, 10, 64)
		if err != nil || contentLen < 0 {
			return nil, "", &FrameError{Reason: "invalid contentLen " + lenStr}
		}
		if int64(len(rest)) < contentLen {
			return nil, "", &FrameError{Reason: "content shorter than declared contentLen"}
		}
		content := make([]byte, contentLen)
		copy(content, rest[:contentLen])
		units = append(units, MessageUnit{Qos: qos, Key: key, Content: content})
		b = rest[contentLen:]
	}
	return units, "", nil
}

func readNulString(b []byte) (string, []byte, error) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return "", nil, &FrameError{Reason: "missing NUL terminator"}
	}
	return string(b[:i]), b[i+1:], nil
}
