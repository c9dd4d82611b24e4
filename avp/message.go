package avp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Header flag bits (RFC 3588 section 3).
const (
	flagRequest        = 0x80
	flagProxyable      = 0x40
	flagError          = 0x20
	flagRetransmission = 0x10
)

// Message is a decoded Diameter message: header plus an ordered list of
// AVPs, mirroring DiameterMessage.
type Message struct {
	IsRequest        bool
	IsProxyable      bool
	IsError          bool
	IsRetransmission bool

	CommandCode   uint32
	ApplicationId uint32
	EndToEndId    uint32
	HopByHopId    uint32

	AVPs []AVP

	dict *Dictionary
}

// NewRequest builds an empty request for the given application/command,
// looked up in d. HopByHopId and EndToEndId are left zero; the caller (the
// engine or NodeState) fills them in before sending.
func NewRequest(d *Dictionary, applicationId, commandCode uint32) *Message {
	return &Message{IsRequest: true, IsProxyable: true, ApplicationId: applicationId, CommandCode: commandCode, dict: d}
}

// NewAnswer prepares an answer to req: same application, command, hop-by-hop
// and end-to-end identifiers, IsRequest cleared.
func NewAnswer(req *Message) *Message {
	return &Message{
		ApplicationId: req.ApplicationId,
		CommandCode:   req.CommandCode,
		EndToEndId:    req.EndToEndId,
		HopByHopId:    req.HopByHopId,
		dict:          req.dict,
	}
}

func (m *Message) dictionary() *Dictionary {
	if m.dict != nil {
		return m.dict
	}
	return Base
}

// Add builds an AVP by name from value and appends it to the message.
func (m *Message) Add(name string, value interface{}) error {
	a, err := New(m.dictionary(), name, value)
	if err != nil {
		return err
	}
	m.AVPs = append(m.AVPs, a)
	return nil
}

// AddAVP appends an already-built AVP.
func (m *Message) AddAVP(a AVP) {
	m.AVPs = append(m.AVPs, a)
}

// FindAVP returns the first AVP with the given name.
func (m *Message) FindAVP(name string) (AVP, bool) {
	for i := range m.AVPs {
		if m.AVPs[i].Name == name {
			return m.AVPs[i], true
		}
	}
	return AVP{}, false
}

// AllAVP returns every AVP with the given name, in order.
func (m *Message) AllAVP(name string) []AVP {
	var out []AVP
	for i := range m.AVPs {
		if m.AVPs[i].Name == name {
			out = append(out, m.AVPs[i])
		}
	}
	return out
}

// GetString returns the string value of the named AVP, or "" if absent.
func (m *Message) GetString(name string) string {
	if a, ok := m.FindAVP(name); ok {
		return a.GetString()
	}
	return ""
}

// GetUint returns the uint64 value of the named AVP, or 0 if absent.
func (m *Message) GetUint(name string) uint64 {
	if a, ok := m.FindAVP(name); ok {
		return a.GetUint()
	}
	return 0
}

// ResultCode returns the Result-Code AVP value, or 0 if absent.
func (m *Message) ResultCode() uint64 {
	return m.GetUint("Result-Code")
}

// Len returns the total wire length of the message, header plus AVPs.
func (m *Message) Len() (int, error) {
	total := 20
	for i := range m.AVPs {
		n, err := m.AVPs[i].Len(m.dictionary())
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// WriteTo encodes the message, including the 20-byte header, to w.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	msgLen, err := m.Len()
	if err != nil {
		return 0, err
	}

	var buf bytes.Buffer
	buf.WriteByte(1) // version
	writeUint24(&buf, uint32(msgLen))

	var flags uint8
	if m.IsRequest {
		flags |= flagRequest
	}
	if m.IsProxyable {
		flags |= flagProxyable
	}
	if m.IsError {
		flags |= flagError
	}
	if m.IsRetransmission {
		flags |= flagRetransmission
	}
	buf.WriteByte(flags)
	writeUint24(&buf, m.CommandCode)

	binary.Write(&buf, binary.BigEndian, m.ApplicationId)
	binary.Write(&buf, binary.BigEndian, m.EndToEndId)
	binary.Write(&buf, binary.BigEndian, m.HopByHopId)

	for i := range m.AVPs {
		if _, err := m.AVPs[i].WriteTo(&buf, m.dictionary()); err != nil {
			return 0, err
		}
	}

	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

// ReadMessage decodes one framed Diameter message from r using d to
// resolve AVP types. The caller is responsible for having already read (or
// for r exposing) exactly one message's worth of bytes, or for r being a
// stream from which ReadMessage can consume the length-prefixed frame
// itself — both styles are supported since ReadMessage reads the 20-byte
// header first and then exactly messageLength-20 further bytes.
func ReadMessage(r io.Reader, d *Dictionary) (*Message, error) {
	var header [20]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	version := header[0]
	if version != 1 {
		return nil, fmt.Errorf("unsupported diameter version %d", version)
	}
	msgLen := uint32(header[1])<<16 | uint32(header[2])<<8 | uint32(header[3])
	if msgLen < 20 {
		return nil, fmt.Errorf("message length %d shorter than header", msgLen)
	}

	flags := header[4]
	commandCode := uint32(header[5])<<16 | uint32(header[6])<<8 | uint32(header[7])

	m := &Message{
		IsRequest:        flags&flagRequest != 0,
		IsProxyable:      flags&flagProxyable != 0,
		IsError:          flags&flagError != 0,
		IsRetransmission: flags&flagRetransmission != 0,
		CommandCode:      commandCode,
		ApplicationId:    binary.BigEndian.Uint32(header[8:12]),
		EndToEndId:       binary.BigEndian.Uint32(header[12:16]),
		HopByHopId:       binary.BigEndian.Uint32(header[16:20]),
		dict:             d,
	}

	body := make([]byte, msgLen-20)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	reader := bytes.NewReader(body)
	for reader.Len() > 0 {
		a, _, err := ReadFrom(reader, d)
		if err != nil {
			return m, fmt.Errorf("malformed avp in message: %w", err)
		}
		m.AVPs = append(m.AVPs, a)
	}

	return m, nil
}

// CommandName resolves the human command name for logging.
func (m *Message) CommandName(d *Dictionary) string {
	return d.CommandName(m.ApplicationId, m.CommandCode)
}

func (m *Message) String() string {
	return fmt.Sprintf("Message{app=%d cmd=%d req=%v hbh=%d e2e=%d avps=%d}",
		m.ApplicationId, m.CommandCode, m.IsRequest, m.HopByHopId, m.EndToEndId, len(m.AVPs))
}
