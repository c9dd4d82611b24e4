package avp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net"
	"time"
)

// zeroTime is the Diameter Time epoch: 1 January 1900.
var zeroTime = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

// AVP is one decoded Attribute-Value-Pair. Value holds a Go-native
// representation depending on DictItem.Type: []byte for OctetString,
// string for UTF8String/DiamIdent/DiameterURI, int64 for Integer32/64,
// uint64 for Unsigned32/64 and Enumerated, float64 for Float32/64,
// net.IP for Address, time.Time for Time, []AVP for Grouped.
type AVP struct {
	Code        uint32
	VendorId    uint32
	IsMandatory bool
	Name        string
	Value       interface{}

	dict DictEntry
}

// New builds an AVP looked up by name in d, with the dictionary's default
// M-bit, and a value of the appropriate Go type for its Diameter type.
func New(d *Dictionary, name string, value interface{}) (AVP, error) {
	e, ok := d.AVPByName(name)
	if !ok {
		return AVP{}, fmt.Errorf("avp %q not found in dictionary", name)
	}
	a := AVP{Code: e.Code, VendorId: e.VendorId, IsMandatory: e.Mandatory, Name: e.Name, dict: e}
	if err := a.setValue(value); err != nil {
		return AVP{}, err
	}
	return a, nil
}

// NewGroup builds an empty Grouped AVP ready to receive children via Add.
func NewGroup(d *Dictionary, name string) (AVP, error) {
	return New(d, name, []AVP{})
}

func (a *AVP) setValue(value interface{}) error {
	switch a.dict.Type {
	case TypeOctetString:
		switch v := value.(type) {
		case []byte:
			a.Value = v
		case string:
			a.Value = []byte(v)
		default:
			return fmt.Errorf("avp %s: cannot use %T as OctetString", a.Name, value)
		}
	case TypeUTF8String, TypeDiamIdent, TypeDiameterURI:
		switch v := value.(type) {
		case string:
			a.Value = v
		case []byte:
			a.Value = string(v)
		default:
			return fmt.Errorf("avp %s: cannot use %T as string", a.Name, value)
		}
	case TypeInteger32, TypeInteger64:
		i, err := toInt64(value)
		if err != nil {
			return fmt.Errorf("avp %s: %w", a.Name, err)
		}
		a.Value = i
	case TypeUnsigned32, TypeUnsigned64, TypeEnumerated:
		u, err := toUint64(value)
		if err != nil {
			return fmt.Errorf("avp %s: %w", a.Name, err)
		}
		a.Value = u
	case TypeFloat32, TypeFloat64:
		f, err := toFloat64(value)
		if err != nil {
			return fmt.Errorf("avp %s: %w", a.Name, err)
		}
		a.Value = f
	case TypeAddress:
		switch v := value.(type) {
		case net.IP:
			a.Value = v
		case string:
			ip := net.ParseIP(v)
			if ip == nil {
				return fmt.Errorf("avp %s: %q is not an IP address", a.Name, v)
			}
			a.Value = ip
		default:
			return fmt.Errorf("avp %s: cannot use %T as Address", a.Name, value)
		}
	case TypeTime:
		switch v := value.(type) {
		case time.Time:
			a.Value = v
		default:
			return fmt.Errorf("avp %s: cannot use %T as Time", a.Name, value)
		}
	case TypeGrouped:
		switch v := value.(type) {
		case []AVP:
			a.Value = v
		case nil:
			a.Value = []AVP{}
		default:
			return fmt.Errorf("avp %s: cannot use %T as Grouped", a.Name, value)
		}
	default:
		return fmt.Errorf("avp %s: unknown dictionary type %d", a.Name, a.dict.Type)
	}
	return nil
}

func toInt64(value interface{}) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint32:
		return int64(v), nil
	}
	return 0, fmt.Errorf("cannot convert %T to int64", value)
}

func toUint64(value interface{}) (uint64, error) {
	switch v := value.(type) {
	case int:
		return uint64(v), nil
	case int32:
		return uint64(v), nil
	case int64:
		return uint64(v), nil
	case uint32:
		return uint64(v), nil
	case uint64:
		return v, nil
	}
	return 0, fmt.Errorf("cannot convert %T to uint64", value)
}

func toFloat64(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	}
	return 0, fmt.Errorf("cannot convert %T to float64", value)
}

// GetString returns the Value coerced to a string.
func (a AVP) GetString() string {
	switch v := a.Value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// GetUint returns the Value coerced to uint64.
func (a AVP) GetUint() uint64 {
	switch v := a.Value.(type) {
	case uint64:
		return v
	case int64:
		return uint64(v)
	}
	return 0
}

// GetInt returns the Value coerced to int64.
func (a AVP) GetInt() int64 {
	switch v := a.Value.(type) {
	case int64:
		return v
	case uint64:
		return int64(v)
	}
	return 0
}

// GetIPAddress returns the Value coerced to net.IP, or nil.
func (a AVP) GetIPAddress() net.IP {
	if ip, ok := a.Value.(net.IP); ok {
		return ip
	}
	return nil
}

// Group returns the child AVPs of a Grouped AVP, or nil if not grouped.
func (a AVP) Group() []AVP {
	g, _ := a.Value.([]AVP)
	return g
}

// AddAVP appends a child to a Grouped AVP in place.
func (a *AVP) AddAVP(child AVP) *AVP {
	g, _ := a.Value.([]AVP)
	a.Value = append(g, child)
	return a
}

// GetAVP returns the first child with the given name from a Grouped AVP.
func (a AVP) GetAVP(name string) (AVP, error) {
	for _, c := range a.Group() {
		if c.Name == name {
			return c, nil
		}
	}
	return AVP{}, fmt.Errorf("avp %q not found in group %s", name, a.Name)
}

// GetAllAVP returns every child with the given name from a Grouped AVP.
func (a AVP) GetAllAVP(name string) []AVP {
	var out []AVP
	for _, c := range a.Group() {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// dataLen returns the number of payload bytes the AVP occupies on the
// wire, before 4-byte padding.
func (a *AVP) dataLen(d *Dictionary) (int, error) {
	switch a.dict.Type {
	case TypeOctetString:
		b, _ := a.Value.([]byte)
		return len(b), nil
	case TypeUTF8String, TypeDiamIdent, TypeDiameterURI:
		return len(a.GetString()), nil
	case TypeInteger32, TypeUnsigned32, TypeEnumerated:
		return 4, nil
	case TypeInteger64, TypeUnsigned64:
		return 8, nil
	case TypeFloat32:
		return 4, nil
	case TypeFloat64:
		return 8, nil
	case TypeTime:
		return 4, nil
	case TypeAddress:
		ip := a.GetIPAddress()
		if ip4 := ip.To4(); ip4 != nil {
			return 6, nil
		}
		return 18, nil
	case TypeGrouped:
		total := 0
		for i := range a.Group() {
			n, err := a.Group()[i].Len(d)
			if err != nil {
				return 0, err
			}
			total += n
		}
		return total, nil
	}
	return 0, fmt.Errorf("avp %s: unknown type %d", a.Name, a.dict.Type)
}

func padded(n int) int {
	if n%4 == 0 {
		return n
	}
	return n + (4 - n%4)
}

// Len returns the total wire length of the AVP, header plus padded data.
func (a *AVP) Len(d *Dictionary) (int, error) {
	dl, err := a.dataLen(d)
	if err != nil {
		return 0, err
	}
	header := 8
	if a.VendorId != 0 {
		header = 12
	}
	return header + padded(dl), nil
}

// WriteTo encodes the AVP, including header and padding, to w. All AVPs
// produced by this codec set the M-bit per the dictionary default unless
// explicitly overridden via IsMandatory.
func (a *AVP) WriteTo(w io.Writer, d *Dictionary) (int64, error) {
	dl, err := a.dataLen(d)
	if err != nil {
		return 0, err
	}

	var flags uint8
	if a.IsMandatory {
		flags |= 0x40
	}
	if a.VendorId != 0 {
		flags |= 0x80
	}

	avpLen := 8 + dl
	if a.VendorId != 0 {
		avpLen += 4
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, a.Code)
	buf.WriteByte(flags)
	writeUint24(&buf, uint32(avpLen))
	if a.VendorId != 0 {
		binary.Write(&buf, binary.BigEndian, a.VendorId)
	}

	if err := a.writeData(&buf, d); err != nil {
		return 0, err
	}
	for buf.Len() < 8+(func() int {
		if a.VendorId != 0 {
			return 4
		}
		return 0
	}())+padded(dl) {
		buf.WriteByte(0)
	}

	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

func (a *AVP) writeData(buf *bytes.Buffer, d *Dictionary) error {
	switch a.dict.Type {
	case TypeOctetString:
		b, _ := a.Value.([]byte)
		buf.Write(b)
	case TypeUTF8String, TypeDiamIdent, TypeDiameterURI:
		buf.WriteString(a.GetString())
	case TypeInteger32:
		binary.Write(buf, binary.BigEndian, int32(a.GetInt()))
	case TypeUnsigned32, TypeEnumerated:
		binary.Write(buf, binary.BigEndian, uint32(a.GetUint()))
	case TypeInteger64:
		binary.Write(buf, binary.BigEndian, a.GetInt())
	case TypeUnsigned64:
		binary.Write(buf, binary.BigEndian, a.GetUint())
	case TypeFloat32:
		f, _ := a.Value.(float64)
		binary.Write(buf, binary.BigEndian, float32(f))
	case TypeFloat64:
		f, _ := a.Value.(float64)
		binary.Write(buf, binary.BigEndian, f)
	case TypeTime:
		t, _ := a.Value.(time.Time)
		binary.Write(buf, binary.BigEndian, uint32(t.Sub(zeroTime).Seconds()))
	case TypeAddress:
		ip := a.GetIPAddress()
		if ip4 := ip.To4(); ip4 != nil {
			binary.Write(buf, binary.BigEndian, uint16(1))
			buf.Write(ip4)
		} else {
			binary.Write(buf, binary.BigEndian, uint16(2))
			buf.Write(ip.To16())
		}
	case TypeGrouped:
		for i := range a.Group() {
			if _, err := a.Group()[i].WriteTo(buf, d); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("avp %s: unknown type %d", a.Name, a.dict.Type)
	}
	return nil
}

func writeUint24(buf *bytes.Buffer, v uint32) {
	buf.WriteByte(byte(v >> 16))
	buf.WriteByte(byte(v >> 8))
	buf.WriteByte(byte(v))
}

func readUint24(r io.Reader) (uint32, error) {
	var b [3]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]), nil
}

// ReadFrom decodes one AVP, including padding, from r using d to resolve
// its type. Unknown AVP codes are decoded as OctetString so that unknown
// application traffic can still be framed and, if needed, re-encoded
// byte-for-byte.
func ReadFrom(r io.Reader, d *Dictionary) (AVP, int64, error) {
	var code uint32
	if err := binary.Read(r, binary.BigEndian, &code); err != nil {
		return AVP{}, 0, err
	}
	var flags uint8
	if err := binary.Read(r, binary.BigEndian, &flags); err != nil {
		return AVP{}, 4, err
	}
	avpLen, err := readUint24(r)
	if err != nil {
		return AVP{}, 5, err
	}

	var vendorId uint32
	headerLen := int64(8)
	if flags&0x80 != 0 {
		if err := binary.Read(r, binary.BigEndian, &vendorId); err != nil {
			return AVP{}, 8, err
		}
		headerLen = 12
	}

	if int64(avpLen) < headerLen {
		return AVP{}, headerLen, fmt.Errorf("avp code %d: bad length %d", code, avpLen)
	}
	dataLen := int64(avpLen) - headerLen
	padLen := int64(padded(int(dataLen))) - dataLen

	data := make([]byte, dataLen)
	if _, err := io.ReadFull(r, data); err != nil {
		return AVP{}, headerLen + dataLen, err
	}
	if padLen > 0 {
		pad := make([]byte, padLen)
		if _, err := io.ReadFull(r, pad); err != nil {
			return AVP{}, headerLen + dataLen, err
		}
	}

	entry, known := d.AVPByCode(vendorId, code)
	if !known {
		entry = DictEntry{Code: code, VendorId: vendorId, Name: fmt.Sprintf("Unknown-%d-%d", vendorId, code), Type: TypeOctetString}
	}

	a := AVP{Code: code, VendorId: vendorId, IsMandatory: flags&0x40 != 0, Name: entry.Name, dict: entry}
	if err := a.decodeData(data, d); err != nil {
		return a, headerLen + dataLen + padLen, err
	}

	return a, headerLen + dataLen + padLen, nil
}

func (a *AVP) decodeData(data []byte, d *Dictionary) error {
	switch a.dict.Type {
	case TypeOctetString:
		a.Value = data
	case TypeUTF8String, TypeDiamIdent, TypeDiameterURI:
		a.Value = string(data)
	case TypeInteger32:
		if len(data) < 4 {
			return fmt.Errorf("avp %s: short Integer32", a.Name)
		}
		a.Value = int64(int32(binary.BigEndian.Uint32(data)))
	case TypeInteger64:
		if len(data) < 8 {
			return fmt.Errorf("avp %s: short Integer64", a.Name)
		}
		a.Value = int64(binary.BigEndian.Uint64(data))
	case TypeUnsigned32, TypeEnumerated:
		if len(data) < 4 {
			return fmt.Errorf("avp %s: short Unsigned32", a.Name)
		}
		a.Value = uint64(binary.BigEndian.Uint32(data))
	case TypeUnsigned64:
		if len(data) < 8 {
			return fmt.Errorf("avp %s: short Unsigned64", a.Name)
		}
		a.Value = binary.BigEndian.Uint64(data)
	case TypeFloat32:
		if len(data) < 4 {
			return fmt.Errorf("avp %s: short Float32", a.Name)
		}
		bits := binary.BigEndian.Uint32(data)
		a.Value = float64(math.Float32frombits(bits))
	case TypeFloat64:
		if len(data) < 8 {
			return fmt.Errorf("avp %s: short Float64", a.Name)
		}
		bits := binary.BigEndian.Uint64(data)
		a.Value = math.Float64frombits(bits)
	case TypeTime:
		if len(data) < 4 {
			return fmt.Errorf("avp %s: short Time", a.Name)
		}
		secs := binary.BigEndian.Uint32(data)
		a.Value = zeroTime.Add(time.Duration(secs) * time.Second)
	case TypeAddress:
		if len(data) < 2 {
			return fmt.Errorf("avp %s: short Address", a.Name)
		}
		family := binary.BigEndian.Uint16(data[0:2])
		rest := data[2:]
		switch family {
		case 1:
			if len(rest) < 4 {
				return fmt.Errorf("avp %s: short IPv4 Address", a.Name)
			}
			a.Value = net.IP(rest[:4])
		case 2:
			if len(rest) < 16 {
				return fmt.Errorf("avp %s: short IPv6 Address", a.Name)
			}
			a.Value = net.IP(rest[:16])
		default:
			return fmt.Errorf("avp %s: unknown address family %d", a.Name, family)
		}
	case TypeGrouped:
		var group []AVP
		reader := bytes.NewReader(data)
		for reader.Len() > 0 {
			child, _, err := ReadFrom(reader, d)
			if err != nil {
				return fmt.Errorf("avp %s: malformed group: %w", a.Name, err)
			}
			group = append(group, child)
		}
		a.Value = group
	default:
		return fmt.Errorf("avp %s: unknown type %d", a.Name, a.dict.Type)
	}
	return nil
}
