package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Field describes one column of a RowDescription.
type Field struct {
	Name         string
	TableOID     uint32
	ColumnAttr   uint16
	TypeOID      uint32
	TypeSize     int16
	TypeModifier int32
	Format       int16
}

// RowDescription is the decoded form of a 'T' frame.
type RowDescription struct {
	Fields []Field
}

// ParseRowDescription decodes a RowDescription payload.
func ParseRowDescription(payload []byte) (*RowDescription, error) {
	if len(payload) < 2 {
		return nil, violation("row description truncated")
	}
	n := int(binary.BigEndian.Uint16(payload[:2]))
	data := payload[2:]
	rd := &RowDescription{Fields: make([]Field, 0, n)}
	for i := 0; i < n; i++ {
		name, rest, err := cutCString(data)
		if err != nil {
			return nil, violation("row description field %d name unterminated", i)
		}
		if len(rest) < 18 {
			return nil, violation("row description field %d truncated", i)
		}
		rd.Fields = append(rd.Fields, Field{
			Name:         name,
			TableOID:     binary.BigEndian.Uint32(rest[0:4]),
			ColumnAttr:   binary.BigEndian.Uint16(rest[4:6]),
			TypeOID:      binary.BigEndian.Uint32(rest[6:10]),
			TypeSize:     int16(binary.BigEndian.Uint16(rest[10:12])),
			TypeModifier: int32(binary.BigEndian.Uint32(rest[12:16])),
			Format:       int16(binary.BigEndian.Uint16(rest[16:18])),
		})
		data = rest[18:]
	}
	return rd, nil
}

// Encode re-encodes the RowDescription into a frame.
func (rd *RowDescription) Encode() Message {
	var p []byte
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(rd.Fields)))
	p = append(p, n[:]...)
	for _, f := range rd.Fields {
		p = append(p, f.Name...)
		p = append(p, 0)
		p = binary.BigEndian.AppendUint32(p, f.TableOID)
		p = binary.BigEndian.AppendUint16(p, f.ColumnAttr)
		p = binary.BigEndian.AppendUint32(p, f.TypeOID)
		p = binary.BigEndian.AppendUint16(p, uint16(f.TypeSize))
		p = binary.BigEndian.AppendUint32(p, uint32(f.TypeModifier))
		p = binary.BigEndian.AppendUint16(p, uint16(f.Format))
	}
	return Message{Type: MsgRowDescription, Payload: p}
}

// Column returns the index of the named column, or -1.
func (rd *RowDescription) Column(name string) int {
	for i, f := range rd.Fields {
		if strings.EqualFold(f.Name, name) {
			return i
		}
	}
	return -1
}

// Compatible reports whether two row descriptions agree in column count,
// names, and type OIDs. Table/attribute origins may differ across shards.
func (rd *RowDescription) Compatible(other *RowDescription) bool {
	if len(rd.Fields) != len(other.Fields) {
		return false
	}
	for i := range rd.Fields {
		if rd.Fields[i].Name != other.Fields[i].Name ||
			rd.Fields[i].TypeOID != other.Fields[i].TypeOID {
			return false
		}
	}
	return true
}

// DataRow is the decoded form of a 'D' frame. A nil value is SQL NULL.
type DataRow struct {
	Values [][]byte
}

// ParseDataRow decodes a DataRow payload. Values alias the payload.
func ParseDataRow(payload []byte) (*DataRow, error) {
	if len(payload) < 2 {
		return nil, violation("data row truncated")
	}
	n := int(binary.BigEndian.Uint16(payload[:2]))
	data := payload[2:]
	row := &DataRow{Values: make([][]byte, 0, n)}
	for i := 0; i < n; i++ {
		if len(data) < 4 {
			return nil, violation("data row value %d truncated", i)
		}
		vlen := int32(binary.BigEndian.Uint32(data[:4]))
		data = data[4:]
		if vlen < 0 {
			row.Values = append(row.Values, nil)
			continue
		}
		if int(vlen) > len(data) {
			return nil, violation("data row value %d overruns payload", i)
		}
		row.Values = append(row.Values, data[:vlen])
		data = data[vlen:]
	}
	return row, nil
}

// Encode re-encodes the DataRow into a frame.
func (r *DataRow) Encode() Message {
	var p []byte
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(r.Values)))
	p = append(p, n[:]...)
	for _, v := range r.Values {
		if v == nil {
			p = binary.BigEndian.AppendUint32(p, 0xffffffff)
			continue
		}
		p = binary.BigEndian.AppendUint32(p, uint32(len(v)))
		p = append(p, v...)
	}
	return Message{Type: MsgDataRow, Payload: p}
}

// CommandTag decodes the tag of a CommandComplete payload.
func CommandTag(payload []byte) string {
	if i := bytes.IndexByte(payload, 0); i >= 0 {
		return string(payload[:i])
	}
	return string(payload)
}

// TagRowCount extracts the affected-row count from a command tag
// ("INSERT 0 5" → 5, "SELECT 3" → 3, "DELETE 2" → 2). Returns false for
// tags without a count.
func TagRowCount(tag string) (int64, bool) {
	fields := strings.Fields(tag)
	if len(fields) < 2 {
		return 0, false
	}
	n, err := strconv.ParseInt(fields[len(fields)-1], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// RewriteTagCount replaces the row count of a command tag.
func RewriteTagCount(tag string, count int64) string {
	fields := strings.Fields(tag)
	if len(fields) < 2 {
		return tag
	}
	fields[len(fields)-1] = strconv.FormatInt(count, 10)
	return strings.Join(fields, " ")
}

// ParseFrame is the decoded frontend 'P' payload.
type ParseFrame struct {
	Name          string
	Query         string
	ParameterOIDs []uint32
}

// ParseParse decodes a frontend Parse payload.
func ParseParse(payload []byte) (*ParseFrame, error) {
	name, rest, err := cutCString(payload)
	if err != nil {
		return nil, violation("parse frame name unterminated")
	}
	query, rest, err := cutCString(rest)
	if err != nil {
		return nil, violation("parse frame query unterminated")
	}
	if len(rest) < 2 {
		return nil, violation("parse frame parameter count truncated")
	}
	n := int(binary.BigEndian.Uint16(rest[:2]))
	rest = rest[2:]
	if len(rest) < n*4 {
		return nil, violation("parse frame parameter OIDs truncated")
	}
	pf := &ParseFrame{Name: name, Query: query, ParameterOIDs: make([]uint32, n)}
	for i := 0; i < n; i++ {
		pf.ParameterOIDs[i] = binary.BigEndian.Uint32(rest[i*4 : i*4+4])
	}
	return pf, nil
}

// Encode re-encodes a Parse frame.
func (pf *ParseFrame) Encode() Message {
	var p []byte
	p = append(p, pf.Name...)
	p = append(p, 0)
	p = append(p, pf.Query...)
	p = append(p, 0)
	p = binary.BigEndian.AppendUint16(p, uint16(len(pf.ParameterOIDs)))
	for _, oid := range pf.ParameterOIDs {
		p = binary.BigEndian.AppendUint32(p, oid)
	}
	return Message{Type: MsgParse, Payload: p}
}

// BindFrame is the decoded frontend 'B' payload.
type BindFrame struct {
	Portal        string
	Statement     string
	ParamFormats  []int16
	Params        [][]byte // nil element = NULL
	ResultFormats []int16
}

// ParseBind decodes a frontend Bind payload. Parameter values alias the
// payload.
func ParseBind(payload []byte) (*BindFrame, error) {
	portal, rest, err := cutCString(payload)
	if err != nil {
		return nil, violation("bind frame portal unterminated")
	}
	stmt, rest, err := cutCString(rest)
	if err != nil {
		return nil, violation("bind frame statement unterminated")
	}
	bf := &BindFrame{Portal: portal, Statement: stmt}

	readInt16 := func() (int, error) {
		if len(rest) < 2 {
			return 0, violation("bind frame truncated")
		}
		v := int(binary.BigEndian.Uint16(rest[:2]))
		rest = rest[2:]
		return v, nil
	}

	nfmt, err := readInt16()
	if err != nil {
		return nil, err
	}
	bf.ParamFormats = make([]int16, nfmt)
	for i := 0; i < nfmt; i++ {
		v, err := readInt16()
		if err != nil {
			return nil, err
		}
		bf.ParamFormats[i] = int16(v)
	}

	nparams, err := readInt16()
	if err != nil {
		return nil, err
	}
	bf.Params = make([][]byte, nparams)
	for i := 0; i < nparams; i++ {
		if len(rest) < 4 {
			return nil, violation("bind frame parameter %d truncated", i)
		}
		vlen := int32(binary.BigEndian.Uint32(rest[:4]))
		rest = rest[4:]
		if vlen < 0 {
			bf.Params[i] = nil
			continue
		}
		if int(vlen) > len(rest) {
			return nil, violation("bind frame parameter %d overruns payload", i)
		}
		bf.Params[i] = rest[:vlen]
		rest = rest[vlen:]
	}

	nres, err := readInt16()
	if err != nil {
		return nil, err
	}
	bf.ResultFormats = make([]int16, nres)
	for i := 0; i < nres; i++ {
		v, err := readInt16()
		if err != nil {
			return nil, err
		}
		bf.ResultFormats[i] = int16(v)
	}
	return bf, nil
}

// Encode re-encodes a Bind frame.
func (bf *BindFrame) Encode() Message {
	var p []byte
	p = append(p, bf.Portal...)
	p = append(p, 0)
	p = append(p, bf.Statement...)
	p = append(p, 0)
	p = binary.BigEndian.AppendUint16(p, uint16(len(bf.ParamFormats)))
	for _, f := range bf.ParamFormats {
		p = binary.BigEndian.AppendUint16(p, uint16(f))
	}
	p = binary.BigEndian.AppendUint16(p, uint16(len(bf.Params)))
	for _, v := range bf.Params {
		if v == nil {
			p = binary.BigEndian.AppendUint32(p, 0xffffffff)
			continue
		}
		p = binary.BigEndian.AppendUint32(p, uint32(len(v)))
		p = append(p, v...)
	}
	p = binary.BigEndian.AppendUint16(p, uint16(len(bf.ResultFormats)))
	for _, f := range bf.ResultFormats {
		p = binary.BigEndian.AppendUint16(p, uint16(f))
	}
	return Message{Type: MsgBind, Payload: p}
}

// CloseFrame builds a frontend Close for a prepared statement ('S') or
// portal ('P').
func CloseFrame(kind byte, name string) Message {
	p := make([]byte, 0, len(name)+2)
	p = append(p, kind)
	p = append(p, name...)
	p = append(p, 0)
	return Message{Type: MsgClose, Payload: p}
}

// QueryString extracts the SQL of a simple Query payload.
func QueryString(payload []byte) string {
	if i := bytes.IndexByte(payload, 0); i >= 0 {
		return string(payload[:i])
	}
	return string(payload)
}

// CopyResponse is the decoded form of CopyInResponse/CopyOutResponse.
type CopyResponse struct {
	Format        byte // 0 text, 1 binary
	ColumnFormats []int16
}

// ParseCopyResponse decodes a CopyInResponse or CopyOutResponse payload.
func ParseCopyResponse(payload []byte) (*CopyResponse, error) {
	if len(payload) < 3 {
		return nil, violation("copy response truncated")
	}
	cr := &CopyResponse{Format: payload[0]}
	n := int(binary.BigEndian.Uint16(payload[1:3]))
	if len(payload) < 3+n*2 {
		return nil, violation("copy response column formats truncated")
	}
	cr.ColumnFormats = make([]int16, n)
	for i := 0; i < n; i++ {
		cr.ColumnFormats[i] = int16(binary.BigEndian.Uint16(payload[3+i*2 : 5+i*2]))
	}
	return cr, nil
}

// ReadyStatus extracts the transaction status of a ReadyForQuery payload.
func ReadyStatus(payload []byte) (byte, error) {
	if len(payload) < 1 {
		return 0, violation("ready-for-query without status")
	}
	switch payload[0] {
	case TxIdle, TxInTx, TxFailed:
		return payload[0], nil
	}
	return 0, fmt.Errorf("%w: unknown transaction status %q", ErrProtocolViolation, payload[0])
}
