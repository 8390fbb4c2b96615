package assembler

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/pgmux/pgmux/internal/pool"
	"github.com/pgmux/pgmux/internal/sqlparse"
	"github.com/pgmux/pgmux/internal/wire"
)

// binarySignature opens every binary COPY stream.
var binarySignature = []byte("PGCOPY\n\377\r\n\x00")

// splitRow is one COPY row bound for a shard.
type splitRow struct {
	shard int
	data  []byte
}

// copySplitter parses an inbound COPY FROM stream into rows, extracts the
// sharding key, and assigns each row a shard. It is incremental: chunks may
// split rows (and quoted CSV fields) anywhere.
type copySplitter struct {
	format  sqlparse.CopyFormat
	delim   byte
	quote   byte
	escape  byte
	null    string
	header  bool // a header line is still expected (text/CSV HEADER)
	keyIdx  int
	shardFn func(string) (int, error)

	buf []byte

	// binary state
	binHeader     []byte // captured header, replayed to every shard
	binHeaderDone bool
	binDone       bool // trailer seen
}

func newCopySplitter(cp *sqlparse.CopyStmt, keyIdx int, shardFn func(string) (int, error)) *copySplitter {
	return &copySplitter{
		format:  cp.Format,
		delim:   cp.Delimiter,
		quote:   cp.Quote,
		escape:  cp.Escape,
		null:    cp.Null,
		header:  cp.Header,
		keyIdx:  keyIdx,
		shardFn: shardFn,
	}
}

// Header returns the bytes every shard's stream must start with (binary
// header, or the header line of text/CSV HEADER mode). Valid once rows have
// started flowing.
func (cs *copySplitter) Header() []byte { return cs.binHeader }

// Feed consumes one CopyData chunk and returns the complete rows found.
func (cs *copySplitter) Feed(chunk []byte) ([]splitRow, error) {
	cs.buf = append(cs.buf, chunk...)
	if cs.format == sqlparse.CopyFormatBinary {
		return cs.feedBinary()
	}
	return cs.feedLines()
}

// Finish flushes a trailing unterminated row (text/CSV files may omit the
// final newline).
func (cs *copySplitter) Finish() ([]splitRow, error) {
	if cs.format == sqlparse.CopyFormatBinary {
		if len(cs.buf) > 0 && !cs.binDone {
			return nil, wire.NewError("ERROR", "22P04", "incomplete binary COPY row at end of stream")
		}
		return nil, nil
	}
	if len(cs.buf) == 0 {
		return nil, nil
	}
	line := cs.buf
	cs.buf = nil
	return cs.lineToRows(line, false)
}

func (cs *copySplitter) feedLines() ([]splitRow, error) {
	var rows []splitRow
	for {
		nl := cs.findRowEnd()
		if nl < 0 {
			return rows, nil
		}
		line := cs.buf[:nl+1]
		out, err := cs.lineToRows(line, true)
		if err != nil {
			return rows, err
		}
		rows = append(rows, out...)
		cs.buf = cs.buf[nl+1:]
	}
}

// findRowEnd locates the newline terminating the next row, honoring CSV
// quoting and text-format backslash escapes.
func (cs *copySplitter) findRowEnd() int {
	if cs.format == sqlparse.CopyFormatCSV {
		inQuotes := false
		for i := 0; i < len(cs.buf); i++ {
			c := cs.buf[i]
			switch {
			case inQuotes && c == cs.escape && i+1 < len(cs.buf) && cs.buf[i+1] == cs.quote:
				i++
			case c == cs.quote:
				inQuotes = !inQuotes
			case c == '\n' && !inQuotes:
				return i
			}
		}
		return -1
	}
	for i := 0; i < len(cs.buf); i++ {
		switch cs.buf[i] {
		case '\\':
			i++
		case '\n':
			return i
		}
	}
	return -1
}

// lineToRows classifies one line: header line, end-of-data marker, or a
// data row routed by its sharding key.
func (cs *copySplitter) lineToRows(line []byte, terminated bool) ([]splitRow, error) {
	trimmed := bytes.TrimRight(line, "\r\n")
	if len(trimmed) == 0 {
		return nil, nil
	}
	if bytes.Equal(trimmed, []byte(`\.`)) {
		return nil, nil // end-of-data marker; CopyDone carries the real end
	}
	if cs.header {
		// the header line replays on every shard's stream
		cs.header = false
		cs.binHeader = append([]byte(nil), line...)
		return nil, nil
	}

	key, isNull, err := cs.extractKey(trimmed)
	if err != nil {
		return nil, err
	}
	if isNull {
		return nil, wire.NewError("ERROR", "23502", "sharding column is null in COPY row")
	}
	shard, err := cs.shardFn(key)
	if err != nil {
		return nil, wire.NewError("ERROR", "22P02",
			fmt.Sprintf("cannot route COPY row: %v", err))
	}
	data := line
	if !terminated {
		data = append(append([]byte(nil), line...), '\n')
	}
	return []splitRow{{shard: shard, data: data}}, nil
}

// extractKey walks the fields of a text/CSV row up to the sharding column.
func (cs *copySplitter) extractKey(row []byte) (string, bool, error) {
	if cs.format == sqlparse.CopyFormatCSV {
		return cs.extractCSVKey(row)
	}

	field := 0
	start := 0
	var val []byte
	for i := 0; i <= len(row); i++ {
		atEnd := i == len(row)
		if !atEnd && row[i] == '\\' {
			i++
			continue
		}
		if atEnd || row[i] == cs.delim {
			if field == cs.keyIdx {
				val = row[start:i]
				if string(val) == `\N` {
					return "", true, nil
				}
				return unescapeText(val), false, nil
			}
			field++
			start = i + 1
		}
	}
	return "", false, wire.NewError("ERROR", "22P04",
		fmt.Sprintf("COPY row has %d fields, sharding column is %d", field+1, cs.keyIdx+1))
}

func unescapeText(v []byte) string {
	if !bytes.ContainsRune(v, '\\') {
		return string(v)
	}
	out := make([]byte, 0, len(v))
	for i := 0; i < len(v); i++ {
		if v[i] != '\\' || i+1 >= len(v) {
			out = append(out, v[i])
			continue
		}
		i++
		switch v[i] {
		case 'n':
			out = append(out, '\n')
		case 't':
			out = append(out, '\t')
		case 'r':
			out = append(out, '\r')
		case '\\':
			out = append(out, '\\')
		default:
			out = append(out, v[i])
		}
	}
	return string(out)
}

func (cs *copySplitter) extractCSVKey(row []byte) (string, bool, error) {
	field := 0
	i := 0
	for {
		var val []byte
		quoted := false
		if i < len(row) && row[i] == cs.quote {
			quoted = true
			i++
			for i < len(row) {
				if row[i] == cs.escape && i+1 < len(row) && row[i+1] == cs.quote {
					val = append(val, cs.quote)
					i += 2
					continue
				}
				if row[i] == cs.quote {
					i++
					break
				}
				val = append(val, row[i])
				i++
			}
		} else {
			start := i
			for i < len(row) && row[i] != cs.delim {
				i++
			}
			val = row[start:i]
		}

		if field == cs.keyIdx {
			if !quoted && string(val) == cs.null {
				return "", true, nil
			}
			return string(val), false, nil
		}
		field++
		if i >= len(row) {
			return "", false, wire.NewError("ERROR", "22P04",
				fmt.Sprintf("COPY row has %d fields, sharding column is %d", field, cs.keyIdx+1))
		}
		i++ // skip delimiter
	}
}

// feedBinary parses the fixed header, then length-prefixed tuples.
func (cs *copySplitter) feedBinary() ([]splitRow, error) {
	var rows []splitRow

	if !cs.binHeaderDone {
		need := len(binarySignature) + 8
		if len(cs.buf) < need {
			return nil, nil
		}
		if !bytes.Equal(cs.buf[:len(binarySignature)], binarySignature) {
			return nil, wire.NewError("ERROR", "22P04", "invalid binary COPY signature")
		}
		extLen := int(binary.BigEndian.Uint32(cs.buf[need-4 : need]))
		if len(cs.buf) < need+extLen {
			return nil, nil
		}
		cs.binHeader = append([]byte(nil), cs.buf[:need+extLen]...)
		cs.buf = cs.buf[need+extLen:]
		cs.binHeaderDone = true
	}

	for {
		if len(cs.buf) < 2 {
			return rows, nil
		}
		nFields := int(int16(binary.BigEndian.Uint16(cs.buf[:2])))
		if nFields == -1 {
			cs.binDone = true
			cs.buf = cs.buf[2:]
			return rows, nil
		}

		// scan the full tuple before committing
		pos := 2
		var key []byte
		keyNull := false
		complete := true
		for f := 0; f < nFields; f++ {
			if len(cs.buf) < pos+4 {
				complete = false
				break
			}
			flen := int(int32(binary.BigEndian.Uint32(cs.buf[pos : pos+4])))
			pos += 4
			if flen == -1 {
				if f == cs.keyIdx {
					keyNull = true
				}
				continue
			}
			if len(cs.buf) < pos+flen {
				complete = false
				break
			}
			if f == cs.keyIdx {
				key = cs.buf[pos : pos+flen]
			}
			pos += flen
		}
		if !complete {
			return rows, nil
		}

		if keyNull {
			return rows, wire.NewError("ERROR", "23502", "sharding column is null in COPY row")
		}
		text, err := binaryKeyText(key)
		if err != nil {
			return rows, err
		}
		shard, err := cs.shardFn(text)
		if err != nil {
			return rows, wire.NewError("ERROR", "22P02",
				fmt.Sprintf("cannot route COPY row: %v", err))
		}
		rows = append(rows, splitRow{shard: shard, data: append([]byte(nil), cs.buf[:pos]...)})
		cs.buf = cs.buf[pos:]
	}
}

// binaryKeyText decodes an integer sharding key from its binary field
// encoding.
func binaryKeyText(v []byte) (string, error) {
	switch len(v) {
	case 2:
		return strconv.FormatInt(int64(int16(binary.BigEndian.Uint16(v))), 10), nil
	case 4:
		return strconv.FormatInt(int64(int32(binary.BigEndian.Uint32(v))), 10), nil
	case 8:
		return strconv.FormatInt(int64(binary.BigEndian.Uint64(v)), 10), nil
	default:
		return string(v), nil
	}
}

// copySplit drives the COPY FROM fan-out: one backend COPY per shard, rows
// routed by sharding key, per-shard stalls propagating to the client.
func copySplit(ctx context.Context, req Request) (*Result, error) {
	res := &Result{}
	cp := req.Plan.Stmt.Copy

	if err := sendAll(ctx, req, req.Frames, res); err != nil {
		return res, err
	}
	defer clearDeadlines(req.Targets)

	// every shard must enter COPY mode before client bytes flow
	streams := make([]*shardStream, len(req.Targets))
	var copyResp wire.Message
	for i, t := range req.Targets {
		streams[i] = &shardStream{target: t}
		m, err := readUntilCopyIn(t.Server)
		if err != nil {
			// abort the shards that did enter COPY mode
			for j := 0; j < i; j++ {
				req.Targets[j].Server.Send(wire.CopyFail("peer shard refused COPY"))
				streams[j].drain()
			}
			streams[i].drain()
			return res, fmt.Errorf("shard %d: %w", t.Shard, err)
		}
		if i == 0 {
			copyResp = m
		}
	}
	req.ClientW.WriteMessage(copyResp)
	req.ClientW.Flush()

	splitter := newCopySplitter(cp, req.Plan.CopyColumn, req.Plan.CopyShard)
	started := make([]bool, len(req.Targets))
	byShard := make(map[int]int, len(req.Targets))
	for i, t := range req.Targets {
		byShard[t.Shard] = i
	}

	sendRows := func(rows []splitRow) error {
		for _, row := range rows {
			i, ok := byShard[row.shard]
			if !ok {
				return wire.NewError("ERROR", "XX000",
					fmt.Sprintf("COPY row routed to unleased shard %d", row.shard))
			}
			t := req.Targets[i]
			if !started[i] {
				started[i] = true
				if hdr := splitter.Header(); hdr != nil {
					if err := t.Server.Write(wire.CopyData(hdr)); err != nil {
						return err
					}
				}
			}
			if err := t.Server.Write(wire.CopyData(row.data)); err != nil {
				return err
			}
			if req.Metrics != nil {
				req.Metrics.CopyRows(req.Database, row.shard, 1)
			}
		}
		return nil
	}

	failAll := func(reason string) {
		for _, t := range req.Targets {
			t.Server.Send(wire.CopyFail(reason))
		}
	}

	clientFailed := false
	for {
		m, err := req.ClientR.ReadMessage()
		if err != nil {
			failAll("client disconnected during COPY")
			break
		}
		if m.Type == wire.MsgCopyData {
			rows, err := splitter.Feed(m.Payload)
			if err != nil {
				failAll(err.Error())
				clientFailed = true
				drainAll(streams)
				return res, err
			}
			if err := sendRows(rows); err != nil {
				failAll("shard write failed")
				drainAll(streams)
				return res, err
			}
			continue
		}
		if m.Type == wire.MsgCopyFail {
			failAll(string(m.Payload))
			clientFailed = true
			break
		}
		if m.Type == wire.MsgCopyDone {
			rows, err := splitter.Finish()
			if err != nil {
				failAll(err.Error())
				drainAll(streams)
				return res, err
			}
			if err := sendRows(rows); err != nil {
				failAll("shard write failed")
				drainAll(streams)
				return res, err
			}
			for i, t := range req.Targets {
				if cp.Format == sqlparse.CopyFormatBinary {
					if !started[i] {
						// even rowless shards need a well-formed stream
						t.Server.Write(wire.CopyData(splitter.Header()))
					}
					t.Server.Write(wire.CopyData([]byte{0xff, 0xff}))
				} else if !started[i] && splitter.Header() != nil {
					t.Server.Write(wire.CopyData(splitter.Header()))
				}
				t.Server.Write(wire.CopyDone())
				if err := t.Server.Flush(); err != nil {
					drainAll(streams)
					return res, fmt.Errorf("shard %d: %w", t.Shard, err)
				}
			}
			break
		}
		// Sync/Flush may arrive in extended mode; anything else aborts
		if m.Type != wire.MsgFlush && m.Type != wire.MsgSync {
			failAll("unexpected client message during COPY")
			clientFailed = true
			break
		}
	}

	drainAll(streams)
	if b := brokenOf(streams); b != nil {
		res.Broken = b
		b.Release(pool.OutcomeBroken)
		return res, fmt.Errorf("server connection failed during COPY")
	}
	if err := shardErrors(streams); err != nil {
		return res, err
	}
	if clientFailed {
		return res, wire.NewError("ERROR", "57014", "COPY aborted by client")
	}

	var total int64
	for _, ss := range streams {
		if n, ok := wire.TagRowCount(ss.tag); ok {
			total += n
		}
	}
	req.ClientW.WriteMessage(wire.CommandComplete(fmt.Sprintf("COPY %d", total)))
	req.ClientW.Flush()
	return res, nil
}

func drainAll(streams []*shardStream) {
	for _, ss := range streams {
		ss.drain()
	}
}

// readUntilCopyIn consumes a shard's stream until CopyInResponse. A backend
// error before COPY mode surfaces immediately; the caller drains the stream
// to ReadyForQuery.
func readUntilCopyIn(sc *pool.ServerConn) (wire.Message, error) {
	for {
		m, err := sc.Receive()
		if err != nil {
			return wire.Message{}, err
		}
		switch m.Type {
		case wire.MsgCopyInResponse:
			return m.Clone(), nil
		case wire.MsgErrorResponse:
			return wire.Message{}, wire.ParseError(m.Payload)
		case wire.MsgReadyForQuery:
			return wire.Message{}, wire.NewError("ERROR", "XX000",
				"backend never entered COPY mode")
		}
	}
}
