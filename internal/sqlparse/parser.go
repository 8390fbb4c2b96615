package sqlparse

import (
	"strconv"
	"strings"
)

// Parse analyzes one SQL statement. It never fails: statements it cannot
// analyze come back as KindOther (or the right kind with no extracted
// detail), and the backend reports any real syntax error.
func Parse(sql string) *Statement {
	p := &parser{toks: Lex(sql), stmt: &Statement{Raw: sql}}
	p.parse()
	return p.stmt
}

type parser struct {
	toks []Token
	pos  int
	stmt *Statement
}

func (p *parser) cur() Token  { return p.toks[p.pos] }
func (p *parser) next() Token { t := p.toks[p.pos]; p.advance(); return t }

func (p *parser) advance() {
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
}

func (p *parser) atEOF() bool { return p.cur().Kind == TokEOF }

// isKw reports whether the current token is the given keyword.
func (p *parser) isKw(kw string) bool {
	t := p.cur()
	return t.Kind == TokKeyword && t.Norm == kw
}

// acceptKw consumes the keyword if present.
func (p *parser) acceptKw(kw string) bool {
	if p.isKw(kw) {
		p.advance()
		return true
	}
	return false
}

// isSym reports whether the current token is the given symbol.
func (p *parser) isSym(s string) bool {
	t := p.cur()
	return t.Kind == TokSymbol && t.Text == s
}

func (p *parser) acceptSym(s string) bool {
	if p.isSym(s) {
		p.advance()
		return true
	}
	return false
}

// skipParens skips a balanced parenthesized group, cursor on '('.
func (p *parser) skipParens() {
	depth := 0
	for !p.atEOF() {
		if p.isSym("(") {
			depth++
		} else if p.isSym(")") {
			depth--
			if depth == 0 {
				p.advance()
				return
			}
		}
		p.advance()
	}
}

func (p *parser) parse() {
	switch {
	case p.isKw("WITH"):
		p.parseWithPrefix()
	case p.isKw("SELECT"):
		p.stmt.Kind = KindSelect
		p.parseSelect()
	case p.isKw("INSERT"):
		p.stmt.Kind = KindInsert
		p.parseInsert()
	case p.isKw("UPDATE"):
		p.stmt.Kind = KindUpdate
		p.parseUpdate()
	case p.isKw("DELETE"):
		p.stmt.Kind = KindDelete
		p.parseDelete()
	case p.isKw("BEGIN"), p.isKw("START"):
		p.stmt.Kind = KindBegin
		p.parseBegin()
	case p.isKw("COMMIT"), p.isKw("END"):
		p.stmt.Kind = KindCommit
	case p.isKw("ROLLBACK"), p.isKw("ABORT"):
		p.advance()
		if p.isKw("TO") {
			// ROLLBACK TO SAVEPOINT stays inside the transaction
			p.stmt.Kind = KindOther
			return
		}
		p.stmt.Kind = KindRollback
	case p.isKw("SET"):
		p.stmt.Kind = KindSet
		p.parseSet()
	case p.isKw("RESET"):
		p.stmt.Kind = KindSet
		p.stmt.IsReset = true
		p.advance()
		if t := p.cur(); t.Kind == TokIdent || t.Kind == TokKeyword {
			p.stmt.SetName = strings.ToLower(t.Text)
		}
	case p.isKw("SHOW"):
		p.stmt.Kind = KindShow
		p.advance()
		if t := p.cur(); t.Kind == TokIdent || t.Kind == TokKeyword {
			p.stmt.SetName = strings.ToLower(t.Text)
		}
	case p.isKw("COPY"):
		p.stmt.Kind = KindCopy
		p.parseCopy()
	case p.isKw("LISTEN"), p.isKw("NOTIFY"), p.isKw("UNLISTEN"):
		p.stmt.Kind = KindListen
	case p.isKw("CREATE"), p.isKw("ALTER"), p.isKw("DROP"), p.isKw("TRUNCATE"),
		p.isKw("GRANT"), p.isKw("REVOKE"), p.isKw("COMMENT"):
		p.stmt.Kind = KindDDL
	default:
		p.stmt.Kind = KindOther
	}
}

// parseWithPrefix handles a leading CTE: skip to the main verb at depth 0
// and classify, without extracting keys (CTEs take the default plan).
func (p *parser) parseWithPrefix() {
	p.stmt.HasCTE = true
	depth := 0
	for !p.atEOF() {
		switch {
		case p.isSym("("):
			depth++
		case p.isSym(")"):
			depth--
		case depth == 0:
			switch {
			case p.isKw("SELECT"):
				p.stmt.Kind = KindSelect
				p.parseSelect()
				return
			case p.isKw("INSERT"):
				p.stmt.Kind = KindInsert
				return
			case p.isKw("UPDATE"):
				p.stmt.Kind = KindUpdate
				return
			case p.isKw("DELETE"):
				p.stmt.Kind = KindDelete
				return
			}
		}
		p.advance()
	}
	p.stmt.Kind = KindOther
}

func (p *parser) parseBegin() {
	p.advance() // BEGIN or START
	p.acceptKw("TRANSACTION")
	p.acceptKw("WORK")
	for !p.atEOF() {
		if p.acceptKw("READ") {
			if p.acceptKw("ONLY") {
				p.stmt.ReadOnly = true
			} else {
				p.acceptKw("WRITE")
			}
			continue
		}
		p.advance()
	}
}

func (p *parser) parseSet() {
	p.advance() // SET
	switch {
	case p.acceptKw("LOCAL"):
		p.stmt.SetScope = SetLocal
	case p.acceptKw("SESSION"):
		p.stmt.SetScope = SetSession
	}
	if p.isKw("TRANSACTION") {
		// SET TRANSACTION characteristics are not a GUC assignment
		p.stmt.Kind = KindOther
		return
	}
	// name may be dotted (e.g. pgaudit.log)
	name := p.qualifiedName()
	if name == "" {
		p.stmt.Kind = KindOther
		return
	}
	p.stmt.SetName = strings.ToLower(name)
	if !p.acceptKw("TO") && !p.acceptSym("=") {
		p.stmt.Kind = KindOther
		return
	}
	// value: literal, identifier, keyword (DEFAULT, ON, ...), possibly a list
	var parts []string
	for !p.atEOF() && !p.isSym(";") {
		t := p.next()
		switch t.Kind {
		case TokString, TokNumber:
			parts = append(parts, t.Text)
		case TokIdent, TokKeyword:
			parts = append(parts, t.Text)
		case TokSymbol:
			if t.Text == "," {
				parts = append(parts, ",")
			}
		}
	}
	p.stmt.SetValue = strings.Join(parts, "")
	if strings.EqualFold(p.stmt.SetValue, "default") {
		p.stmt.IsReset = true
		p.stmt.SetValue = ""
	}
}

// qualifiedName consumes ident[.ident]... and returns the dotted name.
func (p *parser) qualifiedName() string {
	t := p.cur()
	if t.Kind != TokIdent && t.Kind != TokKeyword {
		return ""
	}
	name := strings.ToLower(t.Text)
	p.advance()
	for p.isSym(".") {
		p.advance()
		t = p.cur()
		if t.Kind != TokIdent && t.Kind != TokKeyword {
			break
		}
		name += "." + strings.ToLower(t.Text)
		p.advance()
	}
	return name
}

// tableRef consumes schema-qualified table name with optional alias.
func (p *parser) tableRef() (TableRef, bool) {
	t := p.cur()
	if t.Kind != TokIdent {
		return TableRef{}, false
	}
	ref := TableRef{Name: strings.ToLower(t.Text)}
	p.advance()
	if p.isSym(".") {
		p.advance()
		t = p.cur()
		if t.Kind == TokIdent {
			ref.Schema = ref.Name
			ref.Name = strings.ToLower(t.Text)
			p.advance()
		}
	}
	// optional alias
	if p.acceptKw("AS") {
		if a := p.cur(); a.Kind == TokIdent {
			ref.Alias = strings.ToLower(a.Text)
			p.advance()
		}
	} else if a := p.cur(); a.Kind == TokIdent {
		ref.Alias = strings.ToLower(a.Text)
		p.advance()
	}
	return ref, true
}

var aggregateFuncs = map[string]bool{
	"count": true, "sum": true, "min": true, "max": true, "avg": true,
	"stddev": true, "stddev_samp": true, "stddev_pop": true,
	"variance": true, "var_samp": true, "var_pop": true,
}

func (p *parser) parseSelect() {
	p.advance() // SELECT
	if p.acceptKw("DISTINCT") {
		p.stmt.Distinct = true
	}
	p.parseSelectList()

	if p.acceptKw("FROM") {
		p.parseFromList()
	}
	if p.acceptKw("WHERE") {
		p.parseWhere()
	}
	for !p.atEOF() {
		switch {
		case p.isKw("GROUP"):
			p.advance()
			p.acceptKw("BY")
			p.stmt.GroupBy = p.columnList()
		case p.isKw("ORDER"):
			p.advance()
			p.acceptKw("BY")
			p.parseOrderBy()
		case p.isKw("LIMIT"):
			p.advance()
			p.parseLimitValue(false)
		case p.isKw("OFFSET"):
			p.advance()
			p.parseLimitValue(true)
			p.acceptKw("ROWS") // OFFSET n ROWS
		case p.isKw("FOR"):
			p.advance()
			switch {
			case p.acceptKw("UPDATE"):
				p.stmt.LockUpdate = true
			case p.acceptKw("NO"): // FOR NO KEY UPDATE
				p.acceptKw("KEY")
				p.acceptKw("UPDATE")
				p.stmt.LockUpdate = true
			case p.acceptKw("KEY"): // FOR KEY SHARE
				p.acceptKw("SHARE")
				p.stmt.LockShare = true
			case p.acceptKw("SHARE"):
				p.stmt.LockShare = true
			}
		case p.isKw("UNION"), p.isKw("EXCEPT"), p.isKw("INTERSECT"):
			p.stmt.HasUnion = true
			p.advance()
		case p.isSym(";"):
			// routing decisions follow the first statement of the string
			return
		case p.isSym("("):
			p.skipParens()
		default:
			p.advance()
		}
	}
}

// parseSelectList walks the select list, recording display names and
// aggregate calls, until FROM (or end of list) at depth 0.
func (p *parser) parseSelectList() {
	index := 0
	itemStart := true
	var lastName string
	flush := func() {
		p.stmt.SelectColumns = append(p.stmt.SelectColumns, lastName)
		lastName = ""
		index++
	}
	for !p.atEOF() {
		if p.isKw("FROM") || p.isSym(";") {
			if !itemStart || len(p.stmt.SelectColumns) == 0 && lastName != "" {
				flush()
			}
			return
		}
		switch {
		case p.isSym(","):
			flush()
			itemStart = true
			p.advance()
		case p.isSym("("):
			p.stmt.HasSubquery = p.containsSelect()
			p.skipParens()
			itemStart = false
		case p.cur().Kind == TokIdent && aggregateFuncs[p.cur().Text] && p.peekIsOpenParen():
			agg := Aggregate{Func: p.cur().Text, Index: index, Start: p.cur().Pos}
			p.advance() // func name
			p.advance() // '('
			if p.acceptKw("DISTINCT") {
				agg.Distinct = true
			}
			if p.isSym("*") {
				agg.Star = true
				p.advance()
			} else if t := p.cur(); t.Kind == TokIdent {
				agg.Arg = p.qualifiedName()
			}
			// skip to closing paren
			depth := 1
			for !p.atEOF() && depth > 0 {
				if p.isSym("(") {
					depth++
				} else if p.isSym(")") {
					depth--
					if depth == 0 {
						agg.End = p.cur().Pos + 1
					}
				}
				p.advance()
			}
			p.stmt.Aggregates = append(p.stmt.Aggregates, agg)
			lastName = agg.Func
			itemStart = false
		case p.acceptKw("AS"):
			if t := p.cur(); t.Kind == TokIdent {
				lastName = t.Text
				p.advance()
			}
		case p.cur().Kind == TokIdent:
			lastName = p.qualifiedName()
			if i := strings.LastIndexByte(lastName, '.'); i >= 0 {
				lastName = lastName[i+1:]
			}
			itemStart = false
		case p.isSym("*"):
			lastName = "*"
			p.advance()
			itemStart = false
		default:
			p.advance()
			itemStart = false
		}
	}
}

// peekIsOpenParen reports whether the token after the current one is '('.
func (p *parser) peekIsOpenParen() bool {
	if p.pos+1 >= len(p.toks) {
		return false
	}
	t := p.toks[p.pos+1]
	return t.Kind == TokSymbol && t.Text == "("
}

// containsSelect scans the upcoming parenthesized group for a SELECT.
func (p *parser) containsSelect() bool {
	depth := 0
	for i := p.pos; i < len(p.toks); i++ {
		t := p.toks[i]
		if t.Kind == TokSymbol && t.Text == "(" {
			depth++
		} else if t.Kind == TokSymbol && t.Text == ")" {
			depth--
			if depth == 0 {
				return false
			}
		} else if t.Kind == TokKeyword && t.Norm == "SELECT" {
			return true
		}
	}
	return false
}

func (p *parser) parseFromList() {
	for !p.atEOF() {
		switch {
		case p.isSym("("):
			p.stmt.HasSubquery = true
			p.skipParens()
			// skip alias of the subquery
			p.acceptKw("AS")
			if t := p.cur(); t.Kind == TokIdent {
				p.advance()
			}
		case p.cur().Kind == TokIdent:
			if ref, ok := p.tableRef(); ok {
				p.stmt.Tables = append(p.stmt.Tables, ref)
			}
		}
		switch {
		case p.acceptSym(","):
			continue
		case p.isKw("JOIN"), p.isKw("INNER"), p.isKw("LEFT"), p.isKw("RIGHT"),
			p.isKw("FULL"), p.isKw("CROSS"), p.isKw("OUTER"):
			p.advance()
			continue
		case p.isKw("ON"), p.isKw("USING"):
			// consume the join condition up to the next clause/table boundary
			p.advance()
			for !p.atEOF() && !p.isKw("WHERE") && !p.isKw("GROUP") &&
				!p.isKw("ORDER") && !p.isKw("LIMIT") && !p.isKw("JOIN") &&
				!p.isKw("INNER") && !p.isKw("LEFT") && !p.isKw("RIGHT") &&
				!p.isKw("FULL") && !p.isKw("CROSS") && !p.isKw("FOR") && !p.isSym(",") {
				if p.isSym("(") {
					p.skipParens()
					continue
				}
				p.advance()
			}
			continue
		default:
			return
		}
	}
}

// parseWhere extracts top-level conjunctive equality/IN predicates. An OR at
// depth 0 disables extraction entirely.
func (p *parser) parseWhere() {
	for !p.atEOF() && !p.isKw("GROUP") && !p.isKw("ORDER") && !p.isKw("LIMIT") &&
		!p.isKw("OFFSET") && !p.isKw("FOR") && !p.isKw("RETURNING") && !p.isSym(";") {
		switch {
		case p.isKw("OR"):
			p.stmt.Disjunctive = true
			p.stmt.Where = nil
			// consume the rest of the clause
			for !p.atEOF() && !p.isKw("GROUP") && !p.isKw("ORDER") &&
				!p.isKw("LIMIT") && !p.isKw("OFFSET") && !p.isKw("FOR") && !p.isSym(";") {
				if p.isSym("(") {
					p.skipParens()
					continue
				}
				p.advance()
			}
			return
		case p.isSym("("):
			if p.containsSelect() {
				p.stmt.HasSubquery = true
			}
			p.skipParens()
		case p.cur().Kind == TokIdent:
			col := p.qualifiedName()
			switch {
			case p.acceptSym("="):
				if v, ok := p.value(); ok {
					p.stmt.Where = append(p.stmt.Where, Predicate{Column: col, Values: []Value{v}})
				}
			case p.isKw("IN"):
				p.advance()
				if p.isSym("(") {
					if p.containsSelect() {
						p.stmt.HasSubquery = true
						p.skipParens()
						break
					}
					p.advance() // '('
					var vals []Value
					for !p.atEOF() && !p.isSym(")") {
						if v, ok := p.value(); ok {
							vals = append(vals, v)
						} else {
							p.advance()
						}
						p.acceptSym(",")
					}
					p.acceptSym(")")
					if len(vals) > 0 {
						p.stmt.Where = append(p.stmt.Where, Predicate{Column: col, Values: vals})
					}
				}
			}
		default:
			p.advance()
		}
	}
}

// value consumes a routable value if the cursor is on one.
func (p *parser) value() (Value, bool) {
	t := p.cur()
	switch t.Kind {
	case TokString:
		p.advance()
		p.skipCast()
		return Value{Kind: ValueLiteral, Text: t.Text, Quoted: true}, true
	case TokNumber:
		p.advance()
		p.skipCast()
		return Value{Kind: ValueLiteral, Text: t.Text}, true
	case TokParam:
		n, _ := strconv.Atoi(t.Text[1:])
		p.advance()
		p.skipCast()
		return Value{Kind: ValueParam, Param: n, Text: t.Text}, true
	case TokKeyword:
		switch t.Norm {
		case "NULL":
			p.advance()
			return Value{Kind: ValueNull}, true
		case "DEFAULT":
			p.advance()
			return Value{Kind: ValueDefault}, true
		case "TRUE", "FALSE":
			p.advance()
			return Value{Kind: ValueLiteral, Text: strings.ToLower(t.Norm)}, true
		}
	case TokIdent:
		if p.peekIsOpenParen() {
			name := t.Text
			p.advance()
			p.skipParens()
			return Value{Kind: ValueFuncCall, Text: strings.ToLower(name)}, true
		}
	case TokSymbol:
		if t.Text == "-" || t.Text == "+" {
			// signed numeric literal
			sign := t.Text
			p.advance()
			if num := p.cur(); num.Kind == TokNumber {
				p.advance()
				p.skipCast()
				text := num.Text
				if sign == "-" {
					text = "-" + text
				}
				return Value{Kind: ValueLiteral, Text: text}, true
			}
			return Value{}, false
		}
	}
	return Value{}, false
}

// skipCast consumes a trailing ::type cast.
func (p *parser) skipCast() {
	for p.isSym("::") {
		p.advance()
		if t := p.cur(); t.Kind == TokIdent || t.Kind == TokKeyword {
			p.advance()
		}
	}
}

func (p *parser) columnList() []string {
	var cols []string
	for !p.atEOF() {
		if t := p.cur(); t.Kind == TokIdent {
			name := p.qualifiedName()
			if i := strings.LastIndexByte(name, '.'); i >= 0 {
				name = name[i+1:]
			}
			cols = append(cols, name)
		} else if t.Kind == TokNumber {
			cols = append(cols, t.Text)
			p.advance()
		} else {
			return cols
		}
		if !p.acceptSym(",") {
			return cols
		}
	}
	return cols
}

func (p *parser) parseOrderBy() {
	for !p.atEOF() {
		var oc OrderColumn
		switch t := p.cur(); t.Kind {
		case TokIdent:
			name := p.qualifiedName()
			if i := strings.LastIndexByte(name, '.'); i >= 0 {
				name = name[i+1:]
			}
			oc.Column = name
		case TokNumber:
			oc.Column = t.Text
			p.advance()
		default:
			return
		}
		if p.acceptKw("DESC") {
			oc.Desc = true
		} else {
			p.acceptKw("ASC")
		}
		if p.acceptKw("NULLS") {
			oc.NullsSet = true
			if p.acceptKw("FIRST") {
				oc.NullsFirst = true
			} else {
				p.acceptKw("LAST")
			}
		}
		p.stmt.OrderBy = append(p.stmt.OrderBy, oc)
		if !p.acceptSym(",") {
			return
		}
	}
}

func (p *parser) parseLimitValue(offset bool) {
	t := p.cur()
	switch t.Kind {
	case TokNumber:
		if n, err := strconv.ParseInt(t.Text, 10, 64); err == nil {
			if offset {
				p.stmt.Offset = &n
			} else {
				p.stmt.Limit = &n
			}
		}
		p.advance()
	case TokParam:
		n, _ := strconv.Atoi(t.Text[1:])
		if offset {
			p.stmt.OffsetParam = n
		} else {
			p.stmt.LimitParam = n
		}
		p.advance()
	case TokKeyword:
		p.acceptKw("ALL") // LIMIT ALL: no limit
	}
}

func (p *parser) parseInsert() {
	p.advance() // INSERT
	if !p.acceptKw("INTO") {
		return
	}
	ref, ok := p.tableRef()
	if !ok {
		return
	}
	// an alias token may actually be the VALUES keyword already consumed as
	// alias; tableRef only takes TokIdent so keywords are safe
	p.stmt.Tables = append(p.stmt.Tables, ref)

	if p.isSym("(") {
		p.advance()
		for !p.atEOF() && !p.isSym(")") {
			if t := p.cur(); t.Kind == TokIdent {
				p.stmt.InsertColumns = append(p.stmt.InsertColumns, strings.ToLower(t.Text))
			}
			p.advance()
			p.acceptSym(",")
		}
		p.acceptSym(")")
	}

	switch {
	case p.acceptKw("VALUES"):
		for p.isSym("(") {
			p.advance()
			var tuple []Value
			for !p.atEOF() && !p.isSym(")") {
				if v, ok := p.value(); ok {
					tuple = append(tuple, v)
				} else if p.isSym("(") {
					p.skipParens()
					tuple = append(tuple, Value{Kind: ValueExpr})
				} else {
					// unanalyzable expression member
					tuple = append(tuple, Value{Kind: ValueExpr})
					for !p.atEOF() && !p.isSym(",") && !p.isSym(")") {
						if p.isSym("(") {
							p.skipParens()
							continue
						}
						p.advance()
					}
				}
				p.acceptSym(",")
			}
			p.acceptSym(")")
			p.stmt.InsertTuples = append(p.stmt.InsertTuples, tuple)
			if !p.acceptSym(",") {
				break
			}
		}
	case p.isKw("SELECT"), p.isSym("("):
		p.stmt.InsertSelect = true
	}

	for !p.atEOF() {
		switch {
		case p.isKw("ON"):
			p.stmt.OnConflict = true
			p.advance()
		case p.isKw("RETURNING"):
			p.stmt.Returning = true
			p.advance()
		default:
			p.advance()
		}
	}
}

func (p *parser) parseUpdate() {
	p.advance() // UPDATE
	p.acceptKw("ONLY")
	ref, ok := p.tableRef()
	if !ok {
		return
	}
	p.stmt.Tables = append(p.stmt.Tables, ref)
	if !p.acceptKw("SET") {
		return
	}
	for !p.atEOF() && !p.isKw("WHERE") && !p.isKw("FROM") && !p.isKw("RETURNING") {
		if t := p.cur(); t.Kind == TokIdent {
			col := strings.ToLower(t.Text)
			p.advance()
			if p.acceptSym("=") {
				v, ok := p.value()
				if !ok {
					v = Value{Kind: ValueExpr}
					for !p.atEOF() && !p.isSym(",") && !p.isKw("WHERE") &&
						!p.isKw("FROM") && !p.isKw("RETURNING") {
						if p.isSym("(") {
							p.skipParens()
							continue
						}
						p.advance()
					}
				}
				p.stmt.Assignments = append(p.stmt.Assignments, Assignment{Column: col, Value: v})
			}
		} else {
			p.advance()
		}
		p.acceptSym(",")
	}
	if p.acceptKw("FROM") {
		p.parseFromList()
	}
	if p.acceptKw("WHERE") {
		p.parseWhere()
	}
	if p.isKw("RETURNING") {
		p.stmt.Returning = true
	}
}

func (p *parser) parseDelete() {
	p.advance() // DELETE
	if !p.acceptKw("FROM") {
		return
	}
	p.acceptKw("ONLY")
	ref, ok := p.tableRef()
	if !ok {
		return
	}
	p.stmt.Tables = append(p.stmt.Tables, ref)
	if p.acceptKw("USING") {
		p.parseFromList()
	}
	if p.acceptKw("WHERE") {
		p.parseWhere()
	}
	if p.isKw("RETURNING") {
		p.stmt.Returning = true
	}
}

func (p *parser) parseCopy() {
	p.advance() // COPY
	ref, ok := p.tableRef()
	if !ok {
		return
	}
	cp := &CopyStmt{Table: ref, Delimiter: '\t', Null: `\N`, Quote: '"'}
	// tableRef takes only an identifier as alias; FROM and TO are keywords,
	// so the direction clause is never consumed as one
	p.stmt.Tables = append(p.stmt.Tables, ref)

	if p.isSym("(") {
		p.advance()
		for !p.atEOF() && !p.isSym(")") {
			if t := p.cur(); t.Kind == TokIdent {
				cp.Columns = append(cp.Columns, strings.ToLower(t.Text))
			}
			p.advance()
			p.acceptSym(",")
		}
		p.acceptSym(")")
	}

	switch {
	case p.acceptKw("FROM"):
		cp.FromStdin = p.acceptKw("STDIN")
	case p.acceptKw("TO"):
		cp.ToStdout = p.acceptKw("STDOUT")
	}

	p.acceptKw("WITH")
	if p.isSym("(") {
		// modern options list: (FORMAT csv, DELIMITER ',', NULL '', HEADER)
		p.advance()
		for !p.atEOF() && !p.isSym(")") {
			opt := strings.ToUpper(p.cur().Text)
			if p.cur().Kind == TokKeyword {
				opt = p.cur().Norm
			}
			p.advance()
			switch opt {
			case "FORMAT":
				switch strings.ToLower(p.cur().Text) {
				case "csv":
					cp.Format = CopyFormatCSV
				case "binary":
					cp.Format = CopyFormatBinary
				default:
					cp.Format = CopyFormatText
				}
				p.advance()
			case "DELIMITER":
				if t := p.cur(); t.Kind == TokString && len(t.Text) > 0 {
					cp.Delimiter = t.Text[0]
				}
				p.advance()
			case "NULL":
				if t := p.cur(); t.Kind == TokString {
					cp.Null = t.Text
				}
				p.advance()
			case "HEADER":
				cp.Header = true
				if p.cur().Kind == TokKeyword || p.cur().Kind == TokIdent {
					if strings.EqualFold(p.cur().Text, "false") || strings.EqualFold(p.cur().Text, "off") {
						cp.Header = false
					}
					if !p.isSym(",") && !p.isSym(")") {
						p.advance()
					}
				}
			case "QUOTE":
				if t := p.cur(); t.Kind == TokString && len(t.Text) > 0 {
					cp.Quote = t.Text[0]
				}
				p.advance()
			case "ESCAPE":
				if t := p.cur(); t.Kind == TokString && len(t.Text) > 0 {
					cp.Escape = t.Text[0]
				}
				p.advance()
			}
			p.acceptSym(",")
		}
		p.acceptSym(")")
	} else {
		// legacy syntax: CSV | BINARY | DELIMITER '...' | NULL '...' | HEADER
		for !p.atEOF() {
			switch {
			case p.acceptKw("CSV"):
				cp.Format = CopyFormatCSV
			case p.acceptKw("BINARY"):
				cp.Format = CopyFormatBinary
			case p.acceptKw("DELIMITER"):
				p.acceptKw("AS")
				if t := p.cur(); t.Kind == TokString && len(t.Text) > 0 {
					cp.Delimiter = t.Text[0]
				}
				p.advance()
			case p.acceptKw("NULL"):
				p.acceptKw("AS")
				if t := p.cur(); t.Kind == TokString {
					cp.Null = t.Text
				}
				p.advance()
			case p.acceptKw("HEADER"):
				cp.Header = true
			default:
				p.advance()
			}
			if p.atEOF() {
				break
			}
		}
	}
	if cp.Format == CopyFormatCSV && cp.Escape == 0 {
		cp.Escape = cp.Quote
	}
	p.stmt.Copy = cp
}
