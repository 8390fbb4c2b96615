package sqlparse

import "strings"

// Kind classifies a statement for routing.
type Kind int

const (
	KindOther Kind = iota
	KindSelect
	KindInsert
	KindUpdate
	KindDelete
	KindBegin
	KindCommit
	KindRollback
	KindSet
	KindShow
	KindCopy
	KindListen
	KindDDL
)

func (k Kind) String() string {
	switch k {
	case KindSelect:
		return "SELECT"
	case KindInsert:
		return "INSERT"
	case KindUpdate:
		return "UPDATE"
	case KindDelete:
		return "DELETE"
	case KindBegin:
		return "BEGIN"
	case KindCommit:
		return "COMMIT"
	case KindRollback:
		return "ROLLBACK"
	case KindSet:
		return "SET"
	case KindShow:
		return "SHOW"
	case KindCopy:
		return "COPY"
	case KindListen:
		return "LISTEN"
	case KindDDL:
		return "DDL"
	default:
		return "OTHER"
	}
}

// ValueKind classifies a routed value.
type ValueKind int

const (
	ValueLiteral ValueKind = iota
	ValueParam             // $n bind parameter
	ValueNull
	ValueDefault
	ValueFuncCall // function call expression
	ValueExpr     // anything else
)

// Value is a literal, bind parameter, or expression in a routable position.
type Value struct {
	Kind   ValueKind
	Text   string // literal text, or function name for ValueFuncCall
	Param  int    // 1-based index for ValueParam
	Quoted bool   // literal was a quoted string
}

// TableRef names a table, optionally schema-qualified and aliased.
type TableRef struct {
	Schema string
	Name   string
	Alias  string
}

// String renders schema.name.
func (t TableRef) String() string {
	if t.Schema != "" {
		return t.Schema + "." + t.Name
	}
	return t.Name
}

// Predicate is a top-level conjunctive equality (or IN) predicate on a
// column. Values has one entry for "=", several for IN lists.
type Predicate struct {
	Column string
	Values []Value
}

// Assignment is one SET clause entry of an UPDATE.
type Assignment struct {
	Column string
	Value  Value
}

// Aggregate is an aggregate call in the select list.
type Aggregate struct {
	Func     string // count, sum, min, max, avg, stddev, variance, ...
	Arg      string // first column argument, "" when Star
	Star     bool
	Distinct bool
	Index    int // position in the select list
	Start    int // byte offset of the call in Raw
	End      int // byte offset just past the closing paren
}

// ArgText returns the argument list text of the call as written.
func (a Aggregate) ArgText(raw string) string {
	if a.Start >= a.End || a.End > len(raw) {
		return a.Arg
	}
	call := raw[a.Start:a.End]
	open := strings.IndexByte(call, '(')
	closing := strings.LastIndexByte(call, ')')
	if open < 0 || closing <= open {
		return a.Arg
	}
	return strings.TrimSpace(call[open+1 : closing])
}

// OrderColumn is one ORDER BY entry.
type OrderColumn struct {
	Column     string // column name or ordinal position
	Desc       bool
	NullsFirst bool
	NullsSet   bool // NULLS FIRST/LAST explicitly present
}

// SetScope distinguishes SET SESSION from SET LOCAL.
type SetScope int

const (
	SetSession SetScope = iota
	SetLocal
)

// CopyFormat enumerates COPY data formats.
type CopyFormat int

const (
	CopyFormatText CopyFormat = iota
	CopyFormatCSV
	CopyFormatBinary
)

// CopyStmt captures a COPY statement's routable parts.
type CopyStmt struct {
	Table     TableRef
	Columns   []string
	FromStdin bool
	ToStdout  bool
	Format    CopyFormat
	Delimiter byte
	Null      string
	Header    bool
	Quote     byte
	Escape    byte
}

// Statement is the analyzed form of one SQL statement.
type Statement struct {
	Raw  string
	Kind Kind

	Tables      []TableRef
	Where       []Predicate
	Disjunctive bool // OR at the top level of WHERE; key extraction disabled
	HasCTE      bool
	HasSubquery bool
	HasUnion    bool

	// SELECT specifics
	SelectColumns []string // select-list display names, in order
	Aggregates    []Aggregate
	Distinct      bool
	GroupBy       []string
	OrderBy       []OrderColumn
	Limit         *int64
	Offset        *int64
	LimitParam    int // $n when LIMIT is a bind parameter
	OffsetParam   int
	LockShare     bool
	LockUpdate    bool

	// INSERT specifics
	InsertColumns []string
	InsertTuples  [][]Value
	InsertSelect  bool
	OnConflict    bool
	Returning     bool

	// UPDATE specifics
	Assignments []Assignment

	// transaction control
	ReadOnly bool

	// SET / RESET / SHOW
	SetName  string
	SetValue string
	SetScope SetScope
	IsReset  bool

	// COPY
	Copy *CopyStmt
}

// Predicate returns the IN/equality values for column, matching the bare
// column name or an alias-qualified reference to any statement table.
func (s *Statement) Predicate(column string) []Value {
	column = strings.ToLower(column)
	for _, p := range s.Where {
		name := p.Column
		if i := strings.LastIndexByte(name, '.'); i >= 0 {
			qualifier := name[:i]
			if !s.tableMatches(qualifier) {
				continue
			}
			name = name[i+1:]
		}
		if name == column {
			return p.Values
		}
	}
	return nil
}

func (s *Statement) tableMatches(qualifier string) bool {
	for _, t := range s.Tables {
		if qualifier == t.Alias || qualifier == t.Name || qualifier == t.String() {
			return true
		}
	}
	return false
}

// References reports whether the statement touches the named table
// (optionally schema-qualified).
func (s *Statement) References(schema, table string) bool {
	for _, t := range s.Tables {
		if !strings.EqualFold(t.Name, table) {
			continue
		}
		if schema == "" || t.Schema == "" || strings.EqualFold(t.Schema, schema) {
			return true
		}
	}
	return false
}

// IsWrite reports whether the statement mutates data. SELECT and SHOW count
// as writes only with a FOR UPDATE/SHARE locking clause.
func (s *Statement) IsWrite() bool {
	switch s.Kind {
	case KindSelect, KindShow:
		return s.LockShare || s.LockUpdate
	case KindSet, KindBegin, KindCommit, KindRollback:
		return false
	default:
		return true
	}
}

// Fingerprint returns a stable normalized text of the statement: keywords
// upper-cased, identifiers lower-cased, literals and bind parameters
// collapsed to "?". Hash it to recognize recurring statements.
func Fingerprint(sql string) string {
	toks := Lex(sql)
	parts := make([]string, 0, len(toks))
	for _, t := range toks {
		if t.Kind == TokEOF {
			break
		}
		parts = append(parts, t.Norm)
	}
	return strings.Join(parts, " ")
}
