package sqlparse

import (
	"testing"
)

func TestParseSelectSimple(t *testing.T) {
	s := Parse("SELECT * FROM users WHERE id = 7")
	if s.Kind != KindSelect {
		t.Fatalf("kind = %v", s.Kind)
	}
	if len(s.Tables) != 1 || s.Tables[0].Name != "users" {
		t.Fatalf("tables = %v", s.Tables)
	}
	vals := s.Predicate("id")
	if len(vals) != 1 || vals[0].Kind != ValueLiteral || vals[0].Text != "7" {
		t.Fatalf("predicate = %v", vals)
	}
	if s.IsWrite() {
		t.Error("plain SELECT should not be a write")
	}
}

func TestParseSelectQualifiedAndAliased(t *testing.T) {
	s := Parse(`SELECT u.id FROM app.users AS u WHERE u.id = $1`)
	if len(s.Tables) != 1 || s.Tables[0].Schema != "app" || s.Tables[0].Alias != "u" {
		t.Fatalf("tables = %+v", s.Tables)
	}
	vals := s.Predicate("id")
	if len(vals) != 1 || vals[0].Kind != ValueParam || vals[0].Param != 1 {
		t.Fatalf("predicate = %v", vals)
	}
}

func TestParseSelectInList(t *testing.T) {
	s := Parse("SELECT * FROM users WHERE id IN (1, 2, 3)")
	vals := s.Predicate("id")
	if len(vals) != 3 {
		t.Fatalf("IN list = %v", vals)
	}
	if vals[2].Text != "3" {
		t.Errorf("vals[2] = %v", vals[2])
	}
}

func TestParseSelectDisjunction(t *testing.T) {
	s := Parse("SELECT * FROM users WHERE id = 1 OR id = 2")
	if !s.Disjunctive {
		t.Error("top-level OR not detected")
	}
	if s.Predicate("id") != nil {
		t.Error("OR should disable key extraction")
	}
}

func TestParseSelectOrderLimit(t *testing.T) {
	s := Parse("SELECT id, name FROM users ORDER BY name DESC NULLS FIRST, id LIMIT 10 OFFSET 5")
	if len(s.OrderBy) != 2 {
		t.Fatalf("order by = %v", s.OrderBy)
	}
	if !s.OrderBy[0].Desc || !s.OrderBy[0].NullsFirst || s.OrderBy[0].Column != "name" {
		t.Errorf("order[0] = %+v", s.OrderBy[0])
	}
	if s.OrderBy[1].Desc || s.OrderBy[1].Column != "id" {
		t.Errorf("order[1] = %+v", s.OrderBy[1])
	}
	if s.Limit == nil || *s.Limit != 10 || s.Offset == nil || *s.Offset != 5 {
		t.Errorf("limit/offset = %v/%v", s.Limit, s.Offset)
	}
}

func TestParseSelectAggregates(t *testing.T) {
	s := Parse("SELECT count(*), sum(id), avg(id) FROM users GROUP BY region")
	if len(s.Aggregates) != 3 {
		t.Fatalf("aggregates = %v", s.Aggregates)
	}
	if !s.Aggregates[0].Star || s.Aggregates[0].Func != "count" || s.Aggregates[0].Index != 0 {
		t.Errorf("agg[0] = %+v", s.Aggregates[0])
	}
	if s.Aggregates[1].Arg != "id" || s.Aggregates[1].Index != 1 {
		t.Errorf("agg[1] = %+v", s.Aggregates[1])
	}
	if len(s.GroupBy) != 1 || s.GroupBy[0] != "region" {
		t.Errorf("group by = %v", s.GroupBy)
	}
}

func TestParseSelectForUpdate(t *testing.T) {
	s := Parse("SELECT * FROM users WHERE id = 1 FOR UPDATE")
	if !s.LockUpdate {
		t.Error("FOR UPDATE not detected")
	}
	if !s.IsWrite() {
		t.Error("FOR UPDATE should classify as write")
	}
	s = Parse("SELECT * FROM users FOR SHARE")
	if !s.LockShare || !s.IsWrite() {
		t.Error("FOR SHARE should classify as write")
	}
}

func TestParseCTE(t *testing.T) {
	s := Parse("WITH t AS (SELECT id FROM users) SELECT * FROM t")
	if s.Kind != KindSelect || !s.HasCTE {
		t.Errorf("kind=%v cte=%v", s.Kind, s.HasCTE)
	}
}

func TestParseSubquery(t *testing.T) {
	s := Parse("SELECT * FROM users WHERE id = (SELECT max(id) FROM users)")
	if !s.HasSubquery {
		t.Error("subquery not detected")
	}
}

func TestParseInsertMultiTuple(t *testing.T) {
	s := Parse("INSERT INTO users (id, name) VALUES (1, 'a'), ($1, $2)")
	if s.Kind != KindInsert || s.Tables[0].Name != "users" {
		t.Fatalf("stmt = %+v", s)
	}
	if len(s.InsertColumns) != 2 || s.InsertColumns[0] != "id" {
		t.Fatalf("columns = %v", s.InsertColumns)
	}
	if len(s.InsertTuples) != 2 {
		t.Fatalf("tuples = %v", s.InsertTuples)
	}
	if s.InsertTuples[0][0].Text != "1" || s.InsertTuples[0][1].Text != "a" {
		t.Errorf("tuple 0 = %v", s.InsertTuples[0])
	}
	if s.InsertTuples[1][0].Kind != ValueParam || s.InsertTuples[1][0].Param != 1 {
		t.Errorf("tuple 1 = %v", s.InsertTuples[1])
	}
}

func TestParseInsertFuncCall(t *testing.T) {
	s := Parse("INSERT INTO users (id) VALUES (next_id())")
	if len(s.InsertTuples) != 1 {
		t.Fatalf("tuples = %v", s.InsertTuples)
	}
	v := s.InsertTuples[0][0]
	if v.Kind != ValueFuncCall || v.Text != "next_id" {
		t.Errorf("value = %+v", v)
	}
}

func TestParseUpdate(t *testing.T) {
	s := Parse("UPDATE users SET name = 'b', id = 9 WHERE id = 4")
	if s.Kind != KindUpdate {
		t.Fatalf("kind = %v", s.Kind)
	}
	if len(s.Assignments) != 2 || s.Assignments[1].Column != "id" || s.Assignments[1].Value.Text != "9" {
		t.Fatalf("assignments = %+v", s.Assignments)
	}
	vals := s.Predicate("id")
	if len(vals) != 1 || vals[0].Text != "4" {
		t.Errorf("where = %v", vals)
	}
	if !s.IsWrite() {
		t.Error("UPDATE should be a write")
	}
}

func TestParseDelete(t *testing.T) {
	s := Parse("DELETE FROM users WHERE id = $1")
	if s.Kind != KindDelete || s.Tables[0].Name != "users" {
		t.Fatalf("stmt = %+v", s)
	}
	vals := s.Predicate("id")
	if len(vals) != 1 || vals[0].Param != 1 {
		t.Errorf("where = %v", vals)
	}
}

func TestParseTransactionControl(t *testing.T) {
	if s := Parse("BEGIN"); s.Kind != KindBegin || s.ReadOnly {
		t.Errorf("BEGIN = %+v", s)
	}
	if s := Parse("BEGIN READ ONLY"); !s.ReadOnly {
		t.Error("BEGIN READ ONLY not detected")
	}
	if s := Parse("START TRANSACTION READ ONLY"); s.Kind != KindBegin || !s.ReadOnly {
		t.Error("START TRANSACTION READ ONLY not detected")
	}
	if s := Parse("COMMIT"); s.Kind != KindCommit {
		t.Error("COMMIT not detected")
	}
	if s := Parse("ROLLBACK"); s.Kind != KindRollback {
		t.Error("ROLLBACK not detected")
	}
	if s := Parse("ROLLBACK TO SAVEPOINT x"); s.Kind == KindRollback {
		t.Error("ROLLBACK TO SAVEPOINT must not end the transaction")
	}
}

func TestParseSet(t *testing.T) {
	s := Parse("SET search_path TO app, public")
	if s.Kind != KindSet || s.SetName != "search_path" {
		t.Fatalf("stmt = %+v", s)
	}
	if s.SetValue != "app,public" {
		t.Errorf("value = %q", s.SetValue)
	}
	if s.SetScope != SetSession {
		t.Error("default scope should be session")
	}

	s = Parse("SET LOCAL statement_timeout = '5s'")
	if s.SetScope != SetLocal || s.SetValue != "5s" {
		t.Errorf("stmt = %+v", s)
	}

	s = Parse("SET timezone TO DEFAULT")
	if !s.IsReset {
		t.Error("SET ... TO DEFAULT should be a reset")
	}

	s = Parse("RESET timezone")
	if s.Kind != KindSet || !s.IsReset || s.SetName != "timezone" {
		t.Errorf("RESET = %+v", s)
	}
}

func TestParseCopy(t *testing.T) {
	s := Parse("COPY users (id, name) FROM STDIN")
	if s.Kind != KindCopy || s.Copy == nil {
		t.Fatalf("stmt = %+v", s)
	}
	cp := s.Copy
	if !cp.FromStdin || cp.Table.Name != "users" || len(cp.Columns) != 2 {
		t.Errorf("copy = %+v", cp)
	}
	if cp.Format != CopyFormatText || cp.Delimiter != '\t' || cp.Null != `\N` {
		t.Errorf("text defaults = %+v", cp)
	}

	s = Parse(`COPY users FROM STDIN WITH (FORMAT csv, DELIMITER ';', NULL '', HEADER)`)
	cp = s.Copy
	if cp.Format != CopyFormatCSV || cp.Delimiter != ';' || cp.Null != "" || !cp.Header {
		t.Errorf("csv options = %+v", cp)
	}

	s = Parse("COPY users FROM STDIN BINARY")
	if s.Copy.Format != CopyFormatBinary {
		t.Errorf("binary format = %+v", s.Copy)
	}

	s = Parse("COPY users TO STDOUT")
	if !s.Copy.ToStdout {
		t.Errorf("TO STDOUT = %+v", s.Copy)
	}
}

func TestParseDDLAndMisc(t *testing.T) {
	if s := Parse("CREATE TABLE t (id int)"); s.Kind != KindDDL {
		t.Errorf("CREATE = %v", s.Kind)
	}
	if s := Parse("LISTEN events"); s.Kind != KindListen {
		t.Errorf("LISTEN = %v", s.Kind)
	}
	if s := Parse("SHOW search_path"); s.Kind != KindShow || s.SetName != "search_path" {
		t.Errorf("SHOW = %+v", s)
	}
	if s := Parse("VACUUM users"); s.Kind != KindOther {
		t.Errorf("VACUUM = %v", s.Kind)
	}
}

func TestFingerprintNormalizes(t *testing.T) {
	a := Fingerprint("SELECT * FROM users WHERE id = 7")
	b := Fingerprint("select  *  from USERS where ID = $1 -- comment")
	if a != b {
		t.Errorf("fingerprints differ:\n%q\n%q", a, b)
	}
	c := Fingerprint("SELECT * FROM orders WHERE id = 7")
	if a == c {
		t.Error("different tables must not collide")
	}
}

func TestParseJoinCollectsAllTables(t *testing.T) {
	s := Parse("SELECT * FROM users u JOIN orders o ON u.id = o.user_id WHERE u.id = 3")
	if len(s.Tables) != 2 {
		t.Fatalf("tables = %+v", s.Tables)
	}
	if s.Tables[1].Name != "orders" || s.Tables[1].Alias != "o" {
		t.Errorf("tables[1] = %+v", s.Tables[1])
	}
	vals := s.Predicate("id")
	if len(vals) != 1 || vals[0].Text != "3" {
		t.Errorf("qualified predicate = %v", vals)
	}
}
