package classify

import (
	"testing"

	"github.com/sqlrelay/sqlrelay/internal/wire"
)

func cmdPayload(cmd wire.Command, body string) []byte {
	return append([]byte{byte(cmd)}, []byte(body)...)
}

func TestClassifySelectIsReadOnly(t *testing.T) {
	c, err := Classify(cmdPayload(wire.ComQuery, "SELECT * FROM users WHERE id = 1"))
	if err != nil {
		t.Fatal(err)
	}
	if !c.TypeMask.IsReadOnly() {
		t.Errorf("expected read-only mask, got %v", c.TypeMask)
	}
	if len(c.Tables) != 1 || c.Tables[0] != "users" {
		t.Errorf("got tables %v", c.Tables)
	}
}

func TestClassifyInsertIsWrite(t *testing.T) {
	c, err := Classify(cmdPayload(wire.ComQuery, "INSERT INTO orders (id) VALUES (1)"))
	if err != nil {
		t.Fatal(err)
	}
	if c.TypeMask.IsReadOnly() {
		t.Errorf("insert should not be read-only")
	}
	if !c.TypeMask.Has(Write) {
		t.Errorf("expected WRITE bit")
	}
}

func TestClassifyQualifiedTable(t *testing.T) {
	c, err := Classify(cmdPayload(wire.ComQuery, "SELECT * FROM mydb.users u JOIN mydb.orders o ON u.id = o.user_id"))
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{"mydb.users": true, "mydb.orders": true}
	if len(c.Tables) != 2 {
		t.Fatalf("got tables %v", c.Tables)
	}
	for _, tbl := range c.Tables {
		if !want[tbl] {
			t.Errorf("unexpected table %q", tbl)
		}
	}
}

func TestMultiStatementDetection(t *testing.T) {
	cases := []struct {
		query string
		want  bool
	}{
		{"SELECT 1;\n", false},
		{"SELECT 1; SELECT 2", true},
		{"SELECT ';' AS x", false},
		{"SELECT 1 -- comment ; more", false},
		{"SELECT 1 /* ; */", false},
	}
	for _, tc := range cases {
		c, err := Classify(cmdPayload(wire.ComQuery, tc.query))
		if err != nil {
			t.Fatal(err)
		}
		if c.MultiStatement != tc.want {
			t.Errorf("query %q: got multiStatement=%v want %v", tc.query, c.MultiStatement, tc.want)
		}
	}
}

func TestClassifyCommandCodesSessionWriteAndWrite(t *testing.T) {
	c, err := Classify(cmdPayload(wire.ComPing, ""))
	if err != nil {
		t.Fatal(err)
	}
	if !c.TypeMask.Has(SessionWrite) {
		t.Errorf("ping should be SESSION_WRITE")
	}

	c, err = Classify(cmdPayload(wire.ComStmtClose, "\x01\x00\x00\x00"))
	if err != nil {
		t.Fatal(err)
	}
	if !c.TypeMask.Has(Write) {
		t.Errorf("stmt_close should be WRITE")
	}
}

func TestClassifyStmtExecuteIsExecStmtOnly(t *testing.T) {
	c, err := Classify(cmdPayload(wire.ComStmtExecute, "\x01\x00\x00\x00\x00\x01\x00\x00\x00"))
	if err != nil {
		t.Fatal(err)
	}
	if c.TypeMask != ExecStmt {
		t.Errorf("expected exactly EXEC_STMT, got %v", c.TypeMask)
	}
}

func TestClassifyPrepareAddsPrepareBit(t *testing.T) {
	c, err := Classify(cmdPayload(wire.ComStmtPrepare, "SELECT ?"))
	if err != nil {
		t.Fatal(err)
	}
	if !c.TypeMask.Has(PrepareStmt) {
		t.Errorf("expected PREPARE_STMT bit")
	}
}

func TestClassifyEmptyPayloadIsError(t *testing.T) {
	if _, err := Classify(nil); err == nil {
		t.Errorf("expected error for empty payload")
	}
}

func TestClassifyIdempotent(t *testing.T) {
	payload := cmdPayload(wire.ComQuery, "SELECT FOUND_ROWS()")
	a, err := Classify(payload)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Classify(payload)
	if err != nil {
		t.Fatal(err)
	}
	if a.TypeMask != b.TypeMask || len(a.FunctionNames) != len(b.FunctionNames) {
		t.Errorf("classification not idempotent: %+v vs %+v", a, b)
	}
}

func TestClassifyFoundRowsFunction(t *testing.T) {
	c, err := Classify(cmdPayload(wire.ComQuery, "SELECT FOUND_ROWS()"))
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, fn := range c.FunctionNames {
		if fn == "FOUND_ROWS" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected FOUND_ROWS in function names, got %v", c.FunctionNames)
	}
}

func TestClassifyDropTableMarksIsDropTable(t *testing.T) {
	c, err := Classify(cmdPayload(wire.ComQuery, "DROP TABLE IF EXISTS tmp_t"))
	if err != nil {
		t.Fatal(err)
	}
	if !c.IsDropTable {
		t.Errorf("expected IsDropTable")
	}
	if len(c.Tables) != 1 || c.Tables[0] != "tmp_t" {
		t.Errorf("got tables %v", c.Tables)
	}
}

func TestClassifyCreateTemporaryTable(t *testing.T) {
	c, err := Classify(cmdPayload(wire.ComQuery, "CREATE TEMPORARY TABLE tmp_t (id INT)"))
	if err != nil {
		t.Fatal(err)
	}
	if !c.IsCreateTmp || !c.TypeMask.Has(CreateTmpTable) {
		t.Errorf("expected create-tmp classification, got %+v", c)
	}
}

func TestClassifyCallIsOpCall(t *testing.T) {
	c, err := Classify(cmdPayload(wire.ComQuery, "CALL my_proc(1)"))
	if err != nil {
		t.Fatal(err)
	}
	if c.Operation != OpCall {
		t.Errorf("expected OpCall, got %v", c.Operation)
	}
}

func TestClassifyUserVarReadBareNoFunctionCall(t *testing.T) {
	c, err := Classify(cmdPayload(wire.ComQuery, "SELECT @x"))
	if err != nil {
		t.Fatal(err)
	}
	if !c.TypeMask.Has(UserVarRead) {
		t.Errorf("expected USERVAR_READ, got %v", c.TypeMask)
	}
	if c.TypeMask.Has(UserVarWrite) {
		t.Errorf("bare read should not carry USERVAR_WRITE, got %v", c.TypeMask)
	}
}

func TestClassifyUserVarWalrusAssignIsWrite(t *testing.T) {
	c, err := Classify(cmdPayload(wire.ComQuery, "SELECT @x := 5"))
	if err != nil {
		t.Fatal(err)
	}
	if !c.TypeMask.Has(UserVarWrite) {
		t.Errorf("expected USERVAR_WRITE for := assignment, got %v", c.TypeMask)
	}
}

func TestClassifySetUserVarIsWrite(t *testing.T) {
	c, err := Classify(cmdPayload(wire.ComQuery, "SET @x = 1"))
	if err != nil {
		t.Fatal(err)
	}
	if !c.TypeMask.Has(UserVarWrite) {
		t.Errorf("expected USERVAR_WRITE for SET @x = 1, got %v", c.TypeMask)
	}
}

func TestClassifyUserVarComparisonIsNotWrite(t *testing.T) {
	c, err := Classify(cmdPayload(wire.ComQuery, "SELECT * FROM t WHERE @x = 1"))
	if err != nil {
		t.Fatal(err)
	}
	if c.TypeMask.Has(UserVarWrite) {
		t.Errorf("bare comparison outside SET should not be USERVAR_WRITE, got %v", c.TypeMask)
	}
	if !c.TypeMask.Has(UserVarRead) {
		t.Errorf("expected USERVAR_READ, got %v", c.TypeMask)
	}
}

func TestClassifySysVarReadSessionScoped(t *testing.T) {
	c, err := Classify(cmdPayload(wire.ComQuery, "SELECT @@version"))
	if err != nil {
		t.Fatal(err)
	}
	if !c.TypeMask.Has(SysVarRead) {
		t.Errorf("expected SYSVAR_READ for unqualified @@var, got %v", c.TypeMask)
	}
	if c.TypeMask.Has(GSysVarRead) {
		t.Errorf("unqualified @@var should not be GSYSVAR_READ, got %v", c.TypeMask)
	}
}

func TestClassifySysVarReadGlobalScoped(t *testing.T) {
	c, err := Classify(cmdPayload(wire.ComQuery, "SELECT @@GLOBAL.max_connections"))
	if err != nil {
		t.Fatal(err)
	}
	if !c.TypeMask.Has(GSysVarRead) {
		t.Errorf("expected GSYSVAR_READ for @@GLOBAL.var, got %v", c.TypeMask)
	}
}

func TestClassifySetGlobalSysVarIsGSysVarWrite(t *testing.T) {
	cases := []string{
		"SET @@GLOBAL.max_connections = 200",
		"SET GLOBAL max_connections = 200",
	}
	for _, q := range cases {
		c, err := Classify(cmdPayload(wire.ComQuery, q))
		if err != nil {
			t.Fatal(err)
		}
		if !c.TypeMask.Has(GSysVarWrite) {
			t.Errorf("query %q: expected GSYSVAR_WRITE, got %v", q, c.TypeMask)
		}
	}
}

func TestClassifySetSessionSysVarIsSessionWrite(t *testing.T) {
	c, err := Classify(cmdPayload(wire.ComQuery, "SET @@sort_buffer_size = 1000000"))
	if err != nil {
		t.Fatal(err)
	}
	if !c.TypeMask.Has(SessionWrite) {
		t.Errorf("expected SESSION_WRITE for session-scoped SET @@var, got %v", c.TypeMask)
	}
	if c.TypeMask.Has(GSysVarWrite) {
		t.Errorf("session-scoped SET @@var should not be GSYSVAR_WRITE, got %v", c.TypeMask)
	}
}
