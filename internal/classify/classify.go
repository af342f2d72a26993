package classify

import (
	"fmt"
	"strings"

	"github.com/sqlrelay/sqlrelay/internal/wire"
)

// Classification is everything the route selector and session state need
// from one client command packet.
type Classification struct {
	TypeMask       TypeMask
	Operation      Operation
	Tables         []string
	PSName         string
	FunctionNames  []string
	MultiStatement bool
	IsDropTable    bool
	IsCreateTmp    bool
	IsStmtClose    bool
	IsStmtReset    bool
}

// sessionWriteCommands get SESSION_WRITE purely from their command code,
// with no SQL parse involved.
var sessionWriteCommands = map[wire.Command]bool{
	wire.ComQuit: true, wire.ComInitDB: true, wire.ComRefresh: true,
	wire.ComDebug: true, wire.ComPing: true, wire.ComChangeUser: true,
	wire.ComSetOption: true, wire.ComResetConnection: true,
}

// writeCommands get WRITE from their command code alone.
var writeCommands = map[wire.Command]bool{
	wire.ComCreateDB: true, wire.ComDropDB: true, wire.ComStmtClose: true,
	wire.ComStmtSendLongData: true, wire.ComStmtReset: true,
}

// Classify derives a Classification from one client command packet. packet
// is the full command payload including the leading command byte.
func Classify(payload []byte) (Classification, error) {
	if len(payload) == 0 {
		return Classification{}, fmt.Errorf("classify: %w", emptyPayloadErr)
	}
	cmd := wire.Command(payload[0])
	body := payload[1:]

	switch {
	case sessionWriteCommands[cmd]:
		return Classification{TypeMask: SessionWrite}, nil
	case writeCommands[cmd]:
		return Classification{
			TypeMask:    Write,
			IsStmtClose: cmd == wire.ComStmtClose,
			IsStmtReset: cmd == wire.ComStmtReset,
		}, nil
	case cmd == wire.ComFieldList:
		return Classification{TypeMask: Read}, nil
	case cmd == wire.ComStmtExecute, cmd == wire.ComStmtBulkExecute:
		return Classification{TypeMask: ExecStmt}, nil
	case cmd == wire.ComStmtFetch:
		return Classification{TypeMask: ExecStmt}, nil
	case cmd == wire.ComStmtPrepare:
		return classifyPrepare(body), nil
	case cmd == wire.ComQuery:
		return classifyQuery(string(body)), nil
	default:
		return Classification{TypeMask: Unknown}, nil
	}
}

func classifyPrepare(body []byte) Classification {
	c := classifyQuery(string(body))
	c.TypeMask |= PrepareStmt
	return c
}

func classifyQuery(query string) Classification {
	r := scanSQL(query)
	c := Classification{
		Operation:      r.op,
		Tables:         r.tables,
		FunctionNames:  r.functionNames,
		PSName:         r.psName,
		MultiStatement: r.multiStatement,
	}

	switch r.op {
	case OpSelect, OpShowTables, OpShowDatabases:
		c.TypeMask = Read
		if r.op == OpShowTables {
			c.TypeMask |= ShowTables
		}
		if r.op == OpShowDatabases {
			c.TypeMask |= ShowDatabases
		}
	case OpInsert, OpUpdate, OpDelete:
		c.TypeMask = Write
	case OpBegin:
		c.TypeMask = BeginTrx
	case OpCommit:
		c.TypeMask = Commit
	case OpRollback:
		c.TypeMask = Rollback
	case OpSetAutocommit:
		c.TypeMask = detectAutocommitToggle(query)
	case OpSet:
		// Any other SET statement is a session-state change by default;
		// detectVariableAccess below may add a more specific bit (a
		// GLOBAL system-variable write, for instance) on top of this.
		c.TypeMask = SessionWrite
	case OpCreateTmpTable:
		c.TypeMask = CreateTmpTable | Write
		c.IsCreateTmp = true
	case OpDropTable:
		c.TypeMask = Write
		c.IsDropTable = true
	case OpExecute:
		c.TypeMask = ExecStmt
	case OpCall:
		// A proxy cannot know whether a stored procedure writes; treat it
		// conservatively as a write. Session.ObserveClassification then
		// locks the session to primary (§4.3 stickiness rule).
		c.TypeMask = Write
	default:
		c.TypeMask = Read
	}

	c.TypeMask |= detectVariableAccess(query)

	return c
}

func detectAutocommitToggle(query string) TypeMask {
	upper := toUpperASCII(query)
	if containsASCII(upper, "=1") || containsASCII(upper, "= 1") || containsASCII(upper, "ON") {
		return EnableAutocommit
	}
	return DisableAutocommit
}

func toUpperASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}

func containsASCII(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

// detectVariableAccess adds USERVAR/SYSVAR bits when the statement
// references @user_var or @@sys_var, independent of whether it also
// contains a function call: a bare "SELECT @x" or "SET @x = 1" carries no
// function name at all but still needs the variable-access bits the route
// selector's broadcast rule depends on. This is a coarse heuristic scan,
// not a parse.
//
// "@var := expr" is always a write (the only place MySQL allows that
// operator). A bare "=" after a variable only counts as an assignment
// inside a SET statement — elsewhere (e.g. a WHERE clause) it's a
// comparison, so the reference is a read. "@@GLOBAL.var"/"@@global.var" is
// global; every other "@@var" is session-scoped.
func detectVariableAccess(query string) TypeMask {
	trimmedUpper := strings.ToUpper(strings.TrimSpace(query))
	isSet := strings.HasPrefix(trimmedUpper, "SET ") || trimmedUpper == "SET"

	var mask TypeMask
	if strings.HasPrefix(trimmedUpper, "SET GLOBAL ") {
		mask |= GSysVarWrite
	}

	for i := 0; i < len(query); i++ {
		if query[i] != '@' {
			continue
		}
		sysVar := i+1 < len(query) && query[i+1] == '@'
		start := i + 1
		if sysVar {
			start++
		}
		end := identEnd(query, start)

		global := false
		if sysVar {
			switch strings.ToUpper(query[start:end]) {
			case "GLOBAL":
				if end < len(query) && query[end] == '.' {
					global = true
					start = end + 1
					end = identEnd(query, start)
				}
			case "SESSION":
				if end < len(query) && query[end] == '.' {
					start = end + 1
					end = identEnd(query, start)
				}
			}
		}

		write := isWalrusAssign(query, end) || (isSet && isBareEquals(query, end))

		switch {
		case sysVar && global && write:
			mask |= GSysVarWrite
		case sysVar && global:
			mask |= GSysVarRead
		case sysVar && write:
			// A session-scoped system variable write ("SET @@var = x",
			// with no GLOBAL qualifier) only affects this session, same
			// as any other session-state change.
			mask |= SessionWrite
		case sysVar:
			mask |= SysVarRead
		case write:
			mask |= UserVarWrite
		default:
			mask |= UserVarRead
		}

		i = end - 1
	}
	return mask
}

func identEnd(query string, start int) int {
	end := start
	for end < len(query) && isIdentByte(query[end]) {
		end++
	}
	return end
}

func skipSpaceASCII(query string, pos int) int {
	for pos < len(query) {
		switch query[pos] {
		case ' ', '\t', '\n', '\r':
			pos++
		default:
			return pos
		}
	}
	return pos
}

func isWalrusAssign(query string, pos int) bool {
	j := skipSpaceASCII(query, pos)
	return j+1 < len(query) && query[j] == ':' && query[j+1] == '='
}

func isBareEquals(query string, pos int) bool {
	j := skipSpaceASCII(query, pos)
	if j >= len(query) || query[j] != '=' {
		return false
	}
	return !(j+1 < len(query) && query[j+1] == '=')
}

// ExtractPSID returns the 4-byte LE statement id at offset 5 of a
// COM_STMT_* packet (offset 1 of the payload, right after the command byte).
func ExtractPSID(payload []byte) (uint32, error) {
	return wire.ExtractStatementID(payload)
}

// ExtractPSParamCount is not recoverable from a COM_STMT_EXECUTE packet
// alone — MySQL's wire protocol doesn't repeat it — callers must look the
// count up in the registered PreparedStatement. This helper exists for the
// COM_STMT_PREPARE response side, where it comes from the PrepareOK packet.
func ExtractPSParamCount(prepareOK wire.PrepareOK) uint16 {
	return wire.ExtractParamCount(prepareOK)
}

// IsPSCommand reports whether cmd is one of the COM_STMT_* commands that
// operate on an existing prepared statement by id.
func IsPSCommand(cmd wire.Command) bool {
	return wire.IsPreparedStatementCommand(cmd)
}

type classifyError string

func (e classifyError) Error() string { return string(e) }

const emptyPayloadErr classifyError = "empty command payload"
