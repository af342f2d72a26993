// Package session maintains the client-scoped facts a proxy needs to route
// each new statement correctly: autocommit and transaction state,
// prepared-statement registries, temporary tables, current schema, and the
// "locked to primary" sticky flag.
package session

import (
	"strings"

	"github.com/sqlrelay/sqlrelay/internal/classify"
	"github.com/sqlrelay/sqlrelay/internal/wire"
)

// LoadDataState tracks whether the session is mid local-infile relay.
type LoadDataState int

const (
	LoadDataNone LoadDataState = iota
	LoadDataActive
)

// Session is the client-scoped routing state: autocommit and transaction
// status, prepared-statement registries, temporary tables, current schema,
// and the sticky "locked to primary" flag. It is owned by the client
// front-end; anything tracking per-backend state weak-references it and
// must never extend its lifetime.
type Session struct {
	Autocommit      bool
	TrxActive       bool
	TrxEnding       bool
	TrxReadOnly     bool
	CurrentDB       string
	TmpTables       map[string]bool
	PSText          map[string]classify.TypeMask
	PSBinary        map[uint32]*PreparedStatement
	ExtToInternalPS map[uint32]uint32
	PrevPSID        uint32
	LockedToPrimary bool
	MultiStatementsAllowed bool
	LoadData        LoadDataState
	LoadDataSent    uint64

	nextInternalID uint32
}

// New returns a fresh Session with autocommit on (the server default) and
// trx_read_only pinned true — per the invariant, it starts true at the
// beginning of every transaction, including the implicit "not yet in one"
// state.
func New() *Session {
	return &Session{
		Autocommit:  true,
		TrxReadOnly: true,
		TmpTables:   make(map[string]bool),
		PSText:      make(map[string]classify.TypeMask),
		PSBinary:    make(map[uint32]*PreparedStatement),
		ExtToInternalPS: make(map[uint32]uint32),
	}
}

// qualify prefixes an unqualified table name with the current database, so
// temporary-table tracking keys are stable across USE statements.
func (s *Session) qualify(table string) string {
	if strings.Contains(table, ".") || s.CurrentDB == "" {
		return table
	}
	return s.CurrentDB + "." + table
}

// ResolveTypeMask augments c's type mask with MASTER_READ|READ_TMP_TABLE
// when c reads one of this session's own temporary tables: a temp table
// only exists on the backend that created it, so a read against it must
// route to the primary exactly like the CREATE TEMPORARY TABLE that made
// it, never to a replica that never saw it. Grounded on
// original_source/server's is_read_tmp_table cross-reference between a
// statement's table list and the session's tmp_tables set.
func (s *Session) ResolveTypeMask(c classify.Classification) classify.TypeMask {
	mask := c.TypeMask
	if !mask.Has(classify.Read) {
		return mask
	}
	for _, t := range c.Tables {
		if s.TmpTables[s.qualify(t)] {
			return mask | classify.MasterRead | classify.ReadTmpTable
		}
	}
	return mask
}

// ObserveClassification applies the classifier-driven transitions: temp-
// table creation/removal, multi-statement/CALL stickiness, and the
// trx_read_only monotonic-non-increasing invariant.
func (s *Session) ObserveClassification(c classify.Classification) {
	if c.IsCreateTmp {
		for _, t := range c.Tables {
			s.TmpTables[s.qualify(t)] = true
		}
	}
	if c.IsDropTable {
		for _, t := range c.Tables {
			delete(s.TmpTables, s.qualify(t))
		}
	}

	if (c.MultiStatement && s.MultiStatementsAllowed) || c.Operation == classify.OpCall {
		s.LockedToPrimary = true
	}

	switch c.Operation {
	case classify.OpBegin:
		s.TrxActive = true
		s.TrxEnding = false
		s.TrxReadOnly = true
		return
	case classify.OpCommit, classify.OpRollback:
		// Transaction-boundary statements don't themselves count as the
		// "non-read-only type mask" the invariant is about.
		s.TrxEnding = true
		return
	}

	if s.TrxActive && c.TypeMask != classify.ExecStmt && !c.TypeMask.IsReadOnly() {
		s.TrxReadOnly = false
	}
	// EXEC_STMT's read-only-ness depends on the statement it resolves to;
	// callers that already know which PreparedStatement this executes
	// should call ObserveExecute instead of relying on this generic path.
}

// ObserveExecute is ObserveClassification's companion for COM_STMT_EXECUTE:
// the read-only-ness of an execute is the read-only-ness of the statement
// that was prepared, not of the EXEC_STMT bit itself.
func (s *Session) ObserveExecute(ps *PreparedStatement) {
	if s.TrxActive && ps != nil && !ps.TypeMask.IsReadOnly() {
		s.TrxReadOnly = false
	}
}

// ObserveTransactionEnd finalizes a COMMIT/ROLLBACK once the backend has
// actually acknowledged it (vs. just having been asked), resetting
// trx_active/trx_ending for the next transaction.
func (s *Session) ObserveTransactionEnd() {
	s.TrxActive = false
	s.TrxEnding = false
	s.TrxReadOnly = true
}

// ApplySessionTrack applies the OK-packet session-track trailer to session
// state: schema changes and transaction-characteristic/state changes.
func (s *Session) ApplySessionTrack(changes []wire.StateChange) {
	for _, c := range changes {
		switch c.Kind {
		case wire.StateChangeSchema:
			s.CurrentDB = c.Value
		case wire.StateChangeSystemVariable:
			if strings.EqualFold(c.Key, "autocommit") {
				s.Autocommit = strings.EqualFold(c.Value, "ON") || c.Value == "1"
			}
		case wire.StateChangeTrxState:
			s.applyTrxStateChars(c.Value)
		case wire.StateChangeTrxCharacteristics:
			// carries the literal statement used to recreate transaction
			// characteristics (e.g. "START TRANSACTION READ ONLY"); the
			// proxy doesn't need to replay it, only observe that a
			// transaction with those characteristics is starting.
			if strings.Contains(strings.ToUpper(c.Value), "READ ONLY") {
				s.TrxReadOnly = true
			}
		}
	}
}

// applyTrxStateChars interprets the SESSION_TRACK_TRANSACTION_STATE
// single-character flags MySQL/MariaDB defines (T = trx active,
// r/R = read-only/read-write, etc).
func (s *Session) applyTrxStateChars(v string) {
	for _, ch := range v {
		switch ch {
		case 'T':
			s.TrxActive = true
		case '_':
			s.TrxActive = false
		case 'r':
			s.TrxReadOnly = true
		case 'R':
			s.TrxReadOnly = false
		}
	}
}

// RegisterPrepared registers a newly prepared statement, returning its
// session-local internal id. It records the external-to-internal mapping
// and sets prev_ps_id.
func (s *Session) RegisterPrepared(externalID uint32, paramCount uint16, mask classify.TypeMask) *PreparedStatement {
	s.nextInternalID++
	ps := &PreparedStatement{
		InternalID: s.nextInternalID,
		ParamCount: paramCount,
		TypeMask:   mask,
	}
	s.PSBinary[s.nextInternalID] = ps
	s.ExtToInternalPS[externalID] = s.nextInternalID
	s.PrevPSID = s.nextInternalID
	return ps
}

// RegisterNamed registers a named (text-protocol, PREPARE ... FROM)
// statement.
func (s *Session) RegisterNamed(name string, mask classify.TypeMask) {
	s.PSText[name] = mask
}

// ResolvePS resolves a client-visible external statement id to the
// registered PreparedStatement, honoring the "most recently prepared"
// sentinel.
func (s *Session) ResolvePS(externalID uint32) (*PreparedStatement, bool) {
	if externalID == wire.ExternalIDMostRecent {
		ps, ok := s.PSBinary[s.PrevPSID]
		return ps, ok
	}
	internal, ok := s.ExtToInternalPS[externalID]
	if !ok {
		return nil, false
	}
	ps, ok := s.PSBinary[internal]
	return ps, ok
}

// ForgetPS removes a prepared statement (COM_STMT_CLOSE).
func (s *Session) ForgetPS(externalID uint32) {
	internal, ok := s.ExtToInternalPS[externalID]
	if !ok {
		return
	}
	delete(s.PSBinary, internal)
	delete(s.ExtToInternalPS, externalID)
}
