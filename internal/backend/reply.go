package backend

import "github.com/sqlrelay/sqlrelay/internal/wire"

// ReplyState tracks progress through one command's response, including the
// column-definition/row-set shape and the prepared-statement-metadata shape.
type ReplyState int

const (
	ReplyStart ReplyState = iota
	ReplyColumnDefs
	ReplyPSParamDefs
	ReplyPSColumnDefs
	ReplyRows
	ReplyLoadData
	ReplyDone
)

func (s ReplyState) String() string {
	switch s {
	case ReplyStart:
		return "START"
	case ReplyColumnDefs:
		return "RSET_COLDEF"
	case ReplyPSParamDefs, ReplyPSColumnDefs:
		return "PS_META"
	case ReplyRows:
		return "RSET_ROWS"
	case ReplyLoadData:
		return "LOAD_DATA"
	case ReplyDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// Reply accumulates the decoded shape of one command's response as packets
// arrive from a backend. A fresh Reply is created per TrackedCommand; Feed
// is called once per packet belonging to that command's response.
type Reply struct {
	State ReplyState

	IsError      bool
	Err          wire.Err
	OK           wire.OK
	Columns      []wire.ColumnDefinition
	RowCount     uint64
	Prepare      wire.PrepareOK
	LocalInfile  wire.LocalInfileRequest

	capabilities uint32
	isPSPrepare  bool

	colsRemaining       int
	paramsRemaining      int
	awaitingColumnEOF    bool
	awaitingParamEOF     bool
}

func newReply(capabilities uint32, isPSPrepare bool) *Reply {
	return &Reply{capabilities: capabilities, isPSPrepare: isPSPrepare}
}

func (r *Reply) deprecateEOF() bool { return r.capabilities&wire.ClientDeprecateEOF != 0 }

// Feed processes one response packet and reports whether the command's
// response is now fully received (State == ReplyDone, possibly because a
// multi-result-set terminator without SERVER_MORE_RESULTS_EXISTS was seen).
func (r *Reply) Feed(payload []byte) (complete bool, err error) {
	switch r.State {
	case ReplyStart:
		return r.feedStart(payload)
	case ReplyColumnDefs:
		return r.feedColumnDefs(payload)
	case ReplyPSParamDefs:
		return r.feedPSParamDefs(payload)
	case ReplyPSColumnDefs:
		return r.feedPSColumnDefs(payload)
	case ReplyRows:
		return r.feedRows(payload)
	case ReplyLoadData:
		return r.feedStart(payload)
	default:
		return true, &InternalError{Reason: "Feed called after reply already DONE"}
	}
}

func (r *Reply) feedStart(payload []byte) (bool, error) {
	if len(payload) == 0 {
		return true, &ProtocolError{Context: "reply", Err: errEmptyReplyPacket}
	}

	switch payload[0] {
	case wire.ErrHeader:
		e, derr := wire.DecodeErr(payload, r.capabilities)
		if derr != nil {
			return true, &ProtocolError{Context: "reply ERR", Err: derr}
		}
		r.IsError = true
		r.Err = e
		r.State = ReplyDone
		return true, nil

	case wire.OKHeader:
		if r.isPSPrepare {
			p, derr := wire.DecodePrepareOK(payload)
			if derr != nil {
				return true, &ProtocolError{Context: "prepare OK", Err: derr}
			}
			r.Prepare = p
			r.paramsRemaining = int(p.NumParams)
			r.colsRemaining = int(p.NumColumns)
			if r.paramsRemaining > 0 {
				r.State = ReplyPSParamDefs
				return false, nil
			}
			if r.colsRemaining > 0 {
				r.State = ReplyPSColumnDefs
				return false, nil
			}
			r.State = ReplyDone
			return true, nil
		}

		ok, derr := wire.DecodeOK(payload, r.capabilities)
		if derr != nil {
			return true, &ProtocolError{Context: "reply OK", Err: derr}
		}
		r.OK = ok
		if ok.StatusFlags&wire.ServerMoreResultsExists != 0 {
			r.State = ReplyStart
			return false, nil
		}
		r.State = ReplyDone
		return true, nil

	case wire.LocalInfileHeader:
		req, derr := wire.DecodeLocalInfileRequest(payload)
		if derr != nil {
			return true, &ProtocolError{Context: "local infile request", Err: derr}
		}
		r.LocalInfile = req
		r.State = ReplyLoadData
		return false, nil

	default:
		count, _, n, ok := wire.ReadLengthEncodedInt(payload)
		if !ok || n != len(payload) {
			return true, &ProtocolError{Context: "reply column count", Err: errMalformedColumnCount}
		}
		r.colsRemaining = int(count)
		r.Columns = nil
		if r.colsRemaining == 0 {
			r.State = ReplyRows
			return false, nil
		}
		r.State = ReplyColumnDefs
		return false, nil
	}
}

func (r *Reply) feedColumnDefs(payload []byte) (bool, error) {
	if r.awaitingColumnEOF {
		r.awaitingColumnEOF = false
		r.State = ReplyRows
		return false, nil
	}
	col, err := wire.DecodeColumnDefinition(payload)
	if err != nil {
		return true, &ProtocolError{Context: "column definition", Err: err}
	}
	r.Columns = append(r.Columns, col)
	r.colsRemaining--
	if r.colsRemaining > 0 {
		return false, nil
	}
	if r.deprecateEOF() {
		r.State = ReplyRows
		return false, nil
	}
	r.awaitingColumnEOF = true
	return false, nil
}

func (r *Reply) feedPSParamDefs(payload []byte) (bool, error) {
	if r.awaitingParamEOF {
		r.awaitingParamEOF = false
		if r.colsRemaining > 0 {
			r.State = ReplyPSColumnDefs
			return false, nil
		}
		r.State = ReplyDone
		return true, nil
	}
	if _, err := wire.DecodeColumnDefinition(payload); err != nil {
		return true, &ProtocolError{Context: "PS param definition", Err: err}
	}
	r.paramsRemaining--
	if r.paramsRemaining > 0 {
		return false, nil
	}
	if r.deprecateEOF() {
		if r.colsRemaining > 0 {
			r.State = ReplyPSColumnDefs
			return false, nil
		}
		r.State = ReplyDone
		return true, nil
	}
	r.awaitingParamEOF = true
	return false, nil
}

func (r *Reply) feedPSColumnDefs(payload []byte) (bool, error) {
	if r.awaitingColumnEOF {
		r.awaitingColumnEOF = false
		r.State = ReplyDone
		return true, nil
	}
	col, err := wire.DecodeColumnDefinition(payload)
	if err != nil {
		return true, &ProtocolError{Context: "PS column definition", Err: err}
	}
	r.Columns = append(r.Columns, col)
	r.colsRemaining--
	if r.colsRemaining > 0 {
		return false, nil
	}
	if r.deprecateEOF() {
		r.State = ReplyDone
		return true, nil
	}
	r.awaitingColumnEOF = true
	return false, nil
}

func (r *Reply) feedRows(payload []byte) (bool, error) {
	isTerminator := payload[0] == wire.ErrHeader ||
		(r.deprecateEOF() && payload[0] == wire.OKHeader) ||
		(!r.deprecateEOF() && wire.IsLegacyEOF(payload))

	if !isTerminator {
		r.RowCount++
		return false, nil
	}

	if payload[0] == wire.ErrHeader {
		e, err := wire.DecodeErr(payload, r.capabilities)
		if err != nil {
			return true, &ProtocolError{Context: "row-set ERR", Err: err}
		}
		r.IsError = true
		r.Err = e
		r.State = ReplyDone
		return true, nil
	}

	var status uint16
	if r.deprecateEOF() {
		ok, err := wire.DecodeOK(payload, r.capabilities)
		if err != nil {
			return true, &ProtocolError{Context: "row-set terminator OK", Err: err}
		}
		r.OK = ok
		status = ok.StatusFlags
	} else {
		eof, err := wire.DecodeEOF(payload, r.capabilities)
		if err != nil {
			return true, &ProtocolError{Context: "row-set terminator EOF", Err: err}
		}
		status = eof.StatusFlags
	}

	if status&wire.ServerMoreResultsExists != 0 {
		r.State = ReplyStart
		return false, nil
	}
	r.State = ReplyDone
	return true, nil
}

type replyError string

func (e replyError) Error() string { return string(e) }

const (
	errEmptyReplyPacket    replyError = "empty reply packet"
	errMalformedColumnCount replyError = "malformed result-set column count"
)
