package session

import "github.com/sqlrelay/sqlrelay/internal/classify"

// PreparedStatement is a registered prepared statement, owned by the
// Session (not by any one backend).
type PreparedStatement struct {
	InternalID  uint32
	ParamCount  uint16
	TypeMask    classify.TypeMask
	Name        string // set only for named (text-protocol) prepares
}
