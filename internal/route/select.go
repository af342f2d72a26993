package route

import (
	"github.com/sqlrelay/sqlrelay/internal/classify"
	"github.com/sqlrelay/sqlrelay/internal/session"
)

// UseSQLVariablesIn controls where USERVAR_WRITE-carrying statements are
// routed: to all servers (so user variables stay consistent everywhere) or
// just wherever the rest of the algorithm would have sent them.
type UseSQLVariablesIn int

const (
	UseSQLVariablesInMaster UseSQLVariablesIn = iota
	UseSQLVariablesInAll
)

// Options carries the configuration knobs the priority ladder Select
// consults.
type Options struct {
	UseSQLVariablesIn UseSQLVariablesIn
}

const allBroadcastMask = classify.SessionWrite | classify.GSysVarWrite |
	classify.EnableAutocommit | classify.DisableAutocommit

// Select is the pure function from classifier output, session state, and
// routing hints to a RouteTarget. It applies a fixed priority ladder
// (prepare/close/reset to All, then session/global state writes, then
// locked-to-primary, then read-only statements and read-only transactions
// to a replica, otherwise primary), then explicit hints, then the
// FOUND_ROWS() rewrite. It has no knowledge of per-
// statement backend affinity; callers are responsible for recognizing
// prepared-statement continuation commands and bypassing Select entirely
// for them.
func Select(c classify.Classification, s *session.Session, hints Hints, opts Options) Target {
	if c.IsStmtClose || c.IsStmtReset {
		return All
	}
	mask := c.TypeMask
	t := selectBase(mask, s, opts)
	t = applyHints(t, hints)
	t = applyFoundRowsRewrite(t, c)
	return t
}

func selectBase(mask classify.TypeMask, s *session.Session, opts Options) Target {
	switch {
	case mask.Has(classify.PrepareStmt), mask.Has(classify.PrepareNamedStmt):
		return All
	}

	userVarAll := opts.UseSQLVariablesIn == UseSQLVariablesInAll && mask.Has(classify.UserVarWrite)
	if mask.HasAny(allBroadcastMask) || userVarAll {
		if mask.Has(classify.Read) {
			// Can't multiplex result sets across a broadcast.
			return Primary
		}
		return All
	}

	if s.LockedToPrimary {
		return Primary
	}

	if !s.TrxActive && s.LoadData == session.LoadDataNone && mask.IsReadOnly() {
		return Replica
	}

	if s.TrxActive && s.TrxReadOnly {
		return Replica
	}

	return Primary
}

func applyHints(t Target, h Hints) Target {
	if h.RouteToMaster {
		return Primary
	}
	if h.RouteToNamedServer {
		t = (t &^ roleMask) | NamedServer
	}
	if h.RouteToLastUsed {
		t = (t &^ roleMask) | LastUsed
	}
	if h.RouteToSlave {
		t = (t &^ roleMask) | Replica
	}
	if h.hasMaxSlaveLag() {
		t |= RlagMax
	}
	return t
}

func applyFoundRowsRewrite(t Target, c classify.Classification) Target {
	if t.Role() != Replica {
		return t
	}
	for _, fn := range c.FunctionNames {
		if fn == "FOUND_ROWS" {
			return (t &^ roleMask) | LastUsed
		}
	}
	return t
}
