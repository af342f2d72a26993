package backend

// psTranslator maps session-wide prepared-statement internal ids to the
// statement id this one backend assigned when it prepared the same
// statement, and back. Each backend a statement is broadcast-prepared on
// picks its own id independently, so the translation table lives per
// backend connection, not on the session.
type psTranslator struct {
	toBackend map[uint32]uint32
	toSession map[uint32]uint32
}

func newPSTranslator() *psTranslator {
	return &psTranslator{
		toBackend: make(map[uint32]uint32),
		toSession: make(map[uint32]uint32),
	}
}

func (t *psTranslator) register(internalID, backendID uint32) {
	t.toBackend[internalID] = backendID
	t.toSession[backendID] = internalID
}

func (t *psTranslator) backendID(internalID uint32) (uint32, bool) {
	id, ok := t.toBackend[internalID]
	return id, ok
}

func (t *psTranslator) sessionID(backendID uint32) (uint32, bool) {
	id, ok := t.toSession[backendID]
	return id, ok
}

func (t *psTranslator) forget(internalID uint32) {
	backendID, ok := t.toBackend[internalID]
	if !ok {
		return
	}
	delete(t.toBackend, internalID)
	delete(t.toSession, backendID)
}

// reset clears all statement mappings, used when the backend is handed to a
// new session (COM_CHANGE_USER / COM_RESET_CONNECTION equivalent reuse).
func (t *psTranslator) reset() {
	t.toBackend = make(map[uint32]uint32)
	t.toSession = make(map[uint32]uint32)
}
