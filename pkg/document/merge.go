package document

// applyOp merges a single op into local state. Callers hold d.mu.
//
// Scalar cells (documents, active document, apps, should-exit) are
// last-writer-wins by stamp. Request status never reverts to pending and
// resolves answered-vs-abandoned races by stamp, so every replica converges
// on the same terminal status. Chat history appends are interleaved by stamp
// order, preserving every concurrent writer.
func (d *Document) applyOp(op Op) {
	st := op.stamp()

	switch op.Kind {
	case OpPutDocument:
		if d.wins("doc/"+op.URI, st) {
			d.docs[op.URI] = TextDocument{URI: op.URI, Text: op.Text}
		}

	case OpRemoveDocument:
		if d.wins("doc/"+op.URI, st) {
			delete(d.docs, op.URI)
		}

	case OpSetActiveDocument:
		if d.wins("active", st) {
			d.active = op.URI
		}

	case OpAppendTurn:
		d.insertTurn(chatEntry{turn: Turn{Role: op.Role, Content: op.Content}, at: st})

	case OpPutApp:
		if op.App != nil && d.wins("app/"+op.App.ID, st) {
			d.apps[op.App.ID] = *op.App
		}

	case OpRemoveApp:
		if d.wins("app/"+op.Key, st) {
			delete(d.apps, op.Key)
		}

	case OpPutRequest:
		if op.Request == nil {
			return
		}
		if _, removed := d.gone[op.Request.ID]; removed {
			return
		}
		if _, exists := d.reqs[op.Request.ID]; exists {
			return
		}
		req := *op.Request
		req.Status = StatusPending
		req.Response = ""
		req.Arrival = st
		d.reqs[req.ID] = &req

	case OpAnswerRequest:
		req, ok := d.reqs[op.RequestID]
		if !ok {
			return
		}
		if d.statusWins(op.RequestID, st) {
			req.Status = StatusAnswered
			req.Response = op.Response
		}

	case OpAbandonRequest:
		req, ok := d.reqs[op.RequestID]
		if !ok {
			return
		}
		if d.statusWins(op.RequestID, st) {
			req.Status = StatusAbandoned
		}

	case OpRemoveRequest:
		delete(d.reqs, op.RequestID)
		d.gone[op.RequestID] = struct{}{}

	case OpPutValue:
		d.mergeValue(op, st)

	case OpSetDescription:
		entry, ok := d.values[op.Key]
		if !ok {
			return
		}
		if entry.overAt == nil || entry.overAt.Before(st) {
			at := st
			entry.overAt = &at
			entry.override = op.Description
		}

	case OpSetShouldExit:
		if d.wins("exit", st) {
			d.exit = op.Exit
		}
	}
}

// wins records st as the winner for cell if it is newer than the current
// winner, and reports whether it won.
func (d *Document) wins(cell string, st Stamp) bool {
	cur, ok := d.stamps[cell]
	if ok && !cur.Before(st) {
		return false
	}
	d.stamps[cell] = st
	return true
}

// statusWins resolves request status transitions. The first status op always
// applies; later ones apply only with a newer stamp. Creation sets no status
// stamp, so pending never wins against a terminal status.
func (d *Document) statusWins(requestID string, st Stamp) bool {
	return d.wins("reqstatus/"+requestID, st)
}

func (d *Document) insertTurn(entry chatEntry) {
	i := len(d.history)
	for i > 0 && entry.at.Before(d.history[i-1].at) {
		i--
	}
	d.history = append(d.history, chatEntry{})
	copy(d.history[i+1:], d.history[i:])
	d.history[i] = entry
}

// mergeValue applies a value write. Value is last-writer-wins. Description is
// fixed by the earliest creating write (so concurrent creations converge) and
// only an explicit SetDescription overrides it.
func (d *Document) mergeValue(op Op, st Stamp) {
	entry, ok := d.values[op.Key]
	if !ok {
		entry = &valueEntry{}
		d.values[op.Key] = entry
		entry.value = op.Value
		entry.valAt = st
		entry.version = op.Clock
	} else if entry.valAt.Before(st) {
		entry.value = op.Value
		entry.valAt = st
		entry.version = op.Clock
	}

	// The earliest put fixes the creation description, even when it is
	// empty. A later write may not retitle an existing value; only an
	// explicit description override can.
	if entry.firstAt == nil || st.Before(*entry.firstAt) {
		at := st
		entry.firstAt = &at
		entry.first = op.Description
	}
}
