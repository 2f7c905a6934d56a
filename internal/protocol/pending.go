package protocol

import (
	"encoding/json"
	"sync"
)

// Pending tracks the two independent acknowledgements a two-way command
// needs: the synchronous JSON-RPC reply matched by integer id, and the
// asynchronous RemoteActionResult matched by UID. Neither implies the other.
type Pending struct {
	UID      string
	ID       int
	OKStatus int

	ackSeen      bool
	ackResult    int
	resultSeen   bool
	actionResult int
	paramRet     json.RawMessage
}

// NewPending starts tracking a command expecting okStatus from its
// RemoteActionResult (StatusOK for every command the host defines today).
func NewPending(uid string, id, okStatus int) *Pending {
	return &Pending{UID: uid, ID: id, OKStatus: okStatus}
}

// AckReceived records the JSON-RPC reply's result code.
func (p *Pending) AckReceived(result int) {
	p.ackSeen = true
	p.ackResult = result
}

// ResultReceived records the RemoteActionResult status and returned params.
func (p *Pending) ResultReceived(status int, paramRet json.RawMessage) {
	p.resultSeen = true
	p.actionResult = status
	p.paramRet = paramRet
}

// AckSeen reports whether the JSON-RPC half has arrived.
func (p *Pending) AckSeen() bool { return p.ackSeen }

// ResultSeen reports whether the RemoteActionResult half has arrived.
func (p *Pending) ResultSeen() bool { return p.resultSeen }

// ParamRet returns the payload carried by the RemoteActionResult.
func (p *Pending) ParamRet() json.RawMessage { return p.paramRet }

// ActionResult returns the RemoteActionResult status code.
func (p *Pending) ActionResult() int { return p.actionResult }

// Complete reports whether both halves arrived with their ok values: the
// JSON-RPC result must be 0 and the action result must equal OKStatus.
func (p *Pending) Complete() bool {
	return p.ackSeen && p.resultSeen && p.ackResult == 0 && p.actionResult == p.OKStatus
}

// Table indexes pending commands by UID, with a secondary id index for the
// JSON-RPC half. Safe for concurrent use.
type Table struct {
	mu    sync.Mutex
	byUID map[string]*Pending
	byID  map[int]string
}

// NewTable returns an empty pending-command table.
func NewTable() *Table {
	return &Table{
		byUID: make(map[string]*Pending),
		byID:  make(map[int]string),
	}
}

// Add registers a pending command.
func (t *Table) Add(p *Pending) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byUID[p.UID] = p
	t.byID[p.ID] = p.UID
}

// ByUID looks up a pending command by its UUID handle.
func (t *Table) ByUID(uid string) (*Pending, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byUID[uid]
	return p, ok
}

// ByID looks up a pending command by its JSON-RPC integer id.
func (t *Table) ByID(id int) (*Pending, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	uid, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	p, ok := t.byUID[uid]
	return p, ok
}

// Remove forgets a command once it completed or failed.
func (t *Table) Remove(uid string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.byUID[uid]; ok {
		delete(t.byID, p.ID)
		delete(t.byUID, uid)
	}
}
