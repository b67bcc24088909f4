package docstate

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// textField is the single document field the spec requires readable.
const textField = "monaco-content"

// document is one code-editor room's CRDT replica plus its most recent
// encoded-state snapshot.
type document struct {
	mu       sync.RWMutex
	rga      *rga
	snapshot []byte
}

// Info summarizes a document without exposing its internal state.
type Info struct {
	Exists        bool
	ContentLength int
	StateSize     int
}

// Registry owns one CRDT document replica per code-editor room. All
// operations are safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	docs map[string]*document
	log  *zap.Logger
}

// NewRegistry creates an empty Document Registry.
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{docs: make(map[string]*document), log: log}
}

// Ensure creates a new CRDT document for roomID if none exists yet.
// Idempotent: calling it twice has the same effect as calling it once.
func (r *Registry) Ensure(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureLocked(roomID)
}

func (r *Registry) ensureLocked(roomID string) *document {
	if d, ok := r.docs[roomID]; ok {
		return d
	}
	d := &document{rga: newRGA(uuid.NewString())}
	r.docs[roomID] = d
	return d
}

// ApplyUpdate applies an incoming CRDT update frame to roomID's document,
// creating the document if necessary. If the bytes are not a valid
// sync/update frame, the call is a silent no-op: awareness frames and
// other auxiliary traffic must never be treated as fatal. On success the
// document's state snapshot is refreshed.
func (r *Registry) ApplyUpdate(roomID string, payload []byte) {
	r.mu.Lock()
	d := r.ensureLocked(roomID)
	r.mu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.rga.applyFrame(payload); err != nil {
		r.log.Debug("update frame not applied", zap.String("room_id", roomID), zap.Error(err))
		return
	}
	d.snapshot = d.rga.snapshot()
}

// ReadText returns the current string value of the document's text
// field, or the empty string if roomID has no document.
func (r *Registry) ReadText(roomID string) string {
	r.mu.RLock()
	d, ok := r.docs[roomID]
	r.mu.RUnlock()
	if !ok {
		return ""
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.rga.text()
}

// Info reports whether roomID has a document and its current sizes.
func (r *Registry) Info(roomID string) Info {
	r.mu.RLock()
	d, ok := r.docs[roomID]
	r.mu.RUnlock()
	if !ok {
		return Info{}
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Info{
		Exists:        true,
		ContentLength: d.rga.size(),
		StateSize:     len(d.snapshot),
	}
}

// Destroy releases roomID's document. Idempotent.
func (r *Registry) Destroy(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.docs, roomID)
}

// DestroyAll releases every document, used during shutdown and
// emergency drain.
func (r *Registry) DestroyAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs = make(map[string]*document)
}

// Count returns the number of documents currently held in memory.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.docs)
}

// EncodeInsertFrame builds the update frame a CRDT client library would
// send for a single-character insert. Exposed so callers outside this
// package (and its tests) can construct realistic frames without
// depending on the internal node representation.
func EncodeInsertFrame(seq uint64, origin string, afterSeq uint64, afterOrigin string, ch rune) []byte {
	return encodeInsert(node{
		ID:    nodeID{Seq: seq, Origin: origin},
		After: nodeID{Seq: afterSeq, Origin: afterOrigin},
		Char:  ch,
	})
}
