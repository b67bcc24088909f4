// Package docstate owns the server-side CRDT document replica for each
// code-editor room. The actual CRDT algebra — applying update frames,
// encoding the current state as an update, reading text content — is
// treated by the rest of the system as an opaque library; this package
// is that library's implementation, modeled as a Replicated Growable
// Array (RGA) over a single named text field, "monaco-content".
package docstate

import (
	"encoding/binary"
	"errors"
)

// nodeID identifies one character globally: the sequence number assigned
// by its originating replica, plus that replica's id.
type nodeID struct {
	Seq    uint64
	Origin string
}

func (id nodeID) less(other nodeID) bool {
	if id.Seq != other.Seq {
		// Higher seq compares less. insert skips past every sibling the new
		// node compares less than, so concurrent inserts after the same
		// node end up in ascending seq order.
		return id.Seq > other.Seq
	}
	return id.Origin < other.Origin
}

func (id nodeID) isZero() bool {
	return id.Seq == 0 && id.Origin == ""
}

// node is one character in the RGA's linked sequence.
type node struct {
	ID      nodeID
	After   nodeID
	Char    rune
	Deleted bool
}

// rga is a Replicated Growable Array for one document's text field.
type rga struct {
	nodes []node
	index map[nodeID]int
	seq   uint64
	self  string
}

func newRGA(selfID string) *rga {
	return &rga{index: make(map[nodeID]int), self: selfID}
}

// insertLocal creates a new character after afterID and returns the
// resulting node so it can be encoded into an update frame.
func (r *rga) insertLocal(afterID nodeID, ch rune) node {
	r.seq++
	n := node{ID: nodeID{Seq: r.seq, Origin: r.self}, After: afterID, Char: ch}
	r.insert(n)
	return n
}

// insert places n into the sequence at the position implied by its
// After pointer, breaking ties among concurrent inserts at the same
// position by nodeID.less so all replicas converge on the same order.
func (r *rga) insert(n node) {
	if _, exists := r.index[n.ID]; exists {
		return // idempotent: duplicate delivery of the same insert is a no-op
	}

	pos := 0
	if !n.After.isZero() {
		afterPos, ok := r.index[n.After]
		if !ok {
			// Causally unready: the referenced predecessor hasn't arrived
			// yet. Appending at the end keeps the document usable; a
			// real CRDT would buffer until the dependency resolves.
			pos = len(r.nodes)
		} else {
			pos = afterPos + 1
			for pos < len(r.nodes) && r.nodes[pos].After == n.After && n.ID.less(r.nodes[pos].ID) {
				pos++
			}
		}
	} else {
		for pos < len(r.nodes) && r.nodes[pos].After.isZero() && n.ID.less(r.nodes[pos].ID) {
			pos++
		}
	}

	r.nodes = append(r.nodes, node{})
	copy(r.nodes[pos+1:], r.nodes[pos:])
	r.nodes[pos] = n
	r.reindexFrom(pos)
}

func (r *rga) reindexFrom(start int) {
	for i := start; i < len(r.nodes); i++ {
		r.index[r.nodes[i].ID] = i
	}
}

func (r *rga) delete(id nodeID) {
	if pos, ok := r.index[id]; ok {
		r.nodes[pos].Deleted = true
	}
}

func (r *rga) text() string {
	out := make([]rune, 0, len(r.nodes))
	for _, n := range r.nodes {
		if !n.Deleted {
			out = append(out, n.Char)
		}
	}
	return string(out)
}

func (r *rga) size() int {
	return len(r.nodes)
}

// Frame opcodes for the internal update-frame wire format.
const (
	opInsert byte = 1
	opDelete byte = 2
)

var errInvalidFrame = errors.New("docstate: not a valid sync/update frame")

// encodeInsert renders a single insert operation as an update frame.
func encodeInsert(n node) []byte {
	buf := make([]byte, 0, 32)
	buf = append(buf, opInsert)
	buf = appendNodeID(buf, n.ID)
	buf = appendNodeID(buf, n.After)
	var runeBuf [binary.MaxVarintLen32]byte
	rl := binary.PutUvarint(runeBuf[:], uint64(n.Char))
	buf = append(buf, runeBuf[:rl]...)
	return buf
}

func encodeDelete(id nodeID) []byte {
	buf := make([]byte, 0, 16)
	buf = append(buf, opDelete)
	buf = appendNodeID(buf, id)
	return buf
}

func appendNodeID(buf []byte, id nodeID) []byte {
	var seqBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(seqBuf[:], id.Seq)
	buf = append(buf, seqBuf[:n]...)
	buf = append(buf, byte(len(id.Origin)))
	buf = append(buf, id.Origin...)
	return buf
}

func readNodeID(b []byte) (nodeID, []byte, error) {
	seq, n := binary.Uvarint(b)
	if n <= 0 {
		return nodeID{}, nil, errInvalidFrame
	}
	b = b[n:]
	if len(b) < 1 {
		return nodeID{}, nil, errInvalidFrame
	}
	olen := int(b[0])
	b = b[1:]
	if len(b) < olen {
		return nodeID{}, nil, errInvalidFrame
	}
	origin := string(b[:olen])
	return nodeID{Seq: seq, Origin: origin}, b[olen:], nil
}

// applyFrame decodes and applies a single update frame. An unrecognized
// opcode or truncated/malformed payload yields errInvalidFrame; the
// caller treats that as a silent no-op (awareness frames and other
// auxiliary traffic are expected to fail here).
func (r *rga) applyFrame(frame []byte) error {
	if len(frame) == 0 {
		return errInvalidFrame
	}
	op, rest := frame[0], frame[1:]
	switch op {
	case opInsert:
		id, rest, err := readNodeID(rest)
		if err != nil {
			return err
		}
		after, rest, err := readNodeID(rest)
		if err != nil {
			return err
		}
		ch, n := binary.Uvarint(rest)
		if n <= 0 {
			return errInvalidFrame
		}
		r.insert(node{ID: id, After: after, Char: rune(ch)})
		return nil
	case opDelete:
		id, _, err := readNodeID(rest)
		if err != nil {
			return err
		}
		r.delete(id)
		return nil
	default:
		return errInvalidFrame
	}
}

// snapshot encodes the full current state as a sequence of insert/delete
// frames concatenated together, the update-frame analogue of Yjs's
// encodeStateAsUpdate.
func (r *rga) snapshot() []byte {
	var out []byte
	for _, n := range r.nodes {
		out = append(out, encodeInsert(n)...)
		if n.Deleted {
			out = append(out, encodeDelete(n.ID)...)
		}
	}
	return out
}
