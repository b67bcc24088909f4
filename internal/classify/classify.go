// Package classify parses a room identifier into a room kind and its
// structured fields. Classification is a pure function of the id string.
package classify

import (
	"regexp"
	"strconv"
)

// Kind tags a room by the policy it obeys for admission, document
// replication, and cleanup. It replaces ad-hoc string-prefix branching
// with a single dispatch point.
type Kind int

const (
	// Unsupported rooms are refused at admission time.
	Unsupported Kind = iota
	// Default is the bare "/" or "/default" probe path.
	Default
	// CodeEditor rooms replicate a CRDT document and use grace-period cleanup.
	CodeEditor
	// FileTree rooms relay JSON-typed directory events with immediate cleanup.
	FileTree
	// SavePoint rooms are broadcast-only with immediate cleanup.
	SavePoint
)

func (k Kind) String() string {
	switch k {
	case Default:
		return "default"
	case CodeEditor:
		return "code-editor"
	case FileTree:
		return "file-tree"
	case SavePoint:
		return "save-point"
	default:
		return "unsupported"
	}
}

// Fields holds the structured data extracted from a room id, valid only
// for the Kind it was returned alongside.
type Fields struct {
	RepositoryID int
	FilePath     string
}

var (
	// codeEditorAdmission is the relaxed pattern: admission only requires
	// the repo-<int> prefix, a trailing path is optional.
	codeEditorAdmission = regexp.MustCompile(`^repo-(\d+)(?:-(.*))?$`)
	fileTreePattern     = regexp.MustCompile(`^filetree-(\d+)$`)
	savePointPattern    = regexp.MustCompile(`^savepoint-(\d+)$`)
)

// Classify parses roomID and returns its Kind and structured Fields.
// Patterns are disjoint and evaluated in a fixed order: default,
// code-editor, file-tree, save-point, then unsupported. Invalid integers
// fall through to Unsupported.
func Classify(roomID string) (Kind, Fields) {
	if roomID == "default" {
		return Default, Fields{}
	}

	if m := codeEditorAdmission.FindStringSubmatch(roomID); m != nil {
		repoID, err := strconv.Atoi(m[1])
		if err != nil {
			return Unsupported, Fields{}
		}
		return CodeEditor, Fields{RepositoryID: repoID, FilePath: m[2]}
	}

	if m := fileTreePattern.FindStringSubmatch(roomID); m != nil {
		repoID, err := strconv.Atoi(m[1])
		if err != nil {
			return Unsupported, Fields{}
		}
		return FileTree, Fields{RepositoryID: repoID}
	}

	if m := savePointPattern.FindStringSubmatch(roomID); m != nil {
		repoID, err := strconv.Atoi(m[1])
		if err != nil {
			return Unsupported, Fields{}
		}
		return SavePoint, Fields{RepositoryID: repoID}
	}

	return Unsupported, Fields{}
}

// saveEligiblePattern is the stricter pattern: a code-editor room is only
// eligible for the Save Trigger when it carries a non-empty file path
// segment. See spec design note on isCodeEditorRoom vs. the relaxed
// admission regex.
var saveEligiblePattern = regexp.MustCompile(`^repo-(\d+)-([^/]+.*)$`)

// SaveEligible reports whether roomID qualifies for the Save Trigger. It
// is stricter than Classify's CodeEditor admission: a bare "repo-7" is
// admitted as a CodeEditor room but is not save-eligible.
func SaveEligible(roomID string) (Fields, bool) {
	m := saveEligiblePattern.FindStringSubmatch(roomID)
	if m == nil {
		return Fields{}, false
	}
	repoID, err := strconv.Atoi(m[1])
	if err != nil {
		return Fields{}, false
	}
	if m[2] == "" {
		return Fields{}, false
	}
	return Fields{RepositoryID: repoID, FilePath: m[2]}, true
}
