package governance

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// RefKind classifies a citation.
type RefKind string

const (
	RefADR       RefKind = "adr"
	RefJourney   RefKind = "journey"
	RefException RefKind = "exception"
	RefFile      RefKind = "file"
)

// Reference is a parsed citation: an artifact ID or a file location.
type Reference struct {
	Kind RefKind
	ID   string // ADR-25, JRN-044, EXC-001
	File string // for RefFile
	Line int    // 0 when the citation names a whole file
}

var (
	adrIDPattern = regexp.MustCompile(`^ADR-\d+$`)
	jrnIDPattern = regexp.MustCompile(`^JRN-\d+$`)
	excIDPattern = regexp.MustCompile(`^EXC-\d+$`)
)

// ParseReference interprets a citation string. Anything that is not an
// artifact ID is treated as a path, optionally suffixed with :line.
func ParseReference(s string) (Reference, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Reference{}, false
	}
	switch {
	case adrIDPattern.MatchString(s):
		return Reference{Kind: RefADR, ID: s}, true
	case jrnIDPattern.MatchString(s):
		return Reference{Kind: RefJourney, ID: s}, true
	case excIDPattern.MatchString(s):
		return Reference{Kind: RefException, ID: s}, true
	}

	// path or path:line; windows drive letters are not a concern for a
	// repo-local tool.
	file, line := s, 0
	if i := strings.LastIndexByte(s, ':'); i > 0 {
		if n, err := strconv.Atoi(s[i+1:]); err == nil && n > 0 {
			file, line = s[:i], n
		}
	}
	if strings.ContainsAny(file, "\n\t") {
		return Reference{}, false
	}
	return Reference{Kind: RefFile, File: file, Line: line}, true
}

// Resolver checks citations against the local filesystem. Artifact IDs
// resolve when a matching file exists under the corresponding
// directory; file references resolve when the path exists inside the
// workspace and the named line exists.
type Resolver struct {
	Workspace    string
	ADRDir       string
	JourneyDir   string
	ExceptionDir string
}

// Resolve reports whether the citation names something real.
func (r *Resolver) Resolve(citation string) bool {
	ref, ok := ParseReference(citation)
	if !ok {
		return false
	}
	switch ref.Kind {
	case RefADR:
		return idFileExists(r.ADRDir, ref.ID)
	case RefJourney:
		return idFileExists(r.JourneyDir, ref.ID)
	case RefException:
		return idFileExists(r.ExceptionDir, ref.ID)
	case RefFile:
		return r.resolveFile(ref.File, ref.Line)
	}
	return false
}

func (r *Resolver) resolveFile(rel string, line int) bool {
	if rel == "" || filepath.IsAbs(rel) {
		return false
	}
	path := filepath.Join(r.Workspace, rel)
	// A cited path must stay inside the workspace.
	if cleanRel, err := filepath.Rel(r.Workspace, path); err != nil || strings.HasPrefix(cleanRel, "..") {
		return false
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if line <= 0 {
		return true
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	count := strings.Count(string(data), "\n")
	if len(data) > 0 && data[len(data)-1] != '\n' {
		count++
	}
	return line <= count
}

// idFileExists looks for any file in dir whose name is the id or
// starts with "<id>-" or "<id>." (ids carry titled filenames like
// ADR-025-no-global-service.md).
func idFileExists(dir, id string) bool {
	if dir == "" {
		return false
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		if stem == id || strings.HasPrefix(name, id+"-") || strings.HasPrefix(name, id+".") {
			return true
		}
	}
	return false
}
