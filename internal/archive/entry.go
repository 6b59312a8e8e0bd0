// Package archive provides the uniform addressing scheme the rest of the
// pipeline uses to name a file regardless of whether it lives directly on
// disk or inside a zip/7z/rar/tar archive, plus the readers that extract
// bytes for either case.
package archive

import (
	"errors"
	"strings"
)

// separator joins an archive path to a member name inside it. "::" is the
// canonical separator; a legacy "#"-separated string is never special-cased
// here — if it doesn't contain "::" it is treated as a plain, non-member
// path.
const separator = "::"

var (
	// ErrInvalidComponent is returned when a path component itself contains
	// the separator, since that would make the display path ambiguous to
	// parse back.
	ErrInvalidComponent = errors.New("archive: path component must not contain \"::\"")
)

// Entry addresses a single file the pipeline can read: either a bare
// filesystem path, or a path inside an archive paired with the member name.
type Entry struct {
	ArchivePath string // filesystem path to the archive, or to the plain file
	EntryName   string // member name inside ArchivePath; empty for a plain file
}

// IsArchiveMember reports whether this entry names a member inside an
// archive rather than a standalone file.
func (e Entry) IsArchiveMember() bool {
	return e.EntryName != ""
}

// Validate rejects entries whose components would make DisplayPath
// non-invertible.
func (e Entry) Validate() error {
	if strings.Contains(e.ArchivePath, separator) {
		return ErrInvalidComponent
	}
	if strings.Contains(e.EntryName, separator) {
		return ErrInvalidComponent
	}
	if e.ArchivePath == "" {
		return errors.New("archive: ArchivePath must not be empty")
	}
	return nil
}

// DisplayPath renders the entry as "archivePath::entryName" for an archive
// member, or the bare ArchivePath otherwise. It is the exact inverse of
// ParseDisplayPath for any Entry that passes Validate.
func (e Entry) DisplayPath() string {
	if !e.IsArchiveMember() {
		return e.ArchivePath
	}
	return e.ArchivePath + separator + e.EntryName
}

// ParseDisplayPath parses a display path produced by DisplayPath. It returns
// the zero Entry and false if the string cannot be parsed unambiguously: more
// than one "::" occurrence, or an empty side of a "::"-containing string.
func ParseDisplayPath(displayPath string) (Entry, bool) {
	idx := strings.Index(displayPath, separator)
	if idx < 0 {
		if displayPath == "" {
			return Entry{}, false
		}
		return Entry{ArchivePath: displayPath}, true
	}

	if strings.Contains(displayPath[idx+len(separator):], separator) {
		// more than one occurrence: ambiguous, refuse to guess.
		return Entry{}, false
	}

	archivePath := displayPath[:idx]
	entryName := displayPath[idx+len(separator):]
	if archivePath == "" || entryName == "" {
		return Entry{}, false
	}

	return Entry{ArchivePath: archivePath, EntryName: entryName}, true
}
