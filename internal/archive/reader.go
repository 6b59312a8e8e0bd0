package archive

import (
	"archive/tar"
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bodgit/sevenzip"
	"github.com/nwaples/rardecode/v2"
)

func tarOpenFile(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("archive: open tar %s: %w", path, err)
	}
	return f, nil
}

var (
	ErrEntryNotFound      = errors.New("archive: entry not found")
	ErrEntryTooLarge      = errors.New("archive: entry exceeds configured size limit")
	ErrUnsupportedArchive = errors.New("archive: unsupported archive format")
)

// Member describes one listed entry inside an archive.
type Member struct {
	Name             string
	UncompressedSize int64
	IsDir            bool
}

// Reader lists and extracts members of one archive file. Implementations are
// chosen by file extension in Open.
type Reader interface {
	List() ([]Member, error)
	// Open returns a stream for a single member. Callers must Close it.
	Open(name string) (io.ReadCloser, error)
	Close() error
}

// Open opens path with the backend matching its extension. maxEntrySize, when
// positive, is enforced by ExtractBytes (not by Open/List) against the
// member's declared uncompressed size.
func Open(path string) (Reader, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zip", ".cbz":
		return openZip(path)
	case ".tar":
		return openTar(path)
	case ".7z":
		return openSevenZip(path)
	case ".rar", ".cbr":
		return openRar(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedArchive, filepath.Ext(path))
	}
}

// ExtractBytes opens archivePath, finds entryName, and returns its fully
// read contents, refusing to read past maxEntrySizeBytes (when > 0) to bound
// memory use against a maliciously- or accidentally-oversized member.
func ExtractBytes(archivePath, entryName string, maxEntrySizeBytes int64) ([]byte, error) {
	r, err := Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	members, err := r.List()
	if err != nil {
		return nil, err
	}

	var found *Member
	for i := range members {
		if members[i].Name == entryName {
			found = &members[i]
			break
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s in %s", ErrEntryNotFound, entryName, archivePath)
	}
	if maxEntrySizeBytes > 0 && found.UncompressedSize > maxEntrySizeBytes {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit is %d", ErrEntryTooLarge, entryName, found.UncompressedSize, maxEntrySizeBytes)
	}

	rc, err := r.Open(entryName)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	limit := maxEntrySizeBytes
	if limit <= 0 {
		limit = found.UncompressedSize + 1
	}
	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, err
	}
	if maxEntrySizeBytes > 0 && int64(len(data)) > maxEntrySizeBytes {
		return nil, fmt.Errorf("%w: %s exceeded declared size while reading", ErrEntryTooLarge, entryName)
	}
	return data, nil
}

// --- zip ---

type zipReader struct {
	f *zipFileCloser
	z *zip.Reader
}

type zipFileCloser struct{ io.Closer }

func openZip(path string) (Reader, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("archive: open zip %s: %w", path, err)
	}
	return &zipReader{f: &zipFileCloser{zr}, z: &zr.Reader}, nil
}

func (r *zipReader) List() ([]Member, error) {
	members := make([]Member, 0, len(r.z.File))
	for _, f := range r.z.File {
		members = append(members, Member{
			Name:             f.Name,
			UncompressedSize: int64(f.UncompressedSize64),
			IsDir:            f.FileInfo().IsDir(),
		})
	}
	return members, nil
}

func (r *zipReader) Open(name string) (io.ReadCloser, error) {
	for _, f := range r.z.File {
		if f.Name == name {
			return f.Open()
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, name)
}

func (r *zipReader) Close() error { return r.f.Close() }

// --- tar ---

type tarReader struct {
	members []Member
	path    string
}

func openTar(path string) (Reader, error) {
	// tar is sequential-access only, so List() pre-scans the headers and
	// Open() re-opens the file and seeks forward to the requested member.
	f, err := tarOpenFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	tr := tar.NewReader(f)
	var members []Member
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("archive: read tar header in %s: %w", path, err)
		}
		members = append(members, Member{Name: hdr.Name, UncompressedSize: hdr.Size, IsDir: hdr.FileInfo().IsDir()})
	}
	return &tarReader{members: members, path: path}, nil
}

func (r *tarReader) List() ([]Member, error) { return r.members, nil }

func (r *tarReader) Open(name string) (io.ReadCloser, error) {
	f, err := tarOpenFile(r.path)
	if err != nil {
		return nil, err
	}
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			f.Close()
			return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, name)
		}
		if err != nil {
			f.Close()
			return nil, err
		}
		if hdr.Name == name {
			return &tarEntryReader{Reader: tr, f: f}, nil
		}
	}
}

func (r *tarReader) Close() error { return nil }

type tarEntryReader struct {
	io.Reader
	f io.Closer
}

func (t *tarEntryReader) Close() error { return t.f.Close() }

// --- 7z ---

type sevenZipReader struct {
	closer io.Closer
	z      *sevenzip.ReadCloser
}

func openSevenZip(path string) (Reader, error) {
	z, err := sevenzip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("archive: open 7z %s: %w", path, err)
	}
	return &sevenZipReader{closer: z, z: z}, nil
}

func (r *sevenZipReader) List() ([]Member, error) {
	members := make([]Member, 0, len(r.z.File))
	for _, f := range r.z.File {
		members = append(members, Member{
			Name:             f.Name,
			UncompressedSize: int64(f.UncompressedSize),
			IsDir:            f.FileInfo().IsDir(),
		})
	}
	return members, nil
}

func (r *sevenZipReader) Open(name string) (io.ReadCloser, error) {
	for _, f := range r.z.File {
		if f.Name == name {
			return f.Open()
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, name)
}

func (r *sevenZipReader) Close() error { return r.closer.Close() }

// --- rar ---

// rardecode is sequential-access, like tar: List pre-scans headers, Open
// re-opens and scans forward to the requested member.
type rarReader struct{ path string }

func openRar(path string) (Reader, error) {
	r, err := rardecode.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("archive: open rar %s: %w", path, err)
	}
	defer r.Close()
	return &rarReader{path: path}, nil
}

func (r *rarReader) List() ([]Member, error) {
	rr, err := rardecode.OpenReader(r.path)
	if err != nil {
		return nil, err
	}
	defer rr.Close()

	var members []Member
	for {
		hdr, err := rr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("archive: read rar header in %s: %w", r.path, err)
		}
		members = append(members, Member{Name: hdr.Name, UncompressedSize: hdr.UnPackedSize, IsDir: hdr.IsDir})
	}
	return members, nil
}

func (r *rarReader) Open(name string) (io.ReadCloser, error) {
	rr, err := rardecode.OpenReader(r.path)
	if err != nil {
		return nil, err
	}
	for {
		hdr, err := rr.Next()
		if errors.Is(err, io.EOF) {
			rr.Close()
			return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, name)
		}
		if err != nil {
			rr.Close()
			return nil, err
		}
		if hdr.Name == name {
			return &rarEntryReader{ReadCloser: rr}, nil
		}
	}
}

func (r *rarReader) Close() error { return nil }

type rarEntryReader struct {
	*rardecode.ReadCloser
}

func (r *rarEntryReader) Read(p []byte) (int, error) { return r.ReadCloser.Read(p) }
func (r *rarEntryReader) Close() error               { return r.ReadCloser.Close() }
