package journal

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/tanq16/bolt/internal/bolterr"
	"github.com/tanq16/bolt/internal/logging"
)

// Suffix is appended to the output path to name the sidecar file.
const Suffix = ".boltmeta"

// SegmentRecord is one persisted segment row.
type SegmentRecord struct {
	ID         uint32
	Offset     int64
	Size       int64
	FileOffset int64
	Downloaded int64
}

// Meta is the resume journal: enough state to continue an interrupted
// download byte-exactly. TotalDownloaded is advisory; the per-segment
// Downloaded values are authoritative.
type Meta struct {
	URL             string
	OutputPath      string
	TotalSize       int64
	TotalDownloaded int64
	Segments        []SegmentRecord
}

// MetaPath returns the sidecar path for an output file.
func MetaPath(outputPath string) string {
	return outputPath + Suffix
}

// Exists reports whether a journal sits next to the output file.
func Exists(outputPath string) bool {
	_, err := os.Stat(MetaPath(outputPath))
	return err == nil
}

// Remove deletes the journal. Missing files are not an error.
func Remove(outputPath string) {
	if err := os.Remove(MetaPath(outputPath)); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger := logging.GetLogger("journal")
		logger.Warn().Err(err).Str("path", MetaPath(outputPath)).Msg("could not remove journal")
	}
}

// Save writes the journal atomically: a temp file in the same directory
// followed by a rename onto the sidecar path.
func (m *Meta) Save() error {
	path := MetaPath(m.OutputPath)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return bolterr.New(bolterr.KindUnknown, "save", path, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return bolterr.New(bolterr.KindUnknown, "save", path, err)
	}
	tmpName := tmp.Name()

	w := bufio.NewWriter(tmp)
	fmt.Fprintln(w, m.URL)
	fmt.Fprintln(w, m.OutputPath)
	fmt.Fprintln(w, m.TotalSize)
	fmt.Fprintln(w, m.TotalDownloaded)
	fmt.Fprintln(w, len(m.Segments))
	for _, s := range m.Segments {
		fmt.Fprintf(w, "%d %d %d %d %d\n", s.ID, s.Offset, s.Size, s.FileOffset, s.Downloaded)
	}

	if err := w.Flush(); err == nil {
		err = tmp.Close()
		if err == nil {
			if err = os.Rename(tmpName, path); err == nil {
				return nil
			}
		}
	} else {
		tmp.Close()
	}
	os.Remove(tmpName)
	return bolterr.New(bolterr.KindUnknown, "save", path, err)
}

// Load parses a journal. Any malformed or truncated content is a
// resume_failed error; the caller starts fresh.
func Load(outputPath string) (*Meta, error) {
	path := MetaPath(outputPath)
	f, err := os.Open(path)
	if err != nil {
		return nil, bolterr.New(bolterr.KindResumeFailed, "load", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	line := func() (string, error) {
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return "", err
			}
			return "", errors.New("journal truncated")
		}
		return sc.Text(), nil
	}
	u64 := func() (int64, error) {
		s, err := line()
		if err != nil {
			return 0, err
		}
		return strconv.ParseInt(s, 10, 64)
	}

	m := &Meta{}
	fail := func(err error) (*Meta, error) {
		return nil, bolterr.New(bolterr.KindResumeFailed, "load", path, err)
	}

	if m.URL, err = line(); err != nil {
		return fail(err)
	}
	if m.OutputPath, err = line(); err != nil {
		return fail(err)
	}
	if m.TotalSize, err = u64(); err != nil {
		return fail(err)
	}
	if m.TotalDownloaded, err = u64(); err != nil {
		return fail(err)
	}
	count, err := u64()
	if err != nil || count < 0 {
		return fail(err)
	}

	m.Segments = make([]SegmentRecord, 0, count)
	for i := int64(0); i < count; i++ {
		s, err := line()
		if err != nil {
			return fail(err)
		}
		var rec SegmentRecord
		n, err := fmt.Sscanf(s, "%d %d %d %d %d",
			&rec.ID, &rec.Offset, &rec.Size, &rec.FileOffset, &rec.Downloaded)
		if err != nil || n != 5 {
			return fail(fmt.Errorf("bad segment line %d", i))
		}
		if rec.Downloaded < 0 || rec.Size < 0 || rec.Downloaded > rec.Size {
			return fail(fmt.Errorf("segment %d progress out of range", rec.ID))
		}
		m.Segments = append(m.Segments, rec)
	}

	return m, nil
}

// LayoutValid reports whether the journal's segments form a partition of
// [0, TotalSize): pairwise disjoint and covering. Stealing and
// resegmentation reshape segments but always preserve this.
func (m *Meta) LayoutValid() bool {
	if len(m.Segments) == 0 {
		return false
	}
	ordered := make([]SegmentRecord, len(m.Segments))
	copy(ordered, m.Segments)
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j].Offset < ordered[j-1].Offset; j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}
	var next int64
	for _, s := range ordered {
		if s.Offset != next {
			return false
		}
		next += s.Size
	}
	return next == m.TotalSize
}

// Compatible reports whether a loaded journal can resume a download of url
// with the given total size: URL, size, and the full segment layout must
// match. Progress counters are allowed to differ.
func (m *Meta) Compatible(url string, totalSize int64, layout []SegmentRecord) bool {
	if m.URL != url || m.TotalSize != totalSize {
		return false
	}
	if len(m.Segments) != len(layout) {
		return false
	}
	for i, s := range m.Segments {
		l := layout[i]
		if s.ID != l.ID || s.Offset != l.Offset || s.Size != l.Size || s.FileOffset != l.FileOffset {
			return false
		}
	}
	return true
}
