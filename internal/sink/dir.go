package sink

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"calltrace/internal/wire"
)

const filePrefix = "thread_"

// Dir writes one file per thread, thread_<id><ext>, into a directory.
type Dir struct {
	dir    string
	format wire.Format

	mu    sync.Mutex
	files []*fileSink
}

var _ Opener = (*Dir)(nil)

// NewDir returns an opener writing f-encoded files into dir. The directory
// is created on first use.
func NewDir(dir string, f wire.Format) *Dir {
	return &Dir{dir: dir, format: f}
}

// Path returns the file used for thread.
func (d *Dir) Path(thread uint64) string {
	return filepath.Join(d.dir, fmt.Sprintf("%s%d%s", filePrefix, thread, d.format.Ext()))
}

// Open creates (truncating) the file for thread.
func (d *Dir) Open(thread uint64) (Sink, error) {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create output directory %s", d.dir)
	}
	path := d.Path(thread)
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open trace output")
	}
	bw := bufio.NewWriter(f)
	s := &fileSink{f: f, bw: bw, enc: wire.NewEncoder(bw, d.format)}

	d.mu.Lock()
	d.files = append(d.files, s)
	d.mu.Unlock()
	return s, nil
}

// Close closes every file still open.
func (d *Dir) Close() error {
	d.mu.Lock()
	files := d.files
	d.files = nil
	d.mu.Unlock()

	var firstErr error
	for _, s := range files {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type fileSink struct {
	mu     sync.Mutex
	f      *os.File
	bw     *bufio.Writer
	enc    wire.Encoder
	closed bool
}

func (s *fileSink) Write(t *wire.Trace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.enc.Encode(t); err != nil {
		return errors.Wrapf(err, "failed to write trace to %s", s.f.Name())
	}
	return s.bw.Flush()
}

func (s *fileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.bw.Flush(); err != nil {
		_ = s.f.Close()
		return err
	}
	return s.f.Close()
}

// DirSource reads the thread files of a directory written by Dir.
type DirSource struct {
	files []threadFile
}

type threadFile struct {
	thread uint64
	path   string
	format wire.Format
}

var _ Source = (*DirSource)(nil)

// OpenDir lists the decodable thread files in dir.
func OpenDir(dir string) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", dir)
	}
	src := &DirSource{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), filePrefix) {
			continue
		}
		f, ok := wire.FormatFromPath(e.Name())
		if !ok || f == wire.FormatText {
			continue
		}
		idText := strings.TrimSuffix(strings.TrimPrefix(e.Name(), filePrefix), filepath.Ext(e.Name()))
		id, err := strconv.ParseUint(idText, 10, 64)
		if err != nil {
			continue
		}
		src.files = append(src.files, threadFile{thread: id, path: filepath.Join(dir, e.Name()), format: f})
	}
	sort.Slice(src.files, func(i, j int) bool { return src.files[i].thread < src.files[j].thread })
	return src, nil
}

// Paths returns the files that will be read, in thread order.
func (s *DirSource) Paths() []string {
	out := make([]string, len(s.files))
	for i, f := range s.files {
		out[i] = f.path
	}
	return out
}

// Each decodes every trace of every file.
func (s *DirSource) Each(fn func(t *wire.Trace) error) error {
	for _, tf := range s.files {
		if err := ReadFile(tf.path, fn); err != nil {
			return err
		}
	}
	return nil
}

// Close does nothing; files are opened per Each.
func (s *DirSource) Close() error { return nil }

// ReadFile decodes every trace in one thread file.
func ReadFile(path string, fn func(t *wire.Trace) error) error {
	format, ok := wire.FormatFromPath(path)
	if !ok {
		return errors.Newf("%s: unrecognised trace file extension", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()
	dec, err := wire.NewDecoder(f, format)
	if err != nil {
		return errors.Wrapf(err, "%s", path)
	}
	for {
		t, err := dec.Decode()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "%s", path)
		}
		if err := fn(t); err != nil {
			return err
		}
	}
}
