// Package journal implements the append-only restart log and its replay
// path: a Config struct, defaults applied in the constructor, and a
// *slog.Logger threaded in explicitly, the same manager shape used
// elsewhere for a connection pool, adapted here to a single append-only
// file handle.
package journal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/dakota-project/evalsched/pkg/evalcore"
	"github.com/dakota-project/evalsched/pkg/framing"
)

// magic identifies a restart file.
var magic = [4]byte{'D', 'A', 'K', 'R'}

const formatVersion uint32 = 1

// Config controls journal file placement and flush behavior.
type Config struct {
	Path         string `yaml:"path"`
	FlushOnWrite bool   `yaml:"flush_on_write"`
}

// DefaultConfig returns the default journal configuration.
func DefaultConfig() *Config {
	return &Config{Path: "dakota.rst", FlushOnWrite: true}
}

// Journal is an append-only binary stream of serialized Pairs, exclusively
// owned by the iterator rank — the same rank that owns the in-memory
// cache.
type Journal struct {
	cfg    *Config
	file   *os.File
	w      *bufio.Writer
	logger *slog.Logger
}

// New creates (truncating) the journal file at cfg.Path and writes the
// header. The journal is rewritten at the start of each run.
func New(cfg *Config, logger *slog.Logger) (*Journal, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	f, err := os.Create(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("journal: create %q: %w", cfg.Path, err)
	}
	j := &Journal{cfg: cfg, file: f, w: bufio.NewWriter(f), logger: logger}
	if err := j.writeHeader(); err != nil {
		_ = f.Close()
		return nil, err
	}
	logger.Info("restart journal opened", "path", cfg.Path)
	return j, nil
}

func (j *Journal) writeHeader() error {
	if err := binary.Write(j.w, binary.LittleEndian, magic); err != nil {
		return fmt.Errorf("journal: write magic: %w", err)
	}
	if err := binary.Write(j.w, binary.LittleEndian, formatVersion); err != nil {
		return fmt.Errorf("journal: write version: %w", err)
	}
	return j.w.Flush()
}

// Append serializes p and flushes it to disk. Callers append only after p
// has been inserted into the in-memory cache, preserving the cache-insert
// order invariant.
func (j *Journal) Append(p evalcore.Pair) error {
	rec := framing.PackPair(p)
	if _, err := j.w.Write(rec); err != nil {
		return fmt.Errorf("journal: append eval %d: %w", p.EvalID, err)
	}
	if j.cfg.FlushOnWrite {
		if err := j.w.Flush(); err != nil {
			return fmt.Errorf("journal: flush: %w", err)
		}
		if err := j.file.Sync(); err != nil {
			return fmt.Errorf("journal: sync: %w", err)
		}
	}
	return nil
}

// Close flushes and closes the underlying file.
func (j *Journal) Close() error {
	if err := j.w.Flush(); err != nil {
		return err
	}
	return j.file.Close()
}

// Replay reads up to stopAfterK pairs (0 means unlimited) from the journal
// at path and invokes fn for each, in file order. It is a standalone
// function rather than a Journal method since replay happens before a new
// Journal for the current run is opened, e.g. to optionally prepend the
// replayed prefix back into the fresh journal.
func Replay(path string, stopAfterK int, fn func(evalcore.Pair) error) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("journal: open %q for replay: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var gotMagic [4]byte
	if err := binary.Read(r, binary.LittleEndian, &gotMagic); err != nil {
		return 0, fmt.Errorf("journal: read magic: %w", err)
	}
	if gotMagic != magic {
		return 0, fmt.Errorf("journal: %q is not a restart file (bad magic)", path)
	}
	var version uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return 0, fmt.Errorf("journal: read version: %w", err)
	}
	if version != formatVersion {
		return 0, fmt.Errorf("journal: unsupported format version %d", version)
	}

	count := 0
	for stopAfterK <= 0 || count < stopAfterK {
		var lenBuf [4]byte
		if _, err := readFull(r, lenBuf[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return count, fmt.Errorf("journal: read record length: %w", err)
		}
		n := binary.LittleEndian.Uint32(lenBuf[:])
		body := make([]byte, n)
		if _, err := readFull(r, body); err != nil {
			return count, fmt.Errorf("journal: corrupt record at entry %d: %w", count, err)
		}
		full := append(lenBuf[:], body...)
		p, err := framing.UnpackPair(full)
		if err != nil {
			return count, fmt.Errorf("journal: decode record at entry %d: %w", count, err)
		}
		p.Source = evalcore.SourceRestart
		if err := fn(p); err != nil {
			return count, fmt.Errorf("journal: replay callback at entry %d: %w", count, err)
		}
		count++
	}
	return count, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n, err := io.ReadFull(r, buf)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	return n, err
}
