package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/roach88/grafting/internal/ir"
)

// WAL record framing:
//
//	[u32 big-endian payload length][32-byte checksum][payload]
//
// The payload is canonical JSON {seq, version, base, root, next_id, patch}
// and the checksum is its BLAKE3 hash under the WAL domain.
const (
	walLenSize    = 4
	walHeaderSize = walLenSize + 32
	walMaxPayload = 1 << 30
)

// walEntry is one committed version as recorded in the WAL.
type walEntry struct {
	Seq     int64           `json:"seq"`
	Version ir.Hash         `json:"version"`
	Base    ir.Hash         `json:"base"`
	Root    ir.Hash         `json:"root"`
	NextID  ir.StableID     `json:"next_id"`
	Patch   json.RawMessage `json:"patch"`
}

func encodeWALEntry(seq int64, version, base, root ir.Hash, nextID ir.StableID, p *ir.Patch) ([]byte, error) {
	payload, err := ir.MarshalCanonical(ir.Object{
		"seq":     ir.Int(seq),
		"version": ir.Str(version.String()),
		"base":    ir.Str(base.String()),
		"root":    ir.Str(root.String()),
		"next_id": nextID.Value(),
		"patch":   p.ToValue(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode wal entry: %w", err)
	}
	sum := ir.HashWithDomain(ir.DomainWAL, payload)

	frame := make([]byte, walHeaderSize, walHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame[:walLenSize], uint32(len(payload)))
	copy(frame[walLenSize:walHeaderSize], sum[:])
	return append(frame, payload...), nil
}

// patch parses the recorded Patch-IR.
func (e *walEntry) patch() (*ir.Patch, error) {
	return ir.ParsePatch(e.Patch)
}

// decodeWAL parses frames from data. It returns the entries, the length
// of the well-formed prefix and an error. A truncated final frame is a
// torn write: it ends the prefix without an error. A complete frame whose
// checksum does not match is an INTEGRITY_ERROR.
func decodeWAL(data []byte) ([]*walEntry, int, error) {
	var entries []*walEntry
	off := 0
	for off < len(data) {
		if len(data)-off < walHeaderSize {
			break
		}
		n := int(binary.BigEndian.Uint32(data[off : off+walLenSize]))
		if n > walMaxPayload {
			return entries, off, ir.Errorf(ir.CodeIntegrity, "wal record at offset %d claims %d bytes", off, n)
		}
		if len(data)-off-walHeaderSize < n {
			break
		}
		var sum ir.Hash
		copy(sum[:], data[off+walLenSize:off+walHeaderSize])
		payload := data[off+walHeaderSize : off+walHeaderSize+n]
		if got := ir.HashWithDomain(ir.DomainWAL, payload); got != sum {
			return entries, off, ir.Errorf(ir.CodeIntegrity, "wal checksum mismatch at offset %d", off).
				With("want", sum.Short()).With("got", got.Short())
		}
		var e walEntry
		if err := json.Unmarshal(payload, &e); err != nil {
			return entries, off, ir.Wrap(ir.CodeIntegrity, err, "wal record at offset %d", off)
		}
		entries = append(entries, &e)
		off += walHeaderSize + n
	}
	return entries, off, nil
}

// wal is the append-only commit log. With an empty path it keeps its
// frames in memory.
//
// Not safe for concurrent use; the store serializes access under commitMu.
type wal struct {
	path string
	f    walFile
	mem  bytes.Buffer
}

// walFile is the subset of *os.File the log uses.
type walFile interface {
	io.Writer
	Sync() error
	Truncate(size int64) error
	Stat() (os.FileInfo, error)
	Close() error
}

func openWAL(path string) (*wal, error) {
	w := &wal{path: path}
	if path == "" {
		return w, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open wal %s: %w", path, err)
	}
	w.f = f
	return w, nil
}

// append writes one frame and fsyncs it. It returns the bytes written.
// On failure the log is cut back to its previous size, so a partial frame
// never sits in front of the next record.
func (w *wal) append(frame []byte) (int, error) {
	if w.f == nil {
		return w.mem.Write(frame)
	}
	info, err := w.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("append wal: %w", err)
	}
	n, err := w.f.Write(frame)
	if err != nil {
		err = fmt.Errorf("append wal: %w", err)
	} else if serr := w.f.Sync(); serr != nil {
		err = fmt.Errorf("sync wal: %w", serr)
	}
	if err != nil {
		if terr := w.truncate(int(info.Size())); terr != nil {
			return 0, errors.Join(err, terr)
		}
		return 0, err
	}
	return n, nil
}

func (w *wal) bytes() ([]byte, error) {
	if w.f == nil {
		return bytes.Clone(w.mem.Bytes()), nil
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fmt.Errorf("read wal: %w", err)
	}
	return data, nil
}

// read returns all entries. A torn tail is cut off the file.
func (w *wal) read() ([]*walEntry, bool, error) {
	data, err := w.bytes()
	if err != nil {
		return nil, false, err
	}
	entries, good, err := decodeWAL(data)
	if err != nil {
		return nil, false, err
	}
	torn := good < len(data)
	if torn {
		if err := w.truncate(good); err != nil {
			return nil, false, err
		}
	}
	return entries, torn, nil
}

func (w *wal) truncate(size int) error {
	if w.f == nil {
		w.mem.Truncate(size)
		return nil
	}
	if err := w.f.Truncate(int64(size)); err != nil {
		return fmt.Errorf("truncate wal: %w", err)
	}
	return w.f.Sync()
}

// dropThrough removes every record with seq <= seq. The surviving frames
// are written to a temporary file that replaces the log atomically.
func (w *wal) dropThrough(seq int64) error {
	data, err := w.bytes()
	if err != nil {
		return err
	}
	var keep bytes.Buffer
	off := 0
	for off+walHeaderSize <= len(data) {
		n := int(binary.BigEndian.Uint32(data[off : off+walLenSize]))
		end := off + walHeaderSize + n
		if end > len(data) {
			break
		}
		var e struct {
			Seq int64 `json:"seq"`
		}
		if err := json.Unmarshal(data[off+walHeaderSize:end], &e); err != nil {
			return fmt.Errorf("rewrite wal: %w", err)
		}
		if e.Seq > seq {
			keep.Write(data[off:end])
		}
		off = end
	}

	if w.f == nil {
		w.mem = keep
		return nil
	}

	tmp := w.path + ".tmp"
	if err := writeFileSync(tmp, keep.Bytes()); err != nil {
		return fmt.Errorf("rewrite wal: %w", err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("rewrite wal: %w", err)
	}
	if err := os.Rename(tmp, w.path); err != nil {
		return fmt.Errorf("rewrite wal: %w", err)
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reopen wal: %w", err)
	}
	w.f = f
	return nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, bytes.NewReader(data)); err != nil {
		f.Close()
		return err
	}
	return errors.Join(f.Sync(), f.Close())
}

func (w *wal) close() error {
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
