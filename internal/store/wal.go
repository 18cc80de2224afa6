package store

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"os"

	"github.com/pkg/errors"
)

const (
	OpUpsert     = 1
	OpDelete     = 2
	OpSetPayload = 3
)

// WAL is an append-only log of collection mutations.
//
// Record layout (little endian):
// Size(4) | Op(1) | IDLen(4) | ID | VecLen(4) | Vec | MetaLen(4) | Meta
// where Size covers everything after itself and VecLen is in bytes.
type WAL struct {
	file   *os.File
	writer *bufio.Writer
	sync   bool
}

// OpenWal opens or creates the log at path. With sync set every entry is
// fsynced before WriteEntry returns.
func OpenWal(path string, sync bool) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open wal")
	}
	return &WAL{
		file:   f,
		writer: bufio.NewWriter(f),
		sync:   sync,
	}, nil
}

// WriteEntry appends one operation and flushes it.
func (wal *WAL) WriteEntry(op byte, id string, vector []float32, metadata []byte) error {
	idLen := uint32(len(id))
	vectorLen := uint32(len(vector) * 4)
	metadataLen := uint32(len(metadata))

	size := 1 + 4 + idLen + 4 + vectorLen + 4 + metadataLen

	w := wal.writer
	if err := binary.Write(w, binary.LittleEndian, size); err != nil {
		return err
	}
	if err := w.WriteByte(op); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, idLen); err != nil {
		return err
	}
	if _, err := w.WriteString(id); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, vectorLen); err != nil {
		return err
	}
	if len(vector) > 0 {
		if err := binary.Write(w, binary.LittleEndian, vector); err != nil {
			return err
		}
	}
	if err := binary.Write(w, binary.LittleEndian, metadataLen); err != nil {
		return err
	}
	if _, err := w.Write(metadata); err != nil {
		return err
	}

	if err := w.Flush(); err != nil {
		return err
	}
	if wal.sync {
		return wal.file.Sync()
	}
	return nil
}

// Close flushes buffered data and closes the file.
func (wal *WAL) Close() error {
	flushErr := wal.writer.Flush()
	if err := wal.file.Close(); err != nil {
		return err
	}
	return flushErr
}

// WALIterator receives each recovered record in log order.
type WALIterator func(op byte, id string, vector []float32, meta []byte) error

// Recover replays every complete record through fn. A torn record at the
// tail (a crash mid-write) is truncated away so later appends stay aligned.
func (wal *WAL) Recover(fn WALIterator) error {
	if _, err := wal.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	reader := bufio.NewReader(wal.file)

	var offset int64
	for {
		var size uint32
		if err := binary.Read(reader, binary.LittleEndian, &size); err != nil {
			if err == io.EOF {
				break
			}
			if err == io.ErrUnexpectedEOF {
				return wal.truncate(offset)
			}
			return err
		}

		record := make([]byte, size)
		if _, err := io.ReadFull(reader, record); err != nil {
			if err == io.ErrUnexpectedEOF || err == io.EOF {
				return wal.truncate(offset)
			}
			return err
		}

		op, id, vector, meta, err := decodeRecord(record)
		if err != nil {
			return errors.Wrapf(err, "wal record at offset %d", offset)
		}
		if err := fn(op, id, vector, meta); err != nil {
			return err
		}
		offset += 4 + int64(size)
	}

	_, err := wal.file.Seek(0, io.SeekEnd)
	return err
}

func (wal *WAL) truncate(offset int64) error {
	if err := wal.file.Truncate(offset); err != nil {
		return errors.Wrap(err, "truncate torn wal tail")
	}
	_, err := wal.file.Seek(offset, io.SeekStart)
	return err
}

func decodeRecord(b []byte) (op byte, id string, vector []float32, meta []byte, err error) {
	take := func(n int) ([]byte, bool) {
		if len(b) < n {
			return nil, false
		}
		out := b[:n]
		b = b[n:]
		return out, true
	}
	short := errors.New("short record")

	opb, ok := take(1)
	if !ok {
		return 0, "", nil, nil, short
	}
	op = opb[0]

	lenb, ok := take(4)
	if !ok {
		return 0, "", nil, nil, short
	}
	idb, ok := take(int(binary.LittleEndian.Uint32(lenb)))
	if !ok {
		return 0, "", nil, nil, short
	}
	id = string(idb)

	lenb, ok = take(4)
	if !ok {
		return 0, "", nil, nil, short
	}
	vecLen := int(binary.LittleEndian.Uint32(lenb))
	if vecLen%4 != 0 {
		return 0, "", nil, nil, errors.Errorf("vector length %d not a multiple of 4", vecLen)
	}
	vecb, ok := take(vecLen)
	if !ok {
		return 0, "", nil, nil, short
	}
	if vecLen > 0 {
		vector = make([]float32, vecLen/4)
		for i := range vector {
			bits := binary.LittleEndian.Uint32(vecb[i*4:])
			vector[i] = math.Float32frombits(bits)
		}
	}

	lenb, ok = take(4)
	if !ok {
		return 0, "", nil, nil, short
	}
	meta, ok = take(int(binary.LittleEndian.Uint32(lenb)))
	if !ok {
		return 0, "", nil, nil, short
	}
	return op, id, vector, meta, nil
}
