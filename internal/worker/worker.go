// Package worker runs detection and embedding models in Python sidecar
// processes.
//
// Protocol, per request:
//
//	Go -> stdin:  [u32 BE length][u8 op][image bytes]   op 1 detect, 2 embed
//	FD 3 -> Go:   [u32 BE length][u8 status][body]      status 0 JSON, 1 error text
package worker

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/rupamthxt/visionvec/internal/vision"
)

const (
	OpDetect byte = 1
	OpEmbed  byte = 2

	statusOK    byte = 0
	statusError byte = 1

	maxResponse = 64 << 20
)

// ErrWorker is returned when the Python side reports a failure. The worker
// stays usable; any other error means the pipe is broken.
var ErrWorker = errors.New("python worker error")

type PythonWorker struct {
	ID       int
	Cmd      *SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
}

// NewPythonWorker starts python with script and args.
func NewPythonWorker(id int, python, script string, args ...string) (*PythonWorker, error) {
	py := NewSafeCommand(python, append([]string{"-u", script}, args...)...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create pipe")
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, errors.Wrap(err, "failed to create stdin pipe")
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, errors.Wrapf(err, "worker %d failed to start", id)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// Communicate sends one request and waits for its response body. When ctx
// is done first the process is killed and the call returns ctx's error; the
// worker is unusable afterwards.
func (w *PythonWorker) Communicate(ctx context.Context, op byte, data []byte) (body []byte, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, w.abort)
	defer func() {
		if !stop() && ctx.Err() != nil {
			err = errors.Wrapf(ctx.Err(), "worker %d abandoned", w.ID)
		}
	}()

	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data)+1)); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write([]byte{op}); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, w.crashed(err)
	}
	respLen := binary.BigEndian.Uint32(header)
	if respLen == 0 || respLen > maxResponse {
		return nil, errors.Errorf("worker %d: bad response length %d", w.ID, respLen)
	}
	resp := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, resp); err != nil {
		return nil, w.crashed(err)
	}

	switch resp[0] {
	case statusOK:
		return resp[1:], nil
	case statusError:
		return nil, errors.Wrap(ErrWorker, string(resp[1:]))
	default:
		return nil, errors.Errorf("worker %d: unknown status %d", w.ID, resp[0])
	}
}

// abort kills the child and closes the response pipe so a blocked read
// returns.
func (w *PythonWorker) abort() {
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Process.Kill()
	}
	w.DataPipe.Close()
}

// crashed decorates a pipe error with the tail of the child's stderr.
func (w *PythonWorker) crashed(err error) error {
	if w.Cmd != nil {
		if logs := w.Cmd.Stderr.String(); logs != "" {
			return errors.Wrapf(err, "worker %d died, python logs:\n%s", w.ID, logs)
		}
	}
	return errors.Wrapf(err, "worker %d died", w.ID)
}

// Detect runs the detection model on an encoded image.
func (w *PythonWorker) Detect(ctx context.Context, image []byte) ([]vision.Detection, error) {
	body, err := w.Communicate(ctx, OpDetect, image)
	if err != nil {
		return nil, err
	}
	var dets []vision.Detection
	if err := json.Unmarshal(body, &dets); err != nil {
		return nil, errors.Wrap(err, "decode detections")
	}
	return dets, nil
}

// Embed runs the embedding model on an encoded image.
func (w *PythonWorker) Embed(ctx context.Context, image []byte) ([]float32, error) {
	body, err := w.Communicate(ctx, OpEmbed, image)
	if err != nil {
		return nil, err
	}
	var vec []float32
	if err := json.Unmarshal(body, &vec); err != nil {
		return nil, errors.Wrap(err, "decode embedding")
	}
	return vec, nil
}

func (w *PythonWorker) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	if err := w.Cmd.Wait(); err != nil {
		return errors.Wrapf(err, "worker %d exited", w.ID)
	}
	return nil
}
