package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest"

	"github.com/rupamthxt/visionvec/internal/vision"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

func response(status byte, body string) []byte {
	payload := new(bytes.Buffer)
	binary.Write(payload, binary.BigEndian, uint32(len(body)+1))
	payload.WriteByte(status)
	payload.WriteString(body)
	return payload.Bytes()
}

func mockWorker(id int, responses ...[]byte) (*PythonWorker, *MockCloser) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	for _, r := range responses {
		dataPipeMock.Write(r)
	}
	// Cmd is nil because we aren't testing process management, just the protocol
	return &PythonWorker{ID: id, Stdin: stdinMock, DataPipe: dataPipeMock}, stdinMock
}

func TestDetect(t *testing.T) {
	w, stdin := mockWorker(1, response(statusOK, `[{"label":"person","confidence":0.91,"bbox":[5,6,7,8],"class_id":0}]`))

	input := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	dets, err := w.Detect(context.Background(), input)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	sent := stdin.Bytes()
	if len(sent) != 4+1+len(input) {
		t.Fatalf("expected %d bytes sent, got %d", 4+1+len(input), len(sent))
	}
	if n := binary.BigEndian.Uint32(sent); n != uint32(1+len(input)) {
		t.Errorf("expected length header %d, got %d", 1+len(input), n)
	}
	if sent[4] != OpDetect {
		t.Errorf("expected op %d, got %d", OpDetect, sent[4])
	}

	want := []vision.Detection{{Label: "person", Confidence: 0.91, BBox: vision.BBox{X: 5, Y: 6, W: 7, H: 8}}}
	if diff := cmp.Diff(want, dets); diff != "" {
		t.Errorf("detections mismatch (-want +got):\n%s", diff)
	}
}

func TestEmbed(t *testing.T) {
	w, stdin := mockWorker(1, response(statusOK, `[0.6,0.8]`))
	vec, err := w.Embed(context.Background(), []byte("img"))
	if err != nil {
		t.Fatal(err)
	}
	if stdin.Bytes()[4] != OpEmbed {
		t.Errorf("expected embed op")
	}
	if diff := cmp.Diff([]float32{0.6, 0.8}, vec); diff != "" {
		t.Errorf("vector mismatch (-want +got):\n%s", diff)
	}
}

func TestWorkerError(t *testing.T) {
	errMsg := "Python Exception: Import Error"
	w, _ := mockWorker(1, response(statusError, errMsg))

	_, err := w.Detect(context.Background(), []byte("frame"))
	if !errors.Is(err, ErrWorker) {
		t.Fatalf("expected ErrWorker, got %v", err)
	}
	if err.Error() != errMsg+": python worker error" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestWorkerCrash(t *testing.T) {
	w, _ := mockWorker(1, []byte{0, 0})
	_, err := w.Detect(context.Background(), []byte("frame"))
	if err == nil || errors.Is(err, ErrWorker) {
		t.Fatalf("expected a pipe error, got %v", err)
	}
}

func TestPoolReplacesBrokenWorker(t *testing.T) {
	created := 0
	factory := func(id int) (*PythonWorker, error) {
		created++
		if created == 1 {
			// First process dies mid-response.
			w, _ := mockWorker(id, []byte{0, 0, 0})
			return w, nil
		}
		w, _ := mockWorker(id, response(statusOK, `[0,1]`))
		return w, nil
	}

	pool, err := NewPool(1, 2, factory, zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	frame := &vision.Frame{Encoded: []byte("img")}
	if _, err := pool.Embed(context.Background(), frame); err == nil {
		t.Fatal("expected first embed to fail")
	}
	vec, err := pool.Embed(context.Background(), frame)
	if err != nil {
		t.Fatalf("expected replacement worker to succeed, got %v", err)
	}
	if created != 2 || len(vec) != 2 {
		t.Errorf("created=%d vec=%v", created, vec)
	}
}

func TestPoolDimensionCheck(t *testing.T) {
	factory := func(id int) (*PythonWorker, error) {
		w, _ := mockWorker(id, response(statusOK, `[1,0,0]`))
		return w, nil
	}
	pool, err := NewPool(1, 2, factory, zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := pool.Embed(context.Background(), &vision.Frame{}); !errors.Is(err, ErrWorker) {
		t.Errorf("expected ErrWorker for wrong dimension, got %v", err)
	}
}

func TestPoolAcquireHonoursContext(t *testing.T) {
	factory := func(id int) (*PythonWorker, error) {
		w, _ := mockWorker(id)
		return w, nil
	}
	pool, err := NewPool(1, 2, factory, zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatal(err)
	}
	s, _ := pool.acquire(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pool.Detect(ctx, &vision.Frame{}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	pool.release(s, nil)
}

// hangingFactory starts real child processes that never answer. The shell
// stands in for python: "sh -u script" runs the script like "python -u".
func hangingFactory(t *testing.T, started *int) Factory {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	script := filepath.Join(t.TempDir(), "hang.sh")
	if err := os.WriteFile(script, []byte("exec sleep 30\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return func(id int) (*PythonWorker, error) {
		*started++
		return NewPythonWorker(id, sh, script)
	}
}

func TestCommunicateHonoursDeadline(t *testing.T) {
	started := 0
	w, err := hangingFactory(t, &started)(1)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	begin := time.Now()
	_, err = w.Detect(ctx, []byte("frame"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
	if elapsed := time.Since(begin); elapsed > 5*time.Second {
		t.Errorf("call returned after %s, the hung worker was not abandoned", elapsed)
	}
}

func TestPoolReplacesHungWorker(t *testing.T) {
	started := 0
	pool, err := NewPool(1, 2, hangingFactory(t, &started), zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := pool.Detect(ctx, &vision.Frame{Encoded: []byte("img")}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}

	// The slot is back in the pool and its process gets replaced on checkout.
	s, err := pool.acquire(context.Background())
	if err != nil {
		t.Fatalf("slot not returned to the pool: %v", err)
	}
	if started != 2 {
		t.Errorf("expected the hung worker to be replaced, started=%d", started)
	}
	// sleep ignores stdin EOF, so stop the replacement before the pool closes it.
	s.w.abort()
	pool.release(s, errors.New("test finished"))
}
