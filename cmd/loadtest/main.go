package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"
	"github.com/fasthttp/websocket"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type options struct {
	URL         string
	Sessions    int
	Frames      int
	K           int
	FrameWidth  int
	FrameHeight int
}

var opts options

// Wire types matching the server session protocol
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type vectorData struct {
	Vector []float32 `json:"vector"`
	ID     string    `json:"id"`
}

type stats struct {
	mu        sync.Mutex
	latencies map[string][]time.Duration
	errors    atomic.Int64
}

func (s *stats) record(event string, d time.Duration) {
	s.mu.Lock()
	s.latencies[event] = append(s.latencies[event], d)
	s.mu.Unlock()
}

var rootCmd = &cobra.Command{
	Use:   "loadtest",
	Short: "Drive concurrent WebSocket sessions against a visionvec server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(opts)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&opts.URL, "url", "u", "ws://localhost:8080/ws", "Session endpoint")
	rootCmd.Flags().IntVarP(&opts.Sessions, "sessions", "s", 10, "Concurrent sessions")
	rootCmd.Flags().IntVarP(&opts.Frames, "frames", "f", 100, "Frames per session; each frame is embedded, searched and detected")
	rootCmd.Flags().IntVarP(&opts.K, "k", "k", 10, "Neighbours per search")
	rootCmd.Flags().IntVar(&opts.FrameWidth, "width", 320, "Synthetic frame width")
	rootCmd.Flags().IntVar(&opts.FrameHeight, "height", 240, "Synthetic frame height")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(opts options) error {
	fmt.Println("🔥 Starting visionvec WebSocket Load Generator")
	fmt.Printf("Target: %s | Sessions: %d | Frames/session: %d\n", opts.URL, opts.Sessions, opts.Frames)

	frames, err := syntheticFrames(16, opts.FrameWidth, opts.FrameHeight)
	if err != nil {
		return err
	}

	st := &stats{latencies: make(map[string][]time.Duration)}
	var wg sync.WaitGroup
	start := time.Now()

	for s := 0; s < opts.Sessions; s++ {
		wg.Add(1)
		go func(sessionID int) {
			defer wg.Done()
			if err := runSession(sessionID, opts, frames, st); err != nil {
				fmt.Printf("❌ session %d: %v\n", sessionID, err)
				st.errors.Add(1)
			}
		}(s)
	}
	wg.Wait()

	duration := time.Since(start)
	total := 0
	for _, l := range st.latencies {
		total += len(l)
	}
	fmt.Printf("\n⏱️ Duration: %s\n", duration)
	fmt.Printf("📈 Events/s: %.2f | Errors: %d\n", float64(total)/duration.Seconds(), st.errors.Load())
	for _, event := range []string{"createVector", "searchVector", "image"} {
		printLatency(event, st.latencies[event])
	}
	fmt.Println("\n✅ Load Test Complete!")
	return nil
}

// runSession embeds a frame, searches with the returned vector, then runs
// detection on the same frame, once per iteration.
func runSession(sessionID int, opts options, frames []string, st *stats) error {
	conn, _, err := websocket.DefaultDialer.Dial(opts.URL, nil)
	if err != nil {
		return errors.Wrap(err, "dial")
	}
	defer conn.Close()

	var greeting envelope
	if err := conn.ReadJSON(&greeting); err != nil {
		return errors.Wrap(err, "read greeting")
	}

	for i := 0; i < opts.Frames; i++ {
		img := frames[(sessionID+i)%len(frames)]

		var vec vectorData
		if err := roundTrip(conn, st, "createVector", map[string]any{"image_base64": img}, "vector", &vec); err != nil {
			return err
		}
		search := map[string]any{"vector": vec.Vector, "k": opts.K}
		if err := roundTrip(conn, st, "searchVector", search, "search_result", nil); err != nil {
			return err
		}
		if err := roundTrip(conn, st, "image", map[string]any{"image_base64": img}, "result", nil); err != nil {
			return err
		}
	}
	return nil
}

func roundTrip(conn *websocket.Conn, st *stats, event string, data any, want string, out any) error {
	start := time.Now()
	if err := conn.WriteJSON(outbound{Event: event, Data: data}); err != nil {
		return errors.Wrapf(err, "send %s", event)
	}
	var reply envelope
	if err := conn.ReadJSON(&reply); err != nil {
		return errors.Wrapf(err, "read %s reply", event)
	}
	st.record(event, time.Since(start))

	if reply.Event != want {
		st.errors.Add(1)
		return errors.Errorf("%s: got %s %s", event, reply.Event, reply.Data)
	}
	if out != nil {
		return json.Unmarshal(reply.Data, out)
	}
	return nil
}

// syntheticFrames renders n PNG frames with a dark rectangle on a random
// background so every frame yields one detection.
func syntheticFrames(n, w, h int) ([]string, error) {
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		bg := color.NRGBA{R: uint8(128 + rand.Intn(128)), G: uint8(128 + rand.Intn(128)), B: uint8(128 + rand.Intn(128)), A: 255}
		img := imaging.New(w, h, bg)
		box := imaging.New(w/4, h/4, color.NRGBA{A: 255})
		img = imaging.Paste(img, box, randomPoint(w-w/4, h-h/4))

		var buf bytes.Buffer
		if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
			return nil, err
		}
		out = append(out, base64.StdEncoding.EncodeToString(buf.Bytes()))
	}
	return out, nil
}

func printLatency(event string, l []time.Duration) {
	if len(l) == 0 {
		return
	}
	sort.Slice(l, func(i, j int) bool { return l[i] < l[j] })
	p := func(q float64) time.Duration { return l[int(q*float64(len(l)-1))] }
	fmt.Printf("📊 %-13s n=%-6d p50=%-10s p95=%-10s p99=%s\n", event, len(l), p(0.50), p(0.95), p(0.99))
}

func randomPoint(maxX, maxY int) image.Point {
	return image.Pt(rand.Intn(maxX+1), rand.Intn(maxY+1))
}
