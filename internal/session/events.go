package session

import (
	"encoding/json"

	"github.com/rupamthxt/visionvec/internal/store"
	"github.com/rupamthxt/visionvec/internal/vision"
)

// Inbound and outbound event names.
const (
	EventImage        = "image"
	EventCreateVector = "createVector"
	EventSearchVector = "searchVector"

	EventStatus       = "status"
	EventResult       = "result"
	EventVector       = "vector"
	EventSearchResult = "search_result"
	EventError        = "error"
)

const statusSuccess = "success"

// Envelope is the frame of every message on the wire.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event is an outbound message.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type imageRequest struct {
	ImageBase64 string `json:"image_base64"`
}

type searchRequest struct {
	Vector []float32    `json:"vector"`
	K      *int         `json:"k"`
	Filter store.Filter `json:"filter"`
}

type StatusData struct {
	Message string `json:"message"`
}

type ImageSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type ResultData struct {
	Objects   []vision.Detection `json:"objects"`
	ImageSize ImageSize          `json:"image_size"`
	Status    string             `json:"status"`
	// Degraded reports that detection failed and Objects is empty because of it.
	Degraded     bool   `json:"degraded,omitempty"`
	FrameKey     string `json:"frame_key,omitempty"`
	AnnotatedKey string `json:"annotated_key,omitempty"`
}

type VectorData struct {
	Status string    `json:"status"`
	Vector []float32 `json:"vector"`
	ID     string    `json:"id"`
}

type SearchHit struct {
	ID      string        `json:"id"`
	Score   float32       `json:"score"`
	Payload store.Payload `json:"payload"`
}

type SearchResultData struct {
	Image  []SearchHit `json:"image"`
	Status string      `json:"status"`
}

type ErrorData struct {
	Error string `json:"error"`
}
