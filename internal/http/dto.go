package http

import "github.com/rupamthxt/visionvec/internal/store"

type CreateCollectionRequest struct {
	Dimension int          `json:"dimension"`
	Metric    store.Metric `json:"metric"`
}

type CollectionResponse struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type InsertRequest struct {
	ID      string        `json:"id"`
	Vector  []float32     `json:"vector"`
	Payload store.Payload `json:"payload"`
}

type PointResponse struct {
	ID      string        `json:"id"`
	Vector  []float32     `json:"vector"`
	Payload store.Payload `json:"payload"`
}

type UpdatePayloadRequest struct {
	Payload store.Payload `json:"payload"`
}

type SearchRequest struct {
	Vector []float32    `json:"vector"`
	TopK   int          `json:"k"`
	Filter store.Filter `json:"filter"`
}

type SearchResponse struct {
	Results []SearchResult `json:"results"`
}

type SearchResult struct {
	ID      string        `json:"id"`
	Score   float32       `json:"score"`
	Payload store.Payload `json:"payload"`
}
