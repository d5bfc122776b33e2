package models

// StreamEventType tags the events emitted by a streaming scrape run
type StreamEventType string

const (
	EventRecord StreamEventType = "record"
	EventError  StreamEventType = "error"
	EventEnd    StreamEventType = "end"
)

// StreamEvent is one item of a streaming scrape run. A run emits one record
// or error event per site followed by exactly one end event.
type StreamEvent struct {
	Type         StreamEventType `json:"event"`
	Site         string          `json:"site,omitempty"`
	Record       *PriceRecord    `json:"record,omitempty"`
	Error        string          `json:"error,omitempty"`
	Count        int             `json:"count,omitempty"`
	PersistError string          `json:"persist_error,omitempty"`
}
