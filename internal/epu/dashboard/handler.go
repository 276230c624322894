package dashboard

import (
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/smartem/epuwatch/internal/epu/daemon"
	"github.com/smartem/epuwatch/internal/epu/processor"
)

// maxBatchFailures caps the failure details carried by one batch message.
const maxBatchFailures = 20

// BatchData summarizes one processing batch
type BatchData struct {
	Stats    processor.Stats `json:"stats"`
	Cascaded int             `json:"cascaded"`
	Failures []FailureData   `json:"failures,omitempty"`
}

// FailureData describes one failed event in a batch
type FailureData struct {
	Path       string `json:"path"`
	EntityType string `json:"entity_type"`
	Error      string `json:"error"`
}

// Handler bridges daemon callbacks to dashboard broadcasts. It implements
// daemon.Observer.
type Handler struct {
	server *Server
	logger *log.Logger
}

var _ daemon.Observer = (*Handler)(nil)

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	return &Handler{
		server: server,
		logger: logger,
	}
}

// BatchProcessed broadcasts a batch summary. Empty batches are skipped.
func (h *Handler) BatchProcessed(stats processor.Stats, results []processor.Result) {
	if len(results) == 0 {
		return
	}

	data := BatchData{Stats: stats}
	for _, r := range results {
		if r.Cascaded {
			data.Cascaded++
		}
		if r.Outcome != processor.Failed || len(data.Failures) >= maxBatchFailures {
			continue
		}
		failure := FailureData{
			Path:       r.Event.FilePath,
			EntityType: r.Event.EntityType.String(),
		}
		if r.Err != nil {
			failure.Error = r.Err.Error()
		}
		data.Failures = append(data.Failures, failure)
	}

	h.send(MessageTypeBatch, data)
}

// StatusUpdated broadcasts a status snapshot and makes it the server's
// latest status.
func (h *Handler) StatusUpdated(snapshot daemon.Snapshot) {
	h.send(MessageTypeStatus, snapshot)
}

func (h *Handler) send(typ MessageType, v interface{}) {
	dataJSON, err := json.Marshal(v)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return
	}
	h.server.Broadcast(Message{
		Type:      typ,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}
