package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// LogEmitter writes events to an io.Writer, one per line, in either a
// human-readable text form or JSONL.
//
// Text form:
//
//	[transition] instance=ord-1 state=validate meta={"from":"validate","to":"store"}
//
// JSON form:
//
//	{"instanceId":"ord-1","workflowId":"orders","stateId":"validate","msg":"transition","meta":{...}}
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter. A nil writer falls back to stdout.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

// Emit writes one line for the event. Write errors are swallowed; a
// broken log sink must not disturb engine execution.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.jsonMode {
		l.emitJSON(event)
		return
	}
	l.emitText(event)
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		InstanceID string         `json:"instanceId"`
		WorkflowID string         `json:"workflowId,omitempty"`
		StateID    string         `json:"stateId,omitempty"`
		EventID    string         `json:"eventId,omitempty"`
		Msg        string         `json:"msg"`
		Meta       map[string]any `json:"meta,omitempty"`
	}{
		InstanceID: event.InstanceID,
		WorkflowID: event.WorkflowID,
		StateID:    event.StateID,
		EventID:    event.EventID,
		Msg:        event.Msg,
		Meta:       event.Meta,
	})
	if err != nil {
		fmt.Fprintf(l.writer, "{\"error\":\"marshal event: %v\"}\n", err)
		return
	}
	fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	fmt.Fprintf(l.writer, "[%s] instance=%s", event.Msg, event.InstanceID)
	if event.WorkflowID != "" {
		fmt.Fprintf(l.writer, " workflow=%s", event.WorkflowID)
	}
	if event.StateID != "" {
		fmt.Fprintf(l.writer, " state=%s", event.StateID)
	}
	if len(event.Meta) > 0 {
		if metaJSON, err := json.Marshal(event.Meta); err == nil {
			fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}
	fmt.Fprint(l.writer, "\n")
}
