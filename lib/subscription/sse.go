package subscription

import (
	"encoding/json"
	"net/http"

	"github.com/tmaxmax/go-sse"
)

// ServeSSE writes one sse.Message per Frame over a long-lived HTTP response
// body, terminating the stream after a complete/error frame or client
// disconnect, per spec.md §4.3 binding (1).
func ServeSSE(w http.ResponseWriter, r *http.Request, sub *Subscription) error {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, _ := w.(http.Flusher)

	for {
		select {
		case <-r.Context().Done():
			sub.Cancel()
			return nil
		case frame, ok := <-sub.Out:
			if !ok {
				return nil
			}
			msg, err := encodeFrame(frame)
			if err != nil {
				return err
			}
			if _, err := msg.WriteTo(w); err != nil {
				sub.Cancel()
				return err
			}
			if flusher != nil {
				flusher.Flush()
			}
			if frame.Type == FrameComplete || frame.Type == FrameError {
				return nil
			}
		}
	}
}

func encodeFrame(f Frame) (*sse.Message, error) {
	msg := &sse.Message{Type: sse.Type(string(f.Type))}

	var body any = f.Payload
	if f.Type == FrameError && f.Err != nil {
		body = f.Err
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	msg.AppendData(string(data))
	return msg, nil
}
