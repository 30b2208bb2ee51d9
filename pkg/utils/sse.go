package utils

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// SSEDone 是流结束的哨兵帧内容
const SSEDone = "[DONE]"

// SendSSEChunk 发送 data: {json} 形式的数据块
func SendSSEChunk(w http.ResponseWriter, flusher http.Flusher, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal sse payload: %w", err)
	}
	return writeFrame(w, flusher, data)
}

// SendSSEDone 发送结束哨兵帧
func SendSSEDone(w http.ResponseWriter, flusher http.Flusher) error {
	return writeFrame(w, flusher, []byte(SSEDone))
}

func writeFrame(w http.ResponseWriter, flusher http.Flusher, data []byte) error {
	if _, err := w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if _, err := w.Write([]byte("\n\n")); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// SetupSSEHeaders 设置Server-Sent Events响应头
func SetupSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}
