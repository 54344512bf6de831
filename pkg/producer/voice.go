package producer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"warpgate/pkg/httpx"
	"warpgate/pkg/telemetry"
)

type VoiceRequest struct {
	Text    string          `json:"text"`
	Voice   string          `json:"voice,omitempty"`
	Options json.RawMessage `json:"options,omitempty"`
}

const audioChunkBytes = 16 * 1024

// StreamVoice posts req upstream and passes the audio body through in chunks of
// at most 16KiB. It returns the total byte count.
func (u *Upstream) StreamVoice(ctx context.Context, req VoiceRequest, onChunk func([]byte) error) (int, error) {
	if u == nil {
		return 0, wrap(KindVoice, ErrNotConfigured)
	}
	if strings.TrimSpace(req.Text) == "" {
		return 0, wrap(KindVoice, errors.New("text is required"))
	}
	ctx, span := telemetry.StartSpan(ctx, "producer.voice", map[string]string{"voice.id": req.Voice})
	n, err := u.streamVoice(ctx, req, onChunk)
	telemetry.EndSpan(span, err)
	return n, wrap(KindVoice, err)
}

func (u *Upstream) streamVoice(ctx context.Context, req VoiceRequest, onChunk func([]byte) error) (int, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return 0, err
	}
	resp, err := httpx.OpenStream(ctx, u.Client, http.MethodPost, u.URL, body, u.Headers, u.Retries, u.RetryDelay)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	total := 0
	buf := make([]byte, audioChunkBytes)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			total += n
			if err := onChunk(chunk); err != nil {
				return total, err
			}
		}
		if errors.Is(rerr, io.EOF) {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}
