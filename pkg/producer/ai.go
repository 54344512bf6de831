package producer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"warpgate/pkg/httpx"
	"warpgate/pkg/telemetry"
)

type AIRequest struct {
	Prompt   string          `json:"prompt"`
	Provider string          `json:"provider,omitempty"`
	Options  json.RawMessage `json:"options,omitempty"`
}

type Token struct {
	Text     string
	Finished bool
}

// upstream NDJSON line
type aiLine struct {
	Token string `json:"token"`
	Done  bool   `json:"done"`
	Error string `json:"error"`
}

const maxLineBytes = 1 << 20

// StreamAI posts req upstream and calls onToken for every NDJSON line in order.
// The final token has Finished set; the full response text is returned.
func (u *Upstream) StreamAI(ctx context.Context, req AIRequest, onToken func(Token) error) (string, error) {
	if u == nil {
		return "", wrap(KindAI, ErrNotConfigured)
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return "", wrap(KindAI, errors.New("prompt is required"))
	}
	ctx, span := telemetry.StartSpan(ctx, "producer.ai", map[string]string{"ai.provider": req.Provider})
	text, err := u.streamAI(ctx, req, onToken)
	telemetry.EndSpan(span, err)
	return text, wrap(KindAI, err)
}

func (u *Upstream) streamAI(ctx context.Context, req AIRequest, onToken func(Token) error) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	resp, err := httpx.OpenStream(ctx, u.Client, http.MethodPost, u.URL, body, u.Headers, u.Retries, u.RetryDelay)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var full strings.Builder
	var pending *Token
	flush := func(finished bool) error {
		if pending == nil {
			return nil
		}
		pending.Finished = finished
		tok := *pending
		pending = nil
		return onToken(tok)
	}
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var l aiLine
		if err := json.Unmarshal(line, &l); err != nil {
			return full.String(), fmt.Errorf("decode upstream line: %w", err)
		}
		if l.Error != "" {
			return full.String(), errors.New(l.Error)
		}
		if err := flush(false); err != nil {
			return full.String(), err
		}
		full.WriteString(l.Token)
		pending = &Token{Text: l.Token}
		if l.Done {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return full.String(), fmt.Errorf("read upstream: %w", err)
	}
	if pending == nil {
		pending = &Token{}
	}
	return full.String(), flush(true)
}
