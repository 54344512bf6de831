// Package producer holds the upstream sources multiplexed onto stream
// connections: the AI token upstream, the voice audio upstream and approved
// command output.
package producer

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"warpgate/pkg/telemetry"
)

type Kind string

const (
	KindAI      Kind = "ai_tokens"
	KindVoice   Kind = "voice_audio"
	KindCommand Kind = "command_output"
)

var ErrNotConfigured = errors.New("upstream not configured")

// Error is a failure inside one producer. It ends that stream only.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	return &Error{Kind: kind, Err: err}
}

// Upstream is an HTTP endpoint that streams its response body.
type Upstream struct {
	URL        string
	Client     *http.Client
	Headers    map[string]string
	Retries    int
	RetryDelay time.Duration
}

func NewUpstream(url string, headers map[string]string, retries int) *Upstream {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil
	}
	return &Upstream{
		URL:        url,
		Client:     telemetry.InstrumentClient(nil),
		Headers:    headers,
		Retries:    retries,
		RetryDelay: 250 * time.Millisecond,
	}
}
