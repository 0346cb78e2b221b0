package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	ollama "github.com/ollama/ollama/api"

	"github.com/alantheprice/commentgen/pkg/utils"
)

// OllamaGenerator talks to a local Ollama server instead of spawning a tool.
type OllamaGenerator struct {
	Model string
	// Backoff paces retries while the server reports it is busy.
	Backoff *utils.RateLimitBackoff
	client  *ollama.Client
}

// NewOllamaGenerator connects to host, or to OLLAMA_HOST when host is empty.
func NewOllamaGenerator(model, host string) (*OllamaGenerator, error) {
	if model == "" {
		return nil, utils.NewConfigError("ollama.model", fmt.Errorf("model is required"))
	}
	var client *ollama.Client
	if host == "" {
		c, err := ollama.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("could not create ollama client: %w", err)
		}
		client = c
	} else {
		u, err := url.Parse(host)
		if err != nil {
			return nil, utils.NewConfigError("ollama.host", err)
		}
		client = ollama.NewClient(u, http.DefaultClient)
	}
	return &OllamaGenerator{Model: model, Backoff: utils.NewRateLimitBackoff(), client: client}, nil
}

func (o *OllamaGenerator) Name() string {
	return "ollama:" + o.Model
}

// Generate sends a single non-streaming generate request, retrying while the
// server sheds load.
func (o *OllamaGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	for attempt := 0; ; attempt++ {
		out, err := o.generate(ctx, prompt)
		if err == nil || ctx.Err() != nil || !o.busy(err) || !o.Backoff.ShouldRetry(attempt) {
			return out, err
		}
		delay := o.Backoff.Delay(attempt, "")
		utils.GetLogger().Logf("ollama: %s busy (%v), retrying in %v", o.Model, err, delay)
		if werr := o.Backoff.Wait(ctx, delay); werr != nil {
			return "", werr
		}
	}
}

func (o *OllamaGenerator) busy(err error) bool {
	if o.Backoff == nil {
		return false
	}
	var se ollama.StatusError
	if errors.As(err, &se) && utils.IsRetryableStatus(se.StatusCode) {
		return true
	}
	return o.Backoff.IsRateLimitError(err)
}

func (o *OllamaGenerator) generate(ctx context.Context, prompt string) (string, error) {
	stream := false
	req := &ollama.GenerateRequest{
		Model:  o.Model,
		Prompt: prompt,
		Stream: &stream,
		Options: map[string]interface{}{
			"temperature": 0.1,
			"top_p":       0.9,
		},
	}
	var sb strings.Builder
	err := o.client.Generate(ctx, req, func(res ollama.GenerateResponse) error {
		sb.WriteString(res.Response)
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", utils.NewExecutionError(o.Name(), "generate", fmt.Errorf("%w: %w", ErrNonZeroExit, err))
	}
	if strings.TrimSpace(sb.String()) == "" {
		return "", utils.NewExecutionError(o.Name(), "generate", ErrEmptyOutput)
	}
	return sb.String(), nil
}
