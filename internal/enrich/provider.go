// Package enrich runs the asynchronous AI pipeline: pairwise similarity
// scoring against live gaps and ranked SOP suggestions, written back to
// the store without ever blocking the request that created the gap.
package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"

	"github.com/protfolio666/GapOpsHub-sub000/internal/core"
)

// Provider scores gap similarity and ranks SOPs. Implementations must
// be safe for concurrent use.
type Provider interface {
	CompareGaps(ctx context.Context, target, other *core.Gap) (int, error)
	SuggestSops(ctx context.Context, target *core.Gap, sops []core.Sop) ([]core.SopSuggestion, error)
}

const (
	providerMaxRetries = 3
	providerMaxTokens  = 1024
)

// AnthropicProvider calls the Anthropic Messages API.
type AnthropicProvider struct {
	client      anthropic.Client
	model       anthropic.Model
	callTimeout time.Duration
}

// NewAnthropicProvider builds a provider for the given key and model.
func NewAnthropicProvider(apiKey, model string, callTimeout time.Duration) *AnthropicProvider {
	return &AnthropicProvider{
		client:      anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:       anthropic.Model(model),
		callTimeout: callTimeout,
	}
}

// CompareGaps returns a 0..100 similarity score between two gaps.
func (p *AnthropicProvider) CompareGaps(ctx context.Context, target, other *core.Gap) (int, error) {
	prompt := fmt.Sprintf(`You compare two operational process gap reports and score how likely they describe the same underlying defect.

Gap A:
Title: %s
Description: %s

Gap B:
Title: %s
Description: %s

Respond with ONLY an integer from 0 to 100, where 100 means certainly the same defect and 0 means unrelated.`,
		target.Title, target.Description, other.Title, other.Description)

	text, err := p.call(ctx, prompt)
	if err != nil {
		return 0, err
	}
	score, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil {
		return 0, fmt.Errorf("parse similarity score %q: %w", text, err)
	}
	return clampScore(score), nil
}

// SuggestSops asks the model to rank the given SOPs against the gap and
// returns the parsed suggestions, scores clamped to 0..100.
func (p *AnthropicProvider) SuggestSops(ctx context.Context, target *core.Gap, sops []core.Sop) ([]core.SopSuggestion, error) {
	if len(sops) == 0 {
		return nil, nil
	}
	var b strings.Builder
	for i := range sops {
		s := &sops[i]
		desc := ""
		if s.Description != nil {
			desc = *s.Description
		}
		fmt.Fprintf(&b, "- %s: %s — %s\n", s.SopID, s.Title, desc)
	}
	prompt := fmt.Sprintf(`You match an operational process gap to relevant Standard Operating Procedures.

Gap:
Title: %s
Description: %s

Available SOPs:
%s
Respond with ONLY a JSON array of the relevant SOPs, most relevant first, in the form:
[{"sopId":"SOP-001","score":85,"reasoning":"short reason"}]
Include only SOPs that plausibly address the gap. Scores are integers 0-100.`,
		target.Title, target.Description, b.String())

	text, err := p.call(ctx, prompt)
	if err != nil {
		return nil, err
	}
	var out []core.SopSuggestion
	if err := json.Unmarshal([]byte(stripFences(text)), &out); err != nil {
		return nil, fmt.Errorf("parse sop suggestions: %w", err)
	}
	known := make(map[string]bool, len(sops))
	for i := range sops {
		known[sops[i].SopID] = true
	}
	kept := out[:0]
	for _, s := range out {
		if !known[s.SopID] {
			continue
		}
		s.Score = clampScore(s.Score)
		kept = append(kept, s)
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Score > kept[j].Score })
	return kept, nil
}

// call issues one Messages request with a per-call timeout and
// exponential-backoff retries on transient failures.
func (p *AnthropicProvider) call(ctx context.Context, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     p.model,
		MaxTokens: providerMaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	op := func() (string, error) {
		callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
		defer cancel()
		msg, err := p.client.Messages.New(callCtx, params)
		if err != nil {
			if !isRetryable(err) {
				return "", backoff.Permanent(err)
			}
			return "", err
		}
		if len(msg.Content) == 0 || msg.Content[0].Type != "text" {
			return "", backoff.Permanent(errors.New("unexpected response format"))
		}
		return msg.Content[0].Text, nil
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), providerMaxRetries), ctx)
	text, err := backoff.RetryWithData(op, bo)
	if err != nil {
		return "", core.Wrap(core.KindExternal, "anthropic call", err)
	}
	return text, nil
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true // the per-call timeout may fire while the outer ctx is still live
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}

func clampScore(n int) int {
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}

// stripFences removes a wrapping markdown code fence, which models emit
// despite instructions.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
