// Package ai wraps the generative text-completion collaborator. The client
// fails closed: every failure path returns ok=false so callers can treat
// "no opinion" as an ordinary outcome rather than an exception.
package ai

import (
	"context"
	"log"
	"time"

	"github.com/hakancinelii/whatistaspp/internal/config"
	"google.golang.org/genai"
)

// Gemini tries a ranked list of Gemini models in order and short-circuits on
// the first non-empty completion.
type Gemini struct {
	apiKey  string
	models  []string
	timeout time.Duration
}

// New creates a Gemini client from config. A client with an empty key is
// valid and simply never completes.
func New(cfg config.AIConfig) *Gemini {
	return &Gemini{apiKey: cfg.APIKey, models: cfg.Models, timeout: cfg.Timeout}
}

// Enabled reports whether an API key is configured.
func (g *Gemini) Enabled() bool { return g.apiKey != "" }

// Complete sends the prompt to each configured model in order and returns
// the first non-empty response. It never returns an error.
func (g *Gemini) Complete(ctx context.Context, prompt string) (string, bool) {
	if g.apiKey == "" {
		return "", false
	}

	tctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	client, err := genai.NewClient(tctx, &genai.ClientConfig{
		APIKey:  g.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		log.Printf("ai: client init: %v", err)
		return "", false
	}

	for _, model := range g.models {
		resp, err := client.Models.GenerateContent(tctx, model, genai.Text(prompt), nil)
		if err != nil {
			log.Printf("ai: %s: %v", model, err)
			continue
		}
		if text := resp.Text(); text != "" {
			return text, true
		}
	}
	return "", false
}
