package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/agent-api/core/pkg/agent"
	"github.com/agent-api/core/types"
	"github.com/agent-api/ollama"
)

const (
	systemPrompt = "You are a visual assistant that writes short captions for video thumbnails. Describe the scene, any visible text and the people in it in one or two sentences."
	userPrompt   = "Write a caption for this thumbnail."
)

// AgentConfig locates the local vision model
type AgentConfig struct {
	BaseURL string
	Port    int
	Model   string
}

// AgentDescriber captions images with an Ollama hosted vision model
type AgentDescriber struct {
	agent *agent.DefaultAgent
}

// NewAgent initializes a vision agent after checking that Ollama is reachable
func NewAgent(ctx context.Context, cfg AgentConfig, logger *slog.Logger) (*AgentDescriber, error) {
	if err := ping(ctx, fmt.Sprintf("%s:%d/api/tags", cfg.BaseURL, cfg.Port)); err != nil {
		return nil, fmt.Errorf("ollama is not reachable: %w", err)
	}

	// Set up Ollama provider
	opts := &ollama.ProviderOpts{
		Logger:  logger,
		BaseURL: cfg.BaseURL,
		Port:    cfg.Port,
	}
	provider := ollama.NewProvider(opts)

	model := &types.Model{
		ID: cfg.Model,
	}
	provider.UseModel(ctx, model)

	agentConf := &agent.NewAgentConfig{
		Provider:     provider,
		Logger:       logger,
		SystemPrompt: systemPrompt,
	}

	return &AgentDescriber{agent: agent.NewAgent(agentConf)}, nil
}

// Describe asks the model for a caption of the image at imagePath
func (d *AgentDescriber) Describe(ctx context.Context, imagePath string) (string, error) {
	response := d.agent.Run(
		ctx,
		agent.WithInput(userPrompt),
		agent.WithImagePath(imagePath),
	)
	if response.Err != nil {
		return "", response.Err
	}

	if len(response.Messages) == 0 {
		return "", fmt.Errorf("no response messages received from model")
	}

	// The last message is the model's reply
	return response.Messages[len(response.Messages)-1].Content, nil
}

func ping(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
