package ai

import (
	"context"
)

// githubClient uses GitHub Models inference, which speaks the OpenAI
// chat-completions wire format with a GitHub token.
type githubClient struct {
	*openAIClient
}

func newGitHubClient(baseURL string, caps Capabilities, credential func(ctx context.Context) (string, error)) *githubClient {
	if baseURL == "" {
		baseURL = "https://models.github.ai/inference"
	}
	return &githubClient{openAIClient: newOpenAIClient("gh", baseURL, caps, credential)}
}
