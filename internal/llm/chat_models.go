package llm

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/gemini"
	"google.golang.org/genai"

	"github.com/dataqueryagent/server/internal/config"
	logx "github.com/dataqueryagent/server/pkg/logger"
)

// ChatModelConfig holds the configuration for chat model creation.
type ChatModelConfig struct {
	APIKey   string
	BaseURL  string
	Analysis config.AnalysisModelConfig
	Report   config.ReportModelConfig
}

// ChatModels holds the two models the adapter drives: a low-temperature
// analysis model for structured JSON calls (safety, SQL synthesis, repair)
// and a report model for free-form composition.
type ChatModels struct {
	Analysis          *gemini.ChatModel
	Report            *gemini.ChatModel
	AnalysisModelName string
	ReportModelName   string
}

// NewChatModels creates both chat models with the given configuration.
func NewChatModels(ctx context.Context, cfg ChatModelConfig) (*ChatModels, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions.BaseURL = cfg.BaseURL
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		logx.Error().Err(err).Msg("Error creating Gemini client")
		return nil, fmt.Errorf("error creating Gemini client: %w", err)
	}

	analysisModel, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:      client,
		Model:       cfg.Analysis.Model,
		Temperature: &cfg.Analysis.Temperature,
		MaxTokens:   &cfg.Analysis.MaxTokens,
	})
	if err != nil {
		logx.Error().Err(err).Msg("Error creating analysis model")
		return nil, fmt.Errorf("error creating analysis model: %w", err)
	}

	reportModel, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:      client,
		Model:       cfg.Report.Model,
		Temperature: &cfg.Report.Temperature,
		MaxTokens:   &cfg.Report.MaxTokens,
	})
	if err != nil {
		logx.Error().Err(err).Msg("Error creating report model")
		return nil, fmt.Errorf("error creating report model: %w", err)
	}

	return &ChatModels{
		Analysis:          analysisModel,
		Report:            reportModel,
		AnalysisModelName: cfg.Analysis.Model,
		ReportModelName:   cfg.Report.Model,
	}, nil
}
