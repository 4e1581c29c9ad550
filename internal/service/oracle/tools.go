package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino-ext/components/tool/googlesearch"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
	"golang.org/x/time/rate"
)

const (
	webSearchHTTPTimeout = 10 * time.Second
	maxFetchedBody       = 512 * 1024
)

// InitTools builds the tool set offered to the agent.
func InitTools(ctx context.Context) ([]tool.BaseTool, error) {
	ws, err := initWebSearch(ctx)
	if err != nil {
		return nil, err
	}
	if ws == nil {
		return nil, nil
	}
	return []tool.BaseTool{ws}, nil
}

func initWebSearch(ctx context.Context) (tool.InvokableTool, error) {
	googleTool, err := initGoogleSearch(ctx)
	if err != nil {
		return nil, err
	}
	duckTool, err := initDDGSearch(ctx)
	if err != nil {
		return nil, err
	}

	ws := &webSearchTool{
		google:     googleTool,
		duck:       duckTool,
		httpClient: &http.Client{Timeout: webSearchHTTPTimeout},
		// search backends throttle aggressively; stay well under their limits
		limiter: rate.NewLimiter(rate.Every(2*time.Second), 3),
	}
	info := &schema.ToolInfo{
		Name: "web_search",
		Desc: "Search the web for information; falls back to another provider if needed; " +
			"fetches the page when given a URL.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {
				Desc:     "Natural language query or URL to search",
				Type:     schema.String,
				Required: true,
			},
		}),
	}
	return utils.NewTool(info, ws.run), nil
}

type webSearchTool struct {
	google     tool.InvokableTool
	duck       tool.InvokableTool
	httpClient *http.Client
	limiter    *rate.Limiter
}

type webSearchParams struct {
	Query string `json:"query"`
}

func (w *webSearchTool) run(ctx context.Context, params *webSearchParams) (string, error) {
	if params == nil {
		return "", errors.New("missing search parameters")
	}
	query := strings.TrimSpace(params.Query)
	if query == "" {
		return "", errors.New("query must not be empty")
	}
	if err := w.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("web search throttled: %w", err)
	}

	if looksLikeURL(query) {
		content, err := w.fetchURL(ctx, query)
		if err == nil {
			return content, nil
		}
		slog.Warn("web url fetch failed", "module", "oracle", "err", err)
	}

	payload, err := json.Marshal(webSearchParams{Query: query})
	if err != nil {
		return "", fmt.Errorf("marshal search params: %w", err)
	}
	backends := []struct {
		name string
		tool tool.InvokableTool
	}{
		{"google", w.google},
		{"duckduckgo", w.duck},
	}
	for _, b := range backends {
		if b.tool == nil {
			continue
		}
		result, err := b.tool.InvokableRun(ctx, string(payload))
		if err == nil {
			return result, nil
		}
		slog.Warn("search failed", "module", "oracle", "backend", b.name, "err", err)
	}
	return "", errors.New("no search provider succeeded")
}

func (w *webSearchTool) fetchURL(ctx context.Context, target string) (string, error) {
	parsed, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", errors.New("unsupported url scheme")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "chatrelay-websearch/1.0")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch url: %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchedBody))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func looksLikeURL(input string) bool {
	lower := strings.ToLower(input)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func initDDGSearch(ctx context.Context) (tool.InvokableTool, error) {
	duckTool, err := duckduckgo.NewTextSearchTool(ctx, &duckduckgo.Config{
		ToolName:   "web_search_ddg",
		ToolDesc:   "DuckDuckGo Search Tool (no token required)",
		MaxResults: 3,
		Region:     duckduckgo.RegionWT,
		Timeout:    webSearchHTTPTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("init duckduckgo search: %w", err)
	}
	return duckTool, nil
}

// initGoogleSearch returns nil when no Google credentials are present.
func initGoogleSearch(ctx context.Context) (tool.InvokableTool, error) {
	apiKey := os.Getenv("GOOGLE_API_KEY")
	engineID := os.Getenv("GOOGLE_SEARCH_ENGINE_ID")
	if apiKey == "" || engineID == "" {
		slog.Info("google search disabled: missing GOOGLE_API_KEY or GOOGLE_SEARCH_ENGINE_ID", "module", "oracle")
		return nil, nil
	}
	googleTool, err := googlesearch.NewTool(ctx, &googlesearch.Config{
		ToolName:       "web_search_google",
		ToolDesc:       "Google Search Tool",
		APIKey:         apiKey,
		SearchEngineID: engineID,
		Lang:           "en",
		Num:            5,
	})
	if err != nil {
		return nil, fmt.Errorf("init google search: %w", err)
	}
	return googleTool, nil
}
