package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// cityCoordinates maps known cities to latitude/longitude. The weather API
// takes coordinates, not names.
var cityCoordinates = map[string][2]float64{
	"paris":     {48.8566, 2.3522},
	"london":    {51.5074, -0.1278},
	"madrid":    {40.4168, -3.7038},
	"barcelona": {41.3874, 2.1686},
	"berlin":    {52.5200, 13.4050},
	"rome":      {41.9028, 12.4964},
	"new york":  {40.7128, -74.0060},
	"tokyo":     {35.6762, 139.6503},
	"sydney":    {-33.8688, 151.2093},
	"valencia":  {39.4699, -0.3763},
}

// weatherCodePhrases decodes WMO weather interpretation codes.
var weatherCodePhrases = map[int]string{
	0:  "clear sky",
	1:  "mainly clear",
	2:  "partly cloudy",
	3:  "overcast",
	45: "fog",
	48: "depositing rime fog",
	51: "light drizzle",
	53: "moderate drizzle",
	55: "dense drizzle",
	61: "slight rain",
	63: "moderate rain",
	65: "heavy rain",
	71: "slight snow",
	73: "moderate snow",
	75: "heavy snow",
	80: "slight rain showers",
	81: "moderate rain showers",
	82: "violent rain showers",
	95: "thunderstorm",
	96: "thunderstorm with slight hail",
	99: "thunderstorm with heavy hail",
}

type weatherArgs struct {
	City string `json:"city" jsonschema:"required,description=City name to get the current weather for"`
}

// WeatherTool fetches the current weather from the Open-Meteo API.
type WeatherTool struct {
	baseURL    string
	httpClient *http.Client
}

// NewWeatherTool creates the weather tool. baseURL is overridable for tests;
// empty selects the public API.
func NewWeatherTool(baseURL string) *WeatherTool {
	if baseURL == "" {
		baseURL = "https://api.open-meteo.com"
	}
	return &WeatherTool{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *WeatherTool) Definition() Definition {
	return Definition{
		Name:        "get_weather",
		Description: "Get the current weather for a city",
		Parameters:  mustSchema[weatherArgs](),
	}
}

type weatherAPIResponse struct {
	CurrentWeather struct {
		Temperature float64 `json:"temperature"`
		WindSpeed   float64 `json:"windspeed"`
		WeatherCode int     `json:"weathercode"`
	} `json:"current_weather"`
}

func (t *WeatherTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	city, _ := args["city"].(string)
	if city == "" {
		return "", fmt.Errorf("city is required")
	}

	coords, ok := cityCoordinates[strings.ToLower(strings.TrimSpace(city))]
	if !ok {
		return "", fmt.Errorf("unknown city %q", city)
	}

	url := fmt.Sprintf("%s/v1/forecast?latitude=%.4f&longitude=%.4f&current_weather=true",
		t.baseURL, coords[0], coords[1])

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("weather request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("weather request failed: status %d, body: %s", resp.StatusCode, string(body))
	}

	var apiResp weatherAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return "", fmt.Errorf("failed to decode weather response: %w", err)
	}

	phrase, ok := weatherCodePhrases[apiResp.CurrentWeather.WeatherCode]
	if !ok {
		phrase = "unknown conditions"
	}

	result := map[string]any{
		"city":           city,
		"temperature_c":  apiResp.CurrentWeather.Temperature,
		"wind_speed_kmh": apiResp.CurrentWeather.WindSpeed,
		"conditions":     phrase,
	}

	out, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("failed to marshal result: %w", err)
	}
	return string(out), nil
}

// Ensure WeatherTool implements Tool.
var _ Tool = (*WeatherTool)(nil)
