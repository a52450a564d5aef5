package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
)

const defaultTimeout = 5 * time.Second

// azureGateway calls the Azure Translator REST API (v3.0).
type azureGateway struct {
	endpoint string
	key      string
	region   string
	timeout  time.Duration
	client   *http.Client
}

func newAzureGateway(cfg Config) *azureGateway {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &azureGateway{
		endpoint: cfg.Endpoint,
		key:      cfg.Key,
		region:   cfg.Region,
		timeout:  timeout,
		client:   &http.Client{},
	}
}

// Translate returns the translated text, or the original text on any
// failure: transport error, non-200 status, malformed or empty response,
// or the per-call timeout expiring. Failures are logged, never raised.
func (g *azureGateway) Translate(ctx context.Context, text, from, to string) string {
	if text == "" {
		return text
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	body, err := json.Marshal([]map[string]string{{"Text": text}})
	if err != nil {
		log.Error().Str("module", "translate").Err(err).Msg("marshal request")
		return text
	}

	q := url.Values{}
	q.Set("api-version", "3.0")
	q.Set("from", from)
	q.Set("to", to)
	reqURL := g.endpoint + "/translate?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		log.Error().Str("module", "translate").Err(err).Msg("build request")
		return text
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", g.key)
	req.Header.Set("Ocp-Apim-Subscription-Region", g.region)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		log.Warn().Str("module", "translate").Str("from", from).Str("to", to).Err(err).
			Msg("translator call failed, using original text")
		return text
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Warn().Str("module", "translate").Int("status", resp.StatusCode).
			Str("from", from).Str("to", to).Msg("translator returned non-200, using original text")
		return text
	}

	var out []struct {
		Translations []struct {
			Text string `json:"text"`
		} `json:"translations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		log.Warn().Str("module", "translate").Err(err).Msg("malformed translator response, using original text")
		return text
	}
	if len(out) == 0 || len(out[0].Translations) == 0 || out[0].Translations[0].Text == "" {
		log.Warn().Str("module", "translate").Str("from", from).Str("to", to).
			Msg("translator returned no translation, using original text")
		return text
	}

	return out[0].Translations[0].Text
}
