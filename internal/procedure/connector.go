package procedure

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/calmdesk/calmdesk/engine/pkg/models"
)

type apiCallConfig struct {
	ConnectorID string `json:"connectorId"`
	EndpointID  string `json:"endpointId"`
}

// executeAPICall resolves a connector endpoint, builds the request from the
// execution variables, and maps the response back into them. forceGet is set
// for data_lookup steps, which are read-only by definition.
func (e *Executor) executeAPICall(ctx context.Context, ec *ExecContext, step *models.Step, result *models.StepResult, forceGet bool) error {
	var cfg apiCallConfig
	if err := json.Unmarshal(step.Config, &cfg); err != nil {
		return fmt.Errorf("api_call step %s: %w", step.ID, err)
	}
	if cfg.ConnectorID == "" || cfg.EndpointID == "" {
		return fmt.Errorf("api_call step %s requires connectorId and endpointId", step.ID)
	}

	// GetConnector is tenant-scoped, so a cross-tenant connector reference
	// surfaces as not-found rather than leaking another tenant's config.
	connector, err := e.store.GetConnector(ctx, ec.TenantID, cfg.ConnectorID)
	if err != nil {
		return fmt.Errorf("connector lookup: %w", err)
	}
	if !connector.Enabled {
		return fmt.Errorf("connector %s is disabled", cfg.ConnectorID)
	}
	endpoint := connector.FindEndpoint(cfg.EndpointID)
	if endpoint == nil {
		return fmt.Errorf("connector %s has no endpoint %s", cfg.ConnectorID, cfg.EndpointID)
	}

	method := strings.ToUpper(endpoint.Method)
	if method == "" || forceGet {
		method = http.MethodGet
	}

	if ec.DryRun {
		result.Output = map[string]any{
			"_dryRun":   true,
			"connector": cfg.ConnectorID,
			"endpoint":  cfg.EndpointID,
			"method":    method,
		}
		return nil
	}

	callURL, bodyParams := buildURL(connector.Auth.BaseURL, endpoint, ec.Variables, method)

	var reqBody io.Reader
	if method != http.MethodGet && len(bodyParams) > 0 {
		encoded, err := json.Marshal(bodyParams)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, callURL, reqBody)
	if err != nil {
		return fmt.Errorf("create connector request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	applyAuth(req, connector.Auth)

	resp, err := e.client.Do(req)
	if err != nil {
		e.emit(ec, models.AuditConnectorError, map[string]any{
			"connectorId": cfg.ConnectorID,
			"endpointId":  cfg.EndpointID,
			"error":       err.Error(),
		})
		return fmt.Errorf("connector request: %w", err)
	}
	defer resp.Body.Close()

	e.emit(ec, models.AuditConnectorCalled, map[string]any{
		"connectorId": cfg.ConnectorID,
		"endpointId":  cfg.EndpointID,
		"method":      method,
		"status":      resp.StatusCode,
	})

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read connector response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e.emit(ec, models.AuditConnectorError, map[string]any{
			"connectorId": cfg.ConnectorID,
			"endpointId":  cfg.EndpointID,
			"status":      resp.StatusCode,
		})
		return fmt.Errorf("connector returned status %d", resp.StatusCode)
	}

	result.Output = map[string]any{"status": resp.StatusCode}

	if len(endpoint.ResponseMapping) > 0 && len(respBody) > 0 {
		var doc any
		if err := json.Unmarshal(respBody, &doc); err != nil {
			return fmt.Errorf("decode connector response: %w", err)
		}
		for jsonPath, varName := range endpoint.ResponseMapping {
			if v, ok := ResolveJSONPath(doc, jsonPath); ok {
				SetVar(ec.Variables, varName, v)
				result.Output[varName] = v
			}
		}
	}
	return nil
}

// buildURL substitutes {{name}} tokens in the path template with URL-encoded
// variable values, then turns the remaining declared params into query
// parameters for GET (returned as bodyParams otherwise so the caller can
// carry them in the body).
func buildURL(baseURL string, endpoint *models.Endpoint, variables map[string]any, method string) (string, map[string]any) {
	path := endpoint.PathTemplate
	substituted := make(map[string]bool)

	path = placeholderRe.ReplaceAllStringFunc(path, func(match string) string {
		name := placeholderRe.FindStringSubmatch(match)[1]
		if v, ok := LookupVar(variables, name); ok {
			substituted[name] = true
			return url.PathEscape(stringify(v))
		}
		return match
	})

	remaining := make(map[string]any)
	for _, param := range endpoint.Params {
		if substituted[param] {
			continue
		}
		if v, ok := LookupVar(variables, param); ok {
			remaining[param] = v
		}
	}

	full := strings.TrimSuffix(baseURL, "/") + "/" + strings.TrimPrefix(path, "/")

	if method == http.MethodGet {
		if len(remaining) > 0 {
			q := url.Values{}
			for k, v := range remaining {
				q.Set(k, stringify(v))
			}
			sep := "?"
			if strings.Contains(full, "?") {
				sep = "&"
			}
			full += sep + q.Encode()
		}
		return full, nil
	}
	return full, remaining
}

func applyAuth(req *http.Request, auth models.ConnectorAuth) {
	switch auth.Type {
	case models.AuthAPIKey:
		if key := auth.Credentials["apiKey"]; key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
	case models.AuthBasic:
		user := auth.Credentials["username"]
		pass := auth.Credentials["password"]
		if user != "" || pass != "" {
			token := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
			req.Header.Set("Authorization", "Basic "+token)
		}
	case models.AuthOAuth:
		if token := auth.Credentials["accessToken"]; token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
}
