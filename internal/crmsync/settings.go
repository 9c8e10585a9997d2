package crmsync

import (
	"context"
	"strings"
	"text/template"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	callbackSave         = "save"
	callbackSaveAudience = "save-audience"

	// ErrorCodeMissingParameter marks a settings-callback rejected for a
	// missing required input, so the caller can render field-level
	// validation instead of a generic failure.
	ErrorCodeMissingParameter = "MISSING_PARAMETER"
)

// Settings fields a tenant may change through the settings form.
var settingsCallbackFields = []string{"audienceId", "segmentPrefix", "sendName", "sendEvents"}

// RenderVars is the variable bag handed to the settings renderer.
type RenderVars struct {
	Connection *Connection
	Audiences  []Audience
	Settings   map[string]any
}

// SettingsRenderer turns the variable bag into an opaque markup blob for the
// platform's settings surface. The engine treats the output as a black box.
type SettingsRenderer interface {
	Render(ctx context.Context, vars RenderVars) (string, error)
}

// TemplateSettingsRenderer is the stock renderer: a pure function over the
// variable bag with no shared state.
type TemplateSettingsRenderer struct {
	tmpl *template.Template
}

const defaultSettingsTemplate = `<Form callbackId="{{if and .Connection (not .Connection.AudienceID)}}save-audience{{else}}save{{end}}">
{{- if .Connection}}
  <Select name="audienceId" label="Audience" value="{{.Connection.AudienceID}}">
  {{- range .Audiences}}
    <Option value="{{.ID}}">{{.Name}}</Option>
  {{- end}}
  </Select>
  <Input name="segmentPrefix" label="Tags Prefix" value="{{.Connection.SegmentPrefix}}" />
  <Toggle name="sendName" label="Always update CRM contact name" value={{.Connection.SendName}} />
  <Toggle name="sendEvents" label="Send events" value={{.Connection.SendEvents}} />
  <Button type="submit" variant="primary">Submit</Button>
{{- else}}
  <Alert status="warning" title="You need to connect the CRM to activate this integration" />
{{- end}}
</Form>`

func NewTemplateSettingsRenderer() *TemplateSettingsRenderer {
	return &TemplateSettingsRenderer{
		tmpl: template.Must(template.New("settings").Parse(defaultSettingsTemplate)),
	}
}

func (r *TemplateSettingsRenderer) Render(ctx context.Context, vars RenderVars) (string, error) {
	var out strings.Builder
	if err := r.tmpl.Execute(&out, vars); err != nil {
		return "", err
	}
	return out.String(), nil
}

// handleSettingsGet merges stored settings over the per-context defaults.
func (e *Engine) handleSettingsGet(env EventEnvelope) ResultEnvelope {
	defaults := map[string]any{}
	settings := map[string]any{}
	if env.Context == "NETWORK" {
		for key, value := range defaults {
			settings[key] = value
		}
	}
	if len(env.CurrentSettings) > 0 {
		for key, value := range env.CurrentSettings[0].Settings {
			settings[key] = value
		}
	}
	return succeeded(env.Type, settings)
}

func (e *Engine) handleSettingsUpdate(env EventEnvelope) ResultEnvelope {
	return succeeded(env.Type, map[string]any{"toStore": env.Data.Settings})
}

// renderSettingsMarkup builds the variable bag and invokes the renderer.
// CRM failures while listing audiences degrade the form rather than fail it.
func (e *Engine) renderSettingsMarkup(ctx context.Context, networkID string) (string, error) {
	conn, err := e.connections.Get(ctx, networkID)
	if err != nil {
		return "", err
	}
	vars := RenderVars{Connection: conn, Settings: map[string]any{}}
	if conn != nil {
		crm := e.crmFactory(conn)
		audiences, err := crm.ListAudiences(ctx)
		if err != nil {
			e.metrics.observeCRMError(err)
			e.logger.Warn("listing CRM audiences for settings form failed",
				zap.String("networkId", networkID), zap.Error(err))
		} else {
			vars.Audiences = audiences
		}
	}
	return e.renderer.Render(ctx, vars)
}

func (e *Engine) handleSettingsRender(ctx context.Context, env EventEnvelope) (ResultEnvelope, error) {
	markup, err := e.renderSettingsMarkup(ctx, env.NetworkID)
	if err != nil {
		return failed(env.Type), err
	}
	if env.Data.InteractionID != "" {
		return succeeded(env.Type, map[string]any{
			"interactions": []map[string]any{{
				"id":     env.Data.InteractionID,
				"type":   "SHOW",
				"markup": markup,
			}},
		}), nil
	}
	return succeeded(env.Type, map[string]any{"markup": markup}), nil
}

func missingParameter(envType, message string) ResultEnvelope {
	result := failed(envType)
	result.ErrorCode = ErrorCodeMissingParameter
	result.ErrorMessage = message
	return result
}

// handleSettingsCallback applies a settings form submission to the tenant's
// Connection with an explicit read-modify-write, then re-renders the form.
func (e *Engine) handleSettingsCallback(ctx context.Context, env EventEnvelope) (ResultEnvelope, error) {
	callbackID := strings.TrimSpace(env.Data.CallbackID)
	if callbackID == "" {
		return missingParameter(env.Type, `"callbackId" is a mandatory input`), nil
	}
	if callbackID != callbackSave && callbackID != callbackSaveAudience {
		return missingParameter(env.Type, "unknown callbackId: "+callbackID), nil
	}
	if callbackID == callbackSaveAudience {
		if audienceID, _ := env.Data.Inputs["audienceId"].(string); strings.TrimSpace(audienceID) == "" {
			return missingParameter(env.Type, `"audienceId" is a mandatory input`), nil
		}
	}

	conn, err := e.connections.Get(ctx, env.NetworkID)
	if err != nil {
		return failed(env.Type), err
	}
	if conn == nil {
		// The tenant never completed the OAuth hand-off.
		return succeeded(env.Type, nil), nil
	}
	applySettingsInputs(conn, env.Data.Inputs)
	if err := e.connections.Upsert(ctx, conn); err != nil {
		return failed(env.Type), err
	}

	markup, err := e.renderSettingsMarkup(ctx, env.NetworkID)
	if err != nil {
		return failed(env.Type), err
	}
	toastTitle := "CRM connection has been successfully updated."
	if callbackID == callbackSaveAudience {
		toastTitle = "CRM integration has successfully been set up."
	}
	if env.Data.InteractionID != "" {
		return ResultEnvelope{
			Type:   TypeInteraction,
			Status: StatusSucceeded,
			Data: map[string]any{
				"toStore": map[string]any{"settings": map[string]any{}},
				"interactions": []map[string]any{
					{
						"id":     env.Data.InteractionID,
						"type":   "SHOW",
						"markup": markup,
					},
					{
						"id":   uuid.NewString(),
						"type": "OPEN_TOAST",
						"props": map[string]any{
							"status": "SUCCESS",
							"title":  toastTitle,
						},
					},
				},
			},
		}, nil
	}
	return succeeded(env.Type, map[string]any{
		"markup":  markup,
		"action":  "REPLACE",
		"toast":   map[string]any{"title": toastTitle, "status": "SUCCESS"},
		"toStore": map[string]any{"settings": map[string]any{}},
	}), nil
}

func applySettingsInputs(conn *Connection, inputs map[string]any) {
	for _, field := range settingsCallbackFields {
		value, ok := inputs[field]
		if !ok {
			continue
		}
		switch field {
		case "audienceId":
			if s, ok := value.(string); ok {
				conn.AudienceID = s
			}
		case "segmentPrefix":
			if s, ok := value.(string); ok {
				conn.SegmentPrefix = s
			}
		case "sendName":
			if b, ok := settingsBool(value); ok {
				conn.SendName = b
			}
		case "sendEvents":
			if b, ok := settingsBool(value); ok {
				conn.SendEvents = b
			}
		}
	}
}

func settingsBool(v any) (bool, bool) {
	switch typed := v.(type) {
	case bool:
		return typed, true
	case string:
		switch strings.ToLower(strings.TrimSpace(typed)) {
		case "true", "on", "1":
			return true, true
		case "false", "off", "0":
			return false, true
		}
	}
	return false, false
}
