package console

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ScriptConfig contains values exposed to the browser before session-hooks.js runs.
type ScriptConfig struct {
	BaseURL     string
	SessionPath string
	APIPath     string
}

// ServeConfigScript emits a JavaScript payload that hydrates window.__CURRICULUM_CONSOLE_CONFIG.
func ServeConfigScript(contextGin *gin.Context, configuration ScriptConfig) {
	baseURL := configuration.BaseURL
	if strings.TrimSpace(baseURL) == "" {
		host := contextGin.Request.Host
		if host == "" {
			host = "localhost"
		}
		baseURL = fmt.Sprintf("%s://%s", forwardedProto(contextGin.Request), host)
	}
	payload := struct {
		BaseURL     string `json:"baseUrl"`
		SessionPath string `json:"sessionPath"`
		APIPath     string `json:"apiPath"`
	}{
		BaseURL:     baseURL,
		SessionPath: configuration.SessionPath,
		APIPath:     configuration.APIPath,
	}

	encoded, encodeErr := json.Marshal(payload)
	if encodeErr != nil {
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": "console.config_script.encode_failed",
		})
		return
	}

	script := fmt.Sprintf(`(function(){window.__CURRICULUM_CONSOLE_CONFIG=Object.freeze(%s);})();`, string(encoded))

	contextGin.Header("Cache-Control", "no-store, no-cache, must-revalidate, private")
	contextGin.Header("Pragma", "no-cache")
	contextGin.Header("X-Content-Type-Options", "nosniff")
	contextGin.Data(http.StatusOK, "application/javascript; charset=utf-8", []byte(script))
}

func forwardedProto(request *http.Request) string {
	if request == nil {
		return "https"
	}
	if headerValue := request.Header.Get("X-Forwarded-Proto"); headerValue != "" {
		return headerValue
	}
	if request.TLS != nil {
		return "https"
	}
	return "http"
}
