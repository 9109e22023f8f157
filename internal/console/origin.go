package console

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RequestedWithHeader must accompany every state-changing console request. Browsers cannot attach it
// to cross-site forms, beacons, or no-cors fetches, and a cross-origin page can only send it after a
// CORS preflight the allowlist controls.
const (
	RequestedWithHeader = "X-Requested-With"
	RequestedWithValue  = "XMLHttpRequest"
)

const (
	headerOrigin       = "Origin"
	headerSecFetchSite = "Sec-Fetch-Site"
)

// requireSameOrigin rejects requests that did not come from the console's own page or an allowlisted
// origin.
func (host *Host) requireSameOrigin(contextGin *gin.Context) {
	if reason := host.crossSiteReason(contextGin.Request); reason != "" {
		host.logger.Warn("cross-site request rejected",
			zap.String("code", "console.request.cross_site"),
			zap.String("reason", reason),
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.String("origin", contextGin.GetHeader(headerOrigin)))
		contextGin.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "cross_site_request"})
		return
	}
	contextGin.Next()
}

func (host *Host) crossSiteReason(request *http.Request) string {
	if request.Header.Get(RequestedWithHeader) != RequestedWithValue {
		return "missing_requested_with"
	}
	if origin := request.Header.Get(headerOrigin); origin != "" {
		if !host.originAllowed(request, origin) {
			return "origin_not_allowed"
		}
		return ""
	}
	switch strings.ToLower(request.Header.Get(headerSecFetchSite)) {
	case "", "same-origin", "none":
		return ""
	default:
		return "fetch_site_cross"
	}
}

func (host *Host) originAllowed(request *http.Request, origin string) bool {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return false
	}
	if strings.EqualFold(parsed.Host, request.Host) {
		return true
	}
	normalized := strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host)
	_, allowed := host.allowedOrigins[normalized]
	return allowed
}
