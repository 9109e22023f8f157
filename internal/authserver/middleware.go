package authserver

import (
	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/tyemirov/curriculumconsole/pkg/sessionvalidator"
)

// RequireBearer validates the bearer access token and injects claims under sessionvalidator.DefaultContextKey.
func RequireBearer(configuration ServerConfig, clock clockwork.Clock) (gin.HandlerFunc, error) {
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: configuration.SigningKey,
		Issuer:     configuration.Issuer,
		Clock:      clock,
	})
	if err != nil {
		return nil, err
	}
	return validator.GinMiddleware(sessionvalidator.DefaultContextKey), nil
}
