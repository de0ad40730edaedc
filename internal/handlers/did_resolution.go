package handlers

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Agent-Field/agentfield-dids/internal/services"
	"github.com/Agent-Field/agentfield-dids/pkg/types"
)

// ContentTypeResolutionResult is returned when the caller asks for the full
// resolution result rather than the bare document.
const ContentTypeResolutionResult = `application/ld+json;profile="https://w3id.org/did-resolution"`

// DIDResolutionService is what the resolution endpoint needs from the resolver.
type DIDResolutionService interface {
	Resolve(ctx context.Context, did string, opts ...services.ResolveOption) *types.DIDResolutionResult
	SupportedMethods() []string
}

// ResolverHandlers serves DID resolution over HTTP.
type ResolverHandlers struct {
	resolver DIDResolutionService
}

func NewResolverHandlers(resolver DIDResolutionService) *ResolverHandlers {
	return &ResolverHandlers{resolver: resolver}
}

// RegisterRoutes registers the universal-resolver style routes.
func (h *ResolverHandlers) RegisterRoutes(api *gin.RouterGroup) {
	api.GET("/identifiers/:did", h.ResolveDID)
	api.GET("/methods", h.ListMethods)
}

// ResolveDID resolves a DID.
// GET /1.0/identifiers/:did[?versionId=N]
// With Accept: application/did+json only the document is returned.
func (h *ResolverHandlers) ResolveDID(c *gin.Context) {
	did := didFromPath(c.Param("did"))
	var opts []services.ResolveOption
	if version := strings.TrimSpace(c.Query("versionId")); version != "" {
		opts = append(opts, services.WithVersionID(version))
	}

	result := h.resolver.Resolve(c.Request.Context(), did, opts...)
	status := statusForResolution(result)

	if strings.Contains(c.GetHeader("Accept"), types.ContentTypeDIDJSON) {
		if result.DIDDocument == nil {
			c.JSON(status, gin.H{
				"error":   result.DIDResolutionMetadata.Error,
				"message": result.DIDResolutionMetadata.Message,
			})
			return
		}
		c.Header("Content-Type", types.ContentTypeDIDJSON)
		c.JSON(status, result.DIDDocument)
		return
	}

	c.Header("Content-Type", ContentTypeResolutionResult)
	c.JSON(status, result)
}

// ListMethods returns the registered DID methods.
// GET /1.0/methods
func (h *ResolverHandlers) ListMethods(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"methods": h.resolver.SupportedMethods()})
}

// didFromPath accepts the DID verbatim or fully percent-encoded
// ("did%3Aweb%3A..."). Routers should keep raw path values so that
// encoded ports survive.
func didFromPath(raw string) string {
	if strings.HasPrefix(raw, "did:") {
		return raw
	}
	if decoded, err := url.PathUnescape(raw); err == nil {
		return decoded
	}
	return raw
}

func statusForResolution(result *types.DIDResolutionResult) int {
	switch result.DIDResolutionMetadata.Error {
	case "":
		return http.StatusOK
	case types.ErrorCodeInvalidDID:
		return http.StatusBadRequest
	case types.ErrorCodeNotFound:
		return http.StatusNotFound
	case types.ErrorCodeRepresentationNotSupported:
		return http.StatusNotAcceptable
	case types.ErrorCodeMethodNotSupported:
		return http.StatusNotImplemented
	case types.ErrorCodeNetwork:
		return http.StatusBadGateway
	case types.ErrorCodeTimeout:
		return http.StatusGatewayTimeout
	case types.ErrorCodeInvalidLog, types.ErrorCodeSignature, types.ErrorCodeDIDMismatch, types.ErrorCodeInvalidDIDDocument:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
