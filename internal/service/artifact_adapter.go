package service

import (
	"github.com/Sentinel-Gate/Sentinelgate/internal/adapter/outbound/artifacts"
)

// ArtifactGeneratorAdapter adapts *artifacts.Generator to proxy.ArtifactGenerator
// and service.GovernanceRegistry's artifact dependency. GenerateHTML's meta
// parameter on the concrete Generator is an unexported named map type; a
// plain map[string]string argument is assignable to it at the call site
// below even though it could not satisfy the interface directly.
type ArtifactGeneratorAdapter struct {
	Generator *artifacts.Generator
}

func (a *ArtifactGeneratorAdapter) GenerateHTML(requestID, toolName, message string, requiredScopes []string, arguments map[string]any, meta map[string]string) (string, error) {
	return a.Generator.GenerateHTML(requestID, toolName, message, requiredScopes, arguments, meta)
}
