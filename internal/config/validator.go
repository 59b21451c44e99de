package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers governance-specific validation rules.
// Must be called before validating GovernanceConfig.
func RegisterCustomValidators(v *validator.Validate) error {
	// audit_output: validates "stdout" or "file://<absolute-path>"
	if err := v.RegisterValidation("audit_output", validateAuditOutput); err != nil {
		return fmt.Errorf("failed to register audit_output validator: %w", err)
	}
	return nil
}

// validateAuditOutput validates the audit output field.
// Valid values: "stdout" or "file://<absolute-path>"
func validateAuditOutput(fl validator.FieldLevel) bool {
	output := fl.Field().String()

	// "stdout" is always valid
	if output == "stdout" {
		return true
	}

	// "file://<path>" requires an absolute path
	if strings.HasPrefix(output, "file://") {
		path := strings.TrimPrefix(output, "file://")
		return path != "" && filepath.IsAbs(path)
	}

	return false
}

// Validate validates GovernanceConfig using struct tags plus cross-field
// rules (upstream mutual exclusion, identity reference integrity), and
// additionally refuses to run with the built-in insecure token secret
// outside DevMode.
func (c *GovernanceConfig) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := validateUpstreamMutualExclusion(c.Upstream); err != nil {
		return err
	}
	if err := validateIdentityReferences(c.Auth); err != nil {
		return err
	}
	if !c.DevMode && (c.Governance.TokenSecret == "" || c.Governance.TokenSecret == insecureDevTokenSecret) {
		return errInsecureTokenSecret
	}
	return nil
}

// validateUpstreamMutualExclusion ensures at most one of HTTP or Command is set.
// Both empty is OK when the caller still needs to apply a CLI positional-arg
// override (see runServe) before the final Validate() call.
func validateUpstreamMutualExclusion(u UpstreamConfig) error {
	if u.HTTP != "" && u.Command != "" {
		return errors.New("upstream: specify http OR command, not both")
	}
	return nil
}

// HasYAMLUpstream returns true if the YAML config has a single upstream configured.
func (c *GovernanceConfig) HasYAMLUpstream() bool {
	return c.Upstream.HTTP != "" || c.Upstream.Command != ""
}

// validateIdentityReferences ensures all API key identity_id values reference valid identities.
func validateIdentityReferences(auth AuthConfig) error {
	knownIdentities := make(map[string]struct{}, len(auth.Identities))
	for _, identity := range auth.Identities {
		knownIdentities[identity.ID] = struct{}{}
	}
	for i, apiKey := range auth.APIKeys {
		if _, exists := knownIdentities[apiKey.IdentityID]; !exists {
			return fmt.Errorf("api_keys[%d]: references unknown identity_id: %s", i, apiKey.IdentityID)
		}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			msg := formatSingleValidationError(e)
			messages = append(messages, msg)
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must have at least %s items", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "startswith":
		return fmt.Sprintf("%s must start with %q", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "audit_output":
		return fmt.Sprintf("%s must be 'stdout' or 'file://<absolute-path>'", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
