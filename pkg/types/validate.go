package types

import (
	"regexp"
	"strings"

	"github.com/cuemby/drover/pkg/errdefs"
)

var (
	// Artifact names are DNS-label-like: 3-64 lowercase characters.
	artifactNameRe = regexp.MustCompile(`^[a-z][a-z0-9-]{2,63}$`)

	// Versions are semver-like, with an optional leading "v" and optional
	// pre-release suffix.
	versionRe = regexp.MustCompile(`^v?\d+\.\d+\.\d+(-[0-9A-Za-z.-]+)?$`)
)

const (
	maxMetadataEntries  = 50
	maxMetadataKeyLen   = 100
	maxMetadataValueLen = 500
)

// Validate checks the artifact's identity and metadata limits.
func (a *Artifact) Validate() error {
	if a == nil {
		return errdefs.New(errdefs.KindValidation, "artifact is required")
	}
	if !artifactNameRe.MatchString(a.Name) {
		return errdefs.Newf(errdefs.KindValidation, "invalid artifact name %q", a.Name)
	}
	if !versionRe.MatchString(a.Version) {
		return errdefs.Newf(errdefs.KindValidation, "invalid artifact version %q", a.Version)
	}
	if len(a.Metadata) > maxMetadataEntries {
		return errdefs.Newf(errdefs.KindValidation, "metadata has %d entries, limit is %d", len(a.Metadata), maxMetadataEntries)
	}
	for k, v := range a.Metadata {
		if len(k) > maxMetadataKeyLen {
			return errdefs.Newf(errdefs.KindValidation, "metadata key %q exceeds %d characters", k, maxMetadataKeyLen)
		}
		if len(v) > maxMetadataValueLen {
			return errdefs.Newf(errdefs.KindValidation, "metadata value for %q exceeds %d characters", k, maxMetadataValueLen)
		}
	}
	return nil
}

// Validate checks the request before it is accepted by the orchestrator.
func (r *DeploymentRequest) Validate() error {
	if r == nil {
		return errdefs.New(errdefs.KindValidation, "request is required")
	}
	if !r.Environment.Valid() {
		return errdefs.Newf(errdefs.KindValidation, "unknown environment %q", r.Environment)
	}
	if r.Requester == "" || !strings.Contains(r.Requester, "@") {
		return errdefs.Newf(errdefs.KindValidation, "requester must be an email address, got %q", r.Requester)
	}
	return r.Artifact.Validate()
}
