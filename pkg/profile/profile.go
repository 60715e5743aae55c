package profile

import (
	"bytes"
	"context"
	"crypto/x509"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"go.mozilla.org/pkcs7"
	"howett.net/plist"
)

// teamIdentifierEntitlement is the entitlement carrying the team id when the
// profile has no top level TeamIdentifier.
const teamIdentifierEntitlement = "com.apple.developer.team-identifier"

// ProvisioningProfile represents a parsed .mobileprovision payload
type ProvisioningProfile struct {
	Name                        string                 `plist:"Name"`
	TeamName                    string                 `plist:"TeamName"`
	TeamIdentifier              []string               `plist:"TeamIdentifier"`
	AppIDName                   string                 `plist:"AppIDName"`
	ApplicationIdentifierPrefix []string               `plist:"ApplicationIdentifierPrefix"`
	Entitlements                map[string]interface{} `plist:"Entitlements"`
	DeveloperCertificates       [][]byte               `plist:"DeveloperCertificates"`
	ProvisionedDevices          []string               `plist:"ProvisionedDevices"`
	ProvisionsAllDevices        bool                   `plist:"ProvisionsAllDevices"`
	CreationDate                time.Time              `plist:"CreationDate"`
	ExpirationDate              time.Time              `plist:"ExpirationDate"`
	UUID                        string                 `plist:"UUID"`
	Platform                    []string               `plist:"Platform"`
}

// ParseProvisioningProfile parses a .mobileprovision file.
// The file is a CMS (PKCS#7) signed container with a plist payload.
func ParseProvisioningProfile(data []byte) (*ProvisioningProfile, error) {
	p7, err := pkcs7.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PKCS#7 container: %w", err)
	}
	return ParsePlist(p7.Content)
}

// ParsePlist parses an already unwrapped profile payload (XML or binary plist).
func ParsePlist(data []byte) (*ProvisioningProfile, error) {
	var profile ProvisioningProfile
	if _, err := plist.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("failed to parse provisioning profile plist: %w", err)
	}
	return &profile, nil
}

// GetTeamID returns the owning team identifier. It prefers the explicit
// TeamIdentifier field, then the team-identifier entitlement, and returns an
// empty string when neither is present.
func (p *ProvisioningProfile) GetTeamID() string {
	if len(p.TeamIdentifier) > 0 && p.TeamIdentifier[0] != "" {
		return p.TeamIdentifier[0]
	}
	if teamID, ok := p.Entitlements[teamIdentifierEntitlement].(string); ok {
		return teamID
	}
	return ""
}

// GetApplicationIdentifier returns the application identifier from entitlements
func (p *ProvisioningProfile) GetApplicationIdentifier() string {
	if appID, ok := p.Entitlements["application-identifier"].(string); ok {
		return appID
	}
	return ""
}

// IsExpired checks if the provisioning profile has expired
func (p *ProvisioningProfile) IsExpired() bool {
	if p.ExpirationDate.IsZero() {
		return false
	}
	return time.Now().After(p.ExpirationDate)
}

// GetCertificates parses and returns the developer certificates from the profile
func (p *ProvisioningProfile) GetCertificates() ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for i, certData := range p.DeveloperCertificates {
		cert, err := x509.ParseCertificate(certData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate %d: %w", i, err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// MatchesCertificate checks if the given certificate matches any certificate in the profile
func (p *ProvisioningProfile) MatchesCertificate(cert *x509.Certificate) bool {
	for _, certData := range p.DeveloperCertificates {
		profileCert, err := x509.ParseCertificate(certData)
		if err != nil {
			continue
		}
		if cert.Equal(profileCert) {
			return true
		}
	}
	return false
}

// Credential is the identity data decoded from one provisioning profile.
type Credential struct {
	UUID   string
	Name   string
	TeamID string

	// SourcePath is the file the credential was decoded from.
	SourcePath string
	// Signed reports whether SourcePath is an installable CMS container
	// rather than a plist that was decoded upstream.
	Signed bool

	Profile *ProvisioningProfile
}

func newCredential(p *ProvisioningProfile, path string, signed bool) (*Credential, error) {
	if strings.TrimSpace(p.UUID) == "" {
		return nil, fmt.Errorf("profile has no UUID")
	}
	return &Credential{
		UUID:       p.UUID,
		Name:       p.Name,
		TeamID:     p.GetTeamID(),
		SourcePath: path,
		Signed:     signed,
		Profile:    p,
	}, nil
}

// Ext returns the file extension placed copies of the credential should use.
func (c *Credential) Ext() string {
	if ext := filepath.Ext(c.SourcePath); ext != "" && c.Signed {
		return ext
	}
	return ".mobileprovision"
}

func (c *Credential) String() string {
	return fmt.Sprintf("%s (%s)", c.Name, c.UUID)
}

// DecodeError reports a profile that could not be decoded by any method.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode provisioning profile %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	return []error{e.Err, errdefs.ErrInvalidArgument}
}

// Decoder turns profile artifacts into credentials.
type Decoder struct {
	// Fallback unwraps a CMS container with platform tooling when the native
	// parser rejects it. Nil means `security cms -D -i <path>`.
	Fallback func(ctx context.Context, path string) ([]byte, error)
}

// Decode reads the artifact at path. The native PKCS#7 parser is tried
// first, then plain plist input, then the platform fallback.
func (d *Decoder) Decode(ctx context.Context, path string) (*Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}

	p, nativeErr := ParseProvisioningProfile(data)
	signed := true
	if nativeErr != nil {
		if looksLikePlist(data) {
			p, err = ParsePlist(data)
			if err != nil {
				return nil, &DecodeError{Path: path, Err: err}
			}
			signed = false
		} else {
			fallback := d.Fallback
			if fallback == nil {
				fallback = securityCMSDecode
			}
			out, fbErr := fallback(ctx, path)
			if fbErr != nil {
				return nil, &DecodeError{Path: path, Err: fmt.Errorf("%v; fallback: %w", nativeErr, fbErr)}
			}
			if p, err = ParsePlist(out); err != nil {
				return nil, &DecodeError{Path: path, Err: err}
			}
		}
	}

	cred, err := newCredential(p, path, signed)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	return cred, nil
}

func looksLikePlist(data []byte) bool {
	trimmed := bytes.TrimLeft(data, " \t\r\n\ufeff")
	return bytes.HasPrefix(trimmed, []byte("<?xml")) ||
		bytes.HasPrefix(trimmed, []byte("<plist")) ||
		bytes.HasPrefix(trimmed, []byte("<!DOCTYPE plist")) ||
		bytes.HasPrefix(trimmed, []byte("bplist00"))
}

func securityCMSDecode(ctx context.Context, path string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "security", "cms", "-D", "-i", path)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("security cms -D failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}
