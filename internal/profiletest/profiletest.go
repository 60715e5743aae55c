// Package profiletest builds provisioning profile fixtures for tests.
package profiletest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.mozilla.org/pkcs7"
	"howett.net/plist"
)

var (
	keyOnce sync.Once
	key     *rsa.PrivateKey
	keyErr  error
)

// Key returns a process wide RSA key; generating one per test is slow.
func Key(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		key, keyErr = rsa.GenerateKey(rand.Reader, 2048)
	})
	if keyErr != nil {
		t.Fatalf("failed to generate key: %v", keyErr)
	}
	return key
}

// Certificate returns a self-signed developer certificate for Key with the
// given team id as organizational unit.
func Certificate(t testing.TB, commonName, teamID string) *x509.Certificate {
	t.Helper()
	priv := Key(t)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			CommonName:         commonName,
			OrganizationalUnit: []string{teamID},
			Organization:       []string{"Example Corp"},
		},
		NotBefore:   time.Now().Add(-time.Hour),
		NotAfter:    time.Now().Add(24 * time.Hour),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}
	return cert
}

// Spec describes the fields written into a fixture profile.
type Spec struct {
	Name   string
	UUID   string
	TeamID string
	// EntitlementTeamID is only written to the entitlements, which lets tests
	// exercise the team id fallback.
	EntitlementTeamID string
	AppID             string
	Certificates      []*x509.Certificate
	Expiration        time.Time
}

// Plist renders the profile payload as an XML plist.
func Plist(t testing.TB, s Spec) []byte {
	t.Helper()
	entitlements := map[string]interface{}{
		"get-task-allow": false,
	}
	if s.AppID != "" {
		entitlements["application-identifier"] = s.AppID
	}
	if s.EntitlementTeamID != "" {
		entitlements["com.apple.developer.team-identifier"] = s.EntitlementTeamID
	}

	expiration := s.Expiration
	if expiration.IsZero() {
		expiration = time.Now().Add(365 * 24 * time.Hour).UTC().Truncate(time.Second)
	}

	payload := map[string]interface{}{
		"Name":           s.Name,
		"UUID":           s.UUID,
		"AppIDName":      s.Name,
		"Entitlements":   entitlements,
		"CreationDate":   time.Now().UTC().Truncate(time.Second),
		"ExpirationDate": expiration,
		"Platform":       []interface{}{"iOS"},
	}
	if s.TeamID != "" {
		payload["TeamIdentifier"] = []interface{}{s.TeamID}
		payload["TeamName"] = "Example Corp"
	}
	if len(s.Certificates) > 0 {
		certs := make([]interface{}, 0, len(s.Certificates))
		for _, c := range s.Certificates {
			certs = append(certs, c.Raw)
		}
		payload["DeveloperCertificates"] = certs
	}

	data, err := plist.MarshalIndent(payload, plist.XMLFormat, "\t")
	if err != nil {
		t.Fatalf("failed to marshal profile plist: %v", err)
	}
	return data
}

// Signed wraps payload in a PKCS#7 signed-data container, the shape of a
// .mobileprovision file.
func Signed(t testing.TB, payload []byte) []byte {
	t.Helper()
	sd, err := pkcs7.NewSignedData(payload)
	if err != nil {
		t.Fatalf("failed to create signed data: %v", err)
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
	if err := sd.AddSigner(Certificate(t, "Provisioning Profile Signing", "APPLEROOT1"), Key(t), pkcs7.SignerInfoConfig{}); err != nil {
		t.Fatalf("failed to add signer: %v", err)
	}
	der, err := sd.Finish()
	if err != nil {
		t.Fatalf("failed to finish signed data: %v", err)
	}
	return der
}

// WriteProfile writes a signed .mobileprovision for s into dir and returns its path.
func WriteProfile(t testing.TB, dir, fileName string, s Spec) string {
	t.Helper()
	return WriteFile(t, dir, fileName, Signed(t, Plist(t, s)))
}

// WriteFile writes data to dir/fileName and returns the path.
func WriteFile(t testing.TB, dir, fileName string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, fileName)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
	return path
}
