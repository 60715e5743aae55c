package profile

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	gop12 "software.sslmate.com/src/go-pkcs12"
)

// SigningIdentity is a code signing certificate and its private key. The
// certificate is nil when the identity was loaded from a bare PEM key.
type SigningIdentity struct {
	Certificate *x509.Certificate
	PrivateKey  crypto.PrivateKey
	TeamID      string
}

// LoadSigningIdentity loads a signing identity from a PKCS#12 file or a PEM
// encoded private key.
func LoadSigningIdentity(data []byte, password string) (*SigningIdentity, error) {
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("-----BEGIN")) {
		return loadPEMIdentity(data)
	}

	privateKey, cert, _, err := gop12.DecodeChain(data, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decode P12: %w", err)
	}

	return &SigningIdentity{
		Certificate: cert,
		PrivateKey:  privateKey,
		TeamID:      extractTeamID(cert),
	}, nil
}

func loadPEMIdentity(pemData []byte) (*SigningIdentity, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	var privateKey crypto.PrivateKey
	var err error

	switch block.Type {
	case "RSA PRIVATE KEY":
		privateKey, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		privateKey, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		privateKey, err = x509.ParseECPrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported PEM type: %s", block.Type)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return &SigningIdentity{PrivateKey: privateKey}, nil
}

// VerifyIdentity checks that the identity can sign with this credential: its
// certificate, or for a bare key its public key, must belong to one of the
// developer certificates embedded in the profile.
func (c *Credential) VerifyIdentity(identity *SigningIdentity) error {
	if identity.Certificate != nil {
		if c.Profile.MatchesCertificate(identity.Certificate) {
			return nil
		}
		return fmt.Errorf("certificate %q is not included in profile %s", identity.Certificate.Subject.CommonName, c.UUID)
	}

	certs, err := c.Profile.GetCertificates()
	if err != nil {
		return fmt.Errorf("failed to get certificates from profile: %w", err)
	}
	for _, cert := range certs {
		if keyMatchesCert(identity.PrivateKey, cert) {
			return nil
		}
	}
	return fmt.Errorf("no certificate in profile %s matches the provided private key", c.UUID)
}

func keyMatchesCert(privateKey crypto.PrivateKey, cert *x509.Certificate) bool {
	switch priv := privateKey.(type) {
	case *rsa.PrivateKey:
		if pub, ok := cert.PublicKey.(*rsa.PublicKey); ok {
			return priv.N.Cmp(pub.N) == 0 && priv.E == pub.E
		}
	case *ecdsa.PrivateKey:
		if pub, ok := cert.PublicKey.(*ecdsa.PublicKey); ok {
			return priv.PublicKey.Equal(pub)
		}
	}
	return false
}

func extractTeamID(cert *x509.Certificate) string {
	// Apple team ids are the 10 character OU of the signing certificate
	for _, ou := range cert.Subject.OrganizationalUnit {
		if len(ou) == 10 {
			return ou
		}
	}
	return ""
}
