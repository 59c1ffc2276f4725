package signature

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/smallstep/pkcs7"

	"github.com/cuemby/drover/pkg/errdefs"
)

// Result describes a successfully verified artifact signature.
type Result struct {
	// Signer is the subject common name of the signing certificate.
	Signer string

	// Algorithm is the certificate's signature algorithm.
	Algorithm string

	// ContentHash is the hex-encoded SHA-256 of the artifact content.
	ContentHash string
}

// Verifier validates detached PKCS#7 signatures over artifact content.
// Verification is a pure function of (content, signature, trust store, now);
// the trust store is injected at construction and the clock is injectable
// for tests.
type Verifier struct {
	roots *x509.CertPool
	now   func() time.Time
}

// NewVerifier creates a verifier bound to a trust store.
func NewVerifier(roots *x509.CertPool) *Verifier {
	return &Verifier{roots: roots, now: time.Now}
}

// WithClock overrides the verifier's clock. Used by tests.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify checks the detached signature over content. Every failure path
// returns a SignatureInvalid error; a bad signature never becomes good, so
// callers must not retry.
func (v *Verifier) Verify(content, sig []byte) (*Result, error) {
	if len(content) == 0 {
		return nil, errdefs.New(errdefs.KindSignatureInvalid, "artifact content is empty")
	}
	if len(sig) == 0 {
		return nil, errdefs.New(errdefs.KindSignatureInvalid, "artifact signature is missing")
	}

	digest := sha256.Sum256(content)

	p7, err := pkcs7.Parse(sig)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindSignatureInvalid, err, "signature is not a PKCS#7 SignedData blob")
	}

	// Detached signature: attach the content before verification.
	if len(p7.Content) == 0 {
		p7.Content = content
	}

	signer := p7.GetOnlySigner()
	if signer == nil {
		return nil, errdefs.New(errdefs.KindSignatureInvalid, "signature must carry exactly one signer certificate")
	}

	now := v.now()
	if now.Before(signer.NotBefore) || now.After(signer.NotAfter) {
		return nil, errdefs.Newf(errdefs.KindSignatureInvalid,
			"signer certificate outside validity window (%s - %s)",
			signer.NotBefore.Format(time.RFC3339), signer.NotAfter.Format(time.RFC3339))
	}

	if err := p7.VerifyWithChainAtTime(v.roots, now); err != nil {
		return nil, errdefs.Wrap(errdefs.KindSignatureInvalid, err, "signature verification failed")
	}

	return &Result{
		Signer:      signer.Subject.CommonName,
		Algorithm:   signer.SignatureAlgorithm.String(),
		ContentHash: hex.EncodeToString(digest[:]),
	}, nil
}

// LoadTrustStore builds a certificate pool from PEM files.
func LoadTrustStore(paths []string) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read trust store file %s: %w", path, err)
		}
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("no CA certificates found in %s", path)
		}
	}
	return pool, nil
}

// TrustStoreFromPEM builds a certificate pool from in-memory PEM data.
func TrustStoreFromPEM(pemData []byte) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	rest := pemData
	added := 0
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
		}
		pool.AddCert(cert)
		added++
	}
	if added == 0 {
		return nil, fmt.Errorf("no CA certificates found in PEM data")
	}
	return pool, nil
}
