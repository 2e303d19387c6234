package keys_test

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"otapatch/internal/keys"
)

func generateKeyPair(t *testing.T, bits int) (certPEM, keyPEM []byte) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test"},
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).AddDate(30, 0, 0),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	pkcs8Der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatalf("MarshalPKCS8PrivateKey: %v", err)
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8Der})
	return certPEM, keyPEM
}

func TestLoadAndSign(t *testing.T) {
	certPEM, keyPEM := generateKeyPair(t, 2048)

	kp, err := keys.Load(certPEM, keyPEM, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if kp.Algorithm() != 1 {
		t.Fatalf("Algorithm() = %d, want SHA256RSA2048 (1)", kp.Algorithm())
	}

	digest := keys.Digest([]byte("hello world"))
	sig, err := kp.Sign(digest)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	pub := kp.Cert.PublicKey.(*rsa.PublicKey)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest, sig); err != nil {
		t.Fatalf("signature does not verify: %v", err)
	}
}

func TestLoadRejectsMismatchedCert(t *testing.T) {
	certA, _ := generateKeyPair(t, 2048)
	_, keyB := generateKeyPair(t, 2048)

	if _, err := keys.Load(certA, keyB, nil); err == nil {
		t.Fatalf("expected mismatch error, got nil")
	}
}

func TestLoadSigningKeyHasNoCert(t *testing.T) {
	_, keyPEM := generateKeyPair(t, 2048)

	kp, err := keys.LoadSigningKey(keyPEM, nil)
	if err != nil {
		t.Fatalf("LoadSigningKey: %v", err)
	}
	if kp.Cert != nil {
		t.Fatalf("expected no certificate on a signing-only key, got %v", kp.Cert)
	}
	if _, err := kp.PublicKeyAVB(); err != nil {
		t.Fatalf("PublicKeyAVB: %v", err)
	}
}

func TestEncodeAVBPublicKeyLength(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	encoded, err := keys.EncodeAVBPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("EncodeAVBPublicKey: %v", err)
	}
	want := 8 + 2*(2048/8)
	if len(encoded) != want {
		t.Fatalf("encoded length = %d, want %d", len(encoded), want)
	}
}
