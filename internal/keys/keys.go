// Package keys loads signing material (private keys and certificates) and
// exposes it through the signer interfaces that internal/payload and
// internal/vbmeta expect, so the same key pair can sign a payload manifest
// hash, an OTA zip's CMS blob, and a vbmeta image without the caller caring
// about the differences between those three signature formats.
package keys

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"

	"github.com/youmark/pkcs8"
	"go.mozilla.org/pkcs7"

	"otapatch/internal/otaerr"
	"otapatch/internal/vbmeta"
)

// KeyPair bundles a private key with its certificate. It implements
// payload.ManifestSigner and vbmeta.Signer, and adds a PKCS#7 detached
// signing method for whole-archive OTA signatures.
type KeyPair struct {
	Cert *x509.Certificate
	Priv crypto.Signer
}

// Load reads a PEM certificate and a PEM/DER private key (PKCS#1, PKCS#8,
// or passphrase-encrypted PKCS#8) and returns a matched KeyPair. passphrase
// is ignored for unencrypted keys.
func Load(certPEM, keyData []byte, passphrase []byte) (*KeyPair, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, otaerr.New(otaerr.KeyLoad, "certificate is not PEM encoded")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, otaerr.Wrap(otaerr.KeyLoad, err, "parsing certificate")
	}

	priv, err := parsePrivateKey(keyData, passphrase)
	if err != nil {
		return nil, err
	}
	signer, ok := priv.(crypto.Signer)
	if !ok {
		return nil, otaerr.New(otaerr.KeyLoad, "private key does not support signing")
	}

	if err := matchesCert(signer, cert); err != nil {
		return nil, err
	}
	return &KeyPair{Cert: cert, Priv: signer}, nil
}

// LoadSigningKey reads a PEM/DER private key with no associated
// certificate, for signing roles that never need one — namely the AVB
// key, which signs vbmeta images and boot footers using libavb's own
// binary public-key format rather than X.509.
func LoadSigningKey(keyData, passphrase []byte) (*KeyPair, error) {
	priv, err := parsePrivateKey(keyData, passphrase)
	if err != nil {
		return nil, err
	}
	signer, ok := priv.(crypto.Signer)
	if !ok {
		return nil, otaerr.New(otaerr.KeyLoad, "private key does not support signing")
	}
	return &KeyPair{Priv: signer}, nil
}

func parsePrivateKey(data []byte, passphrase []byte) (crypto.PrivateKey, error) {
	der := data
	if block, _ := pem.Decode(data); block != nil {
		der = block.Bytes
	}

	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := pkcs8.ParsePKCS8PrivateKey(der, passphrase); err == nil {
		return key, nil
	}
	return nil, otaerr.New(otaerr.KeyLoad, "private key is not PKCS#1, PKCS#8, or encrypted PKCS#8")
}

func matchesCert(priv crypto.Signer, cert *x509.Certificate) error {
	certPub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return otaerr.New(otaerr.KeyLoad, "certificate does not carry an RSA public key")
	}
	privPub, ok := priv.Public().(*rsa.PublicKey)
	if !ok {
		return otaerr.New(otaerr.KeyLoad, "private key is not RSA")
	}
	if certPub.N.Cmp(privPub.N) != 0 || certPub.E != privPub.E {
		return otaerr.New(otaerr.KeyMismatch, "certificate does not match private key")
	}
	return nil
}

// Algorithm reports the AVB algorithm type implied by the key's modulus
// size, matching avbtool's SHA256_RSAxxxx family.
func (k *KeyPair) Algorithm() uint32 {
	pub := k.Priv.Public().(*rsa.PublicKey)
	switch pub.N.BitLen() {
	case 4096:
		return vbmeta.AlgorithmSHA256RSA4096
	case 8192:
		return vbmeta.AlgorithmSHA256RSA8192
	default:
		return vbmeta.AlgorithmSHA256RSA2048
	}
}

// Sign produces a raw PKCS#1 v1.5 signature over a SHA-256 digest, the
// format both update_engine payload signatures and AVB vbmeta signatures
// use.
func (k *KeyPair) Sign(digest []byte) ([]byte, error) {
	return rsa.SignPKCS1v15(rand.Reader, k.Priv.(*rsa.PrivateKey), crypto.SHA256, digest)
}

// SignPayloadHash implements payload.ManifestSigner.
func (k *KeyPair) SignPayloadHash(hash []byte) ([]byte, error) {
	return k.Sign(hash)
}

// PublicKeyAVB encodes the RSA public key in libavb's own binary format:
// bit length, Montgomery n0inv, modulus, and R^2 mod n, all big-endian.
// AVB does not use X.509 DER for embedded public keys.
func (k *KeyPair) PublicKeyAVB() ([]byte, error) {
	pub, ok := k.Priv.Public().(*rsa.PublicKey)
	if !ok {
		return nil, otaerr.New(otaerr.KeyLoad, "private key is not RSA")
	}
	return EncodeAVBPublicKey(pub)
}

// EncodeAVBPublicKey implements avbtool's encode_rsa_key: a fixed header of
// bit-length and Montgomery parameter n0inv, followed by the modulus and
// R^2 mod n, each padded to the key size.
func EncodeAVBPublicKey(pub *rsa.PublicKey) ([]byte, error) {
	n := pub.N
	numBits := n.BitLen()
	numBytes := numBits / 8
	if numBytes*8 != numBits {
		return nil, fmt.Errorf("avb: modulus size %d is not a multiple of 8 bits", numBits)
	}

	b32 := new(big.Int).Lsh(big.NewInt(1), 32)
	nMod32 := new(big.Int).Mod(n, b32)
	inv := new(big.Int).ModInverse(nMod32, b32)
	if inv == nil {
		return nil, fmt.Errorf("avb: modulus has no inverse mod 2^32")
	}
	n0inv := new(big.Int).Sub(b32, inv)
	n0inv.Mod(n0inv, b32)

	rr := new(big.Int).Lsh(big.NewInt(1), uint(2*numBits))
	rr.Mod(rr, n)

	buf := make([]byte, 0, 8+2*numBytes)
	buf = appendUint32BE(buf, uint32(numBits))
	buf = appendUint32BE(buf, uint32(n0inv.Uint64()))
	buf = append(buf, leftPad(n.Bytes(), numBytes)...)
	buf = append(buf, leftPad(rr.Bytes(), numBytes)...)
	return buf, nil
}

func appendUint32BE(buf []byte, v uint32) []byte {
	return append(buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func leftPad(b []byte, size int) []byte {
	if len(b) >= size {
		return b[len(b)-size:]
	}
	out := make([]byte, size)
	copy(out[size-len(b):], b)
	return out
}

// SignDetachedPKCS7 produces a CMS/PKCS#7 detached signature over data,
// matching how Android's signapk signs an OTA's whole-file digest.
func (k *KeyPair) SignDetachedPKCS7(data []byte) ([]byte, error) {
	sd, err := pkcs7.NewSignedData(data)
	if err != nil {
		return nil, otaerr.Wrap(otaerr.Sign, err, "initializing PKCS#7 signed data")
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
	if err := sd.AddSigner(k.Cert, k.Priv, pkcs7.SignerInfoConfig{}); err != nil {
		return nil, otaerr.Wrap(otaerr.Sign, err, "adding PKCS#7 signer")
	}
	sd.Detach()
	blob, err := sd.Finish()
	if err != nil {
		return nil, otaerr.Wrap(otaerr.Sign, err, "finishing PKCS#7 signature")
	}
	return blob, nil
}

// Digest is a convenience for computing the SHA-256 digest payload.Rebuild
// and vbmeta.Build sign over.
func Digest(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}
