package dkim

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

const DefaultKeyBits = 2048

// Parses an RSA private key stored in any of the forms we accept:
// a PKCS#8 PEM block, a PKCS#1 PEM block, or the base64 of either
// DER encoding without the PEM armor.
func ParsePrivateKey(value string) (*rsa.PrivateKey, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, errors.New("private key is empty")
	}

	var der []byte
	if block, _ := pem.Decode([]byte(value)); block != nil {
		der = block.Bytes
	} else {
		raw, err := base64.StdEncoding.DecodeString(stripWhitespace(value))
		if err != nil {
			return nil, errors.Wrap(err, "private key is neither pem nor base64")
		}
		der = raw
	}

	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, errors.Wrap(err, "could not parse private key")
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", parsed)
	}

	return key, nil
}

// Re-encodes a stored private key as a PKCS#1 "RSA PRIVATE KEY" PEM
// block. Normalizing an already normalized key returns it unchanged.
func NormalizePrivateKey(value string) (string, error) {
	key, err := ParsePrivateKey(value)
	if err != nil {
		return "", err
	}

	return encodePKCS1(key), nil
}

func encodePKCS1(key *rsa.PrivateKey) string {
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))
}

// A freshly generated signing key and what needs to be published.
type KeyPair struct {
	PrivateKeyPEM string
	PublicKeyPEM  string

	// Value of the TXT record at <selector>._domainkey.<domain>.
	Record string
}

func GenerateKeyPair(bits int) (*KeyPair, error) {
	if bits <= 0 {
		bits = DefaultKeyBits
	}

	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, errors.Wrap(err, "could not generate key")
	}

	private, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, errors.Wrap(err, "could not encode private key")
	}
	public, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, errors.Wrap(err, "could not encode public key")
	}

	return &KeyPair{
		PrivateKeyPEM: string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: private})),
		PublicKeyPEM:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: public})),
		Record:        "v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(public),
	}, nil
}

// Returns the base64 key material of a PEM public key, that is the
// same value published in the p= tag of the DNS record.
func PublicKeyMaterial(value string) string {
	var lines []string
	for _, line := range strings.Split(value, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "-----") {
			continue
		}
		lines = append(lines, line)
	}

	return stripWhitespace(strings.Join(lines, ""))
}

func stripWhitespace(value string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, value)
}
