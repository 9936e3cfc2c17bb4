// Package keybox holds the default structural validator for Android
// attestation keybox documents.
package keybox

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/beevik/etree"
	"go.uber.org/zap"
	"golang.org/x/net/html/charset"

	"github.com/JakeFAU/keyboxer/internal/canonical"
)

// RootTag is the document element of a keybox file.
const RootTag = "AndroidAttestation"

// Validator implements crawler.Validator.
type Validator struct {
	logger *zap.Logger
}

// NewValidator returns a Validator. Rejection reasons are logged at debug.
func NewValidator(logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{logger: logger}
}

// Valid reports whether raw is a structurally sound keybox.
func (v *Validator) Valid(raw []byte) bool {
	if err := Check(raw); err != nil {
		v.logger.Debug("Keybox rejected", zap.Error(err))
		return false
	}
	return true
}

// Check returns the first structural problem found in raw, or nil.
func Check(raw []byte) error {
	raw = canonical.TrimBOM(raw)
	if err := canonical.CheckWellFormed(raw); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	doc := etree.NewDocument()
	doc.ReadSettings.CharsetReader = charset.NewReaderLabel
	if err := doc.ReadFromBytes(raw); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	root := doc.Root()
	if root == nil || root.Tag != RootTag {
		return fmt.Errorf("root element is not %s", RootTag)
	}

	keyboxes := root.SelectElements("Keybox")
	if len(keyboxes) == 0 {
		return errors.New("no Keybox elements")
	}
	if err := checkCount(root, "NumberOfKeyboxes", len(keyboxes)); err != nil {
		return err
	}
	for i, kb := range keyboxes {
		keys := kb.SelectElements("Key")
		if len(keys) == 0 {
			return fmt.Errorf("keybox %d has no Key elements", i)
		}
		for j, key := range keys {
			if err := checkKey(key); err != nil {
				return fmt.Errorf("keybox %d key %d: %w", i, j, err)
			}
		}
	}
	return nil
}

func checkKey(key *etree.Element) error {
	priv := key.SelectElement("PrivateKey")
	if priv == nil {
		return errors.New("missing PrivateKey")
	}
	if err := checkPrivateKey(priv.Text()); err != nil {
		return err
	}

	chain := key.SelectElement("CertificateChain")
	if chain == nil {
		return errors.New("missing CertificateChain")
	}
	certs := chain.SelectElements("Certificate")
	if len(certs) == 0 {
		return errors.New("empty CertificateChain")
	}
	if err := checkCount(chain, "NumberOfCertificates", len(certs)); err != nil {
		return err
	}
	for i, cert := range certs {
		if err := checkCertificate(cert.Text()); err != nil {
			return fmt.Errorf("certificate %d: %w", i, err)
		}
	}
	return nil
}

func checkCount(parent *etree.Element, tag string, actual int) error {
	el := parent.SelectElement(tag)
	if el == nil {
		return nil
	}
	declared, err := strconv.Atoi(strings.TrimSpace(el.Text()))
	if err != nil {
		return fmt.Errorf("%s is not a number: %w", tag, err)
	}
	if declared != actual {
		return fmt.Errorf("%s is %d but %d present", tag, declared, actual)
	}
	return nil
}

func decodePEM(text string) (*pem.Block, error) {
	block, _ := pem.Decode([]byte(normalizePEM(text)))
	if block == nil {
		return nil, errors.New("no PEM block")
	}
	return block, nil
}

// normalizePEM strips the per-line indentation keybox files commonly carry.
func normalizePEM(text string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	return strings.Join(lines, "\n") + "\n"
}

func checkPrivateKey(text string) error {
	block, err := decodePEM(text)
	if err != nil {
		return fmt.Errorf("private key: %w", err)
	}
	switch block.Type {
	case "EC PRIVATE KEY":
		_, err = x509.ParseECPrivateKey(block.Bytes)
	case "RSA PRIVATE KEY":
		_, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		_, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	default:
		err = fmt.Errorf("unsupported PEM type %q", block.Type)
	}
	if err != nil {
		return fmt.Errorf("private key: %w", err)
	}
	return nil
}

func checkCertificate(text string) error {
	block, err := decodePEM(text)
	if err != nil {
		return err
	}
	if block.Type != "CERTIFICATE" {
		return fmt.Errorf("unexpected PEM type %q", block.Type)
	}
	if _, err := x509.ParseCertificate(block.Bytes); err != nil {
		return fmt.Errorf("parse certificate: %w", err)
	}
	return nil
}
