package smtp

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/emersion/go-msgauth/dkim"
)

var defaultDKIMHeaderKeys = []string{
	"from",
	"to",
	"subject",
	"date",
	"message-id",
}

type DKIMOptions struct {
	Domain   string // MUST match From domain
	Selector string // DNS selector
	Signer   crypto.Signer
	// HeaderKeys defaults to from, to, subject, date and message-id.
	HeaderKeys []string
}

func LoadDKIMPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("invalid PEM data in %s", path)
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DKIM key: %w", err)
	}

	return key, nil
}

// signMessage returns raw prefixed with its DKIM-Signature header.
func signMessage(raw []byte, o *DKIMOptions) (string, error) {
	headerKeys := o.HeaderKeys
	if len(headerKeys) == 0 {
		headerKeys = defaultDKIMHeaderKeys
	}

	opts := &dkim.SignOptions{
		Domain:     o.Domain,
		Selector:   o.Selector,
		Signer:     o.Signer,
		HeaderKeys: headerKeys,
	}

	var signed bytes.Buffer
	if err := dkim.Sign(&signed, bytes.NewReader(raw), opts); err != nil {
		return "", err
	}

	return signed.String(), nil
}
