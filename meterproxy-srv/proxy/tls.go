package proxy

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/codefionn/meterproxy/meterproxy-srv/config"
	"github.com/codefionn/meterproxy/meterproxy-srv/logger"
	pkcs8 "github.com/youmark/pkcs8"
)

// errLegacyPEMEncryption is returned for RFC 1423 encrypted keys.
var errLegacyPEMEncryption = errors.New("legacy PEM encryption is not supported, convert the key to encrypted PKCS#8")

// decryptPEMKey decrypts a password-protected PKCS#8 private key. Without a
// password the PEM data is returned unchanged.
func decryptPEMKey(keyPEM []byte, password string) ([]byte, error) {
	if password == "" {
		return keyPEM, nil
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	if _, legacy := block.Headers["DEK-Info"]; legacy {
		return nil, errLegacyPEMEncryption
	}

	if block.Type != "ENCRYPTED PRIVATE KEY" {
		return keyPEM, nil
	}

	key, err := pkcs8.ParsePKCS8PrivateKey(block.Bytes, []byte(password))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt PKCS#8 encrypted private key: %w", err)
	}
	logger.Debug("Decrypted PKCS#8 encrypted private key")

	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal decrypted private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// LoadListenerTLS builds the TLS configuration of a listener. It returns nil
// for plain listeners.
func LoadListenerTLS(server config.ServerConfig) (*tls.Config, error) {
	if !server.TLSEnabled() {
		return nil, nil
	}

	certPEM, err := os.ReadFile(server.TLSCertFile)
	if err != nil {
		return nil, newCodedError(ErrCodeTLSConfigFailed, fmt.Errorf("read certificate %s: %w", server.TLSCertFile, err))
	}
	keyPEM, err := os.ReadFile(server.TLSKeyFile)
	if err != nil {
		return nil, newCodedError(ErrCodeTLSConfigFailed, fmt.Errorf("read key %s: %w", server.TLSKeyFile, err))
	}
	keyPEM, err = decryptPEMKey(keyPEM, server.TLSKeyPassword)
	if err != nil {
		return nil, newCodedError(ErrCodeTLSConfigFailed, fmt.Errorf("key %s: %w", server.TLSKeyFile, err))
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, newCodedError(ErrCodeX509KeyPairFailed, err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"http/1.1"},
	}, nil
}
