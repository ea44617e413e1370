package p2p

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/pnet"
)

// GeneratePrivateKey creates a new ed25519 identity key and returns it hex encoded, in the
// form accepted by Config.PrivateKey.
func GeneratePrivateKey() (string, error) {
	priv, err := generatePrivateKey()
	if err != nil {
		return "", err
	}

	raw, err := priv.Raw()
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(raw), nil
}

func generatePrivateKey() (crypto.PrivKey, error) {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}

	return priv, nil
}

func decodeHexEd25519PrivateKey(hexEncodedPrivateKey string) (crypto.PrivKey, error) {
	privKeyBytes, err := hex.DecodeString(hexEncodedPrivateKey)
	if err != nil {
		return nil, err
	}

	return crypto.UnmarshalEd25519PrivateKey(privKeyBytes)
}

// loadPrivateKey returns the configured identity, or a fresh one when none is configured.
func loadPrivateKey(config Config) (crypto.PrivKey, error) {
	if config.PrivateKey == "" {
		pk, err := generatePrivateKey()
		if err != nil {
			return nil, fmt.Errorf("error generating private key: %w", err)
		}

		return pk, nil
	}

	pk, err := decodeHexEd25519PrivateKey(config.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("error decoding private key: %w", err)
	}

	return pk, nil
}

// decodeSharedKey turns a hex pre-shared key into the libp2p private network key.
func decodeSharedKey(sharedKey string) (pnet.PSK, error) {
	s := ""
	s += fmt.Sprintln("/key/swarm/psk/1.0.0/")
	s += fmt.Sprintln("/base16/")
	s += sharedKey

	psk, err := pnet.DecodeV1PSK(bytes.NewBufferString(s))
	if err != nil {
		return nil, fmt.Errorf("error decoding shared key: %w", err)
	}

	return psk, nil
}
