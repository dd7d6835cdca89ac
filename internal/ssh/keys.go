package ssh

// keys.go implements a facade over 'crypto/ed25519' and 'x/crypto/ssh' for the
// two key workflows needed when provisioning an ephemeral instance:
//
// - The provider generates the key pair and hands back PEM-encoded private
//   key material. That material needs parsing into an 'ssh.Signer' ('ParseKey').
// - We generate the key pair ourselves and import only the public half
//   ('NewED25519KeyPair'). The public key needs the OpenSSH 'authorized_keys'
//   format, the private key the OpenSSH PEM format so it can flow through the
//   same 'ParseKey' path as provider-generated material.
//
// NOTE: 'x/crypto/ssh' doesn't have an implementation of a 'PrivateKey'
// (though it does have a 'PublicKey'). The 'Signer' interface fulfills all the
// roles of a private key within the 'x/crypto/ssh' package.

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"golang.org/x/crypto/ssh"
)

var (
	ErrKeyGen         = fmt.Errorf("failed to generate a 'crypto/ed25519' keypair")
	ErrPubKeyConv     = fmt.Errorf("failed to convert the 'ed25519.PublicKey' to 'ssh.PublicKey'")
	ErrPubKeyMarshal  = fmt.Errorf("failed to marshal the 'ssh.PublicKey' to OpenSSH format")
	ErrPrivKeyMarshal = fmt.Errorf("failed to marshal the 'ssh.PrivateKey' to OpenSSH format")
	ErrPEMEncode      = fmt.Errorf("failed to PEM-encode the ssh.PrivateKey")
)

// Generates a 'crypto/ed25519' public+private key pair, as an 'ED25519KeyPair'.
func NewED25519KeyPair() (ED25519KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return ED25519KeyPair{}, fmt.Errorf("%w: %w", ErrKeyGen, err)
	}
	return ED25519KeyPair{
		Public:  ED25519PublicKey{key: pub},
		Private: ED25519PrivateKey{key: priv},
	}, nil
}

type ED25519KeyPair struct {
	Public  ED25519PublicKey
	Private ED25519PrivateKey
}

type ED25519PublicKey struct {
	key ed25519.PublicKey
}

// Converts the 'ed25519.PublicKey' to an 'ssh.PublicKey'.
func (pubKey ED25519PublicKey) ToSSH() (ssh.PublicKey, error) {
	pub, err := ssh.NewPublicKey(pubKey.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPubKeyConv, err)
	}
	return pub, nil
}

// Marshals the 'ed25519.PublicKey' to the OpenSSH ('authorized_keys') format,
// the format expected by EC2 key pair import.
func (pubKey ED25519PublicKey) MarshalOpenSSH() ([]byte, error) {
	publicKey, err := pubKey.ToSSH()
	if err != nil {
		return nil, err
	}
	marshaled := ssh.MarshalAuthorizedKey(publicKey)
	if marshaled == nil {
		return nil, ErrPubKeyMarshal
	}
	return marshaled, nil
}

type ED25519PrivateKey struct {
	key ed25519.PrivateKey
}

// Marshals the 'ed25519.PrivateKey' to the PEM-encoded OpenSSH format.
func (privKey ED25519PrivateKey) MarshalOpenSSH(comment string) ([]byte, error) {
	priv, err := ssh.MarshalPrivateKey(privKey.key, comment)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPrivKeyMarshal, err)
	}
	encoded := pem.EncodeToMemory(priv)
	if encoded == nil {
		return nil, ErrPEMEncode
	}
	return encoded, nil
}

// Converts the 'ed25519.PrivateKey' to an 'ssh.Signer'.
func (privKey ED25519PrivateKey) ToSSH() (ssh.Signer, error) {
	return ssh.NewSignerFromKey(privKey.key)
}

var (
	ErrSSHFailedKeyParse = fmt.Errorf("failed to parse SSH private key")
	ErrNoKey             = fmt.Errorf("no SSH private key material provided")
)

// ParseKey attempts to parse the provided 'key' value as a PEM-encoded private
// key (PKCS#1 RSA as returned by EC2, or the OpenSSH format).
//
// If 'phrase' is nil or an empty slice, the key parse will be attempted
// assuming no encryption.
// If 'phrase' is provided, the key will be parsed assuming encryption. If the
// parse fails with the key it will be reattempted assuming no encryption.
func ParseKey(key, phrase []byte) (ssh.Signer, error) {
	if len(key) == 0 {
		return nil, ErrNoKey
	}
	if len(phrase) > 0 {
		// This looks a little funky because we _only_ want to return here if the
		// error is nil
		signer, err := ssh.ParsePrivateKeyWithPassphrase(key, phrase)
		if err == nil {
			return signer, nil
		}
		// If we received an x509.IncorrectPasswordError, reattempt parsing
		// without the passphrase (key might not be encrypted), otherwise return
		// all other errors
		if !errors.Is(err, x509.IncorrectPasswordError) {
			return nil, fmt.Errorf("%w: %w", ErrSSHFailedKeyParse, err)
		}
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSSHFailedKeyParse, err)
	}
	return signer, nil
}
