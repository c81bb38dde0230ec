// Package cryptoutil handles the symmetrically encrypted credential field
// of inbound requests. Key material lives in a kryptograf keymgmt PEM
// bundle: a root key plus a named descriptor from which the credential
// DEK is reconstructed per operation.
package cryptoutil

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"

	"pkt.systems/kryptograf"
	"pkt.systems/kryptograf/keymgmt"
)

// CredentialDescriptorName identifies the credential DEK descriptor in
// the bundle; it doubles as the kryptograf derivation context.
const CredentialDescriptorName = "portald/credentials"

// Codec encrypts and decrypts credential payloads.
type Codec struct {
	root       keymgmt.RootKey
	descriptor keymgmt.Descriptor
}

// NewCodec mints a fresh credential DEK under root. Used for ephemeral
// dev keys and tests; production deployments load a bundle so the key
// survives restarts.
func NewCodec(root keymgmt.RootKey) (*Codec, error) {
	mat, err := kryptograf.New(root).MintDEK([]byte(CredentialDescriptorName))
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: mint credential material: %w", err)
	}
	descriptor := mat.Descriptor
	mat.Zero()
	return &Codec{root: root, descriptor: descriptor}, nil
}

// CodecFromBundle loads (or bootstraps) the PEM bundle at path, ensuring
// a root key and credential descriptor exist, and persists the bundle
// back when it changed.
func CodecFromBundle(path string) (*Codec, error) {
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("cryptoutil: read bundle %q: %w", path, err)
	}
	var out []byte
	store, err := keymgmt.LoadPEMInto(existing, &out)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: load bundle %q: %w", path, err)
	}
	root, err := store.EnsureRootKey()
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: ensure root key: %w", err)
	}
	mat, err := store.EnsureDescriptor(CredentialDescriptorName, root, []byte(CredentialDescriptorName))
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: ensure credential descriptor: %w", err)
	}
	descriptor := mat.Descriptor
	mat.Zero()
	if err := store.Commit(); err != nil {
		return nil, fmt.Errorf("cryptoutil: commit bundle: %w", err)
	}
	if len(out) == 0 {
		if out, err = store.Bytes(); err != nil {
			return nil, fmt.Errorf("cryptoutil: serialize bundle: %w", err)
		}
	}
	if !bytes.Equal(out, existing) {
		if err := os.WriteFile(path, out, 0o600); err != nil {
			return nil, fmt.Errorf("cryptoutil: write bundle %q: %w", path, err)
		}
	}
	return &Codec{root: root, descriptor: descriptor}, nil
}

func (c *Codec) material() (kryptograf.Material, error) {
	mat, err := kryptograf.New(c.root).ReconstructDEK([]byte(CredentialDescriptorName), c.descriptor)
	if err != nil {
		return kryptograf.Material{}, fmt.Errorf("cryptoutil: reconstruct credential DEK: %w", err)
	}
	return mat, nil
}

// Decrypt decodes and decrypts a base64 credential ciphertext.
func (c *Codec) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return "", fmt.Errorf("cryptoutil: decode credential: %w", err)
	}
	mat, err := c.material()
	if err != nil {
		return "", err
	}
	defer mat.Zero()
	reader, err := kryptograf.New(c.root).DecryptReader(bytes.NewReader(raw), mat)
	if err != nil {
		return "", fmt.Errorf("cryptoutil: decrypt credential: %w", err)
	}
	defer reader.Close()
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("cryptoutil: decrypt credential read: %w", err)
	}
	return string(plaintext), nil
}

// Encrypt produces the base64 ciphertext for plaintext; clients and tests
// use it to build request bodies.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	mat, err := c.material()
	if err != nil {
		return "", err
	}
	defer mat.Zero()
	var buf bytes.Buffer
	writer, err := kryptograf.New(c.root).EncryptWriter(&buf, mat)
	if err != nil {
		return "", fmt.Errorf("cryptoutil: encrypt credential: %w", err)
	}
	if _, err := io.WriteString(writer, plaintext); err != nil {
		_ = writer.Close()
		return "", fmt.Errorf("cryptoutil: encrypt credential write: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("cryptoutil: encrypt credential close: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
