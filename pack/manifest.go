package pack

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ManifestVersion is the current manifest format version.
const ManifestVersion = 1

// cborEncMode uses canonical encoding so identical packs produce
// byte-identical manifests.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("pack: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Manifest describes the contents of a pack.
type Manifest struct {
	Version   int              `cbor:"version"`
	Entry     string           `cbor:"entry,omitempty"`
	CreatedAt int64            `cbor:"created_at"`
	Modules   []ManifestModule `cbor:"modules"`
}

// ManifestModule is one module's manifest record.
type ManifestModule struct {
	ID       string `cbor:"id"`
	Hash     string `cbor:"hash"`
	Size     int64  `cbor:"size"`
	Modified int64  `cbor:"modified"`
}

// MarshalManifest serializes a Manifest to canonical CBOR bytes.
func MarshalManifest(m *Manifest) ([]byte, error) {
	data, err := cborEncMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("pack: marshal manifest: %w", err)
	}
	return data, nil
}

// UnmarshalManifest deserializes a Manifest from CBOR bytes.
func UnmarshalManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("pack: unmarshal manifest: %w", err)
	}
	if m.Version > ManifestVersion {
		return nil, fmt.Errorf("pack: manifest version %d is newer than supported %d", m.Version, ManifestVersion)
	}
	return &m, nil
}

// Lookup returns the manifest record for a module id.
func (m *Manifest) Lookup(id string) (ManifestModule, bool) {
	for _, mod := range m.Modules {
		if mod.ID == id {
			return mod, true
		}
	}
	return ManifestModule{}, false
}
