package audit

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var fingerprintMode cbor.EncMode

func init() {
	var err error
	fingerprintMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// Fingerprint returns a digest of the content of a projection, ignoring
// updated_at. The projection is first normalized through JSON so that a
// payload read back from a document store, with its own number and map
// types, fingerprints the same as the one that was written.
func Fingerprint(projection any) (string, error) {
	raw, err := json.Marshal(projection)
	if err != nil {
		return "", fmt.Errorf("failed to encode projection: %w", err)
	}
	var content map[string]any
	if err := json.Unmarshal(raw, &content); err != nil {
		return "", fmt.Errorf("failed to decode projection: %w", err)
	}
	delete(content, "updated_at")

	canonical, err := fingerprintMode.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("failed to encode projection: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return fmt.Sprintf("%x", sum), nil
}
