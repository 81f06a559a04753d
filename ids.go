package h3upstream

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/quic-go/quic-go"
)

// KeyMaterial holds the symmetric secret this endpoint uses to derive a
// stable, non-reversible identifier for a connection: the hashed SCID under
// which it is registered with the Demux. quic-go owns the wire-level
// stateless-reset token and address-validation token machinery itself;
// KeyMaterial is this package's own bookkeeping layer, not a substitute
// for that.
type KeyMaterial struct {
	secret []byte
}

// NewKeyMaterial derives a KeyMaterial from an operator-supplied secret.
// An empty secret causes a fresh random secret to be generated, which is
// appropriate for a single-process deployment but means derived
// identifiers will not survive a restart.
func NewKeyMaterial(secret []byte) (*KeyMaterial, error) {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("h3upstream: generating key material: %w", err)
		}
	}
	return &KeyMaterial{secret: secret}, nil
}

// hashConnID returns a hex-encoded HMAC of id under this key material,
// suitable for use in filenames and log lines without leaking the raw
// connection identity.
func (k *KeyMaterial) hashConnID(id quic.ConnectionTracingID) string {
	mac := hmac.New(sha256.New, k.secret)
	fmt.Fprintf(mac, "%d", id)
	return hex.EncodeToString(mac.Sum(nil))[:16]
}

// tracingID extracts the quic-go-assigned tracing identifier for conn's
// context, which this package uses as its stand-in for the wire SCID:
// the stable quic.Connection interface exposed by http3.Server does not
// surface raw connection IDs (see DESIGN.md, "connection identity").
func tracingID(ctx context.Context) (quic.ConnectionTracingID, bool) {
	id, ok := ctx.Value(quic.ConnectionTracingKey).(quic.ConnectionTracingID)
	return id, ok
}
