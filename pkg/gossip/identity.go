package gossip

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"fmt"
	"strings"
)

var peerIDEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Identity is the node's keypair and the PeerID derived from it. It is
// generated fresh on every start.
//
// The key only names the node. Nothing is signed with it, so a hello whose
// From matches its PublicKey is well formed, not authenticated: any peer can
// announce someone else's public key and claim that ID.
type Identity struct {
	priv ed25519.PrivateKey
	id   PeerID
}

func NewIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	return &Identity{priv: priv, id: IDFromPublicKey(pub)}, nil
}

// ID is the local PeerID.
func (i *Identity) ID() PeerID { return i.id }

func (i *Identity) PublicKey() ed25519.PublicKey {
	return i.priv.Public().(ed25519.PublicKey)
}

// IDFromPublicKey derives a PeerID: "zm" followed by the base32 of the
// first 20 bytes of sha256(pub).
func IDFromPublicKey(pub ed25519.PublicKey) PeerID {
	sum := sha256.Sum256(pub)
	return PeerID("zm" + strings.ToLower(peerIDEncoding.EncodeToString(sum[:20])))
}
