package types

import (
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/tendermint/checkpointbft/crypto"
)

var (
	ErrCertificateWrongSet        = errors.New("certificate authority set does not match")
	ErrCertificateNoQuorum        = errors.New("certificate does not reach quorum")
	ErrCertificateDuplicateSigner = errors.New("duplicate signer in certificate")
)

// CommitSig is a single validator signature aggregated into a certificate.
type CommitSig struct {
	Signer    PeerID `json:"signer"`
	Signature []byte `json:"signature"`
}

// Certificate is the immutable proof that a quorum of the authority set
// signed the same digest for a checkpoint.
type Certificate struct {
	Checkpoint     uint64      `json:"checkpoint"`
	Digest         Hash        `json:"digest"`
	AuthoritySetID uint64      `json:"authority_set_id"`
	Signatures     []CommitSig `json:"signatures"`
}

// NewCertificate aggregates same-digest votes into a certificate. The
// signatures are sorted by signer so that the certificate encoding does not
// depend on vote arrival order.
func NewCertificate(votes []Vote) (*Certificate, error) {
	if len(votes) == 0 {
		return nil, errors.New("no votes")
	}

	first := votes[0]
	cert := &Certificate{
		Checkpoint:     first.Checkpoint,
		Digest:         first.Digest,
		AuthoritySetID: first.AuthoritySetID,
		Signatures:     make([]CommitSig, 0, len(votes)),
	}
	for _, v := range votes {
		if v.Checkpoint != cert.Checkpoint || v.Digest != cert.Digest || v.AuthoritySetID != cert.AuthoritySetID {
			return nil, fmt.Errorf("vote %v does not match certificate %d/%s", &v, cert.Checkpoint, cert.Digest.ShortString())
		}
		cert.Signatures = append(cert.Signatures, CommitSig{Signer: v.Signer, Signature: v.Signature})
	}
	sort.Slice(cert.Signatures, func(i, j int) bool {
		return cert.Signatures[i].Signer < cert.Signatures[j].Signer
	})
	return cert, nil
}

// Votes expands the certificate back into the individual votes it aggregates.
func (cert *Certificate) Votes() []Vote {
	votes := make([]Vote, 0, len(cert.Signatures))
	for _, sig := range cert.Signatures {
		votes = append(votes, Vote{
			Checkpoint:     cert.Checkpoint,
			AuthoritySetID: cert.AuthoritySetID,
			Signer:         sig.Signer,
			Digest:         cert.Digest,
			Signature:      sig.Signature,
		})
	}
	return votes
}

// ValidateBasic performs stateless validation.
func (cert *Certificate) ValidateBasic() error {
	if cert.Digest.IsZero() {
		return errors.New("certificate has empty digest")
	}
	if len(cert.Signatures) == 0 {
		return errors.New("certificate has no signatures")
	}
	seen := make(map[PeerID]struct{}, len(cert.Signatures))
	for _, v := range cert.Votes() {
		if err := v.ValidateBasic(); err != nil {
			return fmt.Errorf("invalid signature from %s: %w", v.Signer, err)
		}
		if _, ok := seen[v.Signer]; ok {
			return fmt.Errorf("%w: %s", ErrCertificateDuplicateSigner, v.Signer)
		}
		seen[v.Signer] = struct{}{}
	}
	return nil
}

// Verify checks that the certificate was produced under vals: matching set ID,
// unique member signers with valid signatures, and at least a quorum of them.
func (cert *Certificate) Verify(vals *ValidatorSet, verifier crypto.Verifier) error {
	if err := cert.ValidateBasic(); err != nil {
		return err
	}
	if cert.AuthoritySetID != vals.ID {
		return fmt.Errorf("%w: got %d, expected %d", ErrCertificateWrongSet, cert.AuthoritySetID, vals.ID)
	}
	if len(cert.Signatures) < vals.QuorumThreshold() {
		return fmt.Errorf("%w: %d signatures, need %d",
			ErrCertificateNoQuorum, len(cert.Signatures), vals.QuorumThreshold())
	}
	for _, v := range cert.Votes() {
		v := v
		if err := v.Verify(vals, verifier); err != nil {
			return fmt.Errorf("certificate signature from %s: %w", v.Signer, err)
		}
	}
	return nil
}

// HasSigner reports whether id contributed a signature.
func (cert *Certificate) HasSigner(id PeerID) bool {
	for _, sig := range cert.Signatures {
		if sig.Signer == id {
			return true
		}
	}
	return false
}

func (cert *Certificate) String() string {
	if cert == nil {
		return "nil-Certificate"
	}
	return fmt.Sprintf("Certificate{%d %s set:%d sigs:%d}",
		cert.Checkpoint, cert.Digest.ShortString(), cert.AuthoritySetID, len(cert.Signatures))
}

// MarshalZerologObject formats this object for logging purposes
func (cert *Certificate) MarshalZerologObject(e *zerolog.Event) {
	if cert == nil {
		return
	}
	e.Uint64("checkpoint", cert.Checkpoint)
	e.Str("digest", cert.Digest.ShortString())
	e.Uint64("authority_set_id", cert.AuthoritySetID)
	e.Int("signatures", len(cert.Signatures))
}
