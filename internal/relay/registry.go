package relay

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tendermint/checkpointbft/crypto"
	tmbytes "github.com/tendermint/checkpointbft/libs/bytes"
	"github.com/tendermint/checkpointbft/libs/log"
	"github.com/tendermint/checkpointbft/types"
)

var (
	ErrUnknownDirector        = errors.New("unknown director")
	ErrAlreadyAuthorized      = errors.New("validator already authorized")
	ErrNotAuthorized          = errors.New("validator not authorized")
	ErrInsufficientSignatures = errors.New("insufficient director signatures")
	ErrDirectorFull           = errors.New("director has no capacity for more validators")
)

const authorizePrefix = "authorize"

// AuthorizationSignBytes returns the bytes a director signs to endorse
// validator joining the network through director.
func AuthorizationSignBytes(validator, director types.PeerID) []byte {
	bz := make([]byte, 0, len(authorizePrefix)+len(validator)+len(director))
	bz = append(bz, authorizePrefix...)
	bz = append(bz, validator...)
	return append(bz, director...)
}

// DirectorSignature is one director's endorsement. The signer is identified
// by its public key, from which its PeerID is derived.
type DirectorSignature struct {
	PubKey    tmbytes.HexBytes `json:"pub_key"`
	Signature tmbytes.HexBytes `json:"signature"`
}

// SignAuthorization endorses validator joining through director with
// privKey.
func SignAuthorization(privKey crypto.PrivKey, validator, director types.PeerID) (DirectorSignature, error) {
	sig, err := privKey.Sign(AuthorizationSignBytes(validator, director))
	if err != nil {
		return DirectorSignature{}, fmt.Errorf("failed to sign authorization: %w", err)
	}
	return DirectorSignature{PubKey: privKey.PubKey().Bytes(), Signature: sig}, nil
}

// AuthorizationProof carries the director endorsements of a validator.
type AuthorizationProof struct {
	Signatures []DirectorSignature `json:"signatures"`
}

// Authorization is an entry of the registry.
type Authorization struct {
	Validator    types.PeerID
	Director     types.PeerID
	EndorsedBy   []types.PeerID
	AuthorizedAt time.Time
}

// ValidatorRegistry tracks the validators that directors admitted to the
// network. A validator is admitted through one director, which may admit at
// most maxPerDirector validators, and only with the endorsement of more than
// two thirds of all directors.
type ValidatorRegistry struct {
	logger         log.Logger
	metrics        *Metrics
	verifier       crypto.Verifier
	maxPerDirector int

	mtx         sync.RWMutex
	directors   map[types.PeerID]struct{}
	authorized  map[types.PeerID]Authorization
	perDirector map[types.PeerID]int
}

// NewValidatorRegistry returns an empty registry for the given directors.
func NewValidatorRegistry(
	logger log.Logger,
	metrics *Metrics,
	directors []types.PeerID,
	maxPerDirector int,
	verifier crypto.Verifier,
) *ValidatorRegistry {
	if metrics == nil {
		metrics = NopMetrics()
	}
	reg := &ValidatorRegistry{
		logger:         logger,
		metrics:        metrics,
		verifier:       verifier,
		maxPerDirector: maxPerDirector,
		directors:      make(map[types.PeerID]struct{}, len(directors)),
		authorized:     make(map[types.PeerID]Authorization),
		perDirector:    make(map[types.PeerID]int),
	}
	for _, id := range directors {
		reg.directors[id] = struct{}{}
	}
	return reg
}

// RequiredSignatures is the number of distinct director endorsements needed
// to authorize a validator: floor(2D/3)+1 for D directors.
func (reg *ValidatorRegistry) RequiredSignatures() int {
	reg.mtx.RLock()
	defer reg.mtx.RUnlock()
	return len(reg.directors)*2/3 + 1
}

// Authorize admits validator through director if proof carries enough valid
// endorsements from distinct directors. Endorsements from non-directors,
// repeated endorsers and invalid signatures are ignored.
func (reg *ValidatorRegistry) Authorize(validator, director types.PeerID, proof AuthorizationProof) error {
	if err := validator.Validate(); err != nil {
		return fmt.Errorf("invalid validator: %w", err)
	}
	signBytes := AuthorizationSignBytes(validator, director)

	reg.mtx.Lock()
	defer reg.mtx.Unlock()

	if _, ok := reg.directors[director]; !ok {
		return fmt.Errorf("%w: %v", ErrUnknownDirector, director)
	}
	if _, ok := reg.authorized[validator]; ok {
		return fmt.Errorf("%w: %v", ErrAlreadyAuthorized, validator)
	}
	if reg.perDirector[director] >= reg.maxPerDirector {
		return fmt.Errorf("%w: %v admitted %d", ErrDirectorFull, director, reg.perDirector[director])
	}

	endorsers := make([]types.PeerID, 0, len(proof.Signatures))
	seen := make(map[types.PeerID]bool, len(proof.Signatures))
	for _, sig := range proof.Signatures {
		signer := types.PeerIDFromPubKeyBytes(sig.PubKey)
		if _, ok := reg.directors[signer]; !ok || seen[signer] {
			continue
		}
		if !reg.verifier.Verify(sig.PubKey, signBytes, sig.Signature) {
			continue
		}
		seen[signer] = true
		endorsers = append(endorsers, signer)
	}

	required := len(reg.directors)*2/3 + 1
	if len(endorsers) < required {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientSignatures, len(endorsers), required)
	}

	sort.Slice(endorsers, func(i, j int) bool { return endorsers[i] < endorsers[j] })
	reg.authorized[validator] = Authorization{
		Validator:    validator,
		Director:     director,
		EndorsedBy:   endorsers,
		AuthorizedAt: time.Now().UTC(),
	}
	reg.perDirector[director]++
	reg.metrics.AuthorizedValidators.Set(float64(len(reg.authorized)))

	reg.logger.Info("authorized validator",
		"validator", validator,
		"director", director,
		"endorsements", len(endorsers))
	return nil
}

// Revoke removes validator from the registry.
func (reg *ValidatorRegistry) Revoke(validator types.PeerID) error {
	reg.mtx.Lock()
	defer reg.mtx.Unlock()

	auth, ok := reg.authorized[validator]
	if !ok {
		return fmt.Errorf("%w: %v", ErrNotAuthorized, validator)
	}
	delete(reg.authorized, validator)
	reg.perDirector[auth.Director]--
	if reg.perDirector[auth.Director] == 0 {
		delete(reg.perDirector, auth.Director)
	}
	reg.metrics.AuthorizedValidators.Set(float64(len(reg.authorized)))

	reg.logger.Info("revoked validator", "validator", validator, "director", auth.Director)
	return nil
}

// IsAuthorized reports whether validator was admitted by a director.
func (reg *ValidatorRegistry) IsAuthorized(validator types.PeerID) bool {
	reg.mtx.RLock()
	defer reg.mtx.RUnlock()
	_, ok := reg.authorized[validator]
	return ok
}

// IsDirector reports whether id is a configured director.
func (reg *ValidatorRegistry) IsDirector(id types.PeerID) bool {
	reg.mtx.RLock()
	defer reg.mtx.RUnlock()
	_, ok := reg.directors[id]
	return ok
}

// Allowed reports whether id is a director or an authorized validator.
func (reg *ValidatorRegistry) Allowed(id types.PeerID) bool {
	reg.mtx.RLock()
	defer reg.mtx.RUnlock()
	if _, ok := reg.directors[id]; ok {
		return true
	}
	_, ok := reg.authorized[id]
	return ok
}

// CanAccept reports whether director can admit another validator.
func (reg *ValidatorRegistry) CanAccept(director types.PeerID) bool {
	reg.mtx.RLock()
	defer reg.mtx.RUnlock()
	_, ok := reg.directors[director]
	return ok && reg.perDirector[director] < reg.maxPerDirector
}

// Authorization returns the registry entry for validator.
func (reg *ValidatorRegistry) Authorization(validator types.PeerID) (Authorization, bool) {
	reg.mtx.RLock()
	defer reg.mtx.RUnlock()
	auth, ok := reg.authorized[validator]
	return auth, ok
}

// Authorizations returns every registry entry, sorted by validator.
func (reg *ValidatorRegistry) Authorizations() []Authorization {
	reg.mtx.RLock()
	defer reg.mtx.RUnlock()

	auths := make([]Authorization, 0, len(reg.authorized))
	for _, auth := range reg.authorized {
		auths = append(auths, auth)
	}
	sort.Slice(auths, func(i, j int) bool { return auths[i].Validator < auths[j].Validator })
	return auths
}
