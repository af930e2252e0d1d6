package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/creachadair/atomicfile"

	"github.com/tendermint/checkpointbft/crypto"
	"github.com/tendermint/checkpointbft/crypto/ed25519"
	tmbytes "github.com/tendermint/checkpointbft/libs/bytes"
)

// Validator is a member of an authority set.
type Validator struct {
	ID     PeerID           `json:"id"`
	PubKey tmbytes.HexBytes `json:"pub_key"`
}

// NewValidator builds a Validator from its public key.
func NewValidator(pubKey crypto.PubKey) Validator {
	return Validator{
		ID:     PeerIDFromPubKey(pubKey),
		PubKey: pubKey.Bytes(),
	}
}

// ValidateBasic checks the key size and that the ID matches the key.
func (v Validator) ValidateBasic() error {
	if len(v.PubKey) != ed25519.PubKeySize {
		return fmt.Errorf("validator %s: invalid public key size %d", v.ID, len(v.PubKey))
	}
	if id := PeerIDFromPubKeyBytes(v.PubKey); id != v.ID {
		return fmt.Errorf("validator ID %s does not match public key (%s)", v.ID, id)
	}
	return nil
}

// ValidatorSet is a numbered authority set. Votes and certificates carry the
// set ID they were produced under, and are only valid against that set.
//
// Quorum is 2f+1 where f = (V-1)/3 is the number of tolerated faulty
// validators for a set of size V.
type ValidatorSet struct {
	ID         uint64      `json:"id"`
	Validators []Validator `json:"validators"`

	byID map[PeerID]int
}

// NewValidatorSet creates a validator set sorted by ID. It errors on an empty
// set, invalid members and duplicates.
func NewValidatorSet(id uint64, validators []Validator) (*ValidatorSet, error) {
	vals := &ValidatorSet{
		ID:         id,
		Validators: append([]Validator(nil), validators...),
	}
	if err := vals.init(); err != nil {
		return nil, err
	}
	return vals, nil
}

func (vals *ValidatorSet) init() error {
	if len(vals.Validators) == 0 {
		return errors.New("validator set is empty")
	}

	sort.Slice(vals.Validators, func(i, j int) bool {
		return vals.Validators[i].ID < vals.Validators[j].ID
	})

	vals.byID = make(map[PeerID]int, len(vals.Validators))
	for i, v := range vals.Validators {
		if err := v.ValidateBasic(); err != nil {
			return err
		}
		if _, ok := vals.byID[v.ID]; ok {
			return fmt.Errorf("duplicate validator %s", v.ID)
		}
		vals.byID[v.ID] = i
	}
	return nil
}

// Size returns the number of validators.
func (vals *ValidatorSet) Size() int {
	return len(vals.Validators)
}

// MaxFaulty returns f = (V-1)/3.
func (vals *ValidatorSet) MaxFaulty() int {
	if vals.Size() == 0 {
		return 0
	}
	return (vals.Size() - 1) / 3
}

// QuorumThreshold returns 2f+1.
func (vals *ValidatorSet) QuorumThreshold() int {
	return 2*vals.MaxFaulty() + 1
}

// HasID reports whether id is a member of the set.
func (vals *ValidatorSet) HasID(id PeerID) bool {
	_, ok := vals.byID[id]
	return ok
}

// GetByID returns the validator with the given ID.
func (vals *ValidatorSet) GetByID(id PeerID) (Validator, bool) {
	idx, ok := vals.byID[id]
	if !ok {
		return Validator{}, false
	}
	return vals.Validators[idx], true
}

// Copy returns a deep copy of the set.
func (vals *ValidatorSet) Copy() *ValidatorSet {
	cp, err := NewValidatorSet(vals.ID, vals.Validators)
	if err != nil {
		// vals was already validated
		panic(err)
	}
	return cp
}

func (vals *ValidatorSet) String() string {
	ids := make([]string, 0, len(vals.Validators))
	for _, v := range vals.Validators {
		ids = append(ids, v.ID.ShortString())
	}
	return fmt.Sprintf("ValidatorSet{id:%d quorum:%d/%d [%s]}",
		vals.ID, vals.QuorumThreshold(), vals.Size(), strings.Join(ids, " "))
}

// UnmarshalJSON decodes and validates a validator set.
func (vals *ValidatorSet) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID         uint64      `json:"id"`
		Validators []Validator `json:"validators"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	vals.ID = raw.ID
	vals.Validators = raw.Validators
	return vals.init()
}

// Reindex validates the set and rebuilds its lookup index. It must be called
// after decoding a set from its binary encoding.
func (vals *ValidatorSet) Reindex() error {
	return vals.init()
}

// LoadValidatorSet reads a JSON encoded authority set from filePath.
func LoadValidatorSet(filePath string) (*ValidatorSet, error) {
	bz, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	vals := &ValidatorSet{}
	if err := json.Unmarshal(bz, vals); err != nil {
		return nil, fmt.Errorf("error reading authority set from %v: %w", filePath, err)
	}
	return vals, nil
}

// SaveAs writes the authority set to filePath as JSON.
func (vals *ValidatorSet) SaveAs(filePath string) error {
	bz, err := json.MarshalIndent(vals, "", "  ")
	if err != nil {
		return err
	}
	_, err = atomicfile.WriteAll(filePath, bytes.NewReader(bz), 0644)
	return err
}
