// Package address derives deterministic record keys for the recurring-payment ledger.
//
// Every record lives at a key computed from its parent key and a local
// identifier, so any caller can locate a payee, terms or agreement without
// querying a directory:
//
//	config
//	└── payee(authority)
//	    └── terms(payee, termsID)
//	        └── agreement(terms, payer)
package address

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// domain separates ledger keys from any other keccak-derived address.
const domain = "recurring.ledger.v1"

// MaxSeedLength bounds a single derivation seed.
const MaxSeedLength = 32

// Seed labels. Changing any of these moves every derived record.
const (
	seedConfig    = "config"
	seedPayee     = "payee"
	seedTerms     = "payment_terms"
	seedAgreement = "payment_agreement"
	seedDelegate  = "delegate"
	seedTreasury  = "platform_treasury"
	seedAccount   = "token_account"
)

// Derive hashes the domain tag and length-prefixed seeds with keccak256 and
// returns the low 20 bytes. Length prefixes keep ("ab","c") and ("a","bc")
// from colliding.
func Derive(seeds ...[]byte) common.Address {
	buf := make([]byte, 0, len(domain)+len(seeds)*(MaxSeedLength+2))
	buf = append(buf, domain...)
	for _, s := range seeds {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(s))) //nolint:gosec // seeds are addresses or bounded ids
		buf = append(buf, s...)
	}
	return common.BytesToAddress(crypto.Keccak256(buf))
}

// Config returns the key of the singleton configuration record.
func Config() common.Address {
	return Derive([]byte(seedConfig))
}

// Payee returns the key of the payee record owned by authority.
func Payee(authority common.Address) common.Address {
	return Derive([]byte(seedPayee), authority.Bytes())
}

// Terms returns the key of the payment terms termsID published by payee.
func Terms(payee common.Address, termsID string) common.Address {
	return Derive([]byte(seedTerms), payee.Bytes(), []byte(termsID))
}

// Agreement returns the key of payer's agreement on terms.
func Agreement(terms, payer common.Address) common.Address {
	return Derive([]byte(seedAgreement), terms.Bytes(), payer.Bytes())
}

// Delegate returns the per-payee authorization holder.
func Delegate(payee common.Address) common.Address {
	return Derive([]byte(seedDelegate), payee.Bytes())
}

// SharedDelegate returns the single authorization holder used by every payee
// when the ledger runs in shared-delegate mode.
func SharedDelegate() common.Address {
	return Derive([]byte(seedDelegate))
}

// PlatformTreasury returns the token account that collects platform fees.
func PlatformTreasury() common.Address {
	return Derive([]byte(seedTreasury))
}

// TokenAccount returns the canonical token account of owner for asset.
func TokenAccount(owner, asset common.Address) common.Address {
	return Derive([]byte(seedAccount), owner.Bytes(), asset.Bytes())
}
