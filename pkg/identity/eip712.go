package identity

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// AuthChallengeDomain is the EIP-712 domain used to authorise a clearing-
// network session: the identity key signs a typed-data hash binding the
// ephemeral key address to the server-issued challenge, so the server can
// verify the identity authorised exactly this session without ever seeing
// the identity's private key in the frame itself.
func AuthChallengeDomain(appName string) apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:    appName,
		Version: "1",
	}
}

// authChallengeTypes describes the single typed message signed during
// authentication: the challenge text plus the ephemeral key that the
// challenge is being bound to.
var authChallengeTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
	},
	"Policy": {
		{Name: "challenge", Type: "string"},
		{Name: "scope", Type: "string"},
		{Name: "wallet", Type: "address"},
	},
}

// EIP712Sign signs the auth_challenge message using the identity key,
// binding it to the ephemeral session key's address and the requested
// scope. This is the signature returned in step 3 of the clearing-network
// auth handshake.
func (id *Identity) EIP712Sign(appName, challenge, scope string, ephemeralAddr common.Address) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       authChallengeTypes,
		PrimaryType: "Policy",
		Domain:      AuthChallengeDomain(appName),
		Message: apitypes.TypedDataMessage{
			"challenge": challenge,
			"scope":     scope,
			"wallet":    ephemeralAddr.Hex(),
		},
	}
	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, err
	}
	return id.signDigest(hash)
}

// signDigest signs a pre-hashed 32-byte digest directly (no additional
// personal-sign prefixing), as required by EIP-712.
func (id *Identity) signDigest(digest []byte) ([]byte, error) {
	return signRaw(digest, id.key)
}
