package issuer

import "github.com/spacemeshos/certchain/signing"

func DefaultConfig() Config {
	return Config{
		KeyBits:         signing.MinKeyBits,
		PubKeyCacheSize: 256,
	}
}

//nolint:lll
type Config struct {
	KeyBits         int `long:"key-bits"          description:"The size in bits of generated institution keys"`
	PubKeyCacheSize int `long:"pubkey-cache-size" description:"The number of parsed public keys kept in memory"`
}
