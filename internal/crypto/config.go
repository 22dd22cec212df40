package crypto

import (
	"fmt"

	"github.com/rakunlabs/relai/internal/config"
)

// EncryptChannel encrypts the credentials of a Channel (api_key and api_keys)
// and returns the modified channel. If key is nil, the channel is returned
// unchanged (no-op).
func EncryptChannel(ch config.Channel, key []byte) (config.Channel, error) {
	if key == nil {
		return ch, nil
	}

	if ch.APIKey != "" {
		enc, err := Encrypt(ch.APIKey, key)
		if err != nil {
			return ch, fmt.Errorf("encrypt api_key: %w", err)
		}
		ch.APIKey = enc
	}

	if len(ch.APIKeys) > 0 {
		encrypted := make([]string, len(ch.APIKeys))
		for i, v := range ch.APIKeys {
			enc, err := Encrypt(v, key)
			if err != nil {
				return ch, fmt.Errorf("encrypt api_keys[%d]: %w", i, err)
			}
			encrypted[i] = enc
		}
		ch.APIKeys = encrypted
	}

	return ch, nil
}

// DecryptChannel decrypts the credentials of a Channel. If key is nil, the
// channel is returned unchanged. Values without the "enc:" prefix are left
// as-is (plaintext passthrough).
func DecryptChannel(ch config.Channel, key []byte) (config.Channel, error) {
	if key == nil {
		return ch, nil
	}

	if ch.APIKey != "" {
		dec, err := Decrypt(ch.APIKey, key)
		if err != nil {
			return ch, fmt.Errorf("decrypt api_key: %w", err)
		}
		ch.APIKey = dec
	}

	if len(ch.APIKeys) > 0 {
		decrypted := make([]string, len(ch.APIKeys))
		for i, v := range ch.APIKeys {
			dec, err := Decrypt(v, key)
			if err != nil {
				return ch, fmt.Errorf("decrypt api_keys[%d]: %w", i, err)
			}
			decrypted[i] = dec
		}
		ch.APIKeys = decrypted
	}

	return ch, nil
}

// DecryptChannels decrypts every channel's credentials with the given key.
// Called once at config load.
func DecryptChannels(channels []config.Channel, key []byte) ([]config.Channel, error) {
	if key == nil {
		return channels, nil
	}

	out := make([]config.Channel, len(channels))
	for i, ch := range channels {
		dec, err := DecryptChannel(ch, key)
		if err != nil {
			return nil, fmt.Errorf("channel %q: %w", ch.ID, err)
		}
		out[i] = dec
	}

	return out, nil
}
