package crypto

import (
	"encoding/json"

	"delegate-server/internal/domain"
)

// ConfigCipher encrypts and decrypts job configurations. Every failure is
// reported as a *domain.EncryptionError; an empty configuration is never
// substituted.
type ConfigCipher struct {
	enc *Encryptor
}

// NewConfigCipher creates a ConfigCipher backed by enc.
func NewConfigCipher(enc *Encryptor) *ConfigCipher {
	return &ConfigCipher{enc: enc}
}

// EncryptConfiguration serializes and encrypts cfg.
func (c *ConfigCipher) EncryptConfiguration(cfg *domain.JobConfiguration) (ciphertext, iv []byte, err error) {
	if cfg == nil {
		return nil, nil, domain.ErrEncryption(nil, "no configuration to encrypt")
	}
	plain, err := json.Marshal(cfg)
	if err != nil {
		return nil, nil, domain.ErrEncryption(err, "serialize job configuration")
	}
	ciphertext, iv, err = c.enc.Encrypt(plain)
	if err != nil {
		return nil, nil, domain.ErrEncryption(err, "encrypt job configuration")
	}
	return ciphertext, iv, nil
}

// DecryptConfiguration decrypts and parses the configuration stored on job.
func (c *ConfigCipher) DecryptConfiguration(job *domain.Job) (*domain.JobConfiguration, error) {
	if len(job.EncryptedConfiguration) == 0 {
		return nil, domain.ErrEncryption(nil, "no encrypted configuration found for job %s", job.ID)
	}
	if len(job.EncryptionIV) == 0 {
		return nil, domain.ErrEncryption(nil, "no initial vector data found for job %s", job.ID)
	}
	plain, err := c.enc.Decrypt(job.EncryptedConfiguration, job.EncryptionIV)
	if err != nil {
		return nil, domain.ErrEncryption(err, "decrypt configuration of job %s", job.ID)
	}
	var cfg domain.JobConfiguration
	if err := json.Unmarshal(plain, &cfg); err != nil {
		return nil, domain.ErrEncryption(err, "parse decrypted configuration of job %s", job.ID)
	}
	return &cfg, nil
}
